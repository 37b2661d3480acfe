package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/intent"
	"AgentPay/internal/mandate"

	"github.com/ethereum/go-ethereum/common"
)

type stubTransfer struct {
	calls int
	tx    string
	err   error
}

func (s *stubTransfer) Transfer(ctx context.Context, to common.Address, amount float64) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.tx, nil
}

func testMandate(t *testing.T, amount float64) *mandate.Mandate {
	t.Helper()
	signer, err := mandate.NewSigner(
		"b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
		mandate.Domain{Name: "AgentPay", Version: "1", ChainID: big.NewInt(1), Registry: common.Address{}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md, err := signer.CreateMandate(amount, time.Hour, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return md
}

func testIntent(amount float64) *intent.PaymentIntent {
	return &intent.PaymentIntent{
		Recipient:       "AWS",
		ResolvedAddress: "0x1111111111111111111111111111111111111111",
		Amount:          amount,
		Verified:        true,
	}
}

func TestSimulationNeedsNoTransferClient(t *testing.T) {
	executor := NewExecutor(nil, nil, false)

	reference, err := executor.Execute(context.Background(), testIntent(50), testMandate(t, 50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(reference, "sim-") {
		t.Fatalf("simulated settlement must return a placeholder reference, got %q", reference)
	}
}

func TestProductionTransfersOnce(t *testing.T) {
	transfer := &stubTransfer{tx: "0xabc123"}
	executor := NewExecutor(transfer, nil, true)

	reference, err := executor.Execute(context.Background(), testIntent(50), testMandate(t, 50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reference != "0xabc123" || transfer.calls != 1 {
		t.Fatalf("expected a single transfer, got ref=%q calls=%d", reference, transfer.calls)
	}
}

func TestSecondExecutionOfSameMandateIsRejected(t *testing.T) {
	transfer := &stubTransfer{tx: "0xabc123"}
	executor := NewExecutor(transfer, nil, true)
	md := testMandate(t, 50)

	if _, err := executor.Execute(context.Background(), testIntent(50), md); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := executor.Execute(context.Background(), testIntent(50), md)
	if xerrors.CodeOf(err) != CodeMandateSpent {
		t.Fatalf("expected MANDATE_SPENT, got %v", err)
	}
	if transfer.calls != 1 {
		t.Fatalf("same mandate must not transfer twice, got %d calls", transfer.calls)
	}
}

func TestFailureSurfacesVerbatimAndConsumesMandate(t *testing.T) {
	cause := errors.New("insufficient gas: want 21000 got 500")
	transfer := &stubTransfer{err: cause}
	executor := NewExecutor(transfer, nil, true)
	md := testMandate(t, 50)

	_, err := executor.Execute(context.Background(), testIntent(50), md)
	if err == nil {
		t.Fatalf("transfer failure must propagate")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause must be preserved verbatim, got %v", err)
	}
	if transfer.calls != 1 {
		t.Fatalf("failure must not be retried, got %d calls", transfer.calls)
	}

	// 失败的授权同样视为已消费。
	_, err = executor.Execute(context.Background(), testIntent(50), md)
	if xerrors.CodeOf(err) != CodeMandateSpent {
		t.Fatalf("failed mandate must be spent, got %v", err)
	}
	if transfer.calls != 1 {
		t.Fatalf("spent mandate must not reach the transfer client")
	}
}

func TestInvalidRecipientAddressFails(t *testing.T) {
	transfer := &stubTransfer{tx: "0xabc123"}
	executor := NewExecutor(transfer, nil, true)

	it := testIntent(50)
	it.ResolvedAddress = "not-an-address"
	if _, err := executor.Execute(context.Background(), it, testMandate(t, 50)); err == nil {
		t.Fatalf("invalid address must fail")
	}
	if transfer.calls != 0 {
		t.Fatalf("invalid address must not reach the transfer client")
	}
}
