package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"AgentPay/internal/approval"
	"AgentPay/internal/capability"
	"AgentPay/internal/escrow"
	"AgentPay/internal/intent"
	"AgentPay/internal/ledger"
	"AgentPay/internal/mandate"
	"AgentPay/internal/pipeline"
	"AgentPay/internal/policy"
	"AgentPay/internal/settings"
	"AgentPay/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type scriptedInvoker struct{ content string }

func (s *scriptedInvoker) Do(ctx context.Context, entry capability.Entry, req capability.Request) (*capability.Response, error) {
	return &capability.Response{Content: s.content, Variant: entry.Variant}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	newPool := func(content string) *capability.Pool {
		pool, err := capability.NewPool(&scriptedInvoker{content: content},
			[]capability.Entry{{Credential: "k", Variant: "m"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return pool
	}

	directory := intent.NewDirectory([]intent.Vendor{{
		ID:      "aws",
		Name:    "AWS",
		Address: "0x1111111111111111111111111111111111111111",
	}})
	resolver := intent.NewResolver(
		newPool(`{"recipient":"AWS","amount":50,"purpose":"servers","ttl_hours":24}`), directory)
	auditor := policy.NewAuditor(
		newPool(`{"approved":true,"reason":"within policy","risk_score":10}`),
		policy.NewVelocityWindow(1_000_000), "policy")

	signer, err := mandate.NewSigner(
		"b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
		mandate.Domain{Name: "AgentPay", Version: "1", ChainID: big.NewInt(1), Registry: common.Address{}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	audit, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	users := settings.NewService(settings.NewMemoryStore())
	executor := settlement.NewExecutor(nil, audit, false)
	machine := approval.NewMachine(approval.NewMemoryStore(time.Hour), executor, users, audit, false)
	p := pipeline.New(resolver, auditor, signer, machine, audit, false)

	return NewServer(":0", p, users, escrow.NewSimService(), audit)
}

func TestPaymentEndpointSettlesInDemoMode(t *testing.T) {
	server := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/payments", "application/json",
		strings.NewReader(`{"user_id":"alice","text":"Pay 50 to AWS for servers"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %s", resp.Status)
	}

	var receipt pipeline.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.State != approval.StateExecuted || receipt.Reference == "" {
		t.Fatalf("demo payment must settle: %+v", receipt)
	}
}

func TestSetPINValidation(t *testing.T) {
	server := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/settings/pin", "application/json",
		strings.NewReader(`{"user_id":"alice","pin":"12ab"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("malformed pin must be rejected")
	}

	resp, err = http.Post(ts.URL+"/api/v1/settings/pin", "application/json",
		strings.NewReader(`{"user_id":"alice","pin":"1234"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid pin must be accepted, got %s", resp.Status)
	}
}

func TestEscrowEndpointsCommitReveal(t *testing.T) {
	server := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	commitment := crypto.Keccak256Hash([]byte("delivery-proof")).Hex()
	resp, err := http.Post(ts.URL+"/api/v1/escrows", "application/json",
		strings.NewReader(`{"seller":"0x2222222222222222222222222222222222222222","amount":75,"commitment":"`+commitment+`","duration_seconds":3600}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create must succeed, got %s", resp.Status)
	}
	var created struct {
		EscrowID uint64 `json:"escrow_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.EscrowID == 0 {
		t.Fatalf("create must return a real escrow id")
	}

	// 揭示数据与承诺不一致时不得放款。
	wrongResp, err := http.Post(ts.URL+"/api/v1/escrows/release", "application/json",
		strings.NewReader(`{"escrow_id":1,"revealed":"forged-proof"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wrongResp.Body.Close()
	if wrongResp.StatusCode == http.StatusOK {
		t.Fatalf("mismatched reveal must be rejected")
	}

	okResp, err := http.Post(ts.URL+"/api/v1/escrows/release", "application/json",
		strings.NewReader(`{"escrow_id":1,"revealed":"delivery-proof"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	okResp.Body.Close()
	if okResp.StatusCode != http.StatusOK {
		t.Fatalf("matching reveal must release, got %s", okResp.Status)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/escrows?id=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer getResp.Body.Close()
	var record escrow.Record
	if err := json.NewDecoder(getResp.Body).Decode(&record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != escrow.StatusCompleted {
		t.Fatalf("released escrow must be COMPLETED, got %s", record.Status)
	}
}

func TestAuditEndpoints(t *testing.T) {
	server := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// 先产生一笔结算，让账本非空。
	resp, err := http.Post(ts.URL+"/api/v1/payments", "application/json",
		strings.NewReader(`{"user_id":"alice","text":"Pay 50 to AWS for servers"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/audit?kind=SETTLEMENT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var events []*ledger.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("settlement events must be queryable")
	}

	exportResp, err := http.Get(ts.URL + "/api/v1/audit/export")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer exportResp.Body.Close()
	if got := exportResp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("export must be csv, got %q", got)
	}
}
