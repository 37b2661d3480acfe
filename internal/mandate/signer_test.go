package mandate

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 测试专用私钥，对应一个确定的代理地址。
const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func testDomain() Domain {
	return Domain{
		Name:     "AgentPay",
		Version:  "1",
		ChainID:  big.NewInt(11155111),
		Registry: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(testKeyHex, testDomain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return signer
}

func TestCreateAndVerifyMandate(t *testing.T) {
	signer := newTestSigner(t)

	m, err := signer.CreateMandate(50, time.Hour, []string{"purpose: servers"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.MaxAmount != 50 {
		t.Fatalf("unexpected max amount: %v", m.MaxAmount)
	}
	if !m.Expiry.After(m.IssuedAt) {
		t.Fatalf("expiry must be after issuance")
	}
	if err := signer.Verify(m); err != nil {
		t.Fatalf("freshly issued mandate must verify: %v", err)
	}

	key, _ := crypto.HexToECDSA(testKeyHex)
	if m.Agent != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("agent identity mismatch")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer := newTestSigner(t)

	m, err := signer.CreateMandate(50, time.Hour, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tampered := *m
	tampered.MaxAmount = 5000
	if err := signer.Verify(&tampered); !errors.Is(err, ErrMandateTampered) {
		t.Fatalf("expected MANDATE_TAMPERED for amount change, got %v", err)
	}

	forged := *m
	forged.Agent = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	if err := signer.Verify(&forged); !errors.Is(err, ErrMandateTampered) {
		t.Fatalf("expected MANDATE_TAMPERED for agent change, got %v", err)
	}
}

func TestCreateMandateRejectsInvalidInput(t *testing.T) {
	signer := newTestSigner(t)

	if _, err := signer.CreateMandate(0, time.Hour, nil); err == nil {
		t.Fatalf("zero amount must be rejected")
	}
	if _, err := signer.CreateMandate(-5, time.Hour, nil); err == nil {
		t.Fatalf("negative amount must be rejected")
	}
	if _, err := signer.CreateMandate(10, 0, nil); err == nil {
		t.Fatalf("zero ttl must be rejected")
	}
}

func TestNoncesAreUnique(t *testing.T) {
	signer := newTestSigner(t)

	seen := make(map[uint64]struct{})
	for i := 0; i < 64; i++ {
		m, err := signer.CreateMandate(1, time.Hour, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, dup := seen[m.Nonce]; dup {
			t.Fatalf("duplicate nonce %d", m.Nonce)
		}
		seen[m.Nonce] = struct{}{}
	}
}

func TestContentHashIsDomainBound(t *testing.T) {
	signer := newTestSigner(t)
	m, err := signer.CreateMandate(50, time.Hour, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := testDomain()
	other.Registry = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	if hashMandate(m, other) == m.ContentHash {
		t.Fatalf("content hash must differ across registries")
	}

	otherChain := testDomain()
	otherChain.ChainID = big.NewInt(1)
	if hashMandate(m, otherChain) == m.ContentHash {
		t.Fatalf("content hash must differ across chains")
	}
}

func TestExpired(t *testing.T) {
	signer := newTestSigner(t)
	m, err := signer.CreateMandate(50, time.Minute, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Expired(time.Now()) {
		t.Fatalf("fresh mandate must not be expired")
	}
	if !m.Expired(time.Now().Add(2 * time.Minute)) {
		t.Fatalf("mandate must expire after its ttl")
	}
}
