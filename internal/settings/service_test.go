package settings

import (
	"context"
	"errors"
	"testing"
)

func TestSetPINValidatesFormat(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for _, pin := range []string{"", "123", "12345", "12a4", "abcd", "１２３４"} {
		if err := svc.SetPIN(ctx, "alice", pin); !errors.Is(err, ErrInvalidPIN) {
			t.Fatalf("pin %q must be rejected, got %v", pin, err)
		}
	}

	if err := svc.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("valid pin rejected: %v", err)
	}
}

func TestSetPINStoresSaltedHash(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	if err := svc.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, err := store.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.PINHash == "1234" || user.PINHash == "" {
		t.Fatalf("pin must be stored hashed, got %q", user.PINHash)
	}
	if !VerifyPIN(user.PINHash, "1234") {
		t.Fatalf("correct pin must verify")
	}
	if VerifyPIN(user.PINHash, "4321") {
		t.Fatalf("wrong pin must not verify")
	}
}

func TestHashPINSaltsAreUnique(t *testing.T) {
	a, err := HashPIN("1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := HashPIN("1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatalf("same pin must hash differently across calls")
	}
}

func TestChangePINRequiresOldPIN(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.ChangePIN(ctx, "alice", "1234", "5678"); err == nil {
		t.Fatalf("changing an unset pin must fail")
	}

	if err := svc.SetPIN(ctx, "alice", "1234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.ChangePIN(ctx, "alice", "0000", "5678"); err == nil {
		t.Fatalf("wrong old pin must fail")
	}
	if err := svc.ChangePIN(ctx, "alice", "1234", "5678"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	user, err := svc.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !VerifyPIN(user.PINHash, "5678") {
		t.Fatalf("new pin must verify after change")
	}
}

func TestEnsureCreatesEmptyProfile(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Get(ctx, "bob"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected USER_NOT_FOUND, got %v", err)
	}
	user, err := svc.Ensure(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.HasPIN() || user.IsAuthorized {
		t.Fatalf("fresh profile must be empty: %+v", user)
	}
}

func TestAuthorizeAndEnrollVoice(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.Authorize(ctx, "alice", "0x1111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.EnrollVoice(ctx, "alice", "vp-9f2a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	user, err := svc.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !user.IsAuthorized || !user.VoiceEnrolled {
		t.Fatalf("profile flags not persisted: %+v", user)
	}
	if user.VoiceProfileHash != "vp-9f2a" {
		t.Fatalf("voice profile hash not persisted: %q", user.VoiceProfileHash)
	}
}
