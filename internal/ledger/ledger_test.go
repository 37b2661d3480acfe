package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []*Event{
		NewEvent(KindIntent, "agent-1", "resolve", "OK", map[string]string{"recipient": "AWS"}),
		NewEvent(KindPolicy, "agent-1", "audit", "APPROVED", nil),
		NewEvent(KindSettlement, "agent-1", "transfer", "EXECUTED", map[string]string{"amount": "50"}),
	}
	for _, event := range events {
		if err := store.Append(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all, err := store.List(ctx, Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	policies, err := store.List(ctx, Query{Kind: KindPolicy})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(policies) != 1 || policies[0].Status != "APPROVED" {
		t.Fatalf("kind filter failed: %+v", policies)
	}
}

func TestListHonoursSinceAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := NewEvent(KindSystem, "agent-1", "boot", "OK", nil)
	old.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	recent := NewEvent(KindSystem, "agent-1", "tick", "OK", nil)

	for _, event := range []*Event{old, recent} {
		if err := store.Append(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := store.List(ctx, Query{Since: time.Now().UTC().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Action != "tick" {
		t.Fatalf("since filter failed: %+v", got)
	}

	limited, err := store.List(ctx, Query{Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not honoured, got %d events", len(limited))
	}
}

func TestFingerprintIsContentDeterministic(t *testing.T) {
	a := NewEvent(KindPolicy, "agent-1", "audit", "APPROVED", map[string]string{"x": "1", "y": "2"})
	b := NewEvent(KindPolicy, "agent-1", "audit", "APPROVED", map[string]string{"y": "2", "x": "1"})
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("same content must produce the same fingerprint")
	}
	if a.ID == b.ID {
		t.Fatalf("event ids must be unique")
	}

	c := NewEvent(KindPolicy, "agent-1", "audit", "DENIED", map[string]string{"x": "1", "y": "2"})
	if a.Fingerprint == c.Fingerprint {
		t.Fatalf("different content must produce different fingerprints")
	}
}

func TestExportCSV(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := NewEvent(KindSettlement, "agent-1", "transfer", "EXECUTED", map[string]string{"amount": "50"})
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out strings.Builder
	if err := ExportCSV(ctx, store, Query{}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,timestamp,event_type") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], event.Fingerprint) {
		t.Fatalf("row must carry the fingerprint: %s", lines[1])
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	ctx := context.Background()

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Append(ctx, NewEvent(KindSystem, "agent-1", "boot", "OK", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.List(ctx, Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events must survive reopen, got %d", len(events))
	}
}
