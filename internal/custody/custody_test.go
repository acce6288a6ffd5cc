package custody_test

import (
	"context"
	"testing"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
)

var ctx = context.Background()

func TestNewMemoryJournal_genesisEntry(t *testing.T) {
	j := custody.NewMemoryJournal()

	n, err := j.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := j.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Action != custody.ActionGenesis {
		t.Errorf("expected action 'genesis', got %q", entry.Action)
	}
	if entry.Hash != custody.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	j := custody.NewMemoryJournal()

	e1, err := j.Append(ctx, "rec-1", "", custody.ActionRecorded, "alice", map[string]string{"digest": "ab"})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := j.Append(ctx, "rec-1", "solana", custody.ActionSubmitted, custody.SystemActor, map[string]string{"tx_id": "sig"})
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e1.PrevHash != custody.GenesisHash {
		t.Errorf("first entry must chain from genesis")
	}
	if e2.Index != 2 {
		t.Errorf("index: got %d, want 2", e2.Index)
	}
	if err := j.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestForRecord_filters(t *testing.T) {
	j := custody.NewMemoryJournal()
	_, _ = j.Append(ctx, "rec-1", "", custody.ActionRecorded, "alice", nil)
	_, _ = j.Append(ctx, "rec-2", "", custody.ActionRecorded, "bob", nil)
	_, _ = j.Append(ctx, "rec-1", "etherlink", custody.ActionConfirmed, custody.SystemActor, nil)

	got, err := j.ForRecord(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Action != custody.ActionRecorded || got[1].Action != custody.ActionConfirmed {
		t.Errorf("unexpected order: %s, %s", got[0].Action, got[1].Action)
	}

	none, _ := j.ForRecord(ctx, "missing")
	if len(none) != 0 {
		t.Errorf("expected no entries for unknown record, got %d", len(none))
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	j := custody.NewMemoryJournal()
	root, _ := j.Root(ctx)
	if root != custody.GenesisHash {
		t.Errorf("Root() on genesis-only: got %q", root)
	}

	e, _ := j.Append(ctx, "rec-1", "", custody.ActionRecorded, "alice", nil)
	root, err := j.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

func TestGet_outOfRange(t *testing.T) {
	j := custody.NewMemoryJournal()
	if _, err := j.Get(ctx, 5); err == nil {
		t.Error("expected error for out-of-range index")
	}
}
