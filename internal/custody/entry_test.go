package custody

import (
	"context"
	"testing"
)

func TestVerify_detectsTampering(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	_, _ = j.Append(ctx, "rec-1", "", ActionRecorded, "alice", nil)
	_, _ = j.Append(ctx, "rec-1", "solana", ActionConfirmed, SystemActor, nil)

	j.entries[1].Actor = "mallory"
	if err := j.Verify(ctx); err == nil {
		t.Error("Verify() passed on a rewritten entry")
	}

	j = NewMemoryJournal()
	_, _ = j.Append(ctx, "rec-1", "", ActionRecorded, "alice", nil)
	_, _ = j.Append(ctx, "rec-1", "", ActionDeleted, "alice", nil)
	j.entries[2].PrevHash = GenesisHash
	if err := j.Verify(ctx); err == nil {
		t.Error("Verify() passed on a broken link")
	}
}
