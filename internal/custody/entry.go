package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Journal actions.
const (
	ActionGenesis     = "genesis"
	ActionRecorded    = "recorded"
	ActionLedgerAdded = "ledger_added"
	ActionSubmitted   = "submitted"
	ActionConfirmed   = "confirmed"
	ActionFailed      = "failed"
	ActionRetried     = "retried"
	ActionReleased    = "released"
	ActionBatchSealed = "batch_sealed"
	ActionDeleted     = "deleted"
	ActionAttested    = "attested"
)

// SystemActor is the actor recorded for keeper-driven events.
const SystemActor = "evidence-system"

// Entry is one journal line.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	RecordID  string    `json:"record_id"`
	Ledger    string    `json:"ledger,omitempty"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	DataHash  string    `json:"data_hash"` // SHA-256 of the JSON payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashEntry must not be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.RecordID, e.Ledger, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func genesis() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: time.Unix(0, 0).UTC(),
		Action:    ActionGenesis,
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// verifyChain checks a full chain in index order.
func verifyChain(entries []*Entry) error {
	for i, curr := range entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		if err := verifyLink(entries[i-1], curr); err != nil {
			return err
		}
	}
	return nil
}

func verifyLink(prev, curr *Entry) error {
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
