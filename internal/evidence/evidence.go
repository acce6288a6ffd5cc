// Package evidence is the durable record of every evidence item and its
// anchoring lifecycle.
//
// Each record owns one Anchor per target ledger. An anchor moves through
//
//	pending → submitting → awaiting_confirmation → confirmed | failed
//
// and failed may return to pending. Every move is a compare-and-swap on the
// anchor's current state (Store.Transition), which is the only serialization
// point between concurrent keepers. The outbox is not stored: it is the set of
// anchors whose state makes them due for work.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for tests and development.
//   - PebbleStore: embedded single-node persistence.
//   - PostgresStore: durable, safe for many keeper instances.
package evidence
