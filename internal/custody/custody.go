// Package custody keeps a hash-chained journal of everything that happens to
// evidence: intake, submissions, confirmations, rejections and operator
// retries.
//
// The chain starts at a genesis entry whose Hash is GenesisHash. Each later
// entry commits to its predecessor's hash, so rewriting history is detectable
// with Verify. The journal is an audit trail next to the evidence store; the
// store stays authoritative for anchor state.
package custody
