package client

import (
	"time"

	"github.com/jmerrifield20/evidencekeeper/internal/x402"
)

// Verification statuses.
const (
	StatusAnchored       = "anchored"
	StatusNotYetAnchored = "not_yet_anchored"
	StatusRejected       = "rejected"
	StatusNotFound       = "not_found"
)

// Verification is the gateway's answer for one digest.
type Verification struct {
	Digest    string         `json:"digest"`
	Algorithm string         `json:"algorithm"`
	Status    string         `json:"status"`
	Scope     string         `json:"scope"`
	Records   []RecordResult `json:"records"`
	CheckedAt time.Time      `json:"checked_at"`
}

// RecordResult is one record carrying the digest.
type RecordResult struct {
	ID         string       `json:"id"`
	State      string       `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	Chains     []ChainProof `json:"chains"`
	BatchProof *BatchProof  `json:"batch_proof,omitempty"`
}

// ChainProof is one ledger's view of a record.
type ChainProof struct {
	Ledger        string     `json:"ledger"`
	TxID          string     `json:"tx_id,omitempty"`
	Confirmations int        `json:"confirmations"`
	Status        string     `json:"status"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

// ProofStep is one sibling on a Merkle path.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// BatchProof links a batched record to its anchored Merkle root.
type BatchProof struct {
	BatchID      string      `json:"batch_id"`
	Root         string      `json:"root"`
	RootRecordID string      `json:"root_record_id"`
	Proof        []ProofStep `json:"proof"`
	Verified     bool        `json:"verified"`
}

// PaymentProof is sent in the X-PAYMENT header.
type PaymentProof = x402.Proof

// Quote describes the payment a premium request requires.
type Quote = x402.Details

// PaymentReceipt is the gateway's record of an accepted payment.
type PaymentReceipt = x402.Verification

// Attestation is the signed statement returned with the legal tier.
type Attestation struct {
	x402.Attestation
}

// Verify checks the attestation signature against publicKeyHex.
func (a *Attestation) Verify(publicKeyHex, recordID, digestHex string) bool {
	if a == nil {
		return false
	}
	return x402.VerifyAttestation(publicKeyHex, a.Signature, recordID, digestHex, a.SignedAt)
}

// PremiumResult is the response to a paid verification.
type PremiumResult struct {
	Verification   Verification    `json:"verification"`
	Payment        *PaymentReceipt `json:"payment"`
	Tier           string          `json:"tier"`
	RefundEligible bool            `json:"refund_eligible,omitempty"`
	Attestation    *Attestation    `json:"attestation,omitempty"`

	// PaymentResponse is the raw X-PAYMENT-RESPONSE header.
	PaymentResponse string `json:"-"`
}

// TierPrice is one entry of the price list.
type TierPrice struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// Tiers is the gateway's payment configuration.
type Tiers struct {
	Enabled         bool                 `json:"enabled"`
	Network         string               `json:"network,omitempty"`
	WalletAddress   string               `json:"wallet_address,omitempty"`
	FacilitatorURL  string               `json:"facilitator_url,omitempty"`
	SupportedTokens []string             `json:"supported_tokens,omitempty"`
	PriceTiers      map[string]TierPrice `json:"price_tiers,omitempty"`
}

// AttestationKey is the gateway's published signing key.
type AttestationKey struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
	Authority string `json:"authority"`
}

// CustodyEntry is one line of the custody journal.
type CustodyEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	RecordID  string    `json:"record_id"`
	Ledger    string    `json:"ledger,omitempty"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}
