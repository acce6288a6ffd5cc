package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Header names.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// SupportedTokens are the tokens a payment may use.
var SupportedTokens = []string{"USDC", "USDT", "SOL"}

// ErrInvalidProof is returned for an X-PAYMENT header that cannot be decoded.
var ErrInvalidProof = errors.New("invalid payment proof")

// Details is the quote returned with 402 Payment Required.
type Details struct {
	Price           string    `json:"price"`
	Currency        string    `json:"currency"`
	Recipient       string    `json:"recipient"`
	Memo            string    `json:"memo"`
	Facilitator     string    `json:"facilitator"`
	SupportedTokens []string  `json:"supported_tokens"`
	Tier            Tier      `json:"tier"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Memo is the payment memo for a digest: evidence:<digest-hex>.
func Memo(digestHex string) string { return "evidence:" + digestHex }

// Proof is what the client sends in X-PAYMENT, base64-encoded JSON.
type Proof struct {
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Sender    string `json:"sender"`
	Memo      string `json:"memo"`
	Timestamp string `json:"timestamp"`
}

// DecodeProof parses an X-PAYMENT header value.
func DecodeProof(header string) (*Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidProof, err)
	}
	p := &Proof{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrInvalidProof, err)
	}
	if p.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidProof)
	}
	return p, nil
}

// Encode renders the proof as an X-PAYMENT header value.
func (p *Proof) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Verification is the facilitator's verdict on a proof.
type Verification struct {
	Valid       bool   `json:"valid"`
	TxSignature string `json:"tx_signature"`
	Amount      string `json:"amount"`
	Block       uint64 `json:"block,omitempty"`
	ConfirmedAt string `json:"confirmed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}
