package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config configures payment acceptance.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	WalletAddress  string        `mapstructure:"wallet_address"`
	FacilitatorURL string        `mapstructure:"facilitator_url"`
	Network        string        `mapstructure:"network"` // devnet payments are checked locally
	QuoteTTL       time.Duration `mapstructure:"quote_ttl"`
}

// DefaultFacilitatorURL is the public x402 facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

func (c Config) withDefaults() Config {
	if c.FacilitatorURL == "" {
		c.FacilitatorURL = DefaultFacilitatorURL
	}
	if c.Network == "" {
		c.Network = "devnet"
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 15 * time.Minute
	}
	return c
}

// Verifier checks that a proof pays at least minAmount with memo.
type Verifier interface {
	Verify(ctx context.Context, p *Proof, memo, minAmount string) (*Verification, error)
}

// Facilitator verifies payments through an x402 facilitator service.
type Facilitator struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFacilitator creates a Facilitator.
func NewFacilitator(cfg Config, logger *zap.Logger) *Facilitator {
	return &Facilitator{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type verifyRequest struct {
	Signature         string `json:"signature"`
	ExpectedRecipient string `json:"expected_recipient"`
	ExpectedMemo      string `json:"expected_memo"`
	MinAmount         string `json:"min_amount"`
	Token             string `json:"token"`
}

type verifyResponse struct {
	Valid       bool   `json:"valid"`
	Amount      string `json:"amount"`
	Block       uint64 `json:"block"`
	ConfirmedAt string `json:"confirmed_at"`
	Error       string `json:"error"`
}

// Verify implements Verifier. An error means the facilitator could not be
// asked; an invalid payment is a Verification with Valid false.
func (f *Facilitator) Verify(ctx context.Context, p *Proof, memo, minAmount string) (*Verification, error) {
	if f.cfg.Network == "devnet" {
		return simulate(p, memo, minAmount), nil
	}

	body, err := json.Marshal(verifyRequest{
		Signature:         p.Signature,
		ExpectedRecipient: f.cfg.WalletAddress,
		ExpectedMemo:      memo,
		MinAmount:         minAmount,
		Token:             p.Token,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(f.cfg.FacilitatorURL, "/") + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facilitator request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator returned HTTP %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode facilitator response: %w", err)
	}

	v := &Verification{
		Valid:       out.Valid,
		TxSignature: p.Signature,
		Amount:      out.Amount,
		Block:       out.Block,
		ConfirmedAt: out.ConfirmedAt,
		Error:       out.Error,
	}
	if v.Amount == "" {
		v.Amount = p.Amount
	}
	// The facilitator's amount is authoritative; recheck it against the price.
	if v.Valid && !atLeast(v.Amount, minAmount) {
		v.Valid = false
		v.Error = fmt.Sprintf("insufficient payment: %s < %s", v.Amount, minAmount)
	}
	f.logger.Debug("x402: facilitator verdict",
		zap.String("signature", p.Signature),
		zap.Bool("valid", v.Valid),
		zap.String("error", v.Error),
	)
	return v, nil
}

// simulate accepts any proof whose memo and amount match; used on devnet
// where no facilitator indexes payments.
func simulate(p *Proof, memo, minAmount string) *Verification {
	v := &Verification{TxSignature: p.Signature, Amount: p.Amount}
	switch {
	case p.Memo != memo:
		v.Error = fmt.Sprintf("memo mismatch: expected %q, got %q", memo, p.Memo)
	case !atLeast(p.Amount, minAmount):
		v.Error = fmt.Sprintf("insufficient payment: %s < %s", p.Amount, minAmount)
	default:
		v.Valid = true
		v.ConfirmedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return v
}
