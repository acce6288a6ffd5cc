// Package x402 gates premium verification behind the x402 machine-to-machine
// payment protocol: a 402 response quotes a price, the client pays on chain
// and retries with a proof in the X-PAYMENT header.
package x402

import (
	"fmt"
	"math/big"
)

// Tier is a priced verification product.
type Tier string

const (
	TierBasic            Tier = "basic"
	TierMultiChain       Tier = "multi_chain"
	TierLegalAttestation Tier = "legal_attestation"
	TierBulk             Tier = "bulk"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{TierBasic, TierMultiChain, TierLegalAttestation, TierBulk}

var tierInfo = map[Tier]struct {
	price       string
	description string
}{
	TierBasic:            {"0.01", "Single-chain verification with custody trail"},
	TierMultiChain:       {"0.05", "Multi-chain verification (Solana + Etherlink)"},
	TierLegalAttestation: {"1.00", "Signed legal attestation"},
	TierBulk:             {"0.005", "Bulk verification (100+ records)"},
}

// ParseTier parses a tier name; the empty string is TierBasic.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierBasic, nil
	}
	t := Tier(s)
	if _, ok := tierInfo[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Price is the tier's price in USDC as a decimal string.
func (t Tier) Price() string { return tierInfo[t].price }

// Description is a human-readable summary of the tier.
func (t Tier) Description() string { return tierInfo[t].description }

// MultiChain reports whether the tier reports every ledger.
func (t Tier) MultiChain() bool { return t == TierMultiChain || t == TierLegalAttestation }

// parseAmount parses a non-negative decimal amount exactly.
func parseAmount(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return r, nil
}

// atLeast reports whether amount ≥ min. Unparseable amounts never qualify.
func atLeast(amount, min string) bool {
	a, err := parseAmount(amount)
	if err != nil {
		return false
	}
	m, err := parseAmount(min)
	if err != nil {
		return false
	}
	return a.Cmp(m) >= 0
}
