package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/evidencekeeper/internal/x402"
)

// PaymentHandler publishes x402 pricing and the attestation key.
type PaymentHandler struct {
	gate     *x402.Gate
	attestor *x402.Attestor
}

// NewPaymentHandler creates a PaymentHandler. Either argument may be nil.
func NewPaymentHandler(gate *x402.Gate, attestor *x402.Attestor) *PaymentHandler {
	return &PaymentHandler{gate: gate, attestor: attestor}
}

// Register mounts the payment routes on the given router group.
func (h *PaymentHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/payment/tiers", h.Tiers)
	rg.GET("/attestation/key", h.AttestationKey)
}

// Tiers handles GET /payment/tiers.
func (h *PaymentHandler) Tiers(c *gin.Context) {
	if h.gate == nil || !h.gate.Config().Enabled {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "message": "x402 payments not configured"})
		return
	}

	tiers := make(gin.H, len(x402.Tiers))
	for _, t := range x402.Tiers {
		tiers[string(t)] = gin.H{
			"price":       t.Price(),
			"currency":    "USDC",
			"description": t.Description(),
		}
	}
	cfg := h.gate.Config()
	c.JSON(http.StatusOK, gin.H{
		"enabled":          true,
		"network":          cfg.Network,
		"wallet_address":   cfg.WalletAddress,
		"facilitator_url":  cfg.FacilitatorURL,
		"supported_tokens": x402.SupportedTokens,
		"price_tiers":      tiers,
	})
}

// AttestationKey handles GET /attestation/key.
func (h *PaymentHandler) AttestationKey(c *gin.Context) {
	if h.attestor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attestation not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"algorithm":  "ed25519",
		"public_key": h.attestor.PublicKeyHex(),
		"authority":  h.attestor.Authority(),
	})
}
