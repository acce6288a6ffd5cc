package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by RequirePayment.
const (
	ContextVerification = "x402.verification"
	ContextTier         = "x402.tier"
)

// Gate enforces payment on premium routes.
type Gate struct {
	cfg      Config
	verifier Verifier
	receipts ReceiptStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates a Gate.
func NewGate(cfg Config, verifier Verifier, receipts ReceiptStore, logger *zap.Logger) *Gate {
	return &Gate{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		receipts: receipts,
		logger:   logger,
		now:      time.Now,
	}
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Quote builds the payment details for a digest at tier.
func (g *Gate) Quote(digestHex string, tier Tier) Details {
	return Details{
		Price:           tier.Price(),
		Currency:        "USDC",
		Recipient:       g.cfg.WalletAddress,
		Memo:            Memo(digestHex),
		Facilitator:     g.cfg.FacilitatorURL,
		SupportedTokens: SupportedTokens,
		Tier:            tier,
		ExpiresAt:       g.now().UTC().Add(g.cfg.QuoteTTL),
	}
}

type paymentResponse struct {
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	Tier      Tier   `json:"tier"`
}

// RequirePayment returns middleware that admits a request only with a valid,
// unredeemed X-PAYMENT proof for the digest named by digestOf at the tier in
// the "tier" query parameter. Failures answer 402 and never fall through to a
// free response.
func (g *Gate) RequirePayment(digestOf func(*gin.Context) (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.cfg.Enabled {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "premium verification not configured"})
			return
		}
		digestHex, ok := digestOf(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid digest"})
			return
		}
		tier, err := ParseTier(c.Query("tier"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		quote := g.Quote(digestHex, tier)

		header := c.GetHeader(PaymentHeader)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "payment_required", "payment": quote})
			return
		}
		proof, err := DecodeProof(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "payment_invalid", "detail": err.Error(), "payment": quote})
			return
		}

		ctx := c.Request.Context()
		used, err := g.receipts.Redeemed(ctx, proof.Signature)
		if err != nil {
			g.logger.Error("x402: receipt lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if used {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "payment_replayed", "payment": quote})
			return
		}

		v, err := g.verifier.Verify(ctx, proof, quote.Memo, quote.Price)
		if err != nil {
			g.logger.Warn("x402: facilitator unavailable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "payment verification unavailable"})
			return
		}
		if !v.Valid {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "payment_invalid", "verification": v, "payment": quote})
			return
		}

		err = g.receipts.Redeem(ctx, Receipt{
			Signature:  proof.Signature,
			Digest:     digestHex,
			Tier:       tier,
			Amount:     v.Amount,
			Token:      proof.Token,
			Sender:     proof.Sender,
			AcceptedAt: g.now().UTC(),
		})
		if errors.Is(err, ErrReplay) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "payment_replayed", "payment": quote})
			return
		}
		if err != nil {
			g.logger.Error("x402: record receipt failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		g.logger.Info("x402: payment accepted",
			zap.String("signature", proof.Signature),
			zap.String("tier", string(tier)),
			zap.String("amount", v.Amount),
			zap.String("digest", digestHex),
		)

		if raw, err := json.Marshal(paymentResponse{Signature: proof.Signature, Amount: v.Amount, Tier: tier}); err == nil {
			c.Header(PaymentResponseHeader, base64.StdEncoding.EncodeToString(raw))
		}
		c.Set(ContextVerification, v)
		c.Set(ContextTier, tier)
		c.Next()
	}
}

// TierFrom returns the tier admitted by RequirePayment.
func TierFrom(c *gin.Context) Tier {
	if t, ok := c.Get(ContextTier); ok {
		return t.(Tier)
	}
	return TierBasic
}

// VerificationFrom returns the payment admitted by RequirePayment.
func VerificationFrom(c *gin.Context) *Verification {
	if v, ok := c.Get(ContextVerification); ok {
		return v.(*Verification)
	}
	return nil
}
