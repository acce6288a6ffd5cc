package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
	"github.com/jmerrifield20/evidencekeeper/internal/verify"
	"github.com/jmerrifield20/evidencekeeper/internal/x402"
)

// VerifyHandler serves digest verification.
type VerifyHandler struct {
	svc      *verify.Service
	gate     *x402.Gate
	attestor *x402.Attestor
	journal  custody.Journal
	logger   *zap.Logger
}

// NewVerifyHandler creates a VerifyHandler. A nil gate disables the premium
// route.
func NewVerifyHandler(svc *verify.Service, gate *x402.Gate, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, gate: gate, logger: logger}
}

// SetAttestor enables signed attestations for the legal tier.
func (h *VerifyHandler) SetAttestor(a *x402.Attestor) { h.attestor = a }

// SetJournal records issued attestations in the custody journal.
func (h *VerifyHandler) SetJournal(j custody.Journal) { h.journal = j }

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	v := rg.Group("/verify")
	v.GET("/:digest", h.Verify)
	if h.gate != nil {
		v.GET("/:digest/premium", h.gate.RequirePayment(digestParam), h.Premium)
	} else {
		v.GET("/:digest/premium", func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "premium verification not configured"})
		})
	}
}

func digestParam(c *gin.Context) (string, bool) {
	d, err := digest.Parse(c.Param("digest"))
	if err != nil {
		return "", false
	}
	return d.Hex(), true
}

// Verify handles GET /verify/:digest, the free single-chain check.
func (h *VerifyHandler) Verify(c *gin.Context) {
	d, err := digest.Parse(c.Param("digest"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "digest must be 64 hex characters"})
		return
	}

	res, err := h.svc.Verify(c.Request.Context(), d, verify.ScopeSingle)
	if err != nil {
		h.logger.Error("verify", zap.String("digest", d.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	verificationsTotal.WithLabelValues(string(verify.ScopeSingle), string(res.Status)).Inc()
	c.JSON(http.StatusOK, res)
}

// Premium handles GET /verify/:digest/premium after payment was accepted.
func (h *VerifyHandler) Premium(c *gin.Context) {
	ctx := c.Request.Context()
	d, _ := digest.Parse(c.Param("digest"))
	tier := x402.TierFrom(c)
	payment := x402.VerificationFrom(c)
	paidVerificationsTotal.WithLabelValues(string(tier)).Inc()

	scope := verify.ScopeSingle
	if tier.MultiChain() {
		scope = verify.ScopeMulti
	}
	res, err := h.svc.Verify(ctx, d, scope)
	if err != nil {
		h.logger.Error("premium verify", zap.String("digest", d.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "verification failed",
			"payment": payment,
		})
		return
	}
	verificationsTotal.WithLabelValues(string(scope), string(res.Status)).Inc()

	body := gin.H{"verification": res, "payment": payment, "tier": tier}
	if res.Status != verify.StatusAnchored {
		body["refund_eligible"] = true
	}
	if tier == x402.TierLegalAttestation {
		if att := h.attest(c, res); att != nil {
			body["attestation"] = att
		}
	}
	if trail := h.custodyTrail(c, res); trail != nil {
		body["custody"] = trail
	}
	c.JSON(http.StatusOK, body)
}

// custodyTrail collects the journal entries of every matching record. Paid
// tiers get it; the free route only reports anchor status.
func (h *VerifyHandler) custodyTrail(c *gin.Context, res *verify.Result) map[string][]*custody.Entry {
	if h.journal == nil || len(res.Records) == 0 {
		return nil
	}
	trail := make(map[string][]*custody.Entry, len(res.Records))
	for _, rec := range res.Records {
		id := rec.ID.String()
		entries, err := h.journal.ForRecord(c.Request.Context(), id)
		if err != nil {
			h.logger.Warn("custody trail", zap.String("record_id", id), zap.Error(err))
			continue
		}
		trail[id] = entries
	}
	return trail
}

func (h *VerifyHandler) attest(c *gin.Context, res *verify.Result) *x402.Attestation {
	rec := res.Confirmed()
	if h.attestor == nil || rec == nil {
		return nil
	}

	var ledgers []string
	for _, ch := range rec.Chains {
		if ch.Status == string(evidence.StateConfirmed) {
			ledgers = append(ledgers, string(ch.Ledger))
		}
	}
	att, err := h.attestor.Attest(rec.ID.String(), res.Digest.Hex(), string(res.Status), ledgers)
	if err != nil {
		h.logger.Error("sign attestation", zap.String("record_id", rec.ID.String()), zap.Error(err))
		return nil
	}

	if h.journal != nil {
		_, err := h.journal.Append(c.Request.Context(), rec.ID.String(), "", custody.ActionAttested, h.attestor.Authority(),
			map[string]any{"signature": att.Signature, "signed_at": att.SignedAt})
		if err != nil {
			h.logger.Warn("journal attestation", zap.String("record_id", rec.ID.String()), zap.Error(err))
		}
	}
	return att
}
