package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
)

// CustodyHandler exposes read-only HTTP endpoints for the custody journal.
type CustodyHandler struct {
	journal custody.Journal
	logger  *zap.Logger
}

// NewCustodyHandler creates a new CustodyHandler.
func NewCustodyHandler(journal custody.Journal, logger *zap.Logger) *CustodyHandler {
	return &CustodyHandler{journal: journal, logger: logger}
}

// Register mounts the custody routes on the given router group.
func (h *CustodyHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/custody")
	{
		g.GET("", h.Overview)
		g.GET("/verify", h.Verify)
		g.GET("/entries/:idx", h.GetEntry)
		g.GET("/records/:id", h.ForRecord)
	}
}

// Overview handles GET /custody. It returns the chain length and current root hash.
func (h *CustodyHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.journal.Len(ctx)
	if err != nil {
		h.logger.Error("custody Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query journal"})
		return
	}
	root, err := h.journal.Root(ctx)
	if err != nil {
		h.logger.Error("custody Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query journal root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// Verify handles GET /custody/verify. It walks the full chain and reports integrity.
func (h *CustodyHandler) Verify(c *gin.Context) {
	if err := h.journal.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("custody journal integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /custody/entries/:idx.
func (h *CustodyHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.journal.Get(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ForRecord handles GET /custody/records/:id with every entry about one record.
func (h *CustodyHandler) ForRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	entries, err := h.journal.ForRecord(c.Request.Context(), id.String())
	if err != nil {
		h.logger.Error("custody ForRecord", zap.String("record_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": id, "entries": entries})
}
