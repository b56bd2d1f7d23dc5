// Package handler exposes the read-only audit HTTP surface of the ledger.
// There is no write endpoint.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
	"github.com/jmerrifield20/governance-ledger/internal/halt"
	"github.com/jmerrifield20/governance-ledger/internal/hashchain"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/startup"
	"github.com/jmerrifield20/governance-ledger/internal/terminal"
	"github.com/jmerrifield20/governance-ledger/internal/witness"
	"github.com/jmerrifield20/governance-ledger/internal/writer"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

// Auditor is the writer-side view the handler reports on.
type Auditor interface {
	State(ctx context.Context) (writer.State, error)
	Ready() bool
	VerifyRange(ctx context.Context, from, to uint64) error
}

// LedgerHandler exposes read-only HTTP endpoints for the ledger.
type LedgerHandler struct {
	reader  ledger.Reader
	auditor Auditor
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(reader ledger.Reader, auditor Auditor, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{reader: reader, auditor: auditor, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/status", h.Status)
		l.GET("/events", h.ListEvents)
		l.GET("/events/:seq", h.GetEvent)
	}
}

// Overview handles GET /ledger and returns the ledger length and tail hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	tail, ok, err := h.reader.Tail(ctx)
	if err != nil {
		h.logger.Error("ledger Tail", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger", "code": "storage_error"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"events": 0, "tail_hash": ledger.GenesisHash})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    tail.Sequence,
		"tail_hash": tail.ContentHash,
	})
}

// Verify handles GET /ledger/verify and verifies the chain over an optional
// from/to range (defaults to the whole ledger).
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, err := queryUint(c, "from", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a positive integer", "code": "invalid_input"})
		return
	}
	to, err := queryUint(c, "to", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer", "code": "invalid_input"})
		return
	}

	if err := h.auditor.VerifyRange(c.Request.Context(), from, to); err != nil {
		status, code := Classify(err)
		if status == http.StatusConflict {
			h.logger.Warn("ledger integrity check failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"valid": false, "code": code, "error": err.Error()})
			return
		}
		h.logger.Error("ledger verify", zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error(), "code": code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Status handles GET /ledger/status and reports the writer's lifecycle state.
func (h *LedgerHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	state, err := h.auditor.State(ctx)
	if err != nil {
		h.logger.Error("writer State", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to derive state", "code": "storage_error"})
		return
	}
	resp := gin.H{"state": state, "ready": h.auditor.Ready()}
	if state == writer.StateTerminated {
		if ev, ok, err := h.reader.FirstOfType(ctx, eventtype.Terminal); err == nil && ok {
			resp["terminal_sequence"] = ev.Sequence
		}
	}
	c.JSON(http.StatusOK, resp)
}

// maxPage bounds a single ListEvents response.
const maxPage = 500

// ListEvents handles GET /ledger/events and returns up to limit events
// starting at from, in sequence order.
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	from, err := queryUint(c, "from", 1)
	if err != nil || from == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a positive integer", "code": "invalid_input"})
		return
	}
	limit, err := queryUint(c, "limit", 100)
	if err != nil || limit == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "code": "invalid_input"})
		return
	}
	limit = min(limit, maxPage)

	events, err := h.reader.Range(c.Request.Context(), from, from+limit-1)
	if err != nil {
		h.logger.Error("ledger Range", zap.Uint64("from", from), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger", "code": "storage_error"})
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /ledger/events/:seq and returns a single event.
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer", "code": "invalid_input"})
		return
	}

	ev, err := h.reader.GetBySequence(c.Request.Context(), seq)
	if err != nil {
		status, code := Classify(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("ledger GetBySequence", zap.Uint64("sequence", seq), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": "event not found", "code": code})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// Classify maps a ledger error to an HTTP status and a stable code string.
// Every error kind keeps its own code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, eventtype.ErrProhibited):
		return http.StatusUnprocessableEntity, "event_type_prohibited"
	case errors.Is(err, eventtype.ErrInvalidEventType):
		return http.StatusBadRequest, "event_type_invalid"
	case errors.Is(err, terminal.ErrIrreversible):
		return http.StatusGone, "schema_irreversibility"
	case errors.Is(err, halt.ErrSystemHalted):
		return http.StatusServiceUnavailable, "system_halted"
	case errors.Is(err, writerlease.ErrLeaseLost):
		return http.StatusServiceUnavailable, "writer_lease_lost"
	case errors.Is(err, startup.ErrVerificationFailed):
		return http.StatusServiceUnavailable, "startup_verification_failed"
	case errors.Is(err, hashchain.ErrMismatch):
		return http.StatusConflict, "hash_chain_mismatch"
	case errors.Is(err, signing.ErrSignature):
		return http.StatusConflict, "signature_invalid"
	case errors.Is(err, hashchain.ErrInconsistent):
		return http.StatusConflict, "ledger_inconsistent"
	case errors.Is(err, witness.ErrUnavailable):
		return http.StatusServiceUnavailable, "witness_unavailable"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "storage_error"
}

func queryUint(c *gin.Context, key string, def uint64) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
