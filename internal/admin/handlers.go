package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/logging"
	"github.com/aexlabs/aex/internal/pagination"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// pageLimit parses ?limit within the admin paging bounds.
func pageLimit(c *gin.Context) int {
	limit := defaultPageLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageLimit {
			limit = parsed
		}
	}
	return limit
}

// chainScope parses ?scope, defaulting to the single-tenant scope.
func chainScope(c *gin.Context) string {
	if s := c.Query("scope"); s != "" {
		return s
	}
	return ledger.DefaultChainScope
}

// Activity handles GET /admin/activity: pages the event chain ascending
// by sequence number. next_after_seq feeds the next page.
func (h *Handler) Activity(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}

	var afterSeq int64
	if s := c.Query("after_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_after_seq",
				"message": "after_seq must be a non-negative integer",
			})
			return
		}
		afterSeq = parsed
	}

	events, err := h.store.ListEvents(c.Request.Context(), chainScope(c), afterSeq, pageLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events", "message": err.Error()})
		return
	}

	next := afterSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"events":         events,
		"count":          len(events),
		"next_after_seq": next,
	})
}

// Replay handles GET /admin/replay: re-derives the chain from genesis
// and reconciles replayed spend against stored counters. A dirty report
// arms the integrity hold, which refuses new admissions until
// resume_all clears it.
func (h *Handler) Replay(c *gin.Context) {
	if h.verifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verifier not configured"})
		return
	}
	logger := logging.L(c.Request.Context())
	scope := chainScope(c)

	report, err := h.verifier.Verify(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed", "message": err.Error()})
		return
	}

	if !report.OK() && h.controls != nil {
		first := report.Mismatches[0]
		reason := fmt.Sprintf("replay found %d mismatches, first %s at seq %d",
			len(report.Mismatches), first.Kind, first.Seq)
		h.controls.HoldIntegrity(reason)
		logger.Error("ledger replay found mismatches, integrity hold armed",
			"scope", scope,
			"mismatches", len(report.Mismatches),
			"first_kind", first.Kind,
			"first_seq", first.Seq,
		)
	}

	c.JSON(http.StatusOK, gin.H{"ok": report.OK(), "report": report})
}

// ReloadConfig handles POST /admin/reload_config: re-reads models.yaml
// and tools.yaml. A document that fails validation is rejected and the
// previous snapshot keeps serving.
func (h *Handler) ReloadConfig(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog not configured"})
		return
	}
	logger := logging.L(c.Request.Context())

	cat, err := h.catalog.Load()
	if err != nil {
		logger.Error("catalog reload rejected, previous snapshot kept", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "reload_rejected",
			"message": err.Error(),
			"kept":    "previous catalog still serving",
		})
		return
	}

	resp := gin.H{"reloaded": true, "models": len(cat.Models)}
	if h.tools != nil {
		manifest, err := h.tools.Load()
		if err != nil {
			logger.Error("tool manifest reload rejected, previous snapshot kept", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "reload_rejected",
				"message": err.Error(),
				"kept":    "previous tool manifest still serving",
			})
			return
		}
		resp["tools"] = len(manifest.Names())
	}

	logger.Info("config reloaded", "models", len(cat.Models))
	c.JSON(http.StatusOK, resp)
}

// PauseAll handles POST /admin/control/pause_all: new admissions answer
// 503 until resume_all. In-flight executions finish and settle.
func (h *Handler) PauseAll(c *gin.Context) {
	if h.controls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controls not configured"})
		return
	}
	h.controls.Pause()
	logging.L(c.Request.Context()).Warn("gateway paused by operator")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// SandboxAll handles POST /admin/control/sandbox_all: every agent is
// evaluated under strict capability interpretation until resume_all.
func (h *Handler) SandboxAll(c *gin.Context) {
	if h.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy engine not configured"})
		return
	}
	h.engine.SetSandbox(true)
	logging.L(c.Request.Context()).Warn("sandbox mode armed by operator")
	c.JSON(http.StatusOK, gin.H{"sandboxed": true})
}

// KillAll handles POST /admin/control/kill_all: pause, then release
// every in-flight reservation. Clients mid-dispatch lose their ticket
// and their settlement resolves as an invalid transition.
func (h *Handler) KillAll(c *gin.Context) {
	if h.controls == nil || h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controls or ledger not configured"})
		return
	}
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	h.controls.Pause()

	open, err := h.store.ListNonTerminal(ctx, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to list in-flight executions",
			"message": err.Error(),
			"paused":  true,
		})
		return
	}

	released := 0
	var failed []string
	for _, ex := range open {
		if err := h.store.Release(ctx, ex.ExecutionID, "operator_kill", http.StatusServiceUnavailable); err != nil {
			failed = append(failed, ex.ExecutionID)
			logger.Error("kill switch could not release execution",
				"execution_id", ex.ExecutionID, "error", err)
			continue
		}
		released++
	}

	logger.Warn("kill switch fired", "released", released, "failed", len(failed))
	resp := gin.H{"paused": true, "released": released}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	c.JSON(http.StatusOK, resp)
}

// ResumeAll handles POST /admin/control/resume_all: lifts pause,
// sandbox mode, and any integrity hold.
func (h *Handler) ResumeAll(c *gin.Context) {
	if h.controls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "controls not configured"})
		return
	}
	h.controls.Resume()
	h.controls.ClearIntegrityHold()
	if h.engine != nil {
		h.engine.SetSandbox(false)
	}
	logging.L(c.Request.Context()).Info("gateway resumed by operator")
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

// GetExecution handles GET /admin/executions/:id.
func (h *Handler) GetExecution(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}

	ex, err := h.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Execution not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get execution", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ex)
}

// ListExecutions handles GET /admin/executions with agent, state, and
// cursor filters. Cursors cross the wire as opaque page tokens; the
// store anchors on the execution ID inside.
func (h *Handler) ListExecutions(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}

	f := ledger.ExecutionFilter{
		AgentID: c.Query("agent_id"),
		Limit:   pageLimit(c),
	}
	cur, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not a valid page token",
		})
		return
	}
	if cur != nil {
		f.Cursor = cur.ID
	}
	if s := c.Query("state"); s != "" {
		state := ledger.State(strings.ToUpper(s))
		if !state.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_state",
				"message": "Unknown execution state " + strconv.Quote(s),
			})
			return
		}
		f.State = state
	}

	executions, nextID, err := h.store.ListExecutions(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions", "message": err.Error()})
		return
	}

	next := ""
	if nextID != "" {
		last := executions[len(executions)-1]
		next = pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ExecutionID}.Token()
	}
	c.JSON(http.StatusOK, gin.H{
		"executions":  executions,
		"count":       len(executions),
		"next_cursor": next,
	})
}
