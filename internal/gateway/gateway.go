// Package gateway is the northbound execution surface: the
// OpenAI-compatible endpoints agents call. Each handler decodes the
// request, runs it through admission, and hands the admitted execution
// to dispatch (or the tool service), translating every outcome into
// the wire protocol: settlement headers on success, detail-style JSON
// on refusal, byte-identical replays on idempotent retries.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/internal/admission"
	"github.com/aexlabs/aex/internal/agent"
	"github.com/aexlabs/aex/internal/canonical"
	"github.com/aexlabs/aex/internal/catalog"
	"github.com/aexlabs/aex/internal/dispatch"
	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/policy"
	"github.com/aexlabs/aex/internal/tools"
)

// maxBodyBytes caps request bodies; prompts beyond this are abuse.
const maxBodyBytes = 5 << 20

// Header names of the settlement contract.
const (
	HeaderExecutionID   = "X-AEX-Execution-Id"
	HeaderReserveMicro  = "X-AEX-Reserve-Micro"
	HeaderCommitMicro   = "X-AEX-Commit-Micro"
	HeaderIdempotentHit = "X-AEX-Idempotent-Hit"

	headerIdempotencyKey = "Idempotency-Key"
	headerProviderKey    = "x-aex-provider-key"
)

// Handler provides the execution endpoints.
type Handler struct {
	admission *admission.Controller
	dispatch  *dispatch.Dispatcher
	tools     *tools.Service
	catalog   *catalog.Loader
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates the execution surface.
func NewHandler(adm *admission.Controller, d *dispatch.Dispatcher, ts *tools.Service,
	cat *catalog.Loader, opts ...Option) *Handler {
	h := &Handler{
		admission: adm,
		dispatch:  d,
		tools:     ts,
		catalog:   cat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes sets up the execution endpoints on an authenticated
// group. The server registers the same handler under /v1 and the
// /openai/v1 mirror. The catalog listing is open to any valid token;
// everything that moves budget requires execution scope.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.ListModels)

	exec := r.Group("", agent.RequireExecutionScope())
	exec.POST("/chat/completions", h.ChatCompletions)
	exec.POST("/responses", h.Responses)
	exec.POST("/embeddings", h.Embeddings)
	exec.POST("/tools/execute", h.ExecuteTool)
}

// ChatCompletions handles POST /v1/chat/completions (unary and SSE).
func (h *Handler) ChatCompletions(c *gin.Context) {
	h.execute(c, policy.RouteChat)
}

// Responses handles POST /v1/responses (unary and SSE).
func (h *Handler) Responses(c *gin.Context) {
	h.execute(c, policy.RouteResponses)
}

// Embeddings handles POST /v1/embeddings.
func (h *Handler) Embeddings(c *gin.Context) {
	h.execute(c, policy.RouteEmbeddings)
}

// ListModels handles GET /v1/models: the public catalog in the OpenAI
// list shape, so off-the-shelf clients can discover what they may call.
func (h *Handler) ListModels(c *gin.Context) {
	cat, err := h.catalog.Current()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Model catalog not loaded"})
		return
	}
	models := make([]gin.H, 0)
	for _, name := range cat.ModelNames() {
		m, _ := cat.Model(name)
		models = append(models, gin.H{
			"id":       name,
			"object":   "model",
			"owned_by": m.Provider,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

// execute runs the shared admission-dispatch flow for a model route.
func (h *Handler) execute(c *gin.Context, route string) {
	p, ok := agent.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Authentication required"})
		return
	}
	body, ok := h.decodeBody(c)
	if !ok {
		return
	}

	stream := false
	if route != policy.RouteEmbeddings {
		stream, _ = body["stream"].(bool)
	}

	out, err := h.admission.Admit(c.Request.Context(), admission.Input{
		Principal:      p,
		Route:          route,
		Body:           body,
		IdempotencyKey: c.GetHeader(headerIdempotencyKey),
		ProviderKey:    c.GetHeader(headerProviderKey),
		Stream:         stream,
	})
	if err != nil {
		h.pipelineError(c, route, err)
		return
	}

	switch {
	case out.Replay != nil:
		h.writeReplay(c, route, out.Replay)
	case out.Refusal != nil:
		h.writeRefusal(c, route, out.Refusal)
	default:
		if stream {
			exec, err := h.dispatch.Stream(c.Writer, c.Request, out.Admitted)
			if err != nil {
				h.pipelineError(c, route, err)
				return
			}
			observeRequest(route, exec.StatusCode, true)
		} else {
			res, err := h.dispatch.Unary(c.Request.Context(), out.Admitted)
			if err != nil {
				h.pipelineError(c, route, err)
				return
			}
			h.writeResult(c, route, res.StatusCode, res.Body, res.Execution)
		}
	}
}

// ExecuteTool handles POST /v1/tools/execute.
func (h *Handler) ExecuteTool(c *gin.Context) {
	p, ok := agent.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Authentication required"})
		return
	}
	body, ok := h.decodeBody(c)
	if !ok {
		return
	}

	name, _ := body["tool"].(string)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "tool is required"})
		return
	}
	args, _ := body["arguments"].(map[string]any)

	tool, err := h.tools.Resolve(name)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Unknown tool " + strconv.Quote(name)})
		return
	case errors.Is(err, tools.ErrToolDisabled):
		c.JSON(http.StatusForbidden, gin.H{"detail": "Tool " + strconv.Quote(name) + " is disabled"})
		return
	case err != nil:
		h.pipelineError(c, policy.RouteTools, err)
		return
	}

	out, err := h.admission.Admit(c.Request.Context(), admission.Input{
		Principal:      p,
		Route:          policy.RouteTools,
		Body:           body,
		IdempotencyKey: c.GetHeader(headerIdempotencyKey),
		FixedCostMicro: tool.CostMicro,
	})
	if err != nil {
		h.pipelineError(c, policy.RouteTools, err)
		return
	}

	switch {
	case out.Replay != nil:
		h.writeReplay(c, policy.RouteTools, out.Replay)
	case out.Refusal != nil:
		h.writeRefusal(c, policy.RouteTools, out.Refusal)
	default:
		res, err := h.tools.Execute(c.Request.Context(), out.Admitted, tool, args)
		if err != nil {
			h.pipelineError(c, policy.RouteTools, err)
			return
		}
		h.writeResult(c, policy.RouteTools, res.StatusCode, res.Body, res.Execution)
	}
}

// decodeBody reads and decodes the JSON body, preserving number
// precision so request hashes are stable across retries.
func (h *Handler) decodeBody(c *gin.Context) (map[string]any, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Failed to read request body"})
		return nil, false
	}
	decoded, err := canonical.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON body"})
		return nil, false
	}
	body, ok := decoded.(map[string]any)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Request body must be a JSON object"})
		return nil, false
	}
	return body, true
}

// writeReplay serves a terminal execution's cached response verbatim.
func (h *Handler) writeReplay(c *gin.Context, route string, exec *ledger.Execution) {
	status := exec.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := c.Writer.Header()
	header.Set(HeaderExecutionID, exec.ExecutionID)
	header.Set(HeaderReserveMicro, strconv.FormatInt(exec.ReserveMicro, 10))
	header.Set(HeaderCommitMicro, strconv.FormatInt(exec.CommitMicro, 10))
	header.Set(HeaderIdempotentHit, "true")
	body := exec.ResponseCache
	if len(body) == 0 {
		body = []byte(`{"detail":"Response cache unavailable"}`)
	}
	c.Data(status, "application/json", body)
	observeRequest(route, status, false)
}

// writeRefusal serves a fresh denial.
func (h *Handler) writeRefusal(c *gin.Context, route string, ref *admission.Refusal) {
	header := c.Writer.Header()
	if ref.ExecutionID != "" {
		header.Set(HeaderExecutionID, ref.ExecutionID)
	}
	header.Set(HeaderIdempotentHit, "false")
	c.Data(ref.Status, "application/json", ref.Body)
	observeRequest(route, ref.Status, false)
}

// writeResult serves a dispatched execution with settlement headers.
func (h *Handler) writeResult(c *gin.Context, route string, status int, body []byte, exec *ledger.Execution) {
	header := c.Writer.Header()
	header.Set(HeaderExecutionID, exec.ExecutionID)
	header.Set(HeaderReserveMicro, strconv.FormatInt(exec.ReserveMicro, 10))
	header.Set(HeaderCommitMicro, strconv.FormatInt(exec.CommitMicro, 10))
	header.Set(HeaderIdempotentHit, "false")
	contentType := "application/json"
	if len(body) > 0 && !json.Valid(body) {
		contentType = http.DetectContentType(body)
	}
	c.Data(status, contentType, body)
	observeRequest(route, status, false)
}

// pipelineError maps infrastructure failures: a tripped store breaker
// is a 503 the caller should retry, anything else is on us. A relay
// that already wrote its response only gets the log line.
func (h *Handler) pipelineError(c *gin.Context, route string, err error) {
	if c.Writer.Written() {
		h.logger.Error("execution pipeline error after response started",
			"route", route, "error", err)
		observeRequest(route, c.Writer.Status(), false)
		return
	}
	if errors.Is(err, ledger.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Ledger temporarily unavailable"})
		observeRequest(route, http.StatusServiceUnavailable, false)
		return
	}
	h.logger.Error("execution pipeline error", "route", route, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal error"})
	observeRequest(route, http.StatusInternalServerError, false)
}
