package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aexlabs/aex/internal/admission"
	"github.com/aexlabs/aex/internal/ledger"
)

// settleGrace pads the reservation extension past the tool TTL.
const settleGrace = 10 * time.Second

// Result is what the transport writes back for a tool execution.
type Result struct {
	StatusCode int
	Body       []byte
	Execution  *ledger.Execution
}

// Service runs admitted tool executions and settles them: a clean exit
// commits the manifest cost, anything else releases the reserve.
type Service struct {
	store  ledger.Store
	loader *Loader
	runner *Runner
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithRunner overrides the subprocess runner.
func WithRunner(r *Runner) ServiceOption {
	return func(s *Service) { s.runner = r }
}

// NewService wires the tool execution service.
func NewService(store ledger.Store, loader *Loader, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		loader: loader,
		runner: NewRunner(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve maps an execute request onto its manifest entry. The gateway
// calls this before admission, because the manifest cost is what the
// reserve prices.
func (s *Service) Resolve(name string) (Tool, error) {
	m, err := s.loader.Current()
	if err != nil {
		return Tool{}, err
	}
	return m.Get(name)
}

// Execute runs one admitted tool execution to its terminal state.
func (s *Service) Execute(ctx context.Context, adm *admission.Admission, tool Tool, args map[string]any) (*Result, error) {
	sctx := context.WithoutCancel(ctx)

	if err := s.store.MarkDispatched(sctx, adm.ExecutionID, tool.TTL+settleGrace); err != nil {
		return nil, err
	}

	run, err := s.runner.Run(ctx, tool, args)
	if err != nil {
		// The process never ran: refund and report.
		s.logger.Warn("tool launch failed", "tool", tool.Name, "execution_id", adm.ExecutionID, "error", err)
		return s.release(sctx, adm, map[string]any{
			"detail": "Tool execution failed",
			"tool":   tool.Name,
			"reason": "launch failed",
		})
	}
	if run.Failed() {
		reason := "nonzero exit"
		if run.TimedOut {
			reason = "timed out"
		}
		s.logger.Warn("tool run failed",
			"tool", tool.Name,
			"execution_id", adm.ExecutionID,
			"exit_code", run.ExitCode,
			"timed_out", run.TimedOut,
			"stderr", run.Stderr,
		)
		return s.release(sctx, adm, map[string]any{
			"detail":    "Tool execution failed",
			"tool":      tool.Name,
			"reason":    reason,
			"exit_code": run.ExitCode,
		})
	}

	body, err := json.Marshal(map[string]any{
		"tool":        tool.Name,
		"version":     tool.Version,
		"output":      string(run.Output),
		"truncated":   run.Truncated,
		"duration_ms": run.Duration.Milliseconds(),
		"cost_micro":  tool.CostMicro,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(sctx, ledger.CommitRequest{
		ExecutionID:  adm.ExecutionID,
		ActualMicro:  tool.CostMicro,
		ResponseBody: body,
		StatusCode:   http.StatusOK,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("tool committed",
		"tool", tool.Name,
		"execution_id", adm.ExecutionID,
		"agent_id", adm.AgentID,
		"cost_micro", tool.CostMicro,
		"duration_ms", run.Duration.Milliseconds(),
	)
	return s.finish(sctx, adm, http.StatusOK, body)
}

func (s *Service) release(ctx context.Context, adm *admission.Admission, doc map[string]any) (*Result, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := s.store.Release(ctx, adm.ExecutionID, "tool_failed", http.StatusBadRequest); err != nil {
		return nil, err
	}
	return s.finish(ctx, adm, http.StatusBadRequest, body)
}

func (s *Service) finish(ctx context.Context, adm *admission.Admission, status int, body []byte) (*Result, error) {
	exec, err := s.store.GetExecution(ctx, adm.ExecutionID)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: status, Body: body, Execution: exec}, nil
}
