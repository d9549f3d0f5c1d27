// Package policy evaluates admission requests against the capability
// kernel and the operator's plugin pipeline.
//
// Evaluation is deterministic: kernel gates run first in a fixed order,
// then plugins run in dependency order. Any deny ends the pipeline;
// patches from surviving rules deep-merge in pipeline order with
// last-writer-wins per path. Every evaluation yields a decision hash
// recorded on the execution row, so an audit can prove which verdict
// admitted or denied a given execution.
package policy

import (
	"errors"

	"github.com/aexlabs/aex/internal/agent"
	"github.com/aexlabs/aex/internal/catalog"
)

// Errors
var (
	ErrDuplicatePlugin = errors.New("policy: duplicate plugin name")
	ErrUnknownRequire  = errors.New("policy: requires names an unknown plugin")
	ErrRequireCycle    = errors.New("policy: plugin dependency cycle")
)

// Routes the engine understands. They mirror the public HTTP surface.
const (
	RouteChat       = "chat"
	RouteResponses  = "responses"
	RouteEmbeddings = "embeddings"
	RouteTools      = "tools"
)

// Verdict is the reduced outcome of an evaluation.
type Verdict string

const (
	// VerdictAllow admits the request unchanged.
	VerdictAllow Verdict = "allow"
	// VerdictDeny rejects the request.
	VerdictDeny Verdict = "deny"
	// VerdictModify admits the request with a patch applied.
	VerdictModify Verdict = "modify"
)

// Request is one admission attempt as the pipeline sees it. The body is
// the decoded JSON request; the engine never mutates it.
type Request struct {
	AgentID        string
	Route          string
	Model          string
	Body           map[string]any
	Capabilities   agent.Capabilities
	ModelInfo      catalog.Model
	EstInputTokens int
	// MaxTokens is the effective output budget: the caller's requested
	// value, or the model limit when the caller left it unset.
	MaxTokens int
	Stream    bool
}

// TraceEntry records what one pipeline stage concluded.
type TraceEntry struct {
	Name    string `json:"name"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

// Result is the reduced outcome of a full evaluation.
type Result struct {
	Verdict     Verdict
	Reason      string // set when denied
	DeniedBy    string // kernel gate or plugin name
	Patch       map[string]any
	Obligations []string
	Trace       []TraceEntry
	// DecisionHash is hex SHA-256 over the canonical encoding of
	// {decision, patch, obligations, plugin_trace}.
	DecisionHash string
}

// Allowed reports whether the request may proceed (allow or modify).
func (r *Result) Allowed() bool {
	return r.Verdict != VerdictDeny
}
