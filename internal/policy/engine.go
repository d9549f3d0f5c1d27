package policy

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aexlabs/aex/internal/canonical"
)

// Engine runs the kernel and the loaded plugin pipeline.
type Engine struct {
	plugins []Document
	logger  *slog.Logger

	// sandbox forces strict capability interpretation for every
	// evaluation while armed (admin control).
	sandbox atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an engine over plugins already ordered by LoadDir.
func NewEngine(plugins []Document, opts ...Option) *Engine {
	e := &Engine{plugins: plugins, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSandbox arms or clears sandbox mode.
func (e *Engine) SetSandbox(on bool) {
	e.sandbox.Store(on)
}

// Sandbox reports whether sandbox mode is armed.
func (e *Engine) Sandbox() bool {
	return e.sandbox.Load()
}

// PluginNames returns the evaluation order, for diagnostics.
func (e *Engine) PluginNames() []string {
	names := make([]string, len(e.plugins))
	for i, d := range e.plugins {
		names[i] = d.Name
	}
	return names
}

// Evaluate runs the full pipeline over one request. The kernel gates run
// first; a kernel deny short-circuits the plugins. Plugin denies win over
// any patch; patches deep-merge in pipeline order, last writer per path.
// The returned result always carries a decision hash.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	_ = ctx // plugins are pure today; the signature admits I/O-bound ones

	strict := req.Capabilities.Strict || e.sandbox.Load()
	res := &Result{Verdict: VerdictAllow}

	for _, gate := range kernelGates {
		if reason := gate.check(req, strict); reason != "" {
			e.logger.Debug("kernel deny", "gate", gate.name, "agent_id", req.AgentID, "reason", reason)
			res.Verdict = VerdictDeny
			res.Reason = reason
			res.DeniedBy = gate.name
			res.Trace = append(res.Trace, TraceEntry{Name: gate.name, Verdict: string(VerdictDeny), Reason: reason})
			return e.seal(res)
		}
	}
	res.Trace = append(res.Trace, TraceEntry{Name: "kernel", Verdict: string(VerdictAllow)})

	var patch map[string]any
	var obligations []string
	for _, doc := range e.plugins {
		verdict := VerdictAllow
		reason := ""
		for _, rule := range doc.Rules {
			if !rule.Match.matches(req) {
				continue
			}
			if rule.Deny != "" {
				verdict = VerdictDeny
				reason = rule.Deny
				break
			}
			if len(rule.Patch) > 0 {
				patch = deepMerge(patch, rule.Patch)
				verdict = VerdictModify
			}
			obligations = appendUnique(obligations, rule.Obligations...)
		}
		res.Trace = append(res.Trace, TraceEntry{Name: doc.Name, Verdict: string(verdict), Reason: reason})
		if verdict == VerdictDeny {
			e.logger.Debug("plugin deny", "plugin", doc.Name, "agent_id", req.AgentID, "reason", reason)
			res.Verdict = VerdictDeny
			res.Reason = reason
			res.DeniedBy = doc.Name
			return e.seal(res)
		}
	}

	res.Patch = patch
	res.Obligations = obligations
	if len(patch) > 0 {
		res.Verdict = VerdictModify
	}
	return e.seal(res)
}

// seal computes the decision hash and returns the finished result.
func (e *Engine) seal(res *Result) (*Result, error) {
	payload := map[string]any{
		"decision":     string(res.Verdict),
		"patch":        res.Patch,
		"obligations":  res.Obligations,
		"plugin_trace": res.Trace,
	}
	sum, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("policy: decision hash: %w", err)
	}
	res.DecisionHash = hex.EncodeToString(sum[:])
	return res, nil
}

// ApplyPatch returns a copy of body with the merged patch applied.
// system_prepend becomes a prepended system message on chat bodies and a
// prefixed instructions string on responses bodies; every other key is a
// direct field write.
func ApplyPatch(route string, body map[string]any, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return body
	}
	out := make(map[string]any, len(body)+len(patch))
	for k, v := range body {
		out[k] = v
	}
	for key, val := range patch {
		if key == "system_prepend" {
			text, _ := val.(string)
			if text == "" {
				continue
			}
			prependSystem(route, out, text)
			continue
		}
		out[key] = val
	}
	return out
}

func prependSystem(route string, body map[string]any, text string) {
	switch route {
	case RouteChat:
		msgs, _ := body["messages"].([]any)
		prepended := make([]any, 0, len(msgs)+1)
		prepended = append(prepended, map[string]any{"role": "system", "content": text})
		prepended = append(prepended, msgs...)
		body["messages"] = prepended
	case RouteResponses:
		if existing, _ := body["instructions"].(string); existing != "" {
			body["instructions"] = text + "\n" + existing
			return
		}
		body["instructions"] = text
	}
}

// deepMerge merges src into dst, recursing through nested objects and
// overwriting scalars and arrays. dst may be nil.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(cur, sub)
				continue
			}
			dst[k] = deepMerge(nil, sub)
			continue
		}
		dst[k] = v
	}
	return dst
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		seen := false
		for _, have := range dst {
			if have == item {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, item)
		}
	}
	return dst
}
