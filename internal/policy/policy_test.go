package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/internal/agent"
	"github.com/aexlabs/aex/internal/catalog"
)

func chatRequest(body map[string]any, caps agent.Capabilities) *Request {
	if body == nil {
		body = map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": "hello"},
			},
		}
	}
	return &Request{
		AgentID:      "ag_test",
		Route:        RouteChat,
		Model:        "fast-chat",
		Body:         body,
		Capabilities: caps,
		ModelInfo: catalog.Model{
			Provider:      "groq",
			ProviderModel: "llama-3.1-8b-instant",
			Pricing:       catalog.Pricing{InputMicro: 50, OutputMicro: 100},
			Limits:        catalog.Limits{MaxTokens: 8192},
			Capabilities:  catalog.Capabilities{Tools: true, Vision: false},
		},
		EstInputTokens: 10,
		MaxTokens:      64,
	}
}

func defaultCaps() agent.Capabilities {
	return agent.Capabilities{Streaming: true, Tools: true}
}

func evaluate(t *testing.T, e *Engine, req *Request) *Result {
	t.Helper()
	res, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestKernelAllowsPlainChat(t *testing.T) {
	e := NewEngine(nil)
	res := evaluate(t, e, chatRequest(nil, defaultCaps()))

	assert.Equal(t, VerdictAllow, res.Verdict)
	assert.True(t, res.Allowed())
	assert.Len(t, res.DecisionHash, 64)
	require.Len(t, res.Trace, 1)
	assert.Equal(t, "kernel", res.Trace[0].Name)
}

func TestKernelShape(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name string
		req  *Request
		deny bool
	}{
		{"empty messages", chatRequest(map[string]any{"messages": []any{}}, defaultCaps()), true},
		{"messages not array", chatRequest(map[string]any{"messages": "hi"}, defaultCaps()), true},
		{"message missing role", chatRequest(map[string]any{
			"messages": []any{map[string]any{"content": "x"}},
		}, defaultCaps()), true},
		{"valid", chatRequest(nil, defaultCaps()), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := evaluate(t, e, tc.req)
			if tc.deny {
				assert.Equal(t, VerdictDeny, res.Verdict)
				assert.Equal(t, "kernel.shape", res.DeniedBy)
			} else {
				assert.True(t, res.Allowed())
			}
		})
	}

	emb := chatRequest(nil, defaultCaps())
	emb.Route = RouteEmbeddings
	emb.Body = map[string]any{"model": "fast-chat"}
	res := evaluate(t, e, emb)
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Contains(t, res.Reason, "input is required")
}

func TestKernelModelAllowlist(t *testing.T) {
	e := NewEngine(nil)

	caps := defaultCaps()
	caps.AllowedModels = []string{"other-model"}
	res := evaluate(t, e, chatRequest(nil, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "kernel.models", res.DeniedBy)

	caps.AllowedModels = []string{"fast-chat"}
	res = evaluate(t, e, chatRequest(nil, caps))
	assert.True(t, res.Allowed())
}

func TestKernelStrictRequiresAllowlist(t *testing.T) {
	e := NewEngine(nil)

	caps := defaultCaps()
	caps.Strict = true
	res := evaluate(t, e, chatRequest(nil, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)

	caps.AllowedModels = []string{"fast-chat"}
	res = evaluate(t, e, chatRequest(nil, caps))
	assert.True(t, res.Allowed())
}

func TestSandboxForcesStrict(t *testing.T) {
	e := NewEngine(nil)
	caps := defaultCaps() // no allowlist, not strict

	res := evaluate(t, e, chatRequest(nil, caps))
	require.True(t, res.Allowed())

	e.SetSandbox(true)
	assert.True(t, e.Sandbox())
	res = evaluate(t, e, chatRequest(nil, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)

	e.SetSandbox(false)
	res = evaluate(t, e, chatRequest(nil, caps))
	assert.True(t, res.Allowed())
}

func TestKernelStreamingGate(t *testing.T) {
	e := NewEngine(nil)

	caps := defaultCaps()
	caps.Streaming = false
	req := chatRequest(nil, caps)
	req.Stream = true
	res := evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "kernel.streaming", res.DeniedBy)
}

func TestKernelToolGates(t *testing.T) {
	e := NewEngine(nil)
	toolsBody := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "x"}},
		"tools": []any{
			map[string]any{"type": "function", "function": map[string]any{"name": "search"}},
		},
	}

	caps := defaultCaps()
	caps.Tools = false
	res := evaluate(t, e, chatRequest(toolsBody, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "kernel.tools", res.DeniedBy)

	caps.Tools = true
	caps.AllowedToolNames = []string{"lookup"}
	res = evaluate(t, e, chatRequest(toolsBody, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Contains(t, res.Reason, `"search"`)

	caps.AllowedToolNames = []string{"search"}
	res = evaluate(t, e, chatRequest(toolsBody, caps))
	assert.True(t, res.Allowed())

	// Model without tools support
	req := chatRequest(toolsBody, caps)
	req.ModelInfo.Capabilities.Tools = false
	res = evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict)

	// tool_choice without tools capability
	caps.Tools = false
	choiceBody := map[string]any{
		"messages":    []any{map[string]any{"role": "user", "content": "x"}},
		"tool_choice": "auto",
	}
	res = evaluate(t, e, chatRequest(choiceBody, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "kernel.tool_choice", res.DeniedBy)

	choiceBody["tool_choice"] = "none"
	res = evaluate(t, e, chatRequest(choiceBody, caps))
	assert.True(t, res.Allowed())
}

func TestKernelVisionGate(t *testing.T) {
	e := NewEngine(nil)
	visionBody := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "what is this"},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://x/y.png"}},
			}},
		},
	}

	caps := defaultCaps()
	res := evaluate(t, e, chatRequest(visionBody, caps))
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "kernel.vision", res.DeniedBy)

	caps.Vision = true
	req := chatRequest(visionBody, caps)
	res = evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict) // model has no vision

	req = chatRequest(visionBody, caps)
	req.ModelInfo.Capabilities.Vision = true
	res = evaluate(t, e, req)
	assert.True(t, res.Allowed())
}

func TestKernelTokenGates(t *testing.T) {
	e := NewEngine(nil)

	caps := defaultCaps()
	caps.MaxInputTokens = 5
	req := chatRequest(nil, caps)
	req.EstInputTokens = 10
	res := evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "kernel.tokens", res.DeniedBy)

	caps = defaultCaps()
	caps.MaxOutputTokens = 32
	req = chatRequest(nil, caps)
	req.MaxTokens = 64
	res = evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict)

	caps = defaultCaps()
	req = chatRequest(nil, caps)
	req.MaxTokens = 10_000 // above model limit 8192
	res = evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict)

	caps = defaultCaps()
	caps.MaxTokensPerRequest = 60
	req = chatRequest(nil, caps)
	req.EstInputTokens = 10
	req.MaxTokens = 64
	res = evaluate(t, e, req)
	assert.Equal(t, VerdictDeny, res.Verdict)
}

func TestRequestedMaxTokens(t *testing.T) {
	assert.Equal(t, 0, RequestedMaxTokens(map[string]any{}))
	assert.Equal(t, 7, RequestedMaxTokens(map[string]any{"max_tokens": float64(7)}))
	assert.Equal(t, 9, RequestedMaxTokens(map[string]any{"max_completion_tokens": 9}))
	assert.Equal(t, 11, RequestedMaxTokens(map[string]any{"max_output_tokens": int64(11)}))
}

func TestPluginDenyWins(t *testing.T) {
	docs := []Document{
		{
			Name: "tighten",
			Rules: []RuleSpec{
				{Match: MatchSpec{Route: RouteChat}, Patch: map[string]any{"temperature": 0.5}},
			},
		},
		{
			Name: "block-hot",
			Rules: []RuleSpec{
				{Match: MatchSpec{Field: "temperature", GT: f64(1.5)}, Deny: "temperature too high"},
			},
		},
	}
	e := NewEngine(docs)

	body := map[string]any{
		"messages":    []any{map[string]any{"role": "user", "content": "x"}},
		"temperature": 2.0,
	}
	res := evaluate(t, e, chatRequest(body, defaultCaps()))
	assert.Equal(t, VerdictDeny, res.Verdict)
	assert.Equal(t, "block-hot", res.DeniedBy)
	assert.Equal(t, "temperature too high", res.Reason)

	body["temperature"] = 0.9
	res = evaluate(t, e, chatRequest(body, defaultCaps()))
	assert.Equal(t, VerdictModify, res.Verdict)
	assert.Equal(t, 0.5, res.Patch["temperature"])
}

func TestPluginPatchLastWins(t *testing.T) {
	docs := []Document{
		{Name: "a", Rules: []RuleSpec{{Patch: map[string]any{"temperature": 0.3, "top_p": 0.9}}}},
		{Name: "b", Rules: []RuleSpec{{Patch: map[string]any{"temperature": 0.7}}}},
	}
	e := NewEngine(docs)

	res := evaluate(t, e, chatRequest(nil, defaultCaps()))
	assert.Equal(t, VerdictModify, res.Verdict)
	assert.Equal(t, 0.7, res.Patch["temperature"])
	assert.Equal(t, 0.9, res.Patch["top_p"])
}

func TestPluginObligationsAccumulate(t *testing.T) {
	docs := []Document{
		{Name: "a", Rules: []RuleSpec{{Obligations: []string{"log_request"}}}},
		{Name: "b", Rules: []RuleSpec{{Obligations: []string{"log_request", "notify"}}}},
	}
	e := NewEngine(docs)

	res := evaluate(t, e, chatRequest(nil, defaultCaps()))
	assert.Equal(t, []string{"log_request", "notify"}, res.Obligations)
}

func TestDecisionHashDeterministic(t *testing.T) {
	docs := []Document{
		{Name: "a", Rules: []RuleSpec{{Patch: map[string]any{"temperature": 0.7}}}},
	}
	e := NewEngine(docs)

	r1 := evaluate(t, e, chatRequest(nil, defaultCaps()))
	r2 := evaluate(t, e, chatRequest(nil, defaultCaps()))
	assert.Equal(t, r1.DecisionHash, r2.DecisionHash)

	// A different verdict hashes differently.
	caps := defaultCaps()
	caps.Streaming = false
	req := chatRequest(nil, caps)
	req.Stream = true
	r3 := evaluate(t, e, req)
	assert.NotEqual(t, r1.DecisionHash, r3.DecisionHash)
}

func TestApplyPatch(t *testing.T) {
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"model":    "fast-chat",
	}
	patch := map[string]any{
		"temperature":    0.2,
		"system_prepend": "Be terse.",
	}

	out := ApplyPatch(RouteChat, body, patch)
	assert.Equal(t, 0.2, out["temperature"])
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "Be terse.", first["content"])

	// Original body untouched
	assert.Len(t, body["messages"].([]any), 1)
	_, had := body["temperature"]
	assert.False(t, had)
}

func TestApplyPatchResponsesInstructions(t *testing.T) {
	body := map[string]any{"input": "hello", "instructions": "existing"}
	out := ApplyPatch(RouteResponses, body, map[string]any{"system_prepend": "First."})
	assert.Equal(t, "First.\nexisting", out["instructions"])

	out = ApplyPatch(RouteResponses, map[string]any{"input": "hello"}, map[string]any{"system_prepend": "Only."})
	assert.Equal(t, "Only.", out["instructions"])
}

func TestLoadDirOrdersByRequires(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	// File order is a.yaml, b.yaml; b requires nothing, a requires b.
	write("a.yaml", "name: alpha\nrequires: [beta]\nrules:\n  - patch:\n      temperature: 0.1\n")
	write("b.yaml", "name: beta\nrules:\n  - patch:\n      temperature: 0.9\n")

	docs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "beta", docs[0].Name)
	assert.Equal(t, "alpha", docs[1].Name)

	// alpha runs last, so its temperature wins.
	e := NewEngine(docs)
	res := evaluate(t, e, chatRequest(nil, defaultCaps()))
	assert.Equal(t, 0.1, res.Patch["temperature"])
}

func TestLoadDirRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: alpha\nrequires: [beta]\nrules:\n  - deny: nope\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"),
		[]byte("name: beta\nrequires: [alpha]\nrules:\n  - deny: nope\n"), 0o644))

	_, err := LoadDir(dir)
	assert.ErrorIs(t, err, ErrRequireCycle)
}

func TestLoadDirRejectsUnknownRequire(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: alpha\nrequires: [ghost]\nrules:\n  - deny: nope\n"), 0o644))

	_, err := LoadDir(dir)
	assert.ErrorIs(t, err, ErrUnknownRequire)
}

func TestLoadDirRejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	// Unknown field fails strict parsing.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: alpha\nwhatever: true\nrules:\n  - deny: nope\n"), 0o644))
	_, err := LoadDir(dir)
	assert.Error(t, err)

	// Unpatchable field fails validation.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: alpha\nrules:\n  - patch:\n      messages: []\n"), 0o644))
	_, err = LoadDir(dir)
	assert.Error(t, err)

	// Rule with no action fails validation.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: alpha\nrules:\n  - match:\n      route: chat\n"), 0o644))
	_, err = LoadDir(dir)
	assert.Error(t, err)
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	docs, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = LoadDir("")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMatchSpec(t *testing.T) {
	req := chatRequest(map[string]any{
		"messages":    []any{map[string]any{"role": "user", "content": "x"}},
		"temperature": 1.2,
		"nested":      map[string]any{"flag": true},
	}, defaultCaps())

	tests := []struct {
		name  string
		match MatchSpec
		want  bool
	}{
		{"empty matches all", MatchSpec{}, true},
		{"route match", MatchSpec{Route: RouteChat}, true},
		{"route mismatch", MatchSpec{Route: RouteEmbeddings}, false},
		{"model exact", MatchSpec{Model: "fast-chat"}, true},
		{"model glob", MatchSpec{Model: "fast-*"}, true},
		{"model glob miss", MatchSpec{Model: "deep-*"}, false},
		{"gt hit", MatchSpec{Field: "temperature", GT: f64(1.0)}, true},
		{"gt miss", MatchSpec{Field: "temperature", GT: f64(1.5)}, false},
		{"lt hit", MatchSpec{Field: "temperature", LT: f64(1.5)}, true},
		{"equals number", MatchSpec{Field: "temperature", Equals: 1.2}, true},
		{"exists true", MatchSpec{Field: "temperature", Exists: boolp(true)}, true},
		{"exists false", MatchSpec{Field: "absent", Exists: boolp(false)}, true},
		{"nested path", MatchSpec{Field: "nested.flag", Equals: true}, true},
		{"missing field", MatchSpec{Field: "absent", GT: f64(0)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.match.matches(req))
		})
	}
}

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }
