package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:     ts.URL,
		ControlKey: "ctl-test-key",
	}
	client := NewAEXClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func agentJSON() map[string]any {
	return map[string]any{
		"agent_id":       "ag_1a2b3c",
		"name":           "billing-bot",
		"scope":          "execution",
		"budget_micro":   10_000_000,
		"spent_micro":    2_500_000,
		"reserved_micro": 500_000,
		"rpm_limit":      60,
		"tpm_limit":      0,
		"capabilities": map[string]any{
			"allowed_models": []string{"gpt-test"},
			"streaming":      true,
			"tools":          true,
		},
		"created_at": "2026-08-01T12:00:00Z",
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_ControlKeyHeader(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-aex-admin-key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "ctl-secret123"})
	_, err := client.GetAgent(context.Background(), "billing-bot")
	require.NoError(t, err)
	assert.Equal(t, "ctl-secret123", gotKey)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_control_key",
			"message": "Control key does not match",
		})
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "bad"})
	_, err := client.GetAgent(context.Background(), "billing-bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Control key does not match")
}

func TestClient_DoRequest_HTTPError_CodeOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_control_key"})
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "bad"})
	_, err := client.GetAgent(context.Background(), "billing-bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_control_key")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "k"})
	_, err := client.GetAgent(context.Background(), "billing-bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewAEXClient(Config{APIURL: "http://127.0.0.1:1", ControlKey: "k"})
	_, err := client.GetAgent(context.Background(), "billing-bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetAgent(ctx, "billing-bot")
	require.Error(t, err)
}

func TestClient_GetAgent_EscapesName(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "k"})
	_, err := client.GetAgent(context.Background(), "odd/name")
	require.NoError(t, err)
	assert.Equal(t, "/admin/agents/odd%2Fname", gotPath)
}

func TestClient_ListActivity_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tenant-a", r.URL.Query().Get("scope"))
		assert.Equal(t, "42", r.URL.Query().Get("after_seq"))
		assert.Equal(t, "500", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"events":[],"count":0,"next_after_seq":42}`))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "k"})
	_, err := client.ListActivity(context.Background(), "tenant-a", 42, 500)
	require.NoError(t, err)
}

func TestClient_ListActivity_ZeroParamsOmitted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("scope"))
		assert.Empty(t, r.URL.Query().Get("after_seq"))
		assert.Empty(t, r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"events":[],"count":0,"next_after_seq":0}`))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "k"})
	_, err := client.ListActivity(context.Background(), "", 0, 0)
	require.NoError(t, err)
}

func TestClient_Replay_ScopeParam(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/replay", r.URL.Path)
		assert.Equal(t, "tenant-b", r.URL.Query().Get("scope"))
		_, _ = w.Write([]byte(`{"ok":true,"report":{}}`))
	}))
	defer ts.Close()

	client := NewAEXClient(Config{APIURL: ts.URL, ControlKey: "k"})
	_, err := client.Replay(context.Background(), "tenant-b")
	require.NoError(t, err)
}

// ============================================================
// Handler: aex_agent_status
// ============================================================

func TestHandleAgentStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/agents/billing-bot", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ctl-test-key", r.Header.Get("x-aex-admin-key"))
		_ = json.NewEncoder(w).Encode(agentJSON())
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAgentStatus(context.Background(), makeRequest(map[string]any{
		"name": "billing-bot",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "billing-bot")
	assert.Contains(t, text, "ag_1a2b3c")
	assert.Contains(t, text, "$10.000000 (10000000 micro)")
	assert.Contains(t, text, "$2.500000")
	assert.Contains(t, text, "$0.500000")
	// available = 10.0 - 2.5 - 0.5
	assert.Contains(t, text, "$7.000000")
	assert.Contains(t, text, "60 rpm")
	assert.Contains(t, text, "unlimited tpm")
	assert.Contains(t, text, "streaming, tools")
	assert.Contains(t, text, "models: gpt-test")
}

func TestHandleAgentStatus_MissingName(t *testing.T) {
	h := NewHandlers(NewAEXClient(Config{}))
	result, err := h.HandleAgentStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "name is required")
}

func TestHandleAgentStatus_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/agents/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "agent_not_found", "message": "No agent named 'ghost'",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAgentStatus(context.Background(), makeRequest(map[string]any{
		"name": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No agent named 'ghost'")
}

func TestHandleAgentStatus_NoGrants(t *testing.T) {
	a := agentJSON()
	a["capabilities"] = map[string]any{}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/agents/billing-bot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(a)
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAgentStatus(context.Background(), makeRequest(map[string]any{
		"name": "billing-bot",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "none")
	assert.Contains(t, text, "all catalog models")
}

// ============================================================
// Handler: aex_execution_get
// ============================================================

func TestHandleExecutionGet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/executions/ex_job42", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"execution_id":  "ex_job42",
			"agent_id":      "ag_1a2b3c",
			"route":         "chat",
			"model":         "gpt-test",
			"provider":      "openai",
			"state":         "COMMITTED",
			"reserve_micro": 2000,
			"commit_micro":  1400,
			"release_micro": 600,
			"created_at":    "2026-08-20T10:00:00Z",
			"terminal_at":   "2026-08-20T10:00:03Z",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleExecutionGet(context.Background(), makeRequest(map[string]any{
		"execution_id": "ex_job42",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "ex_job42")
	assert.Contains(t, text, "COMMITTED")
	assert.Contains(t, text, "chat | Model: gpt-test (openai)")
	assert.Contains(t, text, "(2000 micro)")
	assert.Contains(t, text, "(1400 micro)")
	assert.Contains(t, text, "(600 micro)")
	assert.Contains(t, text, "2026-08-20T10:00:03Z")
}

func TestHandleExecutionGet_InFlight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/executions/ex_open", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"execution_id":  "ex_open",
			"agent_id":      "ag_1a2b3c",
			"route":         "chat",
			"model":         "gpt-test",
			"state":         "RESERVED",
			"reserve_micro": 2000,
			"created_at":    "2026-08-20T10:00:00Z",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleExecutionGet(context.Background(), makeRequest(map[string]any{
		"execution_id": "ex_open",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "RESERVED")
	assert.Contains(t, text, "still in flight")
	assert.NotContains(t, text, "Settled")
	assert.NotContains(t, text, "Refunded")
}

func TestHandleExecutionGet_MissingID(t *testing.T) {
	h := NewHandlers(NewAEXClient(Config{}))
	result, err := h.HandleExecutionGet(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "execution_id is required")
}

func TestHandleExecutionGet_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/executions/ex_missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "execution_not_found", "message": "No execution 'ex_missing'",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleExecutionGet(context.Background(), makeRequest(map[string]any{
		"execution_id": "ex_missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No execution 'ex_missing'")
}

// ============================================================
// Handler: aex_activity_tail
// ============================================================

func activityEvent(seq int64, eventType, execID string, payload map[string]any) map[string]any {
	return map[string]any{
		"seq":          seq,
		"chain_scope":  "global",
		"execution_id": execID,
		"event_type":   eventType,
		"payload":      payload,
		"recorded_at":  "2026-08-20T10:00:00Z",
	}
}

func TestHandleActivityTail(t *testing.T) {
	events := []map[string]any{
		activityEvent(1, "reserve", "ex_a", map[string]any{"agent_id": "ag_x", "estimated_micro": 2000, "model": "gpt-test"}),
		activityEvent(2, "dispatch", "ex_a", map[string]any{"agent_id": "ag_x", "provider": "openai", "model": "gpt-test"}),
		activityEvent(3, "commit", "ex_a", map[string]any{"agent_id": "ag_x", "cost_micro": 1400}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/activity", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": events, "count": len(events), "next_after_seq": 3,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleActivityTail(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Last 3 of 3 chain event(s)")
	assert.Contains(t, text, "reserve")
	assert.Contains(t, text, "held $0.002000 (2000 micro)")
	assert.Contains(t, text, "-> openai/gpt-test")
	assert.Contains(t, text, "settled $0.001400 (1400 micro)")
	assert.Contains(t, text, "agent ag_x")
}

func TestHandleActivityTail_KeepsTrailingWindow(t *testing.T) {
	// Two pages: 1000 events then 500. A limit of 3 should surface
	// seqs 1498..1500 only.
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/activity", func(w http.ResponseWriter, r *http.Request) {
		afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
		var events []map[string]any
		for seq := afterSeq + 1; seq <= afterSeq+1000 && seq <= 1500; seq++ {
			events = append(events, activityEvent(seq, "commit", fmt.Sprintf("ex_%d", seq),
				map[string]any{"agent_id": "ag_x", "cost_micro": 100}))
		}
		last := afterSeq
		if len(events) > 0 {
			last = afterSeq + int64(len(events))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": events, "count": len(events), "next_after_seq": last,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleActivityTail(context.Background(), makeRequest(map[string]any{
		"limit": float64(3), // JSON numbers come as float64
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Last 3 of 1500 chain event(s)")
	assert.NotContains(t, text, "ex_1497")
	assert.Contains(t, text, "ex_1498")
	assert.Contains(t, text, "ex_1499")
	assert.Contains(t, text, "ex_1500")
}

func TestHandleActivityTail_EmptyChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/activity", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{}, "count": 0, "next_after_seq": 0,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleActivityTail(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "audit chain is empty")
}

func TestHandleActivityTail_PassesScope(t *testing.T) {
	var gotScope string
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/activity", func(w http.ResponseWriter, r *http.Request) {
		gotScope = r.URL.Query().Get("scope")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{}, "count": 0, "next_after_seq": 0,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	_, err := h.HandleActivityTail(context.Background(), makeRequest(map[string]any{
		"scope": "tenant-a",
	}))
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", gotScope)
}

func TestHandleActivityTail_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/activity", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "ledger not configured"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleActivityTail(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to read activity")
}

// ============================================================
// Handler: aex_audit_replay
// ============================================================

func TestHandleAuditReplay_Clean(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/replay", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"report": map[string]any{
				"chain_scope":    "global",
				"events":         37,
				"last_seq":       37,
				"mismatches":     []map[string]any{},
				"agents_audited": 4,
				"verified_at":    "2026-08-20T10:00:00Z",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAuditReplay(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "PASSED")
	assert.Contains(t, text, "37 (last seq 37)")
	assert.Contains(t, text, "Agents reconciled: 4")
}

func TestHandleAuditReplay_Mismatches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/replay", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false,
			"report": map[string]any{
				"chain_scope": "global",
				"events":      37,
				"last_seq":    37,
				"mismatches": []map[string]any{
					{"seq": 12, "kind": "hash_mismatch", "detail": "event hash does not match recomputed value"},
					{"kind": "spent_mismatch", "agent_id": "ag_x", "detail": "replayed spend 900 != stored 1400"},
				},
				"agents_audited": 4,
				"verified_at":    "2026-08-20T10:00:00Z",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAuditReplay(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "FAILED")
	assert.Contains(t, text, "2 mismatch(es)")
	assert.Contains(t, text, "integrity hold")
	assert.Contains(t, text, "[hash_mismatch] seq 12")
	assert.Contains(t, text, "[spent_mismatch] agent ag_x")
	assert.Contains(t, text, "replayed spend 900 != stored 1400")
}

func TestHandleAuditReplay_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/replay", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "replay failed", "message": "event chain unreadable",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAuditReplay(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "event chain unreadable")
}

// ============================================================
// Formatting unit tests
// ============================================================

func TestMicro(t *testing.T) {
	assert.Equal(t, "$0.000000 (0 micro)", micro(0))
	assert.Equal(t, "$0.001400 (1400 micro)", micro(1400))
	assert.Equal(t, "$12.500000 (12500000 micro)", micro(12_500_000))
}

func TestSummarizeEvent_Denials(t *testing.T) {
	budget := eventRecord{
		Seq: 5, ExecutionID: "ex_d", EventType: "deny.budget",
		Payload: map[string]any{"agent_id": "ag_x", "estimated_micro": float64(5000), "remaining_micro": float64(100)},
	}
	line := summarizeEvent(budget)
	assert.Contains(t, line, "ex_d")
	assert.Contains(t, line, "agent ag_x")
	assert.Contains(t, line, "needed $0.005000")
	assert.Contains(t, line, "only $0.000100")

	rate := eventRecord{
		Seq: 6, EventType: "deny.rate",
		Payload: map[string]any{"agent_id": "ag_x", "reason": "rpm limit exceeded"},
	}
	assert.Contains(t, summarizeEvent(rate), "rpm limit exceeded")
}

func TestSummarizeEvent_CommitMarkers(t *testing.T) {
	ev := eventRecord{
		Seq: 9, ExecutionID: "ex_o", EventType: "commit",
		Payload: map[string]any{
			"agent_id": "ag_x", "cost_micro": float64(2000),
			"estimate": true, "overrun": true,
		},
	}
	line := summarizeEvent(ev)
	assert.Contains(t, line, "(estimated)")
	assert.Contains(t, line, "(overrun clamped)")
}

func TestSummarizeEvent_Fail(t *testing.T) {
	ev := eventRecord{
		Seq: 4, ExecutionID: "ex_f", EventType: "fail",
		Payload: map[string]any{
			"agent_id": "ag_x", "refund_micro": float64(2000),
			"status_code": float64(502), "reason": "upstream unavailable",
		},
	}
	line := summarizeEvent(ev)
	assert.Contains(t, line, "refunded $0.002000")
	assert.Contains(t, line, "502")
	assert.Contains(t, line, "upstream unavailable")
}

func TestFormatAgentStatus_MalformedJSON(t *testing.T) {
	_, err := formatAgentStatus(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatExecution_MalformedJSON(t *testing.T) {
	_, err := formatExecution(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatReplayReport_MalformedJSON(t *testing.T) {
	_, err := formatReplayReport(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", ControlKey: "k"})
	require.NotNil(t, s)
	// The server should not be nil — that's the main assertion.
	// We can't easily inspect registered tools without calling ListTools,
	// but we can verify it doesn't panic.
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers should return (result, nil) even on failures.
	// The failure is encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewAEXClient(Config{
		APIURL:     "http://127.0.0.1:1", // unreachable
		ControlKey: "k",
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"AgentStatus", func() (*mcp.CallToolResult, error) {
			return h.HandleAgentStatus(context.Background(), makeRequest(map[string]any{"name": "a"}))
		}},
		{"ExecutionGet", func() (*mcp.CallToolResult, error) {
			return h.HandleExecutionGet(context.Background(), makeRequest(map[string]any{"execution_id": "ex_1"}))
		}},
		{"ActivityTail", func() (*mcp.CallToolResult, error) {
			return h.HandleActivityTail(context.Background(), makeRequest(nil))
		}},
		{"AuditReplay", func() (*mcp.CallToolResult, error) {
			return h.HandleAuditReplay(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
