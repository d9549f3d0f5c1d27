package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultTailLimit = 20
	maxTailLimit     = 100
	activityPageSize = 1000 // the admin API's max page size
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *AEXClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AEXClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAgentStatus looks up one agent's budget envelope and grants.
func (h *Handlers) HandleAgentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	raw, err := h.client.GetAgent(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch agent: %v", err)), nil
	}

	text, err := formatAgentStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agent: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleExecutionGet fetches one ledger execution by ID.
func (h *Handlers) HandleExecutionGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	if executionID == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	raw, err := h.client.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch execution: %v", err)), nil
	}

	text, err := formatExecution(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse execution: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleActivityTail shows the newest entries on the audit chain. The
// admin API pages ascending from a sequence cursor, so the client walks
// the chain forward and keeps a sliding window of the trailing events.
func (h *Handlers) HandleActivityTail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultTailLimit)
	if limit <= 0 {
		limit = defaultTailLimit
	}
	if limit > maxTailLimit {
		limit = maxTailLimit
	}
	scope := req.GetString("scope", "")

	var (
		tail     []eventRecord
		afterSeq int64
		total    int64
	)
	for {
		raw, err := h.client.ListActivity(ctx, scope, afterSeq, activityPageSize)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read activity: %v", err)), nil
		}

		var page activityPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse activity: %v", err)), nil
		}
		if len(page.Events) == 0 {
			break
		}

		total += int64(len(page.Events))
		tail = append(tail, page.Events...)
		if len(tail) > limit {
			tail = tail[len(tail)-limit:]
		}
		afterSeq = page.NextAfterSeq
		if len(page.Events) < activityPageSize {
			break
		}
	}

	if len(tail) == 0 {
		return mcp.NewToolResultText("The audit chain is empty."), nil
	}

	return mcp.NewToolResultText(formatActivityTail(tail, total, scope)), nil
}

// HandleAuditReplay verifies the chain and summarizes the report.
func (h *Handlers) HandleAuditReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := req.GetString("scope", "")

	raw, err := h.client.Replay(ctx, scope)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Replay failed: %v", err)), nil
	}

	text, err := formatReplayReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse replay report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Response shapes ---

type agentRecord struct {
	ID             string     `json:"agent_id"`
	Name           string     `json:"name"`
	Scope          string     `json:"scope"`
	BudgetMicro    int64      `json:"budget_micro"`
	SpentMicro     int64      `json:"spent_micro"`
	ReservedMicro  int64      `json:"reserved_micro"`
	RPMLimit       int        `json:"rpm_limit"`
	TPMLimit       int        `json:"tpm_limit"`
	Capabilities   agentCaps  `json:"capabilities"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`
}

type agentCaps struct {
	AllowedModels    []string `json:"allowed_models"`
	Streaming        bool     `json:"streaming"`
	Tools            bool     `json:"tools"`
	Vision           bool     `json:"vision"`
	Strict           bool     `json:"strict"`
	AllowPassthrough bool     `json:"allow_passthrough"`
}

type executionRecord struct {
	ExecutionID  string     `json:"execution_id"`
	AgentID      string     `json:"agent_id"`
	Route        string     `json:"route"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	State        string     `json:"state"`
	ReserveMicro int64      `json:"reserve_micro"`
	CommitMicro  int64      `json:"commit_micro"`
	ReleaseMicro int64      `json:"release_micro"`
	StatusCode   int        `json:"status_code"`
	CreatedAt    time.Time  `json:"created_at"`
	TerminalAt   *time.Time `json:"terminal_at"`
}

type activityPage struct {
	Events       []eventRecord `json:"events"`
	Count        int           `json:"count"`
	NextAfterSeq int64         `json:"next_after_seq"`
}

type eventRecord struct {
	Seq         int64          `json:"seq"`
	ExecutionID string         `json:"execution_id"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

type replayResponse struct {
	OK     bool `json:"ok"`
	Report struct {
		ChainScope    string    `json:"chain_scope"`
		Events        int64     `json:"events"`
		LastSeq       int64     `json:"last_seq"`
		AgentsAudited int       `json:"agents_audited"`
		VerifiedAt    time.Time `json:"verified_at"`
		Mismatches    []struct {
			Seq     int64  `json:"seq"`
			Kind    string `json:"kind"`
			AgentID string `json:"agent_id"`
			Detail  string `json:"detail"`
		} `json:"mismatches"`
	} `json:"report"`
}

// --- Formatting helpers ---

func formatAgentStatus(raw json.RawMessage) (string, error) {
	var a agentRecord
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", err
	}

	available := a.BudgetMicro - a.SpentMicro - a.ReservedMicro

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent: %s (%s)\n", a.Name, a.ID)
	fmt.Fprintf(&sb, "Scope: %s\n\n", a.Scope)

	sb.WriteString("Budget:\n")
	fmt.Fprintf(&sb, "  Total:     %s\n", micro(a.BudgetMicro))
	fmt.Fprintf(&sb, "  Spent:     %s\n", micro(a.SpentMicro))
	fmt.Fprintf(&sb, "  Reserved:  %s\n", micro(a.ReservedMicro))
	fmt.Fprintf(&sb, "  Available: %s\n\n", micro(available))

	fmt.Fprintf(&sb, "Rate limits: %s rpm, %s tpm\n", limitOrUnlimited(a.RPMLimit), limitOrUnlimited(a.TPMLimit))
	fmt.Fprintf(&sb, "Capabilities: %s\n", summarizeCaps(a.Capabilities))
	fmt.Fprintf(&sb, "Created: %s\n", a.CreatedAt.Format(time.RFC3339))
	if a.LastActivityAt != nil {
		fmt.Fprintf(&sb, "Last activity: %s\n", a.LastActivityAt.Format(time.RFC3339))
	}

	return sb.String(), nil
}

func limitOrUnlimited(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func summarizeCaps(c agentCaps) string {
	var grants []string
	if c.Streaming {
		grants = append(grants, "streaming")
	}
	if c.Tools {
		grants = append(grants, "tools")
	}
	if c.Vision {
		grants = append(grants, "vision")
	}
	if c.AllowPassthrough {
		grants = append(grants, "passthrough")
	}
	if len(grants) == 0 {
		grants = append(grants, "none")
	}

	models := "all catalog models"
	if len(c.AllowedModels) > 0 {
		models = strings.Join(c.AllowedModels, ", ")
	} else if c.Strict {
		models = "none (strict with empty allowlist)"
	}

	return fmt.Sprintf("%s | models: %s", strings.Join(grants, ", "), models)
}

func formatExecution(raw json.RawMessage) (string, error) {
	var e executionRecord
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Execution: %s\n", e.ExecutionID)
	fmt.Fprintf(&sb, "  Agent: %s\n", e.AgentID)
	fmt.Fprintf(&sb, "  State: %s\n", e.State)
	fmt.Fprintf(&sb, "  Route: %s | Model: %s", e.Route, e.Model)
	if e.Provider != "" {
		fmt.Fprintf(&sb, " (%s)", e.Provider)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Reserved: %s\n", micro(e.ReserveMicro))
	if e.CommitMicro > 0 {
		fmt.Fprintf(&sb, "  Settled:  %s\n", micro(e.CommitMicro))
	}
	if e.ReleaseMicro > 0 {
		fmt.Fprintf(&sb, "  Refunded: %s\n", micro(e.ReleaseMicro))
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, "  Status code: %d\n", e.StatusCode)
	}
	fmt.Fprintf(&sb, "  Created: %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.TerminalAt != nil {
		fmt.Fprintf(&sb, "  Terminal: %s\n", e.TerminalAt.Format(time.RFC3339))
	} else {
		sb.WriteString("  Terminal: still in flight\n")
	}

	return sb.String(), nil
}

func formatActivityTail(tail []eventRecord, total int64, scope string) string {
	if scope == "" {
		scope = "global"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d of %d chain event(s) in scope '%s', newest last:\n\n", len(tail), total, scope)
	for _, ev := range tail {
		fmt.Fprintf(&sb, "#%-5d %-12s %s\n", ev.Seq, ev.EventType, summarizeEvent(ev))
	}
	return sb.String()
}

// summarizeEvent renders one chain event as a single line. The payload
// field sets are fixed per event type by the ledger.
func summarizeEvent(ev eventRecord) string {
	p := ev.Payload
	agentID, _ := p["agent_id"].(string)

	var detail string
	switch ev.EventType {
	case "reserve":
		if v, ok := payloadMicro(p, "estimated_micro"); ok {
			detail = fmt.Sprintf("held %s for %s", micro(v), payloadString(p, "model"))
		}
	case "dispatch":
		detail = fmt.Sprintf("-> %s/%s", payloadString(p, "provider"), payloadString(p, "model"))
	case "commit":
		if v, ok := payloadMicro(p, "cost_micro"); ok {
			detail = "settled " + micro(v)
			if b, _ := p["estimate"].(bool); b {
				detail += " (estimated)"
			}
			if b, _ := p["overrun"].(bool); b {
				detail += " (overrun clamped)"
			}
		}
	case "release":
		if v, ok := payloadMicro(p, "refund_micro"); ok {
			detail = fmt.Sprintf("refunded %s: %s", micro(v), payloadString(p, "reason"))
		}
	case "fail":
		if v, ok := payloadMicro(p, "refund_micro"); ok {
			detail = fmt.Sprintf("refunded %s after upstream %v: %s",
				micro(v), p["status_code"], payloadString(p, "reason"))
		}
	case "deny.budget":
		est, _ := payloadMicro(p, "estimated_micro")
		rem, _ := payloadMicro(p, "remaining_micro")
		detail = fmt.Sprintf("needed %s, only %s available", micro(est), micro(rem))
	case "deny.rate", "deny.policy":
		detail = payloadString(p, "reason")
	}

	line := ""
	if ev.ExecutionID != "" {
		line = ev.ExecutionID + " "
	}
	if agentID != "" {
		line += "agent " + agentID + " "
	}
	return strings.TrimSpace(line + detail)
}

func formatReplayReport(raw json.RawMessage) (string, error) {
	var resp replayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Report

	var sb strings.Builder
	if resp.OK {
		fmt.Fprintf(&sb, "Audit replay PASSED for scope '%s'.\n", r.ChainScope)
		fmt.Fprintf(&sb, "  Events verified: %d (last seq %d)\n", r.Events, r.LastSeq)
		fmt.Fprintf(&sb, "  Agents reconciled: %d\n", r.AgentsAudited)
		fmt.Fprintf(&sb, "  Verified at: %s\n", r.VerifiedAt.Format(time.RFC3339))
		return sb.String(), nil
	}

	fmt.Fprintf(&sb, "Audit replay FAILED for scope '%s': %d mismatch(es) found.\n", r.ChainScope, len(r.Mismatches))
	sb.WriteString("The gateway has armed an integrity hold; new requests are refused until an operator resolves this and calls resume_all.\n\n")
	for i, m := range r.Mismatches {
		fmt.Fprintf(&sb, "%d. [%s]", i+1, m.Kind)
		if m.Seq > 0 {
			fmt.Fprintf(&sb, " seq %d", m.Seq)
		}
		if m.AgentID != "" {
			fmt.Fprintf(&sb, " agent %s", m.AgentID)
		}
		fmt.Fprintf(&sb, ": %s\n", m.Detail)
	}
	return sb.String(), nil
}

// micro renders a micro-USD amount with its dollar value.
func micro(m int64) string {
	return fmt.Sprintf("$%.6f (%d micro)", float64(m)/1e6, m)
}

// payloadMicro reads an integer amount out of a decoded JSON payload.
func payloadMicro(p map[string]any, key string) (int64, bool) {
	if v, ok := p[key].(float64); ok {
		return int64(v), true
	}
	return 0, false
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}
