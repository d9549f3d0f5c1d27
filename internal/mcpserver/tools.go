package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the AEX MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// All tools are read-only: the MCP surface can inspect the gateway but
// never move budget or change controls.

var ToolAgentStatus = mcp.NewTool("aex_agent_status",
	mcp.WithDescription(
		"Look up an agent registered on the AEX gateway. "+
			"Shows the budget envelope (total, spent, reserved, available micro-USD), "+
			"rate limits, capability grants, and recent activity timestamps."),
	mcp.WithString("name",
		mcp.Required(),
		mcp.Description("The agent's name or agent ID (e.g. 'billing-bot' or 'ag_1a2b3c')")),
)

var ToolExecutionGet = mcp.NewTool("aex_execution_get",
	mcp.WithDescription(
		"Fetch one execution from the settlement ledger by its execution ID. "+
			"Shows the lifecycle state (RESERVED/DISPATCHED/COMMITTED/RELEASED/FAILED/DENIED), "+
			"the reserved and settled amounts, and the route/model it ran against."),
	mcp.WithString("execution_id",
		mcp.Required(),
		mcp.Description("The caller-supplied execution ID (e.g. 'ex_job42_attempt1')")),
)

var ToolActivityTail = mcp.NewTool("aex_activity_tail",
	mcp.WithDescription(
		"Show the most recent events on the tamper-evident audit chain: "+
			"reserves, dispatches, commits, releases, failures, and denials, "+
			"newest last. Use this to see what the gateway is doing right now."),
	mcp.WithNumber("limit",
		mcp.Description("How many trailing events to show (default 20, max 100)")),
	mcp.WithString("scope",
		mcp.Description("Chain scope to read (default 'global')")),
)

var ToolAuditReplay = mcp.NewTool("aex_audit_replay",
	mcp.WithDescription(
		"Replay the audit chain and verify its integrity: recompute every event "+
			"hash, re-derive agent spend from the events, and compare against "+
			"stored balances. Reports any mismatches found. This can be slow on "+
			"long chains."),
	mcp.WithString("scope",
		mcp.Description("Chain scope to verify (default 'global')")),
)
