package policy

import (
	"encoding/json"
	"fmt"
)

// kernelGate is one ordered check in the always-on capability kernel.
// A gate returns an empty string to pass or a deny reason.
type kernelGate struct {
	name  string
	check func(req *Request, strict bool) string
}

// kernelGates run in this order for every evaluation, before any plugin.
var kernelGates = []kernelGate{
	{"kernel.shape", gateShape},
	{"kernel.models", gateModels},
	{"kernel.streaming", gateStreaming},
	{"kernel.tools", gateTools},
	{"kernel.tool_choice", gateToolChoice},
	{"kernel.vision", gateVision},
	{"kernel.tokens", gateTokens},
}

func gateShape(req *Request, _ bool) string {
	switch req.Route {
	case RouteChat:
		msgs, ok := req.Body["messages"].([]any)
		if !ok || len(msgs) == 0 {
			return "messages must be a non-empty array"
		}
		for i, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				return fmt.Sprintf("messages[%d] must be an object", i)
			}
			if role, _ := msg["role"].(string); role == "" {
				return fmt.Sprintf("messages[%d] missing role", i)
			}
		}
	case RouteResponses:
		if _, ok := req.Body["input"]; !ok {
			return "input is required"
		}
	case RouteEmbeddings:
		if _, ok := req.Body["input"]; !ok {
			return "input is required"
		}
	case RouteTools:
		if name, _ := req.Body["tool"].(string); name == "" {
			return "tool name is required"
		}
	default:
		return fmt.Sprintf("unknown route %q", req.Route)
	}
	return ""
}

func gateModels(req *Request, strict bool) string {
	allowed := req.Capabilities.AllowedModels
	if len(allowed) == 0 {
		if strict && req.Route != RouteTools {
			return "strict mode requires an explicit model allowlist"
		}
		return ""
	}
	if req.Route == RouteTools {
		return ""
	}
	for _, m := range allowed {
		if m == req.Model {
			return ""
		}
	}
	return fmt.Sprintf("model %q not in agent allowlist", req.Model)
}

func gateStreaming(req *Request, _ bool) string {
	if req.Stream && !req.Capabilities.Streaming {
		return "agent is not granted streaming"
	}
	return ""
}

func gateTools(req *Request, _ bool) string {
	caps := req.Capabilities

	if req.Route == RouteTools {
		if !caps.Tools {
			return "agent is not granted tool execution"
		}
		name, _ := req.Body["tool"].(string)
		if !toolNameAllowed(name, caps.AllowedToolNames) {
			return fmt.Sprintf("tool %q not in agent allowlist", name)
		}
		return ""
	}

	tools, ok := req.Body["tools"].([]any)
	if !ok || len(tools) == 0 {
		return ""
	}
	if !caps.Tools {
		return "agent is not granted function calling"
	}
	if !req.ModelInfo.Capabilities.Tools {
		return fmt.Sprintf("model %q does not support tools", req.Model)
	}
	for i, t := range tools {
		name := declaredToolName(t)
		if name == "" {
			return fmt.Sprintf("tools[%d] missing function name", i)
		}
		if !toolNameAllowed(name, caps.AllowedToolNames) {
			return fmt.Sprintf("tool %q not in agent allowlist", name)
		}
	}
	return ""
}

func gateToolChoice(req *Request, _ bool) string {
	choice, present := req.Body["tool_choice"]
	if !present {
		return ""
	}
	if s, ok := choice.(string); ok && s == "none" {
		return ""
	}
	if !req.Capabilities.Tools {
		return "tool_choice requires the tools capability"
	}
	return ""
}

func gateVision(req *Request, _ bool) string {
	if req.Route != RouteChat || !hasImageParts(req.Body) {
		return ""
	}
	if !req.Capabilities.Vision {
		return "agent is not granted vision input"
	}
	if !req.ModelInfo.Capabilities.Vision {
		return fmt.Sprintf("model %q does not support image input", req.Model)
	}
	return ""
}

func gateTokens(req *Request, _ bool) string {
	caps := req.Capabilities

	if caps.MaxInputTokens > 0 && req.EstInputTokens > caps.MaxInputTokens {
		return fmt.Sprintf("estimated input %d tokens exceeds max_input_tokens %d",
			req.EstInputTokens, caps.MaxInputTokens)
	}
	if caps.MaxOutputTokens > 0 && req.MaxTokens > caps.MaxOutputTokens {
		return fmt.Sprintf("max_tokens %d exceeds max_output_tokens %d",
			req.MaxTokens, caps.MaxOutputTokens)
	}
	if limit := req.ModelInfo.Limits.MaxTokens; limit > 0 && req.MaxTokens > limit {
		return fmt.Sprintf("max_tokens %d exceeds model limit %d", req.MaxTokens, limit)
	}
	if caps.MaxTokensPerRequest > 0 && req.EstInputTokens+req.MaxTokens > caps.MaxTokensPerRequest {
		return fmt.Sprintf("input %d + output %d tokens exceed max_tokens_per_request %d",
			req.EstInputTokens, req.MaxTokens, caps.MaxTokensPerRequest)
	}
	return ""
}

// declaredToolName digs the function name out of an OpenAI tool
// declaration: {"type":"function","function":{"name":...}}.
func declaredToolName(t any) string {
	decl, ok := t.(map[string]any)
	if !ok {
		return ""
	}
	fn, ok := decl["function"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := fn["name"].(string)
	return name
}

func toolNameAllowed(name string, allowlist []string) bool {
	if name == "" {
		return false
	}
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == name {
			return true
		}
	}
	return false
}

// hasImageParts reports whether any chat message carries an image_url
// content part.
func hasImageParts(body map[string]any) bool {
	msgs, _ := body["messages"].([]any)
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "image_url" {
				return true
			}
		}
	}
	return false
}

// RequestedMaxTokens extracts the caller's output-token request from the
// aliases the OpenAI surface accepts. Returns 0 when unset.
func RequestedMaxTokens(body map[string]any) int {
	for _, key := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
		if v, ok := body[key]; ok {
			if n, ok := asInt(v); ok && n > 0 {
				return n
			}
		}
	}
	return 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	default:
		return 0, false
	}
}
