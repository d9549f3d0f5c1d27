package admission

import "github.com/aexlabs/aex/internal/policy"

// EstimateInputTokens sizes the prompt for rate and budget checks
// before the provider reports real usage: total prompt bytes divided
// by four, rounded up, never below one. Deliberately crude; the
// reserve it feeds is corrected at settlement.
func EstimateInputTokens(route string, body map[string]any) int64 {
	var chars int64
	switch route {
	case policy.RouteChat:
		msgs, _ := body["messages"].([]any)
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			chars += contentChars(msg["content"])
		}
	case policy.RouteResponses:
		chars += contentChars(body["input"])
		chars += contentChars(body["instructions"])
	case policy.RouteEmbeddings:
		chars += contentChars(body["input"])
	case policy.RouteTools:
		chars += contentChars(body["arguments"])
	default:
		chars += contentChars(body)
	}
	tokens := (chars + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// contentChars counts the prompt-bearing string bytes in a value:
// plain strings, text parts, and message-shaped maps, recursively.
func contentChars(v any) int64 {
	switch val := v.(type) {
	case string:
		n := int64(len(val))
		if n == 0 {
			return 0
		}
		return n
	case []any:
		var n int64
		for _, item := range val {
			n += contentChars(item)
		}
		return n
	case map[string]any:
		var n int64
		for _, key := range []string{"text", "content", "input_text", "input", "arguments", "value"} {
			if inner, ok := val[key]; ok {
				n += contentChars(inner)
			}
		}
		return n
	default:
		return 0
	}
}
