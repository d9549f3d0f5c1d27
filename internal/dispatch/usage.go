package dispatch

import "encoding/json"

// Usage is the token pair a settlement prices. Estimated marks counts
// we derived ourselves because the provider never reported any.
type Usage struct {
	Prompt     int64
	Completion int64
	Estimated  bool
}

// ExtractUsage pulls token counts out of a provider response document.
// Chat and embeddings report prompt/completion pairs; the responses
// surface calls them input/output. ok is false when the document
// carries no usable usage object.
func ExtractUsage(doc map[string]any) (Usage, bool) {
	raw, ok := doc["usage"].(map[string]any)
	if !ok || raw == nil {
		return Usage{}, false
	}
	prompt, pok := usageField(raw, "prompt_tokens", "input_tokens")
	completion, cok := usageField(raw, "completion_tokens", "output_tokens")
	if !pok && !cok {
		return Usage{}, false
	}
	return Usage{Prompt: prompt, Completion: completion}, true
}

func usageField(usage map[string]any, names ...string) (int64, bool) {
	for _, name := range names {
		v, present := usage[name]
		if !present {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int64:
			return n, true
		case int:
			return int64(n), true
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				continue
			}
			return i, true
		}
	}
	return 0, false
}

// estimateTokens is the crude four-bytes-per-token floor used whenever
// the provider never told us the truth.
func estimateTokens(chars int) int64 {
	t := int64(chars) / 4
	if t < 1 {
		t = 1
	}
	return t
}

// estimateCompletion sizes the generated text of a response document:
// chat choices, legacy completions, and responses-surface output items.
func estimateCompletion(doc map[string]any) int64 {
	var chars int
	if choices, ok := doc["choices"].([]any); ok {
		for _, c := range choices {
			choice, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if msg, ok := choice["message"].(map[string]any); ok {
				chars += textLen(msg["content"])
			}
			chars += textLen(choice["text"])
		}
	}
	if output, ok := doc["output"].([]any); ok {
		for _, item := range output {
			out, ok := item.(map[string]any)
			if !ok {
				continue
			}
			chars += textLen(out["content"])
			chars += textLen(out["text"])
		}
	}
	return estimateTokens(chars)
}

// textLen counts the characters of a string, a content-part list, or a
// part object.
func textLen(v any) int {
	switch val := v.(type) {
	case string:
		return len(val)
	case []any:
		n := 0
		for _, item := range val {
			n += textLen(item)
		}
		return n
	case map[string]any:
		return textLen(val["text"])
	default:
		return 0
	}
}
