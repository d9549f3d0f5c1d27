// Package fingerprint derives the deterministic identity of a request: the
// request hash that detects idempotency-key reuse with a changed body, and
// the execution ID that names one admission attempt end to end.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/aexlabs/aex/internal/canonical"
)

// executionIDPrefix marks every execution identifier.
const executionIDPrefix = "ex_"

// hashIDLength is how many base32 characters of the request hash form an
// execution ID when the caller supplied no idempotency key.
const hashIDLength = 22

var base32enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// RequestHash hashes the logical request: caller identity, route, model and
// the normalized body. Two requests with the same hash are the same request
// for idempotency purposes.
func RequestHash(agentID, route, model string, body map[string]any) ([32]byte, error) {
	return canonical.Hash(map[string]any{
		"agent_id": agentID,
		"route":    route,
		"model":    model,
		"body":     NormalizeBody(body),
	})
}

// NormalizeBody returns a copy of body with volatile fields stripped:
// "user", "stream_options.include_usage" (the container goes too once
// emptied), and a top-level "timestamp". Message content is untouched.
func NormalizeBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		switch k {
		case "user", "timestamp":
			continue
		case "stream_options":
			if opts, ok := v.(map[string]any); ok {
				trimmed := make(map[string]any, len(opts))
				for ok2, ov := range opts {
					if ok2 == "include_usage" {
						continue
					}
					trimmed[ok2] = ov
				}
				if len(trimmed) == 0 {
					continue
				}
				out[k] = trimmed
				continue
			}
			out[k] = v
		default:
			out[k] = v
		}
	}
	return out
}

// ExecutionID computes the deterministic execution identifier. With an
// idempotency key the identity is (agent, key); without one it is the
// request hash itself, so byte-identical retries converge on one execution.
func ExecutionID(agentID, idempotencyKey string, requestHash [32]byte) string {
	if idempotencyKey != "" {
		return ExecutionIDForKey(agentID, idempotencyKey)
	}
	return ExecutionIDForHash(requestHash)
}

// ExecutionIDForKey derives an execution ID from the caller-supplied
// idempotency key, scoped per agent. The newline separator keeps
// (agent "a", key "bc") and (agent "ab", key "c") distinct.
func ExecutionIDForKey(agentID, key string) string {
	sum := sha256.Sum256([]byte(agentID + "\n" + key))
	return executionIDPrefix + strings.ToLower(base32enc.EncodeToString(sum[:]))
}

// ExecutionIDForHash derives an execution ID from the request hash.
func ExecutionIDForHash(requestHash [32]byte) string {
	enc := strings.ToLower(base32enc.EncodeToString(requestHash[:]))
	return executionIDPrefix + enc[:hashIDLength]
}
