package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aexlabs/aex/internal/canonical"
)

// Event types appended by the transition primitives.
const (
	EventReserve    = "reserve"
	EventDispatch   = "dispatch"
	EventCommit     = "commit"
	EventRelease    = "release"
	EventFail       = "fail"
	EventDenyBudget = "deny.budget"
	EventDenyRate   = "deny.rate"
	EventDenyPolicy = "deny.policy"
)

// GenesisPrevHash is the prev_hash of the first event in a scope: 32 zero
// bytes, hex-encoded.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one immutable link in the audit chain.
//
//	event_hash = SHA256(prev_hash_raw || payload || event_type || seq_be64)
//
// where payload is the canonical JSON stored verbatim in the row. Hashes
// are stored hex-encoded.
type Event struct {
	Seq         int64           `json:"seq"`
	ChainScope  string          `json:"chain_scope"`
	ExecutionID string          `json:"execution_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prev_hash"`
	EventHash   string          `json:"event_hash"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// ComputeEventHash derives the chain hash for one event from its
// predecessor's hash and its own immutable fields.
func ComputeEventHash(prevHashHex string, payload []byte, eventType string, seq int64) (string, error) {
	prev, err := hex.DecodeString(prevHashHex)
	if err != nil {
		return "", fmt.Errorf("decode prev hash: %w", err)
	}
	if len(prev) != sha256.Size {
		return "", fmt.Errorf("prev hash is %d bytes, want %d", len(prev), sha256.Size)
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))

	h := sha256.New()
	h.Write(prev)
	h.Write(payload)
	h.Write([]byte(eventType))
	h.Write(seqBuf[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyEventHash recomputes the hash of e against prevHashHex and reports
// whether the stored value matches.
func VerifyEventHash(e *Event, prevHashHex string) (bool, error) {
	want, err := ComputeEventHash(prevHashHex, e.Payload, e.EventType, e.Seq)
	if err != nil {
		return false, err
	}
	return want == e.EventHash, nil
}

// nextEvent builds the chain link that follows head (nil for genesis).
// The payload map is canonicalized here so the stored bytes are the exact
// bytes that were hashed.
func nextEvent(head *Event, scope, executionID, eventType string, payload map[string]any) (*Event, error) {
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s payload: %w", eventType, err)
	}

	prevHash := GenesisPrevHash
	seq := int64(1)
	if head != nil {
		prevHash = head.EventHash
		seq = head.Seq + 1
	}

	hash, err := ComputeEventHash(prevHash, raw, eventType, seq)
	if err != nil {
		return nil, err
	}

	return &Event{
		Seq:         seq,
		ChainScope:  scope,
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     raw,
		PrevHash:    prevHash,
		EventHash:   hash,
		RecordedAt:  time.Now().UTC(),
	}, nil
}

// -----------------------------------------------------------------------------
// Event Payloads
// -----------------------------------------------------------------------------
//
// Payloads are flat maps so the canonical encoding is stable regardless of
// which store produced them. Field sets per type:
//
//	reserve     agent_id, estimated_micro, route, model, request_hash
//	dispatch    agent_id, provider, model
//	commit      agent_id, cost_micro, estimated_micro, prompt_tokens,
//	            completion_tokens, model, estimate?, overrun?, raw_cost_micro?
//	release     agent_id, refund_micro, reason
//	fail        agent_id, refund_micro, status_code, reason
//	deny.budget agent_id, estimated_micro, remaining_micro, route, model
//	deny.rate   agent_id, reason
//	deny.policy agent_id, reason, decision_hash
func reservePayload(e *Execution) map[string]any {
	return map[string]any{
		"agent_id":        e.AgentID,
		"estimated_micro": e.ReserveMicro,
		"route":           e.Route,
		"model":           e.Model,
		"request_hash":    e.RequestHash,
	}
}

func dispatchPayload(e *Execution) map[string]any {
	return map[string]any{
		"agent_id": e.AgentID,
		"provider": e.Provider,
		"model":    e.Model,
	}
}

func commitPayload(e *Execution, req CommitRequest, settled int64, overrun bool) map[string]any {
	p := map[string]any{
		"agent_id":          e.AgentID,
		"cost_micro":        settled,
		"estimated_micro":   e.ReserveMicro,
		"prompt_tokens":     req.PromptTokens,
		"completion_tokens": req.CompletionTokens,
		"model":             e.Model,
	}
	if req.Estimated {
		p["estimate"] = true
	}
	if overrun {
		p["overrun"] = true
		p["raw_cost_micro"] = req.ActualMicro
	}
	return p
}

func releasePayload(e *Execution, refund int64, reason string) map[string]any {
	return map[string]any{
		"agent_id":     e.AgentID,
		"refund_micro": refund,
		"reason":       reason,
	}
}

func failPayload(e *Execution, refund int64, statusCode int, reason string) map[string]any {
	return map[string]any{
		"agent_id":     e.AgentID,
		"refund_micro": refund,
		"status_code":  statusCode,
		"reason":       reason,
	}
}

func denyBudgetPayload(e *Execution, estimated, remaining int64) map[string]any {
	return map[string]any{
		"agent_id":        e.AgentID,
		"estimated_micro": estimated,
		"remaining_micro": remaining,
		"route":           e.Route,
		"model":           e.Model,
	}
}

func denyPayload(req DenyRequest) map[string]any {
	p := map[string]any{
		"agent_id": req.AgentID,
		"reason":   req.Reason,
	}
	if req.EventType == EventDenyPolicy && req.DecisionHash != "" {
		p["decision_hash"] = req.DecisionHash
	}
	return p
}
