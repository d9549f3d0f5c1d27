package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aexlabs/aex/internal/agent"
	"github.com/aexlabs/aex/internal/canonical"
)

const replayPageSize = 500

// Mismatch kinds reported by the replay verifier.
const (
	MismatchHash     = "hash_mismatch"
	MismatchChain    = "chain_break"
	MismatchSpent    = "spent_mismatch"
	MismatchReserved = "reserved_mismatch"
)

// Mismatch is one discrepancy found while replaying the event chain.
type Mismatch struct {
	Seq     int64  `json:"seq,omitempty"`
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id,omitempty"`
	Detail  string `json:"detail"`
}

// ReplayReport is the outcome of verifying one chain scope.
type ReplayReport struct {
	ChainScope    string       `json:"chain_scope"`
	Events        int64        `json:"events"`
	LastSeq       int64        `json:"last_seq"`
	Mismatches    []Mismatch   `json:"mismatches"`
	AgentsAudited int          `json:"agents_audited"`
	VerifiedAt    time.Time    `json:"verified_at"`
	Attestation   *Attestation `json:"attestation,omitempty"`
}

// OK reports whether the chain replayed cleanly.
func (r *ReplayReport) OK() bool {
	return len(r.Mismatches) == 0
}

// agentTally accumulates what the event stream says an agent's counters
// should be.
type agentTally struct {
	spent    int64
	reserved int64
	seen     bool
}

// Verifier replays the event chain: it recomputes every event hash,
// checks each link against the recomputed hash of its predecessor, and
// re-derives per-agent spend from the events alone. Stored hashes are
// never trusted as chain input, so a single tampered row produces exactly
// one hash mismatch rather than cascading down the chain.
type Verifier struct {
	store    Store
	agents   agent.Store
	attestor *Attestor
}

// NewVerifier creates a replay verifier. attestor may be nil, in which
// case reports carry no attestation.
func NewVerifier(store Store, agents agent.Store, attestor *Attestor) *Verifier {
	return &Verifier{store: store, agents: agents, attestor: attestor}
}

// Verify replays the chain for scope from the genesis event and reconciles
// agent counters. It reads pages of events so unbounded chains never load
// into memory at once.
func (v *Verifier) Verify(ctx context.Context, scope string) (*ReplayReport, error) {
	if scope == "" {
		scope = DefaultChainScope
	}
	report := &ReplayReport{
		ChainScope: scope,
		Mismatches: []Mismatch{},
		VerifiedAt: time.Now().UTC(),
	}

	tallies := make(map[string]*agentTally)
	prevHash := GenesisPrevHash
	afterSeq := int64(0)
	expectSeq := int64(1)

	for {
		events, err := v.store.ListEvents(ctx, scope, afterSeq, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read event chain: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if ev.Seq != expectSeq {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Seq:    ev.Seq,
					Kind:   MismatchChain,
					Detail: fmt.Sprintf("sequence gap: expected seq %d, found %d", expectSeq, ev.Seq),
				})
				expectSeq = ev.Seq
			}
			if ev.PrevHash != prevHash {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Seq:    ev.Seq,
					Kind:   MismatchChain,
					Detail: fmt.Sprintf("prev_hash %.16s... does not link to recomputed predecessor %.16s...", ev.PrevHash, prevHash),
				})
			}

			recomputed, err := ComputeEventHash(prevHash, ev.Payload, ev.EventType, ev.Seq)
			if err != nil {
				return nil, fmt.Errorf("failed to recompute hash for seq %d: %w", ev.Seq, err)
			}
			if recomputed != ev.EventHash {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Seq:    ev.Seq,
					Kind:   MismatchHash,
					Detail: fmt.Sprintf("stored event_hash %.16s... != recomputed %.16s...", ev.EventHash, recomputed),
				})
			}

			if err := v.tally(tallies, ev); err != nil {
				return nil, fmt.Errorf("failed to replay seq %d: %w", ev.Seq, err)
			}

			// The recomputed hash, not the stored one, feeds the next
			// link. A corrupted row therefore cannot cascade.
			prevHash = recomputed
			afterSeq = ev.Seq
			expectSeq = ev.Seq + 1
			report.Events++
			report.LastSeq = ev.Seq
		}
		if len(events) < replayPageSize {
			break
		}
	}

	if err := v.reconcile(ctx, tallies, report); err != nil {
		return nil, err
	}

	if v.attestor != nil && report.OK() {
		att, err := v.attestor.Attest(scope, report.LastSeq, prevHash, report.VerifiedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to attest replay: %w", err)
		}
		report.Attestation = att
	}
	return report, nil
}

// tally folds one event into the per-agent spend derivation.
//
// Replayed counters follow the settlement arithmetic: a reserve adds the
// estimate to reserved; a commit moves the full estimate out of reserved
// and the settled cost into spent; a release or fail refunds its
// refund_micro out of reserved. Denials never touched balances.
func (v *Verifier) tally(tallies map[string]*agentTally, ev *Event) error {
	switch ev.EventType {
	case EventReserve, EventCommit, EventRelease, EventFail:
	default:
		return nil
	}

	fields, err := decodePayload(ev.Payload)
	if err != nil {
		return err
	}
	agentID, _ := fields["agent_id"].(string)
	if agentID == "" {
		return fmt.Errorf("event %s has no agent_id", ev.EventType)
	}
	t := tallies[agentID]
	if t == nil {
		t = &agentTally{}
		tallies[agentID] = t
	}
	t.seen = true

	switch ev.EventType {
	case EventReserve:
		est, err := payloadInt64(fields, "estimated_micro")
		if err != nil {
			return err
		}
		t.reserved += est
	case EventCommit:
		cost, err := payloadInt64(fields, "cost_micro")
		if err != nil {
			return err
		}
		est, err := payloadInt64(fields, "estimated_micro")
		if err != nil {
			return err
		}
		t.spent += cost
		t.reserved -= est
	case EventRelease, EventFail:
		refund, err := payloadInt64(fields, "refund_micro")
		if err != nil {
			return err
		}
		t.reserved -= refund
	}
	return nil
}

// reconcile compares each replayed tally against the agent's live
// counters. In-flight executions hold live reserved above the replayed
// figure legitimately, so reserved only flags when the replayed total
// exceeds what the agent currently holds.
func (v *Verifier) reconcile(ctx context.Context, tallies map[string]*agentTally, report *ReplayReport) error {
	for agentID, t := range tallies {
		a, err := v.agents.Get(ctx, agentID)
		if err != nil {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind:    MismatchSpent,
				AgentID: agentID,
				Detail:  fmt.Sprintf("agent appears in events but cannot be loaded: %v", err),
			})
			continue
		}
		report.AgentsAudited++
		if a.SpentMicro != t.spent {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind:    MismatchSpent,
				AgentID: agentID,
				Detail:  fmt.Sprintf("replayed spent %d != stored spent %d", t.spent, a.SpentMicro),
			})
		}
		if t.reserved > a.ReservedMicro {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind:    MismatchReserved,
				AgentID: agentID,
				Detail:  fmt.Sprintf("replayed reserved %d exceeds stored reserved %d", t.reserved, a.ReservedMicro),
			})
		}
	}
	return nil
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	tree, err := canonical.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	fields, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("event payload is not an object")
	}
	return fields, nil
}

func payloadInt64(fields map[string]any, key string) (int64, error) {
	num, ok := fields[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("event payload missing numeric %q", key)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("event payload %q is not an integer: %w", key, err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Attestation
// ---------------------------------------------------------------------------

// Attestation is a signed statement that a chain scope verified cleanly
// up to LastSeq. External auditors holding the shared secret can check it
// without access to the database.
type Attestation struct {
	ChainScope string `json:"chain_scope"`
	LastSeq    int64  `json:"last_seq"`
	HeadHash   string `json:"head_hash"`
	VerifiedAt string `json:"verified_at"`
	Signature  string `json:"signature"`
}

// Attestor signs replay attestations with HMAC-SHA256.
type Attestor struct {
	secret []byte
}

// NewAttestor creates an attestor from the shared secret. Returns nil if
// the secret is empty, which disables attestation entirely.
func NewAttestor(secret string) *Attestor {
	if secret == "" {
		return nil
	}
	return &Attestor{secret: []byte(secret)}
}

// Attest signs the chain head. The signature covers scope, sequence, head
// hash and timestamp so an attestation cannot be replayed for a different
// chain or a later head.
func (a *Attestor) Attest(scope string, lastSeq int64, headHash string, verifiedAt time.Time) (*Attestation, error) {
	if a == nil {
		return nil, nil
	}
	att := &Attestation{
		ChainScope: scope,
		LastSeq:    lastSeq,
		HeadHash:   headHash,
		VerifiedAt: verifiedAt.UTC().Format(time.RFC3339),
	}
	sig, err := a.sign(att)
	if err != nil {
		return nil, err
	}
	att.Signature = sig
	return att, nil
}

// VerifyAttestation checks the signature on att. Returns false for nil
// attestors so a missing secret never validates anything.
func (a *Attestor) VerifyAttestation(att *Attestation) bool {
	if a == nil || att == nil {
		return false
	}
	expected, err := a.sign(att)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(att.Signature))
}

func (a *Attestor) sign(att *Attestation) (string, error) {
	payload, err := canonical.Marshal(map[string]any{
		"chain_scope": att.ChainScope,
		"last_seq":    att.LastSeq,
		"head_hash":   att.HeadHash,
		"verified_at": att.VerifiedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal attestation: %w", err)
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
