package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/aexlabs/aex/internal/admission"
	"github.com/aexlabs/aex/internal/ledger"
	"github.com/aexlabs/aex/internal/provider"
	"github.com/aexlabs/aex/internal/traces"
)

const (
	// maxFrameBytes bounds a single SSE line from upstream.
	maxFrameBytes = 1 << 20
	// keepAliveEvery paces comment frames that hold idle proxies open.
	keepAliveEvery = 15 * time.Second
	// extendEvery paces reservation extensions during long streams.
	extendEvery = 15 * time.Second
)

// relayState accumulates what the relay learns about one stream.
type relayState struct {
	usage     Usage
	usageSeen bool
	frameTok  int64 // fallback token count from content deltas
	doneSeen  bool
	wrote     bool // at least one frame reached the client
}

// Stream relays one streaming execution as server-sent events and
// settles it at end of stream. The upstream connection outlives the
// client: a caller that disconnects mid-stream still pays for what the
// provider generated, so the relay drains to [DONE] (or an idle
// timeout) and commits.
func (d *Dispatcher) Stream(w http.ResponseWriter, r *http.Request, adm *admission.Admission) (_ *ledger.Execution, retErr error) {
	_, span := traces.StartSpan(r.Context(), "dispatch.Stream",
		traces.ExecutionID(adm.ExecutionID),
		traces.AgentID(adm.AgentID),
		traces.Provider(adm.Plan.Provider),
		traces.Model(adm.Plan.RequestedModel),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	sctx := context.WithoutCancel(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		if err := d.store.Release(sctx, adm.ExecutionID, "relay_unsupported", http.StatusInternalServerError); err != nil {
			return nil, err
		}
		return d.writeRefusal(sctx, w, adm, http.StatusInternalServerError, detailBody("Streaming unsupported by transport"))
	}

	upBody, err := provider.UpstreamBody(adm.Plan, adm.Body, true)
	if err != nil {
		if rerr := d.store.Release(sctx, adm.ExecutionID, "internal_error", http.StatusInternalServerError); rerr != nil {
			return nil, rerr
		}
		return d.writeRefusal(sctx, w, adm, http.StatusInternalServerError, detailBody("Internal error"))
	}

	// The upstream request deliberately does not inherit the client's
	// cancellation: the drain path owns the disconnect case.
	upCtx, upCancel := context.WithCancel(sctx)
	defer upCancel()

	// Bound connect plus first byte; after that the idle watchdog rules.
	openWatch := time.AfterFunc(d.idle, upCancel)
	resp, err := d.client.Do(upCtx, adm.Plan, upBody, d.providerKey(adm), true)
	openWatch.Stop()
	if err != nil {
		return d.streamOpenError(sctx, w, r, upCtx, adm, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err := d.store.Fail(sctx, adm.ExecutionID, resp.StatusCode, raw,
			fmt.Sprintf("upstream status %d", resp.StatusCode)); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "upstream_error")
		return d.writeRefusal(sctx, w, adm, resp.StatusCode, raw)
	}

	if err := d.store.MarkDispatched(sctx, adm.ExecutionID, d.idle+dispatchGrace); err != nil {
		// The sweeper got there first; the reservation is gone.
		observeDispatch(adm.Plan.Provider, "reservation_lost")
		return d.writeRefusal(sctx, w, adm, http.StatusConflict, detailBody("Reservation expired before dispatch"))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-AEX-Execution-Id", adm.ExecutionID)
	h.Set("X-AEX-Reserve-Micro", strconv.FormatInt(adm.ReserveMicro, 10))
	h.Set("X-AEX-Idempotent-Hit", "false")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := &relayState{}
	connected := true
	failStatus, failReason := 0, ""

	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-upCtx.Done():
				readErr <- upCtx.Err()
				return
			}
		}
		readErr <- sc.Err() // nil at EOF
	}()

	idle := time.NewTimer(d.idle)
	defer idle.Stop()
	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()
	clientGone := r.Context().Done()
	lastExtend := time.Now()

relay:
	for {
		select {
		case line := <-lines:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idle)
			if time.Since(lastExtend) >= extendEvery {
				if err := d.store.ExtendReservation(sctx, adm.ExecutionID, d.idle+dispatchGrace); err != nil {
					d.logger.Warn("reservation extension failed",
						"execution_id", adm.ExecutionID, "error", err)
				}
				lastExtend = time.Now()
			}
			if d.relayLine(w, flusher, adm, st, line, &connected) {
				st.doneSeen = true
				break relay
			}
		case err := <-readErr:
			if connected && err != nil && r.Context().Err() == nil {
				failStatus, failReason = http.StatusBadGateway, "upstream stream error"
			} else if connected && err == nil {
				// EOF without [DONE]: the provider hung up mid-answer.
				failStatus, failReason = http.StatusBadGateway, "upstream ended early"
			}
			break relay
		case <-clientGone:
			connected = false
			clientGone = nil
			observeDispatch(adm.Plan.Provider, "client_gone_drain")
		case <-idle.C:
			upCancel()
			if connected {
				failStatus, failReason = http.StatusGatewayTimeout, "provider stream timeout"
			}
			break relay
		case <-keepAlive.C:
			if connected {
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					connected = false
				} else {
					flusher.Flush()
				}
			}
		}
	}

	return d.settleStream(sctx, w, flusher, adm, st, connected, failStatus, failReason)
}

// relayLine forwards one SSE line, folding usage frames and content
// deltas into the relay state. Reports true on the [DONE] sentinel.
func (d *Dispatcher) relayLine(w http.ResponseWriter, flusher http.Flusher, adm *admission.Admission,
	st *relayState, line string, connected *bool) bool {

	write := func(s string) {
		if !*connected {
			return
		}
		if _, err := io.WriteString(w, s); err != nil {
			*connected = false
			return
		}
		flusher.Flush()
		st.wrote = true
	}

	if !strings.HasPrefix(line, "data:") {
		// Comments, event names, and the blank separators pass through.
		write(line + "\n")
		return false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		write("data: [DONE]\n\n")
		return true
	}

	var chunk map[string]any
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		write(line + "\n")
		return false
	}

	if _, ok := chunk["model"]; ok {
		chunk["model"] = adm.Plan.RequestedModel
	}
	if u, ok := ExtractUsage(chunk); ok {
		// Running totals: the latest frame wins.
		st.usage = u
		st.usageSeen = true
	}
	st.frameTok += deltaTokens(chunk)

	out, err := json.Marshal(chunk)
	if err != nil {
		write(line + "\n")
		return false
	}
	write("data: " + string(out) + "\n")
	return false
}

// settleStream runs the single terminal transition for a relay and
// reloads the execution for the caller's log line.
func (d *Dispatcher) settleStream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher,
	adm *admission.Admission, st *relayState, connected bool, failStatus int, failReason string) (*ledger.Execution, error) {

	// A client that disconnected pays for what the drain observed; only
	// an upstream failure with the client still listening is a Fail.
	if !st.doneSeen && connected && failStatus != 0 {
		body := detailBody(failReason)
		if err := d.store.Fail(ctx, adm.ExecutionID, failStatus, body, failReason); err != nil {
			return nil, err
		}
		frame, _ := json.Marshal(map[string]any{"error": map[string]any{
			"message": failReason, "execution_id": adm.ExecutionID,
		}})
		if _, err := io.WriteString(w, "data: "+string(frame)+"\n\n"); err == nil {
			flusher.Flush()
		}
		observeDispatch(adm.Plan.Provider, "stream_failed")
		return d.store.GetExecution(ctx, adm.ExecutionID)
	}

	usage := st.usage
	estimated := !st.usageSeen
	if estimated {
		usage = Usage{Prompt: adm.EstInput, Completion: max(st.frameTok, 1), Estimated: true}
	}
	actual := adm.ModelInfo.Pricing.Cost(usage.Prompt, usage.Completion)
	if err := d.store.Commit(ctx, ledger.CommitRequest{
		ExecutionID:      adm.ExecutionID,
		ActualMicro:      actual,
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
		StatusCode:       http.StatusOK,
		Estimated:        estimated,
	}); err != nil {
		return nil, err
	}
	d.recordSettled(ctx, adm, usage.Completion)
	observeDispatch(adm.Plan.Provider, "stream_committed")
	d.logger.Info("stream committed",
		"execution_id", adm.ExecutionID,
		"agent_id", adm.AgentID,
		"model", adm.Plan.RequestedModel,
		"prompt_tokens", usage.Prompt,
		"completion_tokens", usage.Completion,
		"actual_micro", actual,
		"estimated", estimated,
		"client_connected", connected,
	)
	return d.store.GetExecution(ctx, adm.ExecutionID)
}

// streamOpenError settles a stream whose upstream connection never
// opened.
func (d *Dispatcher) streamOpenError(ctx context.Context, w http.ResponseWriter, r *http.Request,
	upCtx context.Context, adm *admission.Admission, cause error) (*ledger.Execution, error) {

	switch {
	case r.Context().Err() != nil:
		if err := d.store.Release(ctx, adm.ExecutionID, "client_cancel", statusClientClosed); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "client_cancel")
		return d.store.GetExecution(ctx, adm.ExecutionID)
	case upCtx.Err() != nil:
		body := detailBody("Provider timeout")
		if err := d.store.Fail(ctx, adm.ExecutionID, http.StatusGatewayTimeout, body, "provider_timeout"); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "timeout")
		return d.writeRefusal(ctx, w, adm, http.StatusGatewayTimeout, body)
	default:
		d.logger.Warn("upstream unreachable",
			"execution_id", adm.ExecutionID, "provider", adm.Plan.Provider, "error", cause)
		body := detailBody("Provider unreachable")
		if err := d.store.Fail(ctx, adm.ExecutionID, http.StatusBadGateway, body, "upstream_unreachable"); err != nil {
			return nil, err
		}
		observeDispatch(adm.Plan.Provider, "unreachable")
		return d.writeRefusal(ctx, w, adm, http.StatusBadGateway, body)
	}
}

// writeRefusal answers a stream request that never became a stream.
func (d *Dispatcher) writeRefusal(ctx context.Context, w http.ResponseWriter, adm *admission.Admission,
	status int, body []byte) (*ledger.Execution, error) {

	exec, err := d.store.GetExecution(ctx, adm.ExecutionID)
	if err != nil {
		return nil, err
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-AEX-Execution-Id", adm.ExecutionID)
	h.Set("X-AEX-Reserve-Micro", strconv.FormatInt(adm.ReserveMicro, 10))
	h.Set("X-AEX-Commit-Micro", strconv.FormatInt(exec.CommitMicro, 10))
	h.Set("X-AEX-Idempotent-Hit", "false")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return exec, nil
}

// deltaTokens sizes the generated content of one stream frame: chat
// delta objects and responses-surface delta strings.
func deltaTokens(chunk map[string]any) int64 {
	var chars int
	if choices, ok := chunk["choices"].([]any); ok {
		for _, c := range choices {
			choice, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if delta, ok := choice["delta"].(map[string]any); ok {
				chars += textLen(delta["content"])
			}
		}
	}
	if s, ok := chunk["delta"].(string); ok {
		chars += len(s)
	}
	if chars == 0 {
		return 0
	}
	return estimateTokens(chars)
}
