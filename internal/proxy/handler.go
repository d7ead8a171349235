package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/gate"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/routing"
	"github.com/modelgate/modelgate/internal/stream"
	"github.com/modelgate/modelgate/internal/usage"
)

// Handler glues the request pipeline: gate, route, stream or complete,
// record.
type Handler struct {
	engine     *routing.Engine
	reg        *registry.Registry
	gate       *gate.Gate
	mux        *stream.Multiplexer
	recorder   *usage.Recorder
	usageStore usage.Store
	validate   *validator.Validate
	tracer     trace.Tracer
	log        *zap.Logger
}

func NewHandler(engine *routing.Engine, reg *registry.Registry, g *gate.Gate, mux *stream.Multiplexer, recorder *usage.Recorder, usageStore usage.Store, tracer trace.Tracer, log *zap.Logger) *Handler {
	return &Handler{
		engine:     engine,
		reg:        reg,
		gate:       g,
		mux:        mux,
		recorder:   recorder,
		usageStore: usageStore,
		validate:   validator.New(),
		tracer:     tracer,
		log:        log,
	}
}

// HandleChatCompletions serves both streaming and non-streaming
// completions; the request's stream flag picks the path.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	_, span := h.tracer.Start(r.Context(), "proxy.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	)

	start := time.Now()

	if err := h.gate.Admit(r.Context(), req); err != nil {
		if kindOf(err) == provider.KindRateLimited {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
		h.log.Error("admission check failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	if req.Stream {
		h.handleStream(w, r, req, start)
		return
	}
	h.handleComplete(w, r, req, start)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, req *provider.Request, start time.Time) {
	ctx := r.Context()

	if cached, hit := h.gate.Lookup(ctx, req); hit {
		h.record(req, &usage.Event{
			Outcome:   usage.OutcomeSuccess,
			Provider:  "cache",
			LatencyMs: time.Since(start).Milliseconds(),
		})
		h.writeCompletion(w, cached, true)
		return
	}

	var dec *routing.Decision
	resp, err := h.gate.Dispatch(ctx, req, func() (*provider.Response, error) {
		var dispatchErr error
		var r *provider.Response
		r, dec, dispatchErr = h.engine.Complete(ctx, req)
		return r, dispatchErr
	})

	if err != nil {
		kind := kindOf(err)
		ev := &usage.Event{
			Outcome:     failureOutcome(kind),
			FailureKind: string(kind),
			LatencyMs:   time.Since(start).Milliseconds(),
		}
		if dec != nil {
			ev.Provider = dec.Provider
			ev.Attempts = dec.Attempt
		}
		h.record(req, ev)

		if kind == provider.KindClientCancelled {
			return
		}
		writeJSON(w, statusFor(kind), map[string]any{
			"error": map[string]string{"kind": string(kind), "message": err.Error()},
		})
		return
	}

	h.gate.StoreResponse(ctx, req, resp)

	ev := &usage.Event{
		Outcome:      usage.OutcomeSuccess,
		Provider:     resp.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if dec != nil {
		ev.Attempts = dec.Attempt
	}
	h.record(req, ev)

	h.writeCompletion(w, resp, false)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *provider.Request, start time.Time) {
	upstreamCtx, cancelUpstream := context.WithCancel(r.Context())
	defer cancelUpstream()

	events, dec, err := h.engine.Stream(upstreamCtx, req)
	if err != nil {
		kind := kindOf(err)
		h.record(req, &usage.Event{
			Outcome:     failureOutcome(kind),
			FailureKind: string(kind),
			LatencyMs:   time.Since(start).Milliseconds(),
		})
		writeJSON(w, statusFor(kind), map[string]any{
			"error": map[string]string{"kind": string(kind), "message": err.Error()},
		})
		return
	}

	res, err := h.mux.Relay(r.Context(), cancelUpstream, events, req, w)
	if err != nil {
		h.log.Error("stream relay unavailable", zap.Error(err))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Relay can return before the engine finishes on disconnect, idle
	// timeout, or the duration cap. The decision is only stable once
	// the channel closes, so drain it before reading.
	for range events {
	}

	ev := &usage.Event{
		Provider:  dec.Provider,
		Attempts:  dec.Attempt,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	switch {
	case res.ClientCancelled:
		ev.Outcome = usage.OutcomeCancelled
	case res.Err != nil:
		ev.Outcome = failureOutcome(res.Err.Kind)
		ev.FailureKind = string(res.Err.Kind)
	default:
		ev.Outcome = usage.OutcomeSuccess
	}
	if res.Usage != nil {
		ev.InputTokens = res.Usage.PromptTokens
		ev.OutputTokens = res.Usage.CompletionTokens
		if adapter := h.reg.Adapter(dec.Provider); adapter != nil {
			ev.CostUSD = float64(ev.InputTokens)*adapter.CostPerInputToken() +
				float64(ev.OutputTokens)*adapter.CostPerOutputToken()
		}
	}
	h.record(req, ev)
}

// record fills in request identity and hands the event to the async
// recorder. Called exactly once per terminated request.
func (h *Handler) record(req *provider.Request, ev *usage.Event) {
	ev.TenantID = req.TenantID
	ev.RequestID = req.RequestID
	ev.Model = req.Model
	h.recorder.Record(ev)
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*provider.Request, bool) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	req.TenantID = tenantID
	req.RequestID = requestID

	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
		return nil, false
	}

	return &req, true
}

func (h *Handler) writeCompletion(w http.ResponseWriter, resp *provider.Response, cached bool) {
	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       respID,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"cached":   cached,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
		},
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	events, err := h.usageStore.GetByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.log.Error("failed to query usage", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	totalCost, err := h.usageStore.TotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.log.Error("failed to query usage cost", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(events),
		"total_cost_usd": totalCost,
		"events":         events,
		"from":           from,
		"to":             to,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func kindOf(err error) provider.ErrorKind {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return provider.KindUpstreamFault
}

func failureOutcome(kind provider.ErrorKind) usage.Outcome {
	switch kind {
	case provider.KindNoProviderAvailable:
		return usage.OutcomeNoProviderAvailable
	case provider.KindClientCancelled:
		return usage.OutcomeCancelled
	}
	return usage.OutcomeFailure
}

func statusFor(kind provider.ErrorKind) int {
	switch kind {
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindNoProviderAvailable:
		return http.StatusServiceUnavailable
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	case provider.KindAuthInvalid, provider.KindUpstreamFault, provider.KindModelUnavailable, provider.KindMalformed:
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}
