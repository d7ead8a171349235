// Package routing picks the provider and credential serving each request
// and orchestrates fallback across classified upstream failures.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/registry"
)

type Options struct {
	// Budget is the wall-clock allowance for routing attempts. Once a
	// stream has committed, the budget no longer applies; the
	// multiplexer's duration cap takes over.
	Budget time.Duration
	// CredentialCooldown is how long an auth-invalid credential stays
	// out of rotation.
	CredentialCooldown time.Duration
}

type Engine struct {
	reg      *registry.Registry
	opts     Options
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

func NewEngine(reg *registry.Registry, providers []string, opts Options, log *zap.Logger) *Engine {
	if opts.Budget == 0 {
		opts.Budget = 30 * time.Second
	}
	if opts.CredentialCooldown == 0 {
		opts.CredentialCooldown = 5 * time.Minute
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, name := range providers {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Engine{
		reg:      reg,
		opts:     opts,
		breakers: breakers,
		log:      log,
	}
}

var errNoProvider = &provider.Error{Kind: provider.KindNoProviderAvailable, Message: "all candidates exhausted"}

// Complete runs the non-streaming fallback loop: try each candidate in
// registry order, advancing per the classification policy, until one
// succeeds or the budget runs out.
func (e *Engine) Complete(ctx context.Context, req *provider.Request) (*provider.Response, *Decision, error) {
	dec := &Decision{RequestID: req.RequestID}
	cands := e.reg.CandidatesFor(req.Model)
	if len(cands) == 0 {
		return nil, dec, errNoProvider
	}

	budgetCtx, cancel := context.WithTimeout(ctx, e.opts.Budget)
	defer cancel()

	for _, cand := range cands {
		if e.breakerOpen(cand.Provider) {
			dec.reject(cand.Provider, cand.Credential.ID, provider.KindUpstreamFault, "circuit breaker open")
			continue
		}

		retriedMalformed := false
		for {
			dec.Attempt++
			dec.Provider = cand.Provider
			dec.CredentialID = cand.Credential.ID

			resp, err := e.completeOnce(budgetCtx, req, cand)
			if err == nil {
				resp.CostUSD = float64(resp.InputTokens)*cand.Adapter.CostPerInputToken() +
					float64(resp.OutputTokens)*cand.Adapter.CostPerOutputToken()
				return resp, dec, nil
			}

			if terminal := e.terminalErr(ctx, budgetCtx); terminal != nil {
				dec.reject(cand.Provider, cand.Credential.ID, terminal.Kind, err.Error())
				return nil, dec, terminal
			}

			kind := cand.Adapter.ClassifyError(err)
			dec.reject(cand.Provider, cand.Credential.ID, kind, err.Error())
			e.log.Warn("candidate failed",
				zap.String("provider", cand.Provider),
				zap.String("credential_id", cand.Credential.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)

			if kind == provider.KindAuthInvalid {
				e.reg.Disable(ctx, cand.Provider, cand.Credential.ID, e.opts.CredentialCooldown)
			}
			// A malformed response before any output reached the client
			// is safe to retry once on the same credential.
			if kind == provider.KindMalformed && !retriedMalformed {
				retriedMalformed = true
				continue
			}
			break
		}
	}

	return nil, dec, errNoProvider
}

func (e *Engine) completeOnce(ctx context.Context, req *provider.Request, cand registry.Candidate) (*provider.Response, error) {
	if cand.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cand.Timeout)
		defer cancel()
	}
	cb := e.breakers[cand.Provider]
	if cb == nil {
		return cand.Adapter.Complete(ctx, req, cand.Credential)
	}
	result, err := cb.Execute(func() (interface{}, error) {
		return cand.Adapter.Complete(ctx, req, cand.Credential)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// Stream runs the streaming fallback loop. Fallback only happens before
// the first token or tool-call delta is forwarded; after that the engine
// is committed to the serving candidate and any upstream failure becomes
// a terminal error event on the returned channel.
//
// The Decision is safe to read once the returned channel has closed.
func (e *Engine) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Event, *Decision, error) {
	dec := &Decision{RequestID: req.RequestID}
	cands := e.reg.CandidatesFor(req.Model)
	if len(cands) == 0 {
		return nil, dec, errNoProvider
	}

	out := make(chan *provider.Event) // unbuffered: client write paces the upstream read
	go func() {
		defer close(out)
		e.streamLoop(ctx, req, cands, dec, out)
	}()
	return out, dec, nil
}

func (e *Engine) streamLoop(ctx context.Context, req *provider.Request, cands []registry.Candidate, dec *Decision, out chan<- *provider.Event) {
	deadline := time.Now().Add(e.opts.Budget)

	for _, cand := range cands {
		if e.breakerOpen(cand.Provider) {
			dec.reject(cand.Provider, cand.Credential.ID, provider.KindUpstreamFault, "circuit breaker open")
			continue
		}

		retriedMalformed := false
		for {
			if time.Now().After(deadline) {
				e.send(ctx, out, errEvent(provider.KindTimeout, "request budget exhausted"))
				return
			}

			dec.Attempt++
			dec.Provider = cand.Provider
			dec.CredentialID = cand.Credential.ID

			committed, kind, reason := e.streamOnce(ctx, req, cand, out)
			if committed {
				// Success or a terminal truncated-stream error either
				// way, the stream is over.
				return
			}
			if ctx.Err() != nil {
				return
			}

			dec.reject(cand.Provider, cand.Credential.ID, kind, reason)
			e.log.Warn("stream candidate failed",
				zap.String("provider", cand.Provider),
				zap.String("credential_id", cand.Credential.ID),
				zap.String("kind", string(kind)),
				zap.String("reason", reason),
			)

			if kind == provider.KindAuthInvalid {
				e.reg.Disable(ctx, cand.Provider, cand.Credential.ID, e.opts.CredentialCooldown)
			}
			if kind == provider.KindMalformed && !retriedMalformed {
				retriedMalformed = true
				continue
			}
			break
		}
	}

	e.send(ctx, out, errEvent(provider.KindNoProviderAvailable, "all candidates exhausted"))
}

// streamOnce dials one candidate and relays its events. It returns
// committed=true when the stream terminated after output was forwarded
// (normally or with a terminal error); otherwise it returns the
// classification of the pre-commit failure for the fallback policy.
func (e *Engine) streamOnce(ctx context.Context, req *provider.Request, cand registry.Candidate, out chan<- *provider.Event) (committed bool, kind provider.ErrorKind, reason string) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	// Per-provider timeout covers connecting and reaching the first
	// event; it is disarmed once the candidate produces output.
	var connectTimer *time.Timer
	if cand.Timeout > 0 {
		connectTimer = time.AfterFunc(cand.Timeout, cancelAttempt)
		defer connectTimer.Stop()
	}

	cb := e.breakers[cand.Provider]
	ch, err := cand.Adapter.OpenStream(attemptCtx, req, cand.Credential)
	if err != nil {
		e.recordFailure(cb, err)
		return false, cand.Adapter.ClassifyError(err), err.Error()
	}

	for ev := range ch {
		if ev.Kind == provider.EventError {
			if !committed {
				if attemptCtx.Err() != nil && ctx.Err() == nil {
					// The connect timer fired; the adapter reported the
					// cancellation as its own error.
					ev.Err = &provider.Error{Kind: provider.KindTimeout, Message: "provider timeout"}
				}
				e.recordFailure(cb, ev.Err)
				return false, ev.Err.Kind, ev.Err.Message
			}
			// Partial output already reached the client: surface the
			// failure as a truncated stream, never retry silently.
			e.recordFailure(cb, ev.Err)
			e.send(ctx, out, ev)
			return true, ev.Err.Kind, ev.Err.Message
		}

		if ev.Delivered() && !committed {
			committed = true
			if connectTimer != nil {
				connectTimer.Stop()
			}
		}
		if !e.send(ctx, out, ev) {
			return true, provider.KindClientCancelled, "client disconnected"
		}
		if ev.Kind == provider.EventDone {
			e.recordSuccess(cb)
			return true, "", ""
		}
	}

	// Channel closed without a done or error marker.
	if committed {
		e.send(ctx, out, errEvent(provider.KindUpstreamFault, "upstream stream ended unexpectedly"))
		return true, provider.KindUpstreamFault, "truncated"
	}
	return false, provider.KindUpstreamFault, "upstream stream ended before any output"
}

func (e *Engine) send(ctx context.Context, out chan<- *provider.Event, ev *provider.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) breakerOpen(providerName string) bool {
	cb, ok := e.breakers[providerName]
	return ok && cb.State() == gobreaker.StateOpen
}

func (e *Engine) recordFailure(cb *gobreaker.CircuitBreaker, err error) {
	if cb == nil {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}

func (e *Engine) recordSuccess(cb *gobreaker.CircuitBreaker) {
	if cb == nil {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, nil
	})
}

// terminalErr distinguishes request-level termination from a candidate
// failure: a cancelled parent means the client went away, an expired
// budget context ends routing with a timeout.
func (e *Engine) terminalErr(parent, budgetCtx context.Context) *provider.Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return &provider.Error{Kind: provider.KindClientCancelled, Message: "client cancelled request"}
	}
	if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
		return &provider.Error{Kind: provider.KindTimeout, Message: "request budget exhausted"}
	}
	return nil
}

func errEvent(kind provider.ErrorKind, msg string) *provider.Event {
	return &provider.Event{Kind: provider.EventError, Err: &provider.Error{Kind: kind, Message: msg}}
}
