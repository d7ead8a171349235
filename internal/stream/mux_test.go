package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/provider"
)

func feed(events ...*provider.Event) <-chan *provider.Event {
	ch := make(chan *provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			ch <- ev
		}
	}()
	return ch
}

func relayRequest() *provider.Request {
	return &provider.Request{
		Model:     "test-model",
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
		Stream:    true,
		RequestID: "req-1",
	}
}

func TestRelay_ForwardsEventsInOrder(t *testing.T) {
	mux := NewMultiplexer(Options{}, zap.NewNop())
	events := feed(
		&provider.Event{Kind: provider.EventToken, Text: "Hello"},
		&provider.Event{Kind: provider.EventToken, Text: " world"},
		&provider.Event{Kind: provider.EventUsage, Usage: &provider.Usage{PromptTokens: 3, CompletionTokens: 2}},
		&provider.Event{Kind: provider.EventDone},
	)

	rec := httptest.NewRecorder()
	res, err := mux.Relay(context.Background(), func() {}, events, relayRequest(), rec)
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	body := rec.Body.String()
	first := strings.Index(body, `"content":"Hello"`)
	second := strings.Index(body, `"content":" world"`)
	if first == -1 || second == -1 || second < first {
		t.Errorf("token chunks missing or out of order:\n%s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("missing done marker:\n%s", body)
	}

	if res.Tokens != 2 {
		t.Errorf("expected 2 forwarded tokens, got %d", res.Tokens)
	}
	if res.Usage == nil || res.Usage.CompletionTokens != 2 {
		t.Errorf("usage not captured: %+v", res.Usage)
	}
	if res.Err != nil || res.ClientCancelled {
		t.Errorf("unexpected terminal state: %+v", res)
	}
}

func TestRelay_IdleTimeoutCancelsUpstream(t *testing.T) {
	mux := NewMultiplexer(Options{IdleTimeout: 30 * time.Millisecond}, zap.NewNop())
	events := make(chan *provider.Event) // never receives

	cancelled := make(chan struct{})
	rec := httptest.NewRecorder()
	res, err := mux.Relay(context.Background(), func() { close(cancelled) }, events, relayRequest(), rec)
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	select {
	case <-cancelled:
	default:
		t.Error("upstream was not cancelled on idle timeout")
	}
	if res.Err == nil || res.Err.Kind != provider.KindTimeout {
		t.Errorf("expected timeout result, got %+v", res.Err)
	}
	if !strings.Contains(rec.Body.String(), "event: error") {
		t.Errorf("expected terminal error event in body:\n%s", rec.Body.String())
	}
}

func TestRelay_DurationCap(t *testing.T) {
	mux := NewMultiplexer(Options{
		IdleTimeout: time.Second,
		MaxDuration: 30 * time.Millisecond,
	}, zap.NewNop())
	events := make(chan *provider.Event)

	cancelled := make(chan struct{})
	rec := httptest.NewRecorder()
	res, err := mux.Relay(context.Background(), func() { close(cancelled) }, events, relayRequest(), rec)
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	select {
	case <-cancelled:
	default:
		t.Error("upstream was not cancelled at the duration cap")
	}
	if res.Err == nil || res.Err.Kind != provider.KindTimeout {
		t.Errorf("expected timeout result, got %+v", res.Err)
	}
}

func TestRelay_ClientCancel(t *testing.T) {
	mux := NewMultiplexer(Options{}, zap.NewNop())
	events := make(chan *provider.Event)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		events <- &provider.Event{Kind: provider.EventToken, Text: "partial"}
		cancel()
	}()

	cancelled := make(chan struct{})
	rec := httptest.NewRecorder()
	res, err := mux.Relay(ctx, func() { close(cancelled) }, events, relayRequest(), rec)
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	if !res.ClientCancelled {
		t.Error("expected client cancellation to be recorded")
	}
	if res.Tokens != 1 {
		t.Errorf("expected the delivered token to be counted, got %d", res.Tokens)
	}
	select {
	case <-cancelled:
	default:
		t.Error("upstream was not cancelled after client disconnect")
	}
}

func TestRelay_TerminalErrorEvent(t *testing.T) {
	mux := NewMultiplexer(Options{}, zap.NewNop())
	events := feed(
		&provider.Event{Kind: provider.EventToken, Text: "partial"},
		&provider.Event{Kind: provider.EventError, Err: &provider.Error{
			Kind:    provider.KindUpstreamFault,
			Message: "connection reset",
		}},
	)

	rec := httptest.NewRecorder()
	res, err := mux.Relay(context.Background(), func() {}, events, relayRequest(), rec)
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	if res.Err == nil || res.Err.Kind != provider.KindUpstreamFault {
		t.Errorf("expected upstream_fault, got %+v", res.Err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"content":"partial"`) {
		t.Errorf("delivered token missing from body:\n%s", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Errorf("terminal error event missing from body:\n%s", body)
	}
}

type plainWriter struct {
	header http.Header
}

func (p *plainWriter) Header() http.Header         { return p.header }
func (p *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (p *plainWriter) WriteHeader(int)             {}

func TestRelay_RequiresFlusher(t *testing.T) {
	mux := NewMultiplexer(Options{}, zap.NewNop())

	cancelled := make(chan struct{})
	_, err := mux.Relay(context.Background(), func() { close(cancelled) }, make(chan *provider.Event), relayRequest(), &plainWriter{header: http.Header{}})
	if err == nil {
		t.Fatal("expected an error for a non-flushing writer")
	}
	select {
	case <-cancelled:
	default:
		t.Error("upstream was not cancelled when streaming is unsupported")
	}
}
