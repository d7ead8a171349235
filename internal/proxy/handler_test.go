package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/gate"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/routing"
	"github.com/modelgate/modelgate/internal/stream"
	"github.com/modelgate/modelgate/internal/usage"
)

// Mock usage store
type mockUsageStore struct {
	mu                   sync.Mutex
	events               []*usage.Event
	getUsageByTenantFunc func(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.Event, error)
	getTotalCostFunc     func(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

func (m *mockUsageStore) Append(ctx context.Context, ev *usage.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockUsageStore) GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.Event, error) {
	if m.getUsageByTenantFunc != nil {
		return m.getUsageByTenantFunc(ctx, tenantID, from, to)
	}
	return nil, nil
}

func (m *mockUsageStore) TotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	if m.getTotalCostFunc != nil {
		return m.getTotalCostFunc(ctx, tenantID, from, to)
	}
	return 0, nil
}

func (m *mockUsageStore) recorded() []*usage.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*usage.Event(nil), m.events...)
}

// Mock kv store
type mockKV struct {
	mu     sync.Mutex
	values map[string]string
	counts map[string]int64
}

func newMockKV() *mockKV {
	return &mockKV{values: make(map[string]string), counts: make(map[string]int64)}
}

func (m *mockKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *mockKV) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] += amount
	return m.counts[key], nil
}

func (m *mockKV) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if (expected == "" && ok) || (expected != "" && (!ok || cur != expected)) {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

// Mock token limiter
type mockTokenLimiter struct {
	allowed bool
}

func (m *mockTokenLimiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	return m.allowed, nil
}

// Mock adapter
type mockAdapter struct {
	name   string
	resp   *provider.Response
	err    error
	events []*provider.Event
	hang   bool          // stream: hold the channel open after events until the context ends
	block  bool          // complete: block until the context ends
	dialed chan struct{} // closed when the first upstream call starts

	mu       sync.Mutex
	calls    int
	dialOnce sync.Once
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) signalDialed() {
	if m.dialed != nil {
		m.dialOnce.Do(func() { close(m.dialed) })
	}
}

func (m *mockAdapter) Complete(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	m.signalDialed()
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.resp
	resp.Provider = m.name
	resp.Model = req.Model
	return &resp, nil
}

func (m *mockAdapter) OpenStream(ctx context.Context, req *provider.Request, cred provider.Credential) (<-chan *provider.Event, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.signalDialed()
	ch := make(chan *provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range m.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if m.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (m *mockAdapter) ClassifyError(err error) provider.ErrorKind { return provider.Classify(err) }
func (m *mockAdapter) CostPerInputToken() float64                 { return 0.000001 }
func (m *mockAdapter) CostPerOutputToken() float64                { return 0.000002 }

func (m *mockAdapter) called() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Test Suite
func setupTest(t *testing.T, adapters []*mockAdapter, limiterAllowed bool, gateOpts gate.Options) (*Handler, *mockUsageStore, *usage.Recorder) {
	t.Helper()
	log := zap.NewNop()

	var descs []registry.Descriptor
	regAdapters := make(map[string]provider.Adapter)
	var names []string
	for _, a := range adapters {
		descs = append(descs, registry.Descriptor{
			Name:   a.name,
			Models: []string{"gpt-4"},
			Credentials: []registry.CredentialConfig{
				{ID: a.name + "-cred", Key: "k", Priority: 1},
			},
		})
		regAdapters[a.name] = a
		names = append(names, a.name)
	}
	reg, err := registry.New(descs, regAdapters, newMockKV(), log)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	engine := routing.NewEngine(reg, names, routing.Options{Budget: 2 * time.Second}, log)

	g, err := gate.New(newMockKV(), &mockTokenLimiter{allowed: limiterAllowed}, gateOpts, log)
	if err != nil {
		t.Fatalf("Failed to build gate: %v", err)
	}

	mux := stream.NewMultiplexer(stream.Options{IdleTimeout: time.Second, MaxDuration: 5 * time.Second}, log)
	store := &mockUsageStore{}
	recorder := usage.NewRecorder(store, 64, log)
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(engine, reg, g, mux, recorder, store, tracer, log), store, recorder
}

func completionBody(streaming bool) *bytes.Reader {
	body, _ := json.Marshal(map[string]interface{}{
		"model":      "gpt-4",
		"max_tokens": 100,
		"stream":     streaming,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	return bytes.NewReader(body)
}

func authed(req *http.Request) *http.Request {
	return req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
}

func TestHandleChatCompletions_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(t, nil, true, gate.Options{})
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "unauthorized" {
		t.Errorf("Expected unauthorized error, got %v", resp["error"])
	}
}

func TestHandleChatCompletions_InvalidBody(t *testing.T) {
	h, _, _ := setupTest(t, nil, true, gate.Options{})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChatCompletions_MissingMessages(t *testing.T) {
	h, _, _ := setupTest(t, nil, true, gate.Options{})
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4"})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChatCompletions_RateLimited(t *testing.T) {
	h, _, _ := setupTest(t, nil, false, gate.Options{})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(false)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After header, got %q", w.Header().Get("Retry-After"))
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
}

func TestHandleChatCompletions_NoProviderAvailable(t *testing.T) {
	h, store, recorder := setupTest(t, nil, true, gate.Options{})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(false)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 usage event, got %d", len(events))
	}
	if events[0].Outcome != usage.OutcomeNoProviderAvailable {
		t.Errorf("Expected no_provider_available outcome, got %s", events[0].Outcome)
	}
}

func TestHandleChatCompletions_Success(t *testing.T) {
	a := &mockAdapter{
		name: "test-provider",
		resp: &provider.Response{
			Content:      "mock",
			InputTokens:  10,
			OutputTokens: 20,
		},
	}
	h, store, recorder := setupTest(t, []*mockAdapter{a}, true, gate.Options{})

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(false)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["provider"] != "test-provider" {
		t.Errorf("Expected provider test-provider, got %v", resp["provider"])
	}
	choices := resp["choices"].([]interface{})
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	if message["content"] != "mock" {
		t.Errorf("Expected content 'mock', got %v", message["content"])
	}
	respUsage := resp["usage"].(map[string]interface{})
	if respUsage["total_tokens"].(float64) != 30 {
		t.Errorf("Expected 30 total tokens, got %v", respUsage["total_tokens"])
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 usage event, got %d", len(events))
	}
	ev := events[0]
	if ev.Outcome != usage.OutcomeSuccess || ev.Provider != "test-provider" {
		t.Errorf("Unexpected usage event %+v", ev)
	}
	if ev.TenantID != "test-tenant" || ev.Model != "gpt-4" {
		t.Errorf("Usage event missing identity: %+v", ev)
	}
	if ev.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", ev.Attempts)
	}
	if ev.CostUSD == 0 {
		t.Error("Expected non-zero cost")
	}
}

func TestHandleChatCompletions_CacheHit(t *testing.T) {
	a := &mockAdapter{
		name: "test-provider",
		resp: &provider.Response{Content: "mock", InputTokens: 10, OutputTokens: 20},
	}
	h, store, recorder := setupTest(t, []*mockAdapter{a}, true, gate.Options{CacheEnabled: true})

	for i := 0; i < 2; i++ {
		req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(false)))
		w := httptest.NewRecorder()
		h.HandleChatCompletions(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if cached := resp["cached"].(bool); cached != (i == 1) {
			t.Errorf("Request %d: expected cached=%v, got %v", i, i == 1, cached)
		}
	}

	if a.called() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", a.called())
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 2 {
		t.Fatalf("Expected 2 usage events, got %d", len(events))
	}
	if events[1].Provider != "cache" {
		t.Errorf("Cache hit should be attributed to the cache, got %s", events[1].Provider)
	}
}

func TestHandleChatCompletions_StreamSuccess(t *testing.T) {
	a := &mockAdapter{
		name: "test-provider",
		events: []*provider.Event{
			{Kind: provider.EventToken, Text: "hello"},
			{Kind: provider.EventToken, Text: " world"},
			{Kind: provider.EventUsage, Usage: &provider.Usage{PromptTokens: 5, CompletionTokens: 2}},
			{Kind: provider.EventDone},
		},
	}
	h, store, recorder := setupTest(t, []*mockAdapter{a}, true, gate.Options{})

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(true)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, `"content":"hello"`) || !strings.Contains(body, `"content":" world"`) {
		t.Errorf("Body missing token chunks: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 usage event, got %d", len(events))
	}
	ev := events[0]
	if ev.Outcome != usage.OutcomeSuccess {
		t.Errorf("Expected success outcome, got %s", ev.Outcome)
	}
	if ev.InputTokens != 5 || ev.OutputTokens != 2 {
		t.Errorf("Expected usage 5/2, got %d/%d", ev.InputTokens, ev.OutputTokens)
	}
	if ev.CostUSD == 0 {
		t.Error("Expected non-zero cost from the serving adapter's rates")
	}
}

func TestHandleChatCompletions_StreamFallback(t *testing.T) {
	failing := &mockAdapter{
		name: "prov-down",
		events: []*provider.Event{
			{Kind: provider.EventError, Err: &provider.Error{Kind: provider.KindUpstreamFault, Message: "boom"}},
		},
	}
	serving := &mockAdapter{
		name: "prov-up",
		events: []*provider.Event{
			{Kind: provider.EventToken, Text: "ok"},
			{Kind: provider.EventDone},
		},
	}
	h, store, recorder := setupTest(t, []*mockAdapter{failing, serving}, true, gate.Options{})

	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(true)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `"content":"ok"`) {
		t.Errorf("Expected fallback output, got: %s", body)
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("Pre-commit failure must not reach the client: %s", body)
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 usage event, got %d", len(events))
	}
	if events[0].Outcome != usage.OutcomeSuccess {
		t.Errorf("Expected success after fallback, got %s", events[0].Outcome)
	}
}

func TestHandleChatCompletions_StreamClientCancel(t *testing.T) {
	a := &mockAdapter{
		name:   "test-provider",
		events: []*provider.Event{{Kind: provider.EventToken, Text: "partial"}},
		hang:   true,
		dialed: make(chan struct{}),
	}
	h, store, recorder := setupTest(t, []*mockAdapter{a}, true, gate.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody(true)).
		WithContext(auth.WithTenantID(ctx, "test-tenant"))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleChatCompletions(w, req)
	}()

	<-a.dialed
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler did not return after the client went away")
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 usage event, got %d", len(events))
	}
	ev := events[0]
	if ev.Outcome != usage.OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %s", ev.Outcome)
	}
	if ev.Provider != "test-provider" {
		t.Errorf("Expected the serving provider on the event, got %q", ev.Provider)
	}
	if !strings.Contains(w.Body.String(), `"content":"partial"`) {
		t.Errorf("Expected the delivered token in the body: %s", w.Body.String())
	}
}

func TestHandleChatCompletions_ClientCancel(t *testing.T) {
	a := &mockAdapter{
		name:   "test-provider",
		block:  true,
		dialed: make(chan struct{}),
	}
	h, store, recorder := setupTest(t, []*mockAdapter{a}, true, gate.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody(false)).
		WithContext(auth.WithTenantID(ctx, "test-tenant"))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleChatCompletions(w, req)
	}()

	<-a.dialed
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler did not return after the client went away")
	}

	recorder.Close(time.Second)
	events := store.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 usage event, got %d", len(events))
	}
	if events[0].Outcome != usage.OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %s", events[0].Outcome)
	}
	if w.Body.Len() != 0 {
		t.Errorf("Expected no response body after cancel, got %q", w.Body.String())
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(t, nil, true, gate.Options{})
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _, _ := setupTest(t, nil, true, gate.Options{})
	req := authed(httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, store, _ := setupTest(t, nil, true, gate.Options{})
	store.getUsageByTenantFunc = func(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.Event, error) {
		return []*usage.Event{
			{TenantID: "test-tenant", Model: "gpt-4"},
			{TenantID: "test-tenant", Model: "gpt-4"},
		}, nil
	}
	store.getTotalCostFunc = func(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
		return 0.005, nil
	}

	req := authed(httptest.NewRequest("GET", "/v1/usage", nil))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", resp["total_requests"])
	}
	if resp["total_cost_usd"].(float64) != 0.005 {
		t.Errorf("Expected total_cost_usd == 0.005, got %v", resp["total_cost_usd"])
	}
	events := resp["events"].([]interface{})
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
}

func TestHandleUsage_DefaultDates(t *testing.T) {
	h, _, _ := setupTest(t, nil, true, gate.Options{})
	req := authed(httptest.NewRequest("GET", "/v1/usage", nil))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["from"] == "" || resp["to"] == "" {
		t.Errorf("Expected from/to dates in response")
	}
}
