package provider

import (
	"context"
)

// Request is the canonical, provider-agnostic form of an inference request.
// It is built once at ingress and never mutated afterwards.
type Request struct {
	Model       string    `json:"model" validate:"required"`
	Messages    []Message `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream"`

	// Optional client-supplied key for safe replay / caching.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Caller identity, set by the auth middleware.
	TenantID  string `json:"-"`
	RequestID string `json:"-"`
}

type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// Response is a completed non-streaming canonical response.
type Response struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	LatencyMs    int64   `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
}

// Credential is a single upstream API key. Adapters receive the credential
// per call so the routing engine can fall back across keys without
// rebuilding adapters.
type Credential struct {
	ID       string
	Key      string
	Priority int
}

// Adapter translates between the canonical model and one upstream
// provider's wire format.
//
// OpenStream returns a lazy, finite, non-restartable sequence: the
// returned channel is closed when the upstream stream ends, and the
// adapter stops reading upstream as soon as ctx is cancelled. Events
// arrive in upstream token order; an adapter never emits EventDone
// before any buffered EventUsage.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req *Request, cred Credential) (*Response, error)
	OpenStream(ctx context.Context, req *Request, cred Credential) (<-chan *Event, error)

	// ClassifyError maps any error produced by this adapter into the
	// closed ErrorKind set the routing engine acts on.
	ClassifyError(err error) ErrorKind

	CostPerInputToken() float64 // USD per token
	CostPerOutputToken() float64
}
