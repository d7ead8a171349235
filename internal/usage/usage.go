// Package usage records per-request accounting off the client-latency
// path. Exactly one event is persisted per terminated request, whatever
// the outcome and however many fallback attempts it took.
package usage

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeFailure             Outcome = "failure"
	OutcomeCancelled           Outcome = "cancelled"
	OutcomeNoProviderAvailable Outcome = "no_provider_available"
)

type Event struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Outcome      Outcome   `json:"outcome"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	Attempts     int       `json:"attempts"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	// Append persists one usage event. The write is append-only.
	Append(ctx context.Context, ev *Event) error
	GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Event, error)
	TotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}
