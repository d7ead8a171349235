package routing

import (
	"github.com/modelgate/modelgate/internal/provider"
)

// Attempt records one rejected candidate and why it was passed over.
type Attempt struct {
	Provider     string             `json:"provider"`
	CredentialID string             `json:"credential_id"`
	Kind         provider.ErrorKind `json:"kind"`
	Reason       string             `json:"reason"`
}

// Decision is the per-request routing record: which candidate ended up
// serving the request and the fallback history that led there. It lives
// only for the request's processing lifetime.
//
// The engine stops mutating a Decision before it closes the event
// channel (or returns, for the non-streaming path), so reading it after
// the stream has been fully consumed is race-free.
type Decision struct {
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	CredentialID string    `json:"credential_id"`
	Attempt      int       `json:"attempt"`
	Tried        []Attempt `json:"tried,omitempty"`
}

func (d *Decision) reject(p, credID string, kind provider.ErrorKind, reason string) {
	d.Tried = append(d.Tried, Attempt{
		Provider:     p,
		CredentialID: credID,
		Kind:         kind,
		Reason:       reason,
	})
}
