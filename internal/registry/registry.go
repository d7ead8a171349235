// Package registry holds the configured provider descriptors and their
// credentials. The table is built once at startup and treated as
// read-only; credential disablement is the only runtime mutation.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/provider"
)

// Descriptor is one configured upstream provider.
type Descriptor struct {
	Name        string
	BaseURL     string
	Models      []string
	Timeout     time.Duration
	Credentials []CredentialConfig
}

// CredentialConfig is a configured credential plus its rate-limit hint.
type CredentialConfig struct {
	ID       string
	Key      string
	Priority int
	RPMHint  int
}

// Candidate is one dispatchable (provider, credential) pair.
type Candidate struct {
	Provider   string
	Adapter    provider.Adapter
	Credential provider.Credential
	Timeout    time.Duration
}

type entry struct {
	candidate Candidate
	state     *credState
}

// credState carries the only mutable registry state: the unix-nano
// instant until which the credential is disabled. Mutated exclusively
// through compare-and-swap.
type credState struct {
	disabledUntil atomic.Int64
}

type Registry struct {
	byModel  map[string][]*entry
	states   map[string]*credState
	adapters map[string]provider.Adapter
	store    kv.Store
	log      *zap.Logger
}

// New builds the registry from descriptors. Each provider name must have
// an adapter; candidates for a model are ordered by descending credential
// priority, providers interleaved by their best credential.
func New(descs []Descriptor, adapters map[string]provider.Adapter, store kv.Store, log *zap.Logger) (*Registry, error) {
	r := &Registry{
		byModel:  make(map[string][]*entry),
		states:   make(map[string]*credState),
		adapters: adapters,
		store:    store,
		log:      log,
	}

	for _, d := range descs {
		adapter, ok := adapters[d.Name]
		if !ok {
			return nil, fmt.Errorf("no adapter registered for provider %q", d.Name)
		}
		if len(d.Credentials) == 0 {
			return nil, fmt.Errorf("provider %q has no credentials", d.Name)
		}
		for _, c := range d.Credentials {
			stateKey := d.Name + "/" + c.ID
			st := &credState{}
			r.states[stateKey] = st
			e := &entry{
				candidate: Candidate{
					Provider: d.Name,
					Adapter:  adapter,
					Credential: provider.Credential{
						ID:       c.ID,
						Key:      c.Key,
						Priority: c.Priority,
					},
					Timeout: d.Timeout,
				},
				state: st,
			}
			for _, m := range d.Models {
				r.byModel[m] = append(r.byModel[m], e)
			}
		}
	}

	for _, entries := range r.byModel {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].candidate.Credential.Priority > entries[j].candidate.Credential.Priority
		})
	}

	return r, nil
}

// CandidatesFor returns the dispatch order for a model, skipping
// credentials currently disabled.
func (r *Registry) CandidatesFor(model string) []Candidate {
	now := time.Now().UnixNano()
	entries := r.byModel[model]
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if e.state.disabledUntil.Load() > now {
			continue
		}
		out = append(out, e.candidate)
	}
	return out
}

// Disable takes a credential out of rotation for the cooldown window.
// The compare-and-swap loop only ever extends a disablement, so two
// concurrent requests cannot double-penalize or race a re-enable.
func (r *Registry) Disable(ctx context.Context, providerName, credID string, cooldown time.Duration) {
	st, ok := r.states[providerName+"/"+credID]
	if !ok {
		return
	}
	until := time.Now().Add(cooldown).UnixNano()
	for {
		cur := st.disabledUntil.Load()
		if cur >= until {
			return
		}
		if st.disabledUntil.CompareAndSwap(cur, until) {
			break
		}
	}

	r.log.Warn("credential disabled",
		zap.String("provider", providerName),
		zap.String("credential_id", credID),
		zap.Duration("cooldown", cooldown),
	)

	// Mirror the flag for operator visibility. Best effort: the local
	// atomic state is authoritative for routing.
	if r.store != nil {
		key := fmt.Sprintf("cred:disabled:%s:%s", providerName, credID)
		if err := r.store.Set(ctx, key, "1", cooldown); err != nil {
			r.log.Warn("failed to mirror credential disable flag", zap.Error(err))
		}
	}
}

// Adapter returns the adapter registered for a provider name, or nil.
func (r *Registry) Adapter(name string) provider.Adapter {
	return r.adapters[name]
}

// Providers returns the names of all providers with a registered adapter.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Disabled reports whether the credential is currently out of rotation.
func (r *Registry) Disabled(providerName, credID string) bool {
	st, ok := r.states[providerName+"/"+credID]
	if !ok {
		return false
	}
	return st.disabledUntil.Load() > time.Now().UnixNano()
}
