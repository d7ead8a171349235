// Package gate is the admission layer in front of routing: request and
// token rate limits, an optional response cache for deterministic
// non-streaming requests, and optional coalescing of identical in-flight
// requests.
package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/provider"
)

// TokenLimiter is the token-window dimension of rate limiting,
// implemented by pkg/ratelimit.
type TokenLimiter interface {
	Allow(ctx context.Context, tenantID string, tokens int) (bool, error)
}

type Options struct {
	RequestsPerMinute int64
	CacheTTL          time.Duration
	CacheEnabled      bool
	// Coalesce shares one upstream call among concurrent identical
	// requests. Off by default: sharing a failure across callers is
	// surprising enough to require opting in.
	Coalesce bool
}

type Gate struct {
	store  kv.Store
	tokens TokenLimiter
	codec  tokenizer.Codec
	opts   Options
	group  singleflight.Group
	log    *zap.Logger
}

func New(store kv.Store, tokens TokenLimiter, opts Options, log *zap.Logger) (*Gate, error) {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to init tokenizer: %w", err)
	}
	return &Gate{
		store:  store,
		tokens: tokens,
		codec:  codec,
		opts:   opts,
		log:    log,
	}, nil
}

var errRateLimited = &provider.Error{Kind: provider.KindRateLimited, Message: "rate limit exceeded"}

// Admit rejects the request before any provider is contacted when the
// caller is over its request or token window.
func (g *Gate) Admit(ctx context.Context, req *provider.Request) error {
	if g.opts.RequestsPerMinute > 0 {
		key := fmt.Sprintf("rl:req:%s", req.TenantID)
		n, err := g.store.Increment(ctx, key, 1, time.Minute)
		if err != nil {
			return fmt.Errorf("rate counter: %w", err)
		}
		if n > g.opts.RequestsPerMinute {
			return errRateLimited
		}
	}

	if g.tokens != nil {
		allowed, err := g.tokens.Allow(ctx, req.TenantID, g.EstimateTokens(req))
		if err != nil || !allowed {
			return errRateLimited
		}
	}
	return nil
}

// EstimateTokens sizes the request for the token window: tokenized
// prompt plus the worst-case completion.
func (g *Gate) EstimateTokens(req *provider.Request) int {
	prompt := 0
	for _, m := range req.Messages {
		ids, _, err := g.codec.Encode(m.Content)
		if err != nil {
			// Rough fallback when the content resists tokenizing.
			prompt += len(m.Content) / 4
			continue
		}
		prompt += len(ids)
	}
	completion := req.MaxTokens
	if completion <= 0 {
		completion = 1000
	}
	return prompt + completion
}

// Cacheable reports whether a response for this request may be served
// from or written to the cache: non-streaming and strictly deterministic
// generation only.
func (g *Gate) Cacheable(req *provider.Request) bool {
	return g.opts.CacheEnabled && !req.Stream && req.Temperature == 0
}

// Fingerprint is the cache key: a digest over the calling tenant and
// every canonical field that affects the completion. The tenant is part
// of the key so cache entries are never shared across tenants; the
// idempotency key is included so clients can force distinct entries.
func Fingerprint(req *provider.Request) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(struct {
		TenantID       string             `json:"tenant_id"`
		Model          string             `json:"model"`
		Messages       []provider.Message `json:"messages"`
		MaxTokens      int                `json:"max_tokens"`
		Temperature    float64            `json:"temperature"`
		Stop           []string           `json:"stop"`
		IdempotencyKey string             `json:"idempotency_key"`
	}{req.TenantID, req.Model, req.Messages, req.MaxTokens, req.Temperature, req.Stop, req.IdempotencyKey})
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a cached canonical response for the request, if fresh.
func (g *Gate) Lookup(ctx context.Context, req *provider.Request) (*provider.Response, bool) {
	if !g.Cacheable(req) {
		return nil, false
	}
	key := "cache:resp:" + Fingerprint(req)
	val, found, err := g.store.Get(ctx, key)
	if err != nil {
		g.log.Warn("cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var resp provider.Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		g.log.Warn("dropping undecodable cache entry", zap.Error(err))
		return nil, false
	}
	return &resp, true
}

// StoreResponse caches a completed successful response. Failures only
// cost future cache hits, so they are logged and swallowed.
func (g *Gate) StoreResponse(ctx context.Context, req *provider.Request, resp *provider.Response) {
	if !g.Cacheable(req) {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		g.log.Warn("failed to encode response for cache", zap.Error(err))
		return
	}
	key := "cache:resp:" + Fingerprint(req)
	if err := g.store.Set(ctx, key, string(payload), g.opts.CacheTTL); err != nil {
		g.log.Warn("cache write failed", zap.Error(err))
	}
}

// Dispatch runs fn, coalescing concurrent identical requests into a
// single upstream call when configured. Callers joining an in-flight
// call share its result or its failure.
func (g *Gate) Dispatch(ctx context.Context, req *provider.Request, fn func() (*provider.Response, error)) (*provider.Response, error) {
	if !g.opts.Coalesce || !g.Cacheable(req) {
		return fn()
	}
	v, err, shared := g.group.Do(Fingerprint(req), func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.log.Debug("request coalesced", zap.String("request_id", req.RequestID))
	}
	return v.(*provider.Response), nil
}
