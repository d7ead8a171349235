// Package ratelimit wraps github.com/vnmchuo/ratelimiter with the
// gateway's tenant keying for the token-window dimension of admission
// control.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

// NewTestLimiter builds a Limiter over any backing store, for tests.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow charges tokens against the tenant's window and reports whether
// the request fits.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, l.key(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports the tenant's current window without charging it.
func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, l.key(tenantID))
}

func (l *Limiter) key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}
