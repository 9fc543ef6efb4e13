// Package ratelimit implements the request limiter from spec.md §4.7: a
// fixed capacity per key over a fixed window. The per-key counter lives in
// faststore.Store, so the same code runs over Redis and the in-process
// store. SetNX opens a window with its TTL; later requests in that window
// read the counter with Get and write it back incremented with Set.
// Individual requests are not recorded, so the window does not slide: the
// count restarts when the window expires.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waygate/waygate/storage/faststore"
)

// Limit is a fixed capacity over a window, e.g. 60 requests per 60 seconds.
type Limit struct {
	Capacity int
	Window   time.Duration
}

// Limiter enforces a Limit per key. Keys are caller-constructed strings
// combining the limited dimension, e.g. "token:ip:203.0.113.4" or
// "magic:tenant1:user@example.com", per spec.md §4.7's per-(IP), per-client,
// and per-(tenant,email) dimensions.
type Limiter struct {
	store faststore.Store
}

// New constructs a Limiter over store. Pass a faststore.NewInProcess when no
// Redis is configured; the limiter logic is identical either way since both
// satisfy faststore.Store.
func New(store faststore.Store) *Limiter {
	return &Limiter{store: store}
}

// counter is the value stored per window under each key. ExpiresAt pins the
// window's original expiry so later increments can re-derive the remaining
// TTL instead of resetting it.
type counter struct {
	Count     int
	ExpiresAt time.Time
}

// Allow increments the counter for key under limit, creating a fresh window
// if none exists, and reports whether the request is within capacity. A
// breach still increments the counter. Only the window's
// creation sets its TTL; every later increment writes back the remaining
// time until the window's original expiry, mirroring the teacher's
// INCR-then-EXPIRE-once-on-create idiom rather than sliding the window
// forward on every request.
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	storeKey := "ratelimit/" + key
	now := time.Now()
	fresh := counter{Count: 1, ExpiresAt: now.Add(limit.Window)}

	created, err := l.store.SetNX(ctx, storeKey, fresh, limit.Window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: init window: %w", err)
	}
	if created {
		return limit.Capacity >= 1, nil
	}

	var c counter
	if err := l.store.Get(ctx, storeKey, &c); err != nil {
		if err == faststore.ErrNotFound {
			// Window expired between SetNX and Get; treat as fresh.
			if err := l.store.Set(ctx, storeKey, fresh, limit.Window); err != nil {
				return false, fmt.Errorf("ratelimit: reinit window: %w", err)
			}
			return limit.Capacity >= 1, nil
		}
		return false, fmt.Errorf("ratelimit: read window: %w", err)
	}

	remaining := c.ExpiresAt.Sub(now)
	if remaining <= 0 {
		// The window's logical expiry has passed even though the store
		// hasn't purged the key yet; treat this request as starting a new
		// window rather than extending the stale one.
		c = fresh
		remaining = limit.Window
	} else {
		c.Count++
	}
	if err := l.store.Set(ctx, storeKey, c, remaining); err != nil {
		return false, fmt.Errorf("ratelimit: write window: %w", err)
	}
	return c.Count <= limit.Capacity, nil
}

// Defaults mirror spec.md §4.7.
var (
	TokenPerIP      = Limit{Capacity: 60, Window: 60 * time.Second}
	TokenPerClient  = Limit{Capacity: 120, Window: 60 * time.Second}
	RegisterPerIP   = Limit{Capacity: 10, Window: time.Hour}
	MagicLinkPerKey = Limit{Capacity: 5, Window: 10 * time.Minute}
)

// Overrides lets a tenant or client override a default Limit by name,
// resolved per spec.md §4.7's "overridable per-tenant and per-client via
// settings". Guarded by a mutex rather than being read lock-free since
// overrides change rarely relative to Allow calls.
type Overrides struct {
	mu   sync.RWMutex
	byID map[string]Limit
}

// NewOverrides constructs an empty override set.
func NewOverrides() *Overrides {
	return &Overrides{byID: make(map[string]Limit)}
}

// Set installs an override for id (a tenant or client identifier combined
// with the dimension name, e.g. "tenant1:token_per_ip").
func (o *Overrides) Set(id string, limit Limit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID[id] = limit
}

// Resolve returns the override for id if one exists, else fallback.
func (o *Overrides) Resolve(id string, fallback Limit) Limit {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if l, ok := o.byID[id]; ok {
		return l
	}
	return fallback
}
