// Package tenant resolves tenants from their URL slug and enforces tenant
// isolation across every storage call. It is adapted from the teacher's
// middleware package: the same "intercept, inspect, pass on" shape, but
// applied to repository calls instead of to a connector identity.
package tenant

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/waygate/waygate/storage"
)

const (
	resolverTTL      = 5 * time.Minute
	resolverCapacity = 1000
)

// Resolver maps a tenant slug to its Tenant row, cached for resolverTTL with
// an LRU eviction policy capped at resolverCapacity entries so a deployment
// with many tenants can't grow the cache without bound.
type Resolver struct {
	store storage.Storage

	mu      sync.Mutex
	entries map[string]*list.Element // slug -> node in lru
	lru     *list.List

	now func() time.Time
}

type cacheNode struct {
	slug      string
	tenant    storage.Tenant
	expiresAt time.Time
}

// NewResolver constructs a Resolver backed by store.
func NewResolver(store storage.Storage) *Resolver {
	return &Resolver{
		store:   store,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// ResolveBySlug returns the tenant for slug, consulting the cache before
// falling back to storage.Storage.GetTenantBySlug.
func (r *Resolver) ResolveBySlug(ctx context.Context, slug string) (storage.Tenant, error) {
	if t, ok := r.fromCache(slug); ok {
		return t, nil
	}
	t, err := r.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return storage.Tenant{}, err
	}
	r.put(slug, t)
	return t, nil
}

// Invalidate evicts slug from the cache, called after any tenant-affecting
// admin write (currently tenant creation never needs it since slugs are
// immutable once assigned, but kept for forward compatibility with a future
// rename operation).
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[slug]; ok {
		r.lru.Remove(el)
		delete(r.entries, slug)
	}
}

func (r *Resolver) fromCache(slug string) (storage.Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[slug]
	if !ok {
		return storage.Tenant{}, false
	}
	node := el.Value.(*cacheNode)
	if r.now().After(node.expiresAt) {
		r.lru.Remove(el)
		delete(r.entries, slug)
		return storage.Tenant{}, false
	}
	r.lru.MoveToFront(el)
	return node.tenant, true
}

func (r *Resolver) put(slug string, t storage.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[slug]; ok {
		el.Value.(*cacheNode).tenant = t
		el.Value.(*cacheNode).expiresAt = r.now().Add(resolverTTL)
		r.lru.MoveToFront(el)
		return
	}

	node := &cacheNode{slug: slug, tenant: t, expiresAt: r.now().Add(resolverTTL)}
	el := r.lru.PushFront(node)
	r.entries[slug] = el

	for r.lru.Len() > resolverCapacity {
		oldest := r.lru.Back()
		if oldest == nil {
			break
		}
		r.lru.Remove(oldest)
		delete(r.entries, oldest.Value.(*cacheNode).slug)
	}
}
