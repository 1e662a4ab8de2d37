package ledger

import (
	"context"
	"sync"
	"time"

	"vendasfiadas/backend/internal/cache"
	"vendasfiadas/backend/internal/store"
)

// Registry hands out one bound Ledger per owner. The first Acquire for an
// owner creates and binds it; Release unbinds and forgets it. It mirrors the
// session lifecycle: login acquires, logout releases.
type Registry struct {
	backend     store.Backend
	cache       cache.SnapshotCache
	snapshotTTL time.Duration

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

func NewRegistry(backend store.Backend, snapshotCache cache.SnapshotCache, snapshotTTL time.Duration) *Registry {
	return &Registry{
		backend:     backend,
		cache:       snapshotCache,
		snapshotTTL: snapshotTTL,
		ledgers:     make(map[string]*Ledger),
	}
}

func (r *Registry) Acquire(ctx context.Context, ownerID string) (*Ledger, error) {
	r.mu.Lock()
	if existing, ok := r.ledgers[ownerID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	l := New(r.backend, r.cache, r.snapshotTTL)
	r.ledgers[ownerID] = l
	r.mu.Unlock()

	if err := l.Bind(ctx, ownerID); err != nil {
		r.mu.Lock()
		delete(r.ledgers, ownerID)
		r.mu.Unlock()
		return nil, err
	}
	return l, nil
}

// Lookup returns the ledger only if it is already bound.
func (r *Registry) Lookup(ownerID string) (*Ledger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ledgers[ownerID]
	return l, ok
}

func (r *Registry) Release(ownerID string) {
	r.mu.Lock()
	l, ok := r.ledgers[ownerID]
	delete(r.ledgers, ownerID)
	r.mu.Unlock()

	if ok {
		l.Unbind()
	}
}

// Close unbinds every ledger; used during shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	ledgers := make([]*Ledger, 0, len(r.ledgers))
	for _, l := range r.ledgers {
		ledgers = append(ledgers, l)
	}
	r.ledgers = make(map[string]*Ledger)
	r.mu.Unlock()

	for _, l := range ledgers {
		l.Unbind()
	}
}
