// Package pool provides a bounded LRU cache for expensive per-tenant
// handles such as tool-server connections or database handles.
//
// The pool is the only shared mutable structure in the orchestrator and is
// guarded by a single mutex so Get/Set/evict stay atomic. Eviction invokes
// the registered callback synchronously, exactly once per evicted entry,
// before Set returns; closing the underlying handle is the callback's job.
package pool

import (
	"container/list"
	"fmt"
	"sync"
)

// EvictFunc is invoked for each evicted entry.
type EvictFunc[K comparable, V any] func(key K, value V)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Pool is a fixed-capacity LRU cache. The zero value is not usable; create
// one with New.
type Pool[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	index    map[K]*list.Element
	recency  *list.List // front = most recently used
	onEvict  EvictFunc[K, V]
}

// New creates a pool holding at most capacity entries.
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) (*Pool[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}
	return &Pool[K, V]{
		capacity: capacity,
		index:    make(map[K]*list.Element, capacity),
		recency:  list.New(),
		onEvict:  onEvict,
	}, nil
}

// Get returns the value for key and marks it most recently used.
func (p *Pool[K, V]) Get(key K) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	p.recency.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Set stores the value for key and marks it most recently used. If the pool
// would exceed capacity, the least-recently-used entry is evicted and its
// callback runs before Set returns.
func (p *Pool[K, V]) Set(key K, value V) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.index[key]; ok {
		el.Value.(*entry[K, V]).value = value
		p.recency.MoveToFront(el)
		return
	}

	el := p.recency.PushFront(&entry[K, V]{key: key, value: value})
	p.index[key] = el

	if p.recency.Len() > p.capacity {
		p.evictOldest()
	}
}

// Remove drops the entry for key without firing the eviction callback.
// Callers use it when they have already taken ownership of the handle.
func (p *Pool[K, V]) Remove(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.index[key]
	if !ok {
		return false
	}
	p.recency.Remove(el)
	delete(p.index, key)
	return true
}

// Len returns the number of live entries.
func (p *Pool[K, V]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recency.Len()
}

// Purge evicts every entry, firing the callback for each in LRU order.
func (p *Pool[K, V]) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.recency.Len() > 0 {
		p.evictOldest()
	}
}

// evictOldest removes the back of the recency list. Caller holds p.mu.
func (p *Pool[K, V]) evictOldest() {
	el := p.recency.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*entry[K, V])
	p.recency.Remove(el)
	delete(p.index, ent.key)
	if p.onEvict != nil {
		p.onEvict(ent.key, ent.value)
	}
}
