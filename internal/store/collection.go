// Package store caches the remote collections (tours, clients, guides) and
// keeps them consistent with the data service.
//
// Every collection carries an invalidation generation and a fetch sequence.
// A fetch result is applied only when the caller is still waiting for it, no
// invalidation happened while it was in flight, and no later-started fetch
// has already been applied. Everything else is discarded on arrival.
package store

import (
	"context"
	"sync"
	"time"

	appLog "tourcal/internal/log"
	"tourcal/internal/metrics"
)

// Name identifies a cached collection.
type Name string

const (
	Tours   Name = "tours"
	Clients Name = "clients"
	Guides  Name = "guides"
)

// Names lists every collection.
func Names() []Name {
	return []Name{Tours, Clients, Guides}
}

// FetchFunc loads a full collection from the data service.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// Collection is a generation-tagged cache of one remote list.
type Collection[T any] struct {
	name    Name
	fetch   FetchFunc[T]
	metrics *metrics.Metrics
	changed func(Change)

	mu         sync.Mutex
	items      []T
	loaded     bool
	dirty      bool
	generation uint64
	started    uint64 // sequence of the last fetch started
	applied    uint64 // sequence of the last fetch applied
	fetchedAt  time.Time
}

// NewCollection builds an empty collection. changed may be nil.
func NewCollection[T any](name Name, fetch FetchFunc[T], m *metrics.Metrics, changed func(Change)) *Collection[T] {
	return &Collection[T]{
		name:    name,
		fetch:   fetch,
		metrics: m,
		changed: changed,
	}
}

func (c *Collection[T]) Name() Name {
	return c.name
}

// Get returns the cached snapshot, fetching first when the collection was
// never loaded or has been invalidated.
func (c *Collection[T]) Get(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	if c.loaded && !c.dirty {
		items := clone(c.items)
		c.mu.Unlock()
		return items, nil
	}
	c.mu.Unlock()

	return c.Refresh(ctx)
}

// Refresh always fetches. When the result cannot be applied (see package
// doc) the caller still receives data: the current snapshot if a newer fetch
// won, or the fetched rows if an invalidation raced the fetch. A cancelled
// caller gets ctx.Err().
func (c *Collection[T]) Refresh(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	c.started++
	seq := c.started
	gen := c.generation
	c.mu.Unlock()

	start := time.Now()
	items, err := c.fetch(ctx)
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.metrics.ObserveFetch(string(c.name), "discarded", elapsed)
		c.metrics.Discarded(string(c.name), "cancelled")
		appLog.Debug("store: fetch result discarded, caller went away",
			"collection", c.name,
			"seq", seq,
		)
		return nil, ctxErr
	}
	if err != nil {
		c.metrics.ObserveFetch(string(c.name), "error", elapsed)
		appLog.Error("store: fetch failed", err, "collection", c.name, "seq", seq)
		return nil, err
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.metrics.ObserveFetch(string(c.name), "discarded", elapsed)
		c.metrics.Discarded(string(c.name), "invalidated")
		appLog.Debug("store: fetch raced an invalidation, not caching",
			"collection", c.name,
			"seq", seq,
			"fetch_generation", gen,
		)
		return clone(items), nil
	}
	if seq < c.applied {
		snapshot := clone(c.items)
		appliedSeq := c.applied
		c.mu.Unlock()
		c.metrics.ObserveFetch(string(c.name), "discarded", elapsed)
		c.metrics.Discarded(string(c.name), "superseded")
		appLog.Debug("store: fetch superseded by a newer one",
			"collection", c.name,
			"seq", seq,
			"applied_seq", appliedSeq,
		)
		return snapshot, nil
	}

	c.items = clone(items)
	c.loaded = true
	c.dirty = false
	c.applied = seq
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.metrics.ObserveFetch(string(c.name), "applied", elapsed)
	appLog.Debug("store: collection refreshed",
		"collection", c.name,
		"seq", seq,
		"count", len(items),
		"duration_ms", elapsed.Milliseconds(),
	)
	c.emit(Change{Collection: c.name, Generation: gen})

	return clone(items), nil
}

// Invalidate marks the collection dirty and bumps its generation so that
// fetches already in flight are not cached.
func (c *Collection[T]) Invalidate() {
	c.mu.Lock()
	c.generation++
	c.dirty = true
	gen := c.generation
	c.mu.Unlock()

	c.metrics.Invalidated(string(c.name))
	c.emit(Change{Collection: c.name, Generation: gen, Invalidated: true})
}

// Generation returns the current invalidation generation.
func (c *Collection[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Dirty reports whether the next Get will fetch.
func (c *Collection[T]) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.loaded || c.dirty
}

// FetchedAt is the time the current snapshot was applied (zero if never).
func (c *Collection[T]) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}

func (c *Collection[T]) emit(ch Change) {
	if c.changed != nil {
		c.changed(ch)
	}
}

func clone[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
