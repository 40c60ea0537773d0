package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	appLog "tourcal/internal/log"
	"tourcal/internal/metrics"
	"tourcal/internal/model"
)

// Fetcher is the read side of the data service. *api.Client satisfies it.
type Fetcher interface {
	ListTours(ctx context.Context) ([]model.Tour, error)
	ListClients(ctx context.Context) ([]model.Client, error)
	ListGuides(ctx context.Context) ([]model.Guide, error)
}

// Change tells subscribers a collection moved on: either a fresh snapshot was
// applied or the cache was invalidated and the next read will refetch.
type Change struct {
	Collection  Name   `json:"collection"`
	Generation  uint64 `json:"generation"`
	Invalidated bool   `json:"invalidated"`
}

// subscriptionBuffer bounds undelivered changes per subscriber. Changes are
// signals to re-read, so a full buffer drops the newest one.
const subscriptionBuffer = 16

// Store groups the three cached collections and fans out changes.
type Store struct {
	Tours   *Collection[model.Tour]
	Clients *Collection[model.Client]
	Guides  *Collection[model.Guide]

	metrics *metrics.Metrics

	subMu sync.Mutex
	subs  map[string]*Subscription
}

// New builds a store reading through f. m may be nil.
func New(f Fetcher, m *metrics.Metrics) *Store {
	s := &Store{
		metrics: m,
		subs:    make(map[string]*Subscription),
	}
	s.Tours = NewCollection(Tours, f.ListTours, m, s.broadcast)
	s.Clients = NewCollection(Clients, f.ListClients, m, s.broadcast)
	s.Guides = NewCollection(Guides, f.ListGuides, m, s.broadcast)
	return s
}

// Invalidate marks the named collections dirty.
func (s *Store) Invalidate(names ...Name) {
	for _, n := range names {
		switch n {
		case Tours:
			s.Tours.Invalidate()
		case Clients:
			s.Clients.Invalidate()
		case Guides:
			s.Guides.Invalidate()
		default:
			appLog.Warn("store: invalidate of unknown collection", "collection", n)
		}
	}
}

// RefreshAll fetches every collection. It stops at the first error.
func (s *Store) RefreshAll(ctx context.Context) error {
	if _, err := s.Tours.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.Clients.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.Guides.Refresh(ctx); err != nil {
		return err
	}
	return nil
}

// Subscription delivers Change values until Close.
type Subscription struct {
	ID string

	ch    chan Change
	store *Store
	once  sync.Once
}

// C is the receive side. It is closed by Close.
func (sub *Subscription) C() <-chan Change {
	return sub.ch
}

// Close stops delivery and closes the channel. Safe to call twice.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.subMu.Lock()
		delete(sub.store.subs, sub.ID)
		close(sub.ch)
		sub.store.subMu.Unlock()

		sub.store.metrics.SubscriberDelta(-1)
		appLog.Debug("store: subscription closed", "subscription_id", sub.ID)
	})
}

// Subscribe registers a new listener for collection changes.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		ch:    make(chan Change, subscriptionBuffer),
		store: s,
	}

	s.subMu.Lock()
	s.subs[sub.ID] = sub
	s.subMu.Unlock()

	s.metrics.SubscriberDelta(1)
	appLog.Debug("store: subscription opened", "subscription_id", sub.ID)
	return sub
}

func (s *Store) broadcast(ch Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, sub := range s.subs {
		select {
		case sub.ch <- ch:
		default:
			appLog.Debug("store: subscriber buffer full, change dropped",
				"subscription_id", id,
				"collection", ch.Collection,
			)
		}
	}
}
