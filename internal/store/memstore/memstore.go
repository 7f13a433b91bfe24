// Package memstore is an in-memory store.Repository. Transactions work on a
// cloned copy of the state which replaces the committed state only when the
// transaction function succeeds.
package memstore

import (
	"context"
	"sync"
	"time"

	"prices-service/internal/models"
	"prices-service/internal/store"
)

type state struct {
	locations   map[int64]models.Location
	proofs      map[int64]models.Proof
	prices      map[int64]models.Price
	predictions map[int64]models.Prediction

	nextLocationID   int64
	nextProofID      int64
	nextPriceID      int64
	nextPredictionID int64
}

func newState() *state {
	return &state{
		locations:   map[int64]models.Location{},
		proofs:      map[int64]models.Proof{},
		prices:      map[int64]models.Price{},
		predictions: map[int64]models.Prediction{},
	}
}

func (s *state) clone() *state {
	c := *s
	c.locations = make(map[int64]models.Location, len(s.locations))
	for k, v := range s.locations {
		c.locations[k] = v
	}
	c.proofs = make(map[int64]models.Proof, len(s.proofs))
	for k, v := range s.proofs {
		c.proofs[k] = v
	}
	c.prices = make(map[int64]models.Price, len(s.prices))
	for k, v := range s.prices {
		c.prices[k] = v
	}
	c.predictions = make(map[int64]models.Prediction, len(s.predictions))
	for k, v := range s.predictions {
		c.predictions[k] = v
	}
	return &c
}

type db struct {
	mu        sync.Mutex
	committed *state
	now       func() time.Time
}

// Store is the in-memory Repository. The zero value is not usable; call New.
type Store struct {
	db *db
	// tx is the working state of a running transaction, nil otherwise
	tx *state
}

var _ store.Repository = (*Store)(nil)

// Option configures a Store
type Option func(*db)

// WithClock overrides the clock used for created/updated timestamps
func WithClock(now func() time.Time) Option {
	return func(d *db) { d.now = now }
}

// New creates an empty in-memory store
func New(opts ...Option) *Store {
	d := &db{committed: newState(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return &Store{db: d}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// WithTx runs fn against a private copy of the state, committed if fn
// returns nil. Transactions are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	if s.tx != nil {
		return fn(s)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	work := s.db.committed.clone()
	if err := fn(&Store{db: s.db, tx: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.committed = work
	return nil
}

// read runs fn against the visible state without committing anything
func (s *Store) read(fn func(st *state) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return fn(s.db.committed)
}

// write runs fn as a single statement: inside a transaction it mutates the
// working state, otherwise it auto-commits.
func (s *Store) write(fn func(st *state) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	work := s.db.committed.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.db.committed = work
	return nil
}

func (s *Store) now() time.Time {
	return s.db.now().UTC()
}
