// Package entitystore is the generic cache behind the patient and
// appointment stores. A Store keeps the last fetched list, a current
// record, a busy flag and the last error, and reconciles them with the
// results of remote table operations.
package entitystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// Entity is a cached record with a stable identity.
type Entity interface {
	EntityID() uuid.UUID
}

// Observer receives one call per finished operation.
type Observer interface {
	ObserveOp(store, op string, took time.Duration, err error)
}

// State is a snapshot of a store for rendering.
type State[T Entity] struct {
	Items   []T    `json:"items"`
	Current *T     `json:"current"`
	Busy    bool   `json:"busy"`
	Error   string `json:"error,omitempty"`
}

// Store caches entities of one table.
type Store[T Entity] struct {
	name     string
	table    string
	tables   remote.Tables
	logger   zerolog.Logger
	observer Observer

	mu       sync.RWMutex
	items    []T
	current  *T
	inflight int
	lastErr  *Error
	gen      uint64
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	observer Observer
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithObserver reports every finished operation to obs.
func WithObserver(obs Observer) Option { return func(o *options) { o.observer = obs } }

// New creates an empty store named name over table.
func New[T Entity](name, table string, tables remote.Tables, opts ...Option) *Store[T] {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		name:     name,
		table:    table,
		tables:   tables,
		logger:   o.logger.With().Str("store", name).Logger(),
		observer: o.observer,
	}
}

// Name returns the store name used in errors and metrics.
func (s *Store[T]) Name() string { return s.name }

// Table returns the remote table the store reads and writes.
func (s *Store[T]) Table() string { return s.table }

func (s *Store[T]) begin() time.Time {
	s.mu.Lock()
	s.inflight++
	s.lastErr = nil
	s.mu.Unlock()
	return time.Now()
}

// end releases the busy count and records err. Any cache mutation must
// happen in apply, which runs under the same lock.
func (s *Store[T]) end(op string, start time.Time, err error, apply func()) error {
	var se *Error
	if err != nil {
		se = Classify(s.name, op, err)
	}

	s.mu.Lock()
	s.inflight--
	if se != nil {
		s.lastErr = se
	} else if apply != nil {
		apply()
	}
	s.mu.Unlock()

	took := time.Since(start)
	if s.observer != nil {
		s.observer.ObserveOp(s.name, op, took, err)
	}
	if se != nil {
		s.logger.Warn().Str("op", op).Str("kind", string(se.Kind)).Dur("took", took).Err(se.Err).Msg("store operation failed")
		return se
	}
	s.logger.Debug().Str("op", op).Dur("took", took).Msg("store operation")
	return nil
}

// Run executes fn under the busy and error contract without touching the
// cache.
func (s *Store[T]) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := s.begin()
	return s.end(op, start, fn(ctx), nil)
}

// Reject records err for op without contacting the remote service.
func (s *Store[T]) Reject(op string, err error) error {
	start := s.begin()
	return s.end(op, start, err, nil)
}

// FetchAll runs q and replaces the cache with the result. The result is
// applied only if no later FetchAll was issued meanwhile; the caller gets
// its rows either way.
func (s *Store[T]) FetchAll(ctx context.Context, q *remote.Query) ([]T, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	start := s.begin()
	items, err := remote.SelectInto[T](ctx, s.tables, q)
	err = s.end("fetch_all", start, err, func() {
		if gen != s.gen {
			s.logger.Debug().Uint64("gen", gen).Uint64("latest", s.gen).Msg("discarding superseded fetch")
			return
		}
		s.items = items
	})
	if err != nil {
		return nil, err
	}
	return clone(items), nil
}

// Query runs q under the busy and error contract and returns the rows
// without caching them.
func (s *Store[T]) Query(ctx context.Context, op string, q *remote.Query) ([]T, error) {
	start := s.begin()
	items, err := remote.SelectInto[T](ctx, s.tables, q)
	if err := s.end(op, start, err, nil); err != nil {
		return nil, err
	}
	return items, nil
}

// FetchOne runs q in single-row mode and makes the row current. On
// failure the current slot is unchanged.
func (s *Store[T]) FetchOne(ctx context.Context, q *remote.Query) (T, error) {
	start := s.begin()
	item, err := remote.SelectOne[T](ctx, s.tables, q)
	err = s.end("fetch_one", start, err, func() {
		v := item
		s.current = &v
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Create inserts row and appends the stored row to the cache.
func (s *Store[T]) Create(ctx context.Context, row any) (T, error) {
	start := s.begin()
	var item T
	raw, err := s.tables.Insert(ctx, s.table, row)
	if err == nil {
		item, err = remote.Decode[T](raw)
	}
	err = s.end("create", start, err, func() {
		s.items = append(s.items, item)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Update applies patch to the row with id and merges the returned row
// into the cached entry and the current slot. Fields the server did not
// return, such as embedded relations, keep their cached values.
func (s *Store[T]) Update(ctx context.Context, id uuid.UUID, patch any) (T, error) {
	start := s.begin()
	var zero T
	raw, err := s.tables.Update(ctx, s.table, remote.Eq("id", id), patch)
	var fresh T
	if err == nil {
		fresh, err = remote.Decode[T](raw)
	}

	var result T
	var mergeErr error
	err = s.end("update", start, err, func() {
		result = fresh
		for i := range s.items {
			if s.items[i].EntityID() != id {
				continue
			}
			merged, err := Merge(s.items[i], raw)
			if err != nil {
				mergeErr = err
				return
			}
			s.items[i] = merged
			result = merged
		}
		if s.current != nil && (*s.current).EntityID() == id {
			merged, err := Merge(*s.current, raw)
			if err != nil {
				mergeErr = err
				return
			}
			s.current = &merged
			result = merged
		}
	})
	if err != nil {
		return zero, err
	}
	if mergeErr != nil {
		return fresh, fmt.Errorf("merging %s %s: %w", s.table, id, mergeErr)
	}
	return result, nil
}

// Delete removes the row with id remotely, then from the cache. Other
// entries keep their order; the current slot is cleared if it held id.
func (s *Store[T]) Delete(ctx context.Context, id uuid.UUID) error {
	start := s.begin()
	err := s.tables.Delete(ctx, s.table, remote.Eq("id", id))
	return s.end("delete", start, err, func() {
		kept := make([]T, 0, len(s.items))
		for _, it := range s.items {
			if it.EntityID() != id {
				kept = append(kept, it)
			}
		}
		s.items = kept
		if s.current != nil && (*s.current).EntityID() == id {
			s.current = nil
		}
	})
}

// Reset empties the cache and clears the error slot.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	s.items = nil
	s.current = nil
	s.lastErr = nil
	s.gen++
	s.mu.Unlock()
}

// Items returns a copy of the cached list.
func (s *Store[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.items)
}

// Current returns the current record, if any.
func (s *Store[T]) Current() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		var zero T
		return zero, false
	}
	return *s.current, true
}

// Busy reports whether any operation is in flight.
func (s *Store[T]) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Err returns the last operation's error, or nil.
func (s *Store[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr == nil {
		return nil
	}
	return s.lastErr
}

// ErrMessage returns the last error message, or "".
func (s *Store[T]) ErrMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.Error()
}

// State returns a consistent snapshot of the store.
func (s *Store[T]) State() State[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State[T]{Items: clone(s.items), Busy: s.inflight > 0}
	if st.Items == nil {
		st.Items = []T{}
	}
	if s.current != nil {
		c := *s.current
		st.Current = &c
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Merge overlays the columns of row onto v at the JSON object level.
func Merge[T any](v T, row json.RawMessage) (T, error) {
	base, err := remote.ToMap(v)
	if err != nil {
		return v, err
	}
	var patch map[string]any
	if err := json.Unmarshal(row, &patch); err != nil {
		return v, fmt.Errorf("decoding row: %w", err)
	}
	for k, val := range patch {
		base[k] = val
	}
	b, err := json.Marshal(base)
	if err != nil {
		return v, fmt.Errorf("encoding merged row: %w", err)
	}
	return remote.Decode[T](b)
}

func clone[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
