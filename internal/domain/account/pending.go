package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNoPending is returned by PendingStore.Get when nothing is recorded
// for the user.
var ErrNoPending = errors.New("no pending profile")

// PendingStore persists profile creations awaiting a retry.
type PendingStore interface {
	Save(ctx context.Context, p PendingProfile) error
	Get(ctx context.Context, userID uuid.UUID) (PendingProfile, error)
	List(ctx context.Context) ([]PendingProfile, error)
	Remove(ctx context.Context, userID uuid.UUID) error
}

// MemoryPending keeps pending profiles in process memory.
type MemoryPending struct {
	mu    sync.Mutex
	items map[uuid.UUID]PendingProfile
}

func NewMemoryPending() *MemoryPending {
	return &MemoryPending{items: make(map[uuid.UUID]PendingProfile)}
}

func (m *MemoryPending) Save(_ context.Context, p PendingProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.UserID] = p
	return nil
}

func (m *MemoryPending) Get(_ context.Context, userID uuid.UUID) (PendingProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[userID]
	if !ok {
		return PendingProfile{}, ErrNoPending
	}
	return p, nil
}

func (m *MemoryPending) List(_ context.Context) ([]PendingProfile, error) {
	m.mu.Lock()
	out := make([]PendingProfile, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p)
	}
	m.mu.Unlock()
	sortPending(out)
	return out, nil
}

func (m *MemoryPending) Remove(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, userID)
	return nil
}

// DefaultPendingKey is the redis hash holding pending profiles.
const DefaultPendingKey = "dentdesk:pending_profiles"

// RedisPending keeps pending profiles in a redis hash keyed by user id so
// every server instance and the CLI see the same set.
type RedisPending struct {
	c   *redis.Client
	key string
}

func NewRedisPending(c *redis.Client, key string) *RedisPending {
	if key == "" {
		key = DefaultPendingKey
	}
	return &RedisPending{c: c, key: key}
}

func (r *RedisPending) Save(ctx context.Context, p PendingProfile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.c.HSet(ctx, r.key, p.UserID.String(), b).Err(); err != nil {
		return fmt.Errorf("saving pending profile %s: %w", p.UserID, err)
	}
	return nil
}

func (r *RedisPending) Get(ctx context.Context, userID uuid.UUID) (PendingProfile, error) {
	val, err := r.c.HGet(ctx, r.key, userID.String()).Result()
	if err != nil {
		if err == redis.Nil {
			return PendingProfile{}, ErrNoPending
		}
		return PendingProfile{}, fmt.Errorf("loading pending profile %s: %w", userID, err)
	}
	var p PendingProfile
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return PendingProfile{}, fmt.Errorf("decoding pending profile %s: %w", userID, err)
	}
	return p, nil
}

func (r *RedisPending) List(ctx context.Context) ([]PendingProfile, error) {
	all, err := r.c.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending profiles: %w", err)
	}
	out := make([]PendingProfile, 0, len(all))
	for field, val := range all {
		var p PendingProfile
		if err := json.Unmarshal([]byte(val), &p); err != nil {
			return nil, fmt.Errorf("decoding pending profile %s: %w", field, err)
		}
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func (r *RedisPending) Remove(ctx context.Context, userID uuid.UUID) error {
	return r.c.HDel(ctx, r.key, userID.String()).Err()
}

func sortPending(ps []PendingProfile) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].UserID.String() < ps[j].UserID.String()
	})
}
