package broker

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisCheckpoints stores per-subscription delivery positions in Redis so
// viewers can resume where they left off after a console restart.
type RedisCheckpoints struct {
	client *redis.Client
	prefix string
}

var _ CheckpointStore = (*RedisCheckpoints)(nil)

// NewRedisCheckpoints creates a checkpoint store on the given client.
func NewRedisCheckpoints(client *redis.Client, prefix string) *RedisCheckpoints {
	if prefix == "" {
		prefix = "rollup:sub"
	}
	return &RedisCheckpoints{client: client, prefix: prefix}
}

func (r *RedisCheckpoints) key(subscriptionID string) string {
	return r.prefix + ":" + subscriptionID
}

// SaveCheckpoint implements CheckpointStore.
func (r *RedisCheckpoints) SaveCheckpoint(ctx context.Context, subscriptionID, rollupID string, sequence uint64) error {
	return r.client.HSet(ctx, r.key(subscriptionID), rollupID, strconv.FormatUint(sequence, 10)).Err()
}

// LoadCheckpoints implements CheckpointStore.
func (r *RedisCheckpoints) LoadCheckpoints(ctx context.Context, subscriptionID string) (map[string]uint64, error) {
	raw, err := r.client.HGetAll(ctx, r.key(subscriptionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(raw))
	for rollupID, v := range raw {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		out[rollupID] = seq
	}
	return out, nil
}

// DropCheckpoints implements CheckpointStore.
func (r *RedisCheckpoints) DropCheckpoints(ctx context.Context, subscriptionID string) error {
	return r.client.Del(ctx, r.key(subscriptionID)).Err()
}

// MemoryCheckpoints is an in-process CheckpointStore for tests and
// single-node deployments without Redis.
type MemoryCheckpoints struct {
	mu        sync.RWMutex
	positions map[string]map[string]uint64
}

var _ CheckpointStore = (*MemoryCheckpoints)(nil)

// NewMemoryCheckpoints creates an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{positions: make(map[string]map[string]uint64)}
}

// SaveCheckpoint implements CheckpointStore.
func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, subscriptionID, rollupID string, sequence uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.positions[subscriptionID]
	if !ok {
		subs = make(map[string]uint64)
		m.positions[subscriptionID] = subs
	}
	subs[rollupID] = sequence
	return nil
}

// LoadCheckpoints implements CheckpointStore.
func (m *MemoryCheckpoints) LoadCheckpoints(_ context.Context, subscriptionID string) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.positions[subscriptionID]))
	for rollupID, seq := range m.positions[subscriptionID] {
		out[rollupID] = seq
	}
	return out, nil
}

// DropCheckpoints implements CheckpointStore.
func (m *MemoryCheckpoints) DropCheckpoints(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, subscriptionID)
	return nil
}
