package consumer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed records so redeliveries after a rebalance or a
// crash before commit can be skipped.
type Deduper interface {
	// Seen reports whether key was marked within the retention window.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as processed.
	Mark(ctx context.Context, key string) error
}

type memoryEntry struct {
	key     string
	expires time.Time
}

// MemoryDeduper keeps up to max keys for ttl in process memory. When full,
// the oldest keys are forgotten first.
type MemoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	keys  map[string]time.Time
	order []memoryEntry
}

// NewMemoryDeduper returns a MemoryDeduper. max <= 0 means 100000 keys.
func NewMemoryDeduper(ttl time.Duration, max int) *MemoryDeduper {
	if max <= 0 {
		max = 100000
	}
	return &MemoryDeduper{ttl: ttl, max: max, now: time.Now, keys: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.keys[key]
	return ok && d.now().Before(exp), nil
}

func (d *MemoryDeduper) Mark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	exp := now.Add(d.ttl)
	d.keys[key] = exp
	d.order = append(d.order, memoryEntry{key: key, expires: exp})

	for len(d.order) > 0 {
		head := d.order[0]
		if len(d.keys) <= d.max && now.Before(head.expires) {
			break
		}
		d.order = d.order[1:]
		// A later Mark of the same key owns the entry.
		if d.keys[head.key] == head.expires {
			delete(d.keys, head.key)
		}
	}
	return nil
}

// Len returns the number of remembered keys.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// RedisDeduper shares processed keys across the members of a group, so a
// partition moved to another member after a rebalance is not reprocessed.
type RedisDeduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisDeduper returns a RedisDeduper storing keys under prefix.
func NewRedisDeduper(rdb redis.Cmdable, ttl time.Duration, prefix string) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "carebus:dedupe"
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (d *RedisDeduper) key(k string) string { return d.prefix + ":" + k }

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	return d.rdb.SetNX(ctx, d.key(key), 1, d.ttl).Err()
}
