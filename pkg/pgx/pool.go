package pgx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrPoolNotFound = errors.New("connection pool not found")

// PoolManager manages named *pgxpool.Pool's. Names sharing a connection
// string share one pool.
type PoolManager struct {
	mu     sync.Mutex
	byName map[string]*pgxpool.Pool
	byDSN  map[string]*pgxpool.Pool
}

// NewPoolManager returns a new pool manager.
func NewPoolManager() *PoolManager {
	return &PoolManager{
		byName: make(map[string]*pgxpool.Pool),
		byDSN:  make(map[string]*pgxpool.Pool),
	}
}

// Open returns the pool registered under name, creating and pinging a pool
// for connString on first use.
func (m *PoolManager) Open(ctx context.Context, name, connString string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.byName[name]; ok {
		return pool, nil
	}
	if pool, ok := m.byDSN[connString]; ok {
		m.byName[name] = pool
		return pool, nil
	}
	if connString == "" {
		return nil, fmt.Errorf("pgx: pool %q: empty connection string", name)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgx: creating pool %q: %w", name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx: ping %q: %w", name, err)
	}
	m.byName[name] = pool
	m.byDSN[connString] = pool
	return pool, nil
}

// Get returns a pool by name.
func (m *PoolManager) Get(name string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.byName[name]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return pool, nil
}

// List returns all pool names.
func (m *PoolManager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all pools.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byDSN {
		p.Close()
	}
	m.byName = make(map[string]*pgxpool.Pool)
	m.byDSN = make(map[string]*pgxpool.Pool)
}
