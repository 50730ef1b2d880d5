package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

var (
	// ErrNotFound is returned by a Store for an unknown event type or version.
	ErrNotFound = errors.New("schema not found")
	// ErrVersionExists is returned by Store.Append when another writer
	// registered the same version first.
	ErrVersionExists = errors.New("schema version already exists")
)

// Version is a registered schema.
type Version struct {
	EventType string    `json:"eventType"`
	Version   int       `json:"version"`
	Schema    Schema    `json:"schema"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists schema versions. Versions of an event type are dense,
// starting at 1.
type Store interface {
	// Latest returns the highest version of eventType, or ErrNotFound.
	Latest(ctx context.Context, eventType string) (Version, error)
	Get(ctx context.Context, eventType string, version int) (Version, error)
	// List returns every version of eventType in ascending order.
	List(ctx context.Context, eventType string) ([]Version, error)
	EventTypes(ctx context.Context) ([]string, error)
	// Append stores v, failing with ErrVersionExists if it is already taken.
	Append(ctx context.Context, v Version) error
}

type cacheKey struct {
	eventType string
	version   int
}

// Registry validates payloads and registers schemas with backward
// compatibility. Registered versions are immutable, so lookups are cached.
type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]Schema
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger, now: time.Now, cache: make(map[cacheKey]Schema)}
}

// Register stores s as the next version of eventType. The first schema is
// version 1; each later one must be backward-compatible with the latest, and
// gets latest+1. Registering a schema equal to the latest returns its version.
func (r *Registry) Register(ctx context.Context, eventType string, s Schema) (int, error) {
	if eventType == "" {
		return 0, errdefs.Validationf("eventType", "must not be empty")
	}
	if err := s.Check(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := 1
	latest, err := r.store.Latest(ctx, eventType)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("load latest schema: %w", err)
	default:
		if latest.Schema.Equal(s) {
			return latest.Version, nil
		}
		if reasons := BackwardCompatible(latest.Schema, s); len(reasons) > 0 {
			return 0, &errdefs.SchemaIncompatibleError{EventType: eventType, Version: latest.Version + 1, Reasons: reasons}
		}
		next = latest.Version + 1
	}

	v := Version{EventType: eventType, Version: next, Schema: s, CreatedAt: r.now().UTC()}
	if err := r.store.Append(ctx, v); err != nil {
		return 0, fmt.Errorf("register %s v%d: %w", eventType, next, err)
	}
	r.cache[cacheKey{eventType, next}] = s
	r.logger.Info("schema registered", zap.String("eventType", eventType), zap.Int("version", next))
	return next, nil
}

// Validate checks payload against version of eventType. An unknown version is
// reported as SchemaIncompatibleError.
func (r *Registry) Validate(ctx context.Context, eventType string, version int, payload []byte) error {
	s, err := r.lookup(ctx, eventType, version)
	if errors.Is(err, ErrNotFound) {
		return &errdefs.SchemaIncompatibleError{
			EventType: eventType,
			Version:   version,
			Reasons:   []string{"version not registered"},
		}
	}
	if err != nil {
		return err
	}
	if reasons := s.Violations(payload); len(reasons) > 0 {
		return &errdefs.SchemaIncompatibleError{EventType: eventType, Version: version, Reasons: reasons}
	}
	return nil
}

func (r *Registry) lookup(ctx context.Context, eventType string, version int) (Schema, error) {
	key := cacheKey{eventType, version}
	r.mu.Lock()
	s, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err := r.store.Get(ctx, eventType, version)
	if err != nil {
		return Schema{}, err
	}
	r.mu.Lock()
	r.cache[key] = v.Schema
	r.mu.Unlock()
	return v.Schema, nil
}

// Latest returns the latest version of eventType.
func (r *Registry) Latest(ctx context.Context, eventType string) (Version, error) {
	return r.store.Latest(ctx, eventType)
}

// Get returns a specific version.
func (r *Registry) Get(ctx context.Context, eventType string, version int) (Version, error) {
	return r.store.Get(ctx, eventType, version)
}

// List returns every version of eventType.
func (r *Registry) List(ctx context.Context, eventType string) ([]Version, error) {
	return r.store.List(ctx, eventType)
}

// EventTypes lists event types with at least one version.
func (r *Registry) EventTypes(ctx context.Context) ([]string, error) {
	return r.store.EventTypes(ctx)
}
