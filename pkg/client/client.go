// Package client assembles a carebus deployment from configuration: the
// broker, topic catalog, schema registry, producer, dead-letter router and the
// optional archive, priority mirrors and consumer deduplication store.
package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/broker/kafka"
	"github.com/edgeflare/carebus/pkg/broker/memory"
	"github.com/edgeflare/carebus/pkg/config"
	"github.com/edgeflare/carebus/pkg/consumer"
	"github.com/edgeflare/carebus/pkg/deadletter"
	"github.com/edgeflare/carebus/pkg/inspect"
	pg "github.com/edgeflare/carebus/pkg/pgx"
	"github.com/edgeflare/carebus/pkg/priority"
	"github.com/edgeflare/carebus/pkg/producer"
	"github.com/edgeflare/carebus/pkg/schema"
	"github.com/edgeflare/carebus/pkg/topic"
)

// Client owns every connection it opened; Close releases them.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	Broker     broker.Broker
	Catalog    *topic.Catalog
	Registry   *schema.Registry
	Producer   *producer.Producer
	DeadLetter *deadletter.Router
	// Archive is nil unless deadLetter.archive.connString is set.
	Archive *deadletter.Archive
	Guard   *priority.Guard

	alerter deadletter.Alerter
	pools   *pg.PoolManager
	mirrors priority.Fanout
	deduper consumer.Deduper
	rdb     *redis.Client
}

// Option customizes Open.
type Option func(*Client)

// WithLogger sets the logger handed to every component Open builds.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBroker uses b instead of connecting per broker.kind. Close closes b.
func WithBroker(b broker.Broker) Option {
	return func(c *Client) { c.Broker = b }
}

// WithAlerter replaces the logging alerter of the dead-letter router.
func WithAlerter(a deadletter.Alerter) Option {
	return func(c *Client) { c.alerter = a }
}

// Open connects everything cfg enables. An in-memory broker is provisioned
// with the catalog, since it starts empty.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Client, err error) {
	c := &Client{cfg: cfg, logger: zap.NewNop(), pools: pg.NewPoolManager()}
	for _, opt := range opts {
		opt(c)
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if c.Catalog, err = cfg.Catalog(); err != nil {
		return nil, err
	}
	if c.Broker == nil {
		if c.Broker, err = c.openBroker(ctx); err != nil {
			return nil, err
		}
	}
	if c.Registry, err = c.openRegistry(ctx); err != nil {
		return nil, err
	}
	if err = c.openMirrors(); err != nil {
		return nil, err
	}
	if err = c.openDeduper(ctx); err != nil {
		return nil, err
	}

	popts := []producer.Option{producer.WithLogger(c.logger.Named("producer"))}
	if len(c.mirrors) > 0 {
		popts = append(popts, producer.WithMirror(c.mirrors))
	}
	c.Producer = producer.New(c.Broker, c.Catalog, c.Registry, cfg.Producer, popts...)

	alerter := c.alerter
	if alerter == nil {
		alerter = deadletter.LogAlerter{Logger: c.logger.Named("alert")}
	}
	dopts := []deadletter.Option{
		deadletter.WithLogger(c.logger.Named("deadletter")),
		deadletter.WithAlerter(alerter),
	}
	if cfg.DeadLetter.Archive.ConnString != "" {
		pool, err := c.pools.Open(ctx, "archive", cfg.DeadLetter.Archive.ConnString)
		if err != nil {
			return nil, err
		}
		var aopts []deadletter.ArchiveOption
		if ch := cfg.DeadLetter.Archive.NotifyChannel; ch != "" {
			aopts = append(aopts, deadletter.WithNotifyChannel(ch))
		}
		if c.Archive, err = deadletter.NewArchive(ctx, pool, aopts...); err != nil {
			return nil, err
		}
		dopts = append(dopts, deadletter.WithArchive(c.Archive))
	}
	if c.DeadLetter, err = deadletter.NewRouter(c.Broker, c.Catalog, cfg.DeadLetter.Config, dopts...); err != nil {
		return nil, err
	}

	c.Guard = priority.NewGuard(c.Catalog, cfg.Priority.BulkGroups...)
	return c, nil
}

func (c *Client) openBroker(ctx context.Context) (broker.Broker, error) {
	switch c.cfg.Broker.Kind {
	case "kafka":
		dialCtx, cancel := context.WithTimeout(ctx, cmp.Or(c.cfg.Broker.Kafka.ConnectTimeout, 10*time.Second))
		defer cancel()
		kc, err := kafka.Dial(dialCtx, c.cfg.Broker.Kafka, c.logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		return kc, nil
	case "memory", "":
		b := memory.New(memory.WithLogger(c.logger.Named("memory")))
		if _, err := topic.Apply(ctx, b, c.Catalog.List(), c.logger); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", c.cfg.Broker.Kind)
}

func (c *Client) openRegistry(ctx context.Context) (*schema.Registry, error) {
	logger := c.logger.Named("schema")
	if c.cfg.Schema.Store != "postgres" {
		return schema.NewRegistry(schema.NewMemoryStore(), logger), nil
	}
	pool, err := c.pools.Open(ctx, "schema", c.cfg.Schema.ConnString)
	if err != nil {
		return nil, err
	}
	store, err := schema.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	return schema.NewRegistry(store, logger), nil
}

func (c *Client) openMirrors() error {
	p := c.cfg.Priority
	if p.NATS.Enabled {
		m, err := priority.DialNATS(p.NATS.NATSConfig, c.logger.Named("nats"))
		if err != nil {
			return err
		}
		c.mirrors = append(c.mirrors, m)
	}
	if p.MQTT.Enabled {
		m, err := priority.DialMQTT(p.MQTT.MQTTConfig, c.logger.Named("mqtt"))
		if err != nil {
			return err
		}
		c.mirrors = append(c.mirrors, m)
	}
	return nil
}

func (c *Client) openDeduper(ctx context.Context) error {
	d := c.cfg.Consumer.Dedupe
	switch d.Kind {
	case "memory":
		c.deduper = consumer.NewMemoryDeduper(d.TTL, d.MaxEntries)
	case "redis":
		c.rdb = redis.NewClient(&redis.Options{Addr: d.Redis.Addr, Password: d.Redis.Password, DB: d.Redis.DB})
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", d.Redis.Addr, err)
		}
		c.deduper = consumer.NewRedisDeduper(c.rdb, d.TTL, d.Redis.Prefix)
	}
	return nil
}

// Consumer joins group on topics with the configured batch size, retry
// policy, deduplication, priority guard and dead-letter routing.
func (c *Client) Consumer(ctx context.Context, group string, topics ...string) (*consumer.Consumer, error) {
	cfg := consumer.Config{
		Group:     group,
		Topics:    topics,
		BatchSize: c.cfg.Consumer.BatchSize,
		Retry:     c.cfg.Consumer.Retry,
	}
	opts := []consumer.Option{
		consumer.WithLogger(c.logger.Named("consumer").With(zap.String("group", group))),
		consumer.WithGuard(c.Guard),
		consumer.WithDeadLetter(c.DeadLetter),
	}
	if c.deduper != nil {
		opts = append(opts, consumer.WithDeduper(c.deduper))
	}
	return consumer.New(ctx, c.Broker, cfg, opts...)
}

// SubscribeDeadLetter reads decoded dead-letter records as group.
func (c *Client) SubscribeDeadLetter(ctx context.Context, group string) (*deadletter.Subscription, error) {
	return deadletter.Subscribe(ctx, c.Broker, group, c.DeadLetter.Topic(), c.logger.Named("deadletter"))
}

// Replayer re-publishes dead-lettered events through the producer, marking
// archived records resolved by operator.
func (c *Client) Replayer(operator string) *deadletter.Replayer {
	var resolver deadletter.Resolver
	if c.Archive != nil {
		resolver = c.Archive
	}
	return deadletter.NewReplayer(c.Producer, resolver, operator, c.logger.Named("replay"))
}

// Inspector returns the operator inspection service.
func (c *Client) Inspector() *inspect.Service {
	return inspect.NewService(c.Broker, c.Catalog, c.Registry, c.logger.Named("inspect"))
}

// Close releases every connection, returning all failures.
func (c *Client) Close() error {
	var errs []error
	if len(c.mirrors) > 0 {
		errs = append(errs, c.mirrors.Close())
	}
	if c.Broker != nil {
		errs = append(errs, c.Broker.Close())
	}
	if c.rdb != nil {
		errs = append(errs, c.rdb.Close())
	}
	c.pools.Close()
	return errors.Join(errs...)
}
