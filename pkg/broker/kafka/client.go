// Package kafka implements the broker contract on Apache Kafka with sarama.
//
// Topic naming follows Kafka rules: case-sensitive, `[a-zA-Z0-9._-]`, at most
// 249 bytes. Topic configuration maps as:
//
//	cleanup policy  -> cleanup.policy
//	retention       -> retention.ms (delete topics only)
//	append ordering -> message.timestamp.type=LogAppendTime
//	replication     -> min.insync.replicas = RF/2 + 1
//
// Consumer groups use the range balance strategy with manual commits.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/event"
)

// offsetReader is the part of sarama.Client used to read log offsets.
type offsetReader interface {
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// Client handles produce, consume and admin operations
type Client struct {
	config   Config
	logger   *zap.Logger
	client   sarama.Client
	offsets  offsetReader
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	newGroup func(group string) (sarama.ConsumerGroup, error)
}

var _ broker.Broker = (*Client)(nil)

// Dial connects to the cluster. It returns an UnavailableError when no broker
// in the list answers within the connect timeout.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errdefs.Validationf("brokers", "at least one broker address is required")
	}
	conf, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	type result struct {
		client sarama.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := sarama.NewClient(cfg.Brokers, conf)
		done <- result{c, err}
	}()

	var sc sarama.Client
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &errdefs.UnavailableError{Brokers: cfg.Brokers, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return nil, &errdefs.UnavailableError{Brokers: cfg.Brokers, Err: r.err}
		}
		sc = r.client
	}

	producer, err := sarama.NewSyncProducerFromClient(sc)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}
	admin, err := sarama.NewClusterAdminFromClient(sc)
	if err != nil {
		producer.Close()
		sc.Close()
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}

	c := newClient(cfg, logger, producer, admin, sc)
	c.client = sc
	c.newGroup = func(group string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Brokers, group, conf)
	}
	logger.Info("connected to kafka", zap.Strings("brokers", cfg.Brokers), zap.String("version", conf.Version.String()))
	return c, nil
}

func newClient(cfg Config, logger *zap.Logger, producer sarama.SyncProducer, admin sarama.ClusterAdmin, offsets offsetReader) *Client {
	return &Client{
		config:   cfg,
		logger:   logger,
		producer: producer,
		admin:    admin,
		offsets:  offsets,
	}
}

// Produce sends ev to an explicit partition and waits for all in-sync
// replicas. The record timestamp is the producer's; on append-ordered topics
// the broker overrides it in the log.
func (c *Client) Produce(ctx context.Context, topicName string, partition int32, ev event.Event) (event.Record, error) {
	if err := ctx.Err(); err != nil {
		return event.Record{}, err
	}
	msg := toProducerMessage(topicName, partition, ev)

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		p, o, err := c.producer.SendMessage(msg)
		done <- result{p, o, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		// The send may still land; the caller treats this as a failed publish
		// and idempotence covers the retry.
		return event.Record{}, broker.Transient(ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		return event.Record{}, c.classify(r.err)
	}

	rec := event.Record{Event: ev, Topic: topicName, Partition: r.partition, Offset: r.offset}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	c.logger.Debug("message produced",
		zap.String("topic", topicName),
		zap.Int32("partition", r.partition),
		zap.Int64("offset", r.offset))
	return rec, nil
}

var transientErrors = []error{
	sarama.ErrLeaderNotAvailable,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrRequestTimedOut,
	sarama.ErrNotEnoughReplicas,
	sarama.ErrNotEnoughReplicasAfterAppend,
	sarama.ErrNetworkException,
	sarama.ErrBrokerNotAvailable,
	sarama.ErrNotController,
	sarama.ErrRebalanceInProgress,
	sarama.ErrKafkaStorageError,
}

// classify maps sarama errors onto the broker error contract.
func (c *Client) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrClosedClient):
		return &errdefs.UnavailableError{Brokers: c.config.Brokers, Err: err}
	case errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return fmt.Errorf("%w: %v", broker.ErrTopicNotFound, err)
	}
	for _, t := range transientErrors {
		if errors.Is(err, t) {
			return broker.Transient(err)
		}
	}
	return err
}

// Close releases the producer, the admin client and the underlying client.
func (c *Client) Close() error {
	var errs []error
	if c.producer != nil {
		errs = append(errs, c.producer.Close())
	}
	if c.admin != nil {
		errs = append(errs, c.admin.Close())
	}
	if c.client != nil && !c.client.Closed() {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}
