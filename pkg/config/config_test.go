package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/carebus/pkg/topic"
)

const sample = `
broker:
  kind: kafka
  brokers: [kafka-1:9092, kafka-2:9092]
  sasl:
    enable: true
    username: carebus
    algorithm: sha512
producer:
  service: pharmacy-service
  timeout: 3s
  retry:
    maxAttempts: 7
consumer:
  dedupe:
    kind: redis
    redis:
      addr: redis:6379
deadLetter:
  archive:
    connString: postgres://carebus@db/carebus
priority:
  nats:
    enabled: true
    servers: [nats://nats:4222]
topics:
  - name: lab.state
    partitions: 24
    replicationFactor: 3
    cleanupPolicy: compact
    keyRequired: true
    class: entity-state
  - name: ward.census
    partitions: 3
    replicationFactor: 3
    cleanupPolicy: delete
    retention: 14d
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Broker.Kind, cfg.Broker.Kind)
	assert.Equal(t, def.Broker.Kafka.Brokers, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, def.Producer, cfg.Producer)
	assert.Equal(t, def.Consumer.PollTimeout, cfg.Consumer.PollTimeout)
	assert.Equal(t, def.Consumer.Retry, cfg.Consumer.Retry)
	assert.Equal(t, def.DeadLetter.Config, cfg.DeadLetter.Config)
	assert.Equal(t, def.HTTP.Addr, cfg.HTTP.Addr)
	assert.Equal(t, def.Metrics, cfg.Metrics)
	assert.Equal(t, def.Priority.BulkGroups, cfg.Priority.BulkGroups)

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Len(t, cat.List(), len(topic.DefaultSpecs()))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := Load(writeFile(t, dir, "carebus.yaml", sample))
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Broker.Kind)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Kafka.Brokers)
	assert.True(t, cfg.Broker.Kafka.SASL.Enable)
	assert.Equal(t, "3.6.0", cfg.Broker.Kafka.Version, "unset keys keep their defaults")

	assert.Equal(t, "pharmacy-service", cfg.Producer.Service)
	assert.Equal(t, 3*time.Second, cfg.Producer.Timeout)
	assert.Equal(t, 7, cfg.Producer.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Producer.Retry.InitialInterval)

	assert.Equal(t, "redis", cfg.Consumer.Dedupe.Kind)
	assert.Equal(t, "redis:6379", cfg.Consumer.Dedupe.Redis.Addr)
	assert.Equal(t, topic.DeadLetter, cfg.DeadLetter.Topic)
	assert.Equal(t, "postgres://carebus@db/carebus", cfg.DeadLetter.Archive.ConnString)
	assert.True(t, cfg.Priority.NATS.Enabled)
	assert.Equal(t, []string{"nats://nats:4222"}, cfg.Priority.NATS.Servers)

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, int32(24), cat.MustGet(topic.LabState).Partitions)
	census := cat.MustGet("ward.census")
	assert.Equal(t, 14*24*time.Hour, census.Retention)
	assert.Len(t, cat.List(), len(topic.DefaultSpecs())+1)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CAREBUS_HTTP_ADDR", ":9090")
	t.Setenv("CAREBUS_PRODUCER_SERVICE", "lab-service")
	t.Setenv("CAREBUS_BROKER_BROKERS", "a:9092,b:9092")
	writeFile(t, dir, ".env", "CAREBUS_METRICS_ADDR=:9200\nCAREBUS_HTTP_ADDR=:1111\n")
	t.Cleanup(func() { _ = os.Unsetenv("CAREBUS_METRICS_ADDR") })

	cfg, err := Load(writeFile(t, dir, "carebus.yaml", "producer:\n  service: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr, "process env wins over .env")
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
	assert.Equal(t, "lab-service", cfg.Producer.Service, "env wins over the file")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Broker.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown broker", func(c *Config) { c.Broker.Kind = "rabbit" }, "broker.kind"},
		{"kafka without brokers", func(c *Config) { c.Broker.Kind = "kafka"; c.Broker.Kafka.Brokers = nil }, "broker.brokers"},
		{"postgres without conn", func(c *Config) { c.Schema.Store = "postgres" }, "schema.connString"},
		{"unknown dedupe", func(c *Config) { c.Consumer.Dedupe.Kind = "etcd" }, "consumer.dedupe.kind"},
		{"batch size", func(c *Config) { c.Consumer.BatchSize = 0 }, "batchSize"},
		{"cert without key", func(c *Config) { c.HTTP.CertFile = "tls.crt" }, "http.keyFile"},
		{"self-signed without paths", func(c *Config) { c.HTTP.SelfSigned = true }, "http.selfSigned"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample ratio"},
		{"internal topic", func(c *Config) {
			c.Topics = []topic.Spec{{Name: "__consumer_offsets", Partitions: 1, ReplicationFactor: 1, CleanupPolicy: topic.CleanupCompact}}
		}, "topics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	_, err := Load(writeFile(t, dir, "carebus.yaml", "broker: [unterminated"))
	assert.Error(t, err)
}
