// Package config loads carebus configuration from carebus.yaml, an optional
// .env file and CAREBUS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/edgeflare/carebus/pkg/broker/kafka"
	"github.com/edgeflare/carebus/pkg/deadletter"
	"github.com/edgeflare/carebus/pkg/priority"
	"github.com/edgeflare/carebus/pkg/producer"
	"github.com/edgeflare/carebus/pkg/retry"
	"github.com/edgeflare/carebus/pkg/telemetry"
	"github.com/edgeflare/carebus/pkg/topic"
)

const (
	EnvPrefix  = "CAREBUS"
	ConfigName = "carebus"
)

// Config holds application-wide configuration.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Producer   producer.Config  `mapstructure:"producer"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	DeadLetter DeadLetterConfig `mapstructure:"deadLetter"`
	Schema     SchemaConfig     `mapstructure:"schema"`
	Priority   PriorityConfig   `mapstructure:"priority"`
	// Topics override or extend the built-in clinical catalog by name.
	Topics    []topic.Spec     `mapstructure:"topics"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

type BrokerConfig struct {
	// Kind is memory or kafka.
	Kind  string       `mapstructure:"kind"`
	Kafka kafka.Config `mapstructure:",squash"`
}

type ConsumerConfig struct {
	BatchSize   int           `mapstructure:"batchSize"`
	PollTimeout time.Duration `mapstructure:"pollTimeout"`
	Retry       retry.Policy  `mapstructure:"retry"`
	Dedupe      DedupeConfig  `mapstructure:"dedupe"`
}

// DedupeConfig selects the consumer deduplication store.
type DedupeConfig struct {
	// Kind is none, memory or redis.
	Kind       string        `mapstructure:"kind"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"maxEntries"`
	Redis      RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type DeadLetterConfig struct {
	deadletter.Config `mapstructure:",squash"`
	Archive           ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig enables the PostgreSQL dead-letter archive when ConnString is set.
type ArchiveConfig struct {
	ConnString    string `mapstructure:"connString"`
	NotifyChannel string `mapstructure:"notifyChannel"`
}

type SchemaConfig struct {
	// Store is memory or postgres.
	Store      string `mapstructure:"store"`
	ConnString string `mapstructure:"connString"`
}

type PriorityConfig struct {
	// BulkGroups may never subscribe to emergency topics.
	BulkGroups []string   `mapstructure:"bulkGroups"`
	NATS       NATSMirror `mapstructure:"nats"`
	MQTT       MQTTMirror `mapstructure:"mqtt"`
}

type NATSMirror struct {
	Enabled             bool `mapstructure:"enabled"`
	priority.NATSConfig `mapstructure:",squash"`
}

type MQTTMirror struct {
	Enabled             bool `mapstructure:"enabled"`
	priority.MQTTConfig `mapstructure:",squash"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	// SelfSigned writes a self-signed pair to CertFile and KeyFile when
	// neither exists.
	SelfSigned  bool     `mapstructure:"selfSigned"`
	CORSOrigins []string `mapstructure:"corsOrigins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the configuration used when nothing is set: an in-memory
// broker and schema store with the clinical catalog.
func Default() Config {
	return Config{
		Broker:   BrokerConfig{Kind: "memory", Kafka: kafka.DefaultConfig()},
		Producer: producer.DefaultConfig(),
		Consumer: ConsumerConfig{
			BatchSize:   100,
			PollTimeout: 5 * time.Second,
			Retry:       retry.DefaultPolicy(),
			Dedupe:      DedupeConfig{Kind: "none", TTL: 24 * time.Hour, MaxEntries: 100_000, Redis: RedisConfig{Addr: "localhost:6379", Prefix: "carebus:dedupe"}},
		},
		DeadLetter: DeadLetterConfig{Config: deadletter.DefaultConfig(), Archive: ArchiveConfig{NotifyChannel: "carebus_deadletter"}},
		Schema:     SchemaConfig{Store: "memory"},
		Priority:   PriorityConfig{BulkGroups: []string{"analytics"}},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Metrics:    MetricsConfig{Enabled: true, Addr: ":9100"},
		Telemetry:  telemetry.DefaultConfig(),
	}
}

// Load reads cfgFile, or carebus.yaml from ~/.config and the working
// directory when cfgFile is empty. A .env file in the working directory is
// loaded first without overriding variables already set.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		topic.RetentionHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key of def so that environment variables can
// override keys absent from the config file.
func setDefaults(v *viper.Viper, def Config) error {
	var m map[string]any
	if err := mapstructure.Decode(def, &m); err != nil {
		return fmt.Errorf("flatten defaults: %w", err)
	}
	for key, value := range flatten("", m) {
		v.SetDefault(key, value)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate checks the selectors and the settings they require.
func (c *Config) Validate() error {
	var errs []error
	switch c.Broker.Kind {
	case "memory":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("broker.brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.kind must be memory or kafka, got %q", c.Broker.Kind))
	}
	switch c.Schema.Store {
	case "memory":
	case "postgres":
		if c.Schema.ConnString == "" {
			errs = append(errs, errors.New("schema.connString is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("schema.store must be memory or postgres, got %q", c.Schema.Store))
	}
	switch c.Consumer.Dedupe.Kind {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("consumer.dedupe.kind must be none, memory or redis, got %q", c.Consumer.Dedupe.Kind))
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		errs = append(errs, errors.New("http.certFile and http.keyFile must be set together"))
	}
	if c.HTTP.SelfSigned && c.HTTP.CertFile == "" {
		errs = append(errs, errors.New("http.selfSigned needs http.certFile and http.keyFile"))
	}
	if c.Consumer.BatchSize < 1 {
		errs = append(errs, errors.New("consumer.batchSize must be positive"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Catalog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Catalog returns the clinical catalog with Topics applied: a listed topic
// replaces the built-in definition of the same name, others are added.
func (c *Config) Catalog() (*topic.Catalog, error) {
	byName := make(map[string]int)
	specs := topic.DefaultSpecs()
	for i, s := range specs {
		byName[s.Name] = i
	}
	for _, s := range c.Topics {
		if i, ok := byName[s.Name]; ok {
			specs[i] = s
			continue
		}
		byName[s.Name] = len(specs)
		specs = append(specs, s)
	}
	cat, err := topic.NewCatalog(specs...)
	if err != nil {
		return nil, fmt.Errorf("topics: %w", err)
	}
	return cat, nil
}
