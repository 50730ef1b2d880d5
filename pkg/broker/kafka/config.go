package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
)

// Config represents Kafka connection configuration
type Config struct {
	Brokers          []string      `mapstructure:"brokers" json:"brokers"`
	Version          string        `mapstructure:"version" json:"version,omitempty"`
	ClientID         string        `mapstructure:"clientID" json:"clientID,omitempty"`
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout" json:"connectTimeout,omitempty"`
	// PublishTimeout bounds a single produce request including replica acks.
	PublishTimeout   time.Duration `mapstructure:"publishTimeout" json:"publishTimeout,omitempty"`
	// RebalanceTimeout bounds how long a member finishing an in-flight batch
	// may hold up a rebalance before giving its partitions up.
	RebalanceTimeout time.Duration `mapstructure:"rebalanceTimeout" json:"rebalanceTimeout,omitempty"`
	SASL             SASL          `mapstructure:"sasl" json:"sasl,omitempty"`
	TLS              TLS           `mapstructure:"tls" json:"tls,omitempty"`
}

// SASL represents SASL/SCRAM authentication configuration
type SASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
	Enable    bool   `mapstructure:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// DefaultConfig returns a configuration for a local single broker.
func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		Version:          "3.6.0",
		ClientID:         "carebus",
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   10 * time.Second,
		RebalanceTimeout: time.Minute,
	}
}

// ToSaramaConfig converts the Config to a sarama.Config.
//
// Producers wait for every in-sync replica (the topic's min.insync.replicas
// decides how many that must be) and are idempotent, so the broker
// de-duplicates retried batches. Partitions are chosen by carebus, not sarama.
// Consumer offsets are committed explicitly after processing.
func (c Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	v := c.Version
	if v == "" {
		v = DefaultConfig().Version
	}
	version, err := sarama.ParseKafkaVersion(v)
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version

	if c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512", "":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		tlsConf, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	if c.ConnectTimeout > 0 {
		conf.Net.DialTimeout = c.ConnectTimeout
	}
	conf.ClientID = c.ClientID
	if conf.ClientID == "" {
		conf.ClientID = "carebus"
	}
	conf.Metadata.Full = true

	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Idempotent = true
	conf.Net.MaxOpenRequests = 1
	conf.Producer.Retry.Max = 1
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Producer.Partitioner = sarama.NewManualPartitioner
	if c.PublishTimeout > 0 {
		conf.Producer.Timeout = c.PublishTimeout
	}

	conf.Consumer.Offsets.AutoCommit.Enable = false
	conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	if c.RebalanceTimeout > 0 {
		conf.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	}

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}
	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)
		t.RootCAs = caCertPool
	}

	return t, nil
}
