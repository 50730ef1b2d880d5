package priority

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/event"
)

// NATSConfig configures the JetStream mirror.
type NATSConfig struct {
	Servers       []string `mapstructure:"servers" json:"servers"`
	Stream        string   `mapstructure:"stream" json:"stream"`
	SubjectPrefix string   `mapstructure:"subjectPrefix" json:"subjectPrefix"`
	Username      string   `mapstructure:"username" json:"username,omitempty"`
	Password      string   `mapstructure:"password" json:"password,omitempty"`
	// Replicas of the stream; 0 means 1.
	Replicas int `mapstructure:"replicas" json:"replicas"`
}

func (c NATSConfig) withDefaults() NATSConfig {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "carebus.emergency")
	c.Stream = cmp.Or(c.Stream, "CAREBUS_EMERGENCY")
	c.Replicas = cmp.Or(c.Replicas, 1)
	return c
}

// jetStream is the subset of nats.JetStreamContext the mirror uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// NATSMirror publishes emergency records to a JetStream subject
// <prefix>.<topic>. The event id is the JetStream message id, so duplicates
// within the stream's dedupe window are dropped.
type NATSMirror struct {
	cfg    NATSConfig
	nc     *nats.Conn
	js     jetStream
	logger *zap.Logger
}

// DialNATS connects to the first reachable server and ensures the stream.
func DialNATS(cfg NATSConfig, logger *zap.Logger) (*NATSMirror, error) {
	cfg = cfg.withDefaults()
	opts := []nats.Option{
		nats.Name("carebus-priority-mirror"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	var (
		nc  *nats.Conn
		err error
	)
	for _, server := range cfg.Servers {
		nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	m, err := newNATSMirror(cfg, js, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	m.nc = nc
	return m, nil
}

func newNATSMirror(cfg NATSConfig, js jetStream, logger *zap.Logger) (*NATSMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &NATSMirror{cfg: cfg.withDefaults(), js: js, logger: logger}
	if err := m.ensureStream(); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return m, nil
}

func (m *NATSMirror) ensureStream() error {
	want := &nats.StreamConfig{
		Name:       m.cfg.Stream,
		Subjects:   []string{m.cfg.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Replicas:   m.cfg.Replicas,
		Duplicates: 2 * time.Minute,
	}

	info, err := m.js.StreamInfo(m.cfg.Stream)
	if err == nil {
		if !streamConfigEqual(info.Config, *want) {
			if _, err := m.js.UpdateStream(want); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			m.logger.Info("updated mirror stream", zap.String("stream", want.Name))
		}
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}
	if _, err := m.js.AddStream(want); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	m.logger.Info("created mirror stream", zap.String("stream", want.Name))
	return nil
}

func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Storage == b.Storage &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		slices.Equal(a.Subjects, b.Subjects)
}

// Subject returns the mirror subject of a topic.
func (m *NATSMirror) Subject(topicName string) string {
	return m.cfg.SubjectPrefix + "." + topicName
}

func (m *NATSMirror) Mirror(ctx context.Context, rec event.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if _, err := m.js.Publish(m.Subject(rec.Topic), data, nats.MsgId(rec.ID()), nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats mirror %s: %w", rec.Coordinates(), err)
	}
	return nil
}

func (m *NATSMirror) Close() error {
	if m.nc != nil {
		return m.nc.Drain()
	}
	return nil
}
