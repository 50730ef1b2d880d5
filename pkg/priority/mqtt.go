package priority

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/event"
)

// MQTTConfig configures the MQTT mirror.
type MQTTConfig struct {
	Servers        []string      `mapstructure:"servers" json:"servers"`
	ClientID       string        `mapstructure:"clientID" json:"clientID"`
	Username       string        `mapstructure:"username" json:"username,omitempty"`
	Password       string        `mapstructure:"password" json:"password,omitempty"`
	TopicPrefix    string        `mapstructure:"topicPrefix" json:"topicPrefix"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout" json:"connectTimeout"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if len(c.Servers) == 0 {
		c.Servers = []string{"tcp://127.0.0.1:1883"}
	}
	c.ClientID = cmp.Or(c.ClientID, "carebus-mirror-"+uuid.NewString()[:8])
	c.TopicPrefix = strings.Trim(cmp.Or(c.TopicPrefix, "carebus/emergency"), "/")
	c.ConnectTimeout = cmp.Or(c.ConnectTimeout, 10*time.Second)
	return c
}

func (c MQTTConfig) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	for _, server := range c.Servers {
		opts.AddBroker(server)
	}
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	return opts
}

// mqttPublisher is the subset of mqtt.Client the mirror uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTMirror publishes emergency records with QoS 1 to <prefix>/<topic>.
type MQTTMirror struct {
	cfg    MQTTConfig
	client mqttPublisher
	logger *zap.Logger
}

// DialMQTT connects to the MQTT broker.
func DialMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTTMirror, error) {
	cfg = cfg.withDefaults()
	client := mqtt.NewClient(cfg.clientOptions())
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timed out after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return newMQTTMirror(cfg, client, logger), nil
}

func newMQTTMirror(cfg MQTTConfig, client mqttPublisher, logger *zap.Logger) *MQTTMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTMirror{cfg: cfg.withDefaults(), client: client, logger: logger}
}

// Topic returns the MQTT topic a backbone topic is mirrored to.
func (m *MQTTMirror) Topic(topicName string) string {
	return m.cfg.TopicPrefix + "/" + topicName
}

func (m *MQTTMirror) Mirror(ctx context.Context, rec event.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.Topic(rec.Topic), 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt mirror %s: %w", rec.Coordinates(), ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt mirror %s: %w", rec.Coordinates(), err)
	}
	m.logger.Debug("mirrored", zap.String("topic", rec.Topic), zap.Int64("offset", rec.Offset))
	return nil
}

func (m *MQTTMirror) Close() error {
	m.client.Disconnect(250)
	return nil
}
