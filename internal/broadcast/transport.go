package broadcast

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"cartrack/internal/log"
)

// LogTransport only logs at debug level. Used when no broker is configured.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, topic string, body []byte) error {
	log.Debug("broadcast", "topic", topic, "bytes", len(body))
	return nil
}

type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	TopicRoot      string
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

// MQTTTransport publishes through an autopaho connection, which reconnects on
// its own. Sends while disconnected fail and are counted by the dispatcher.
type MQTTTransport struct {
	cm        *autopaho.ConnectionManager
	qos       byte
	topicRoot string
}

// NewMQTTTransport starts connecting in the background and returns at once.
// ctx bounds the lifetime of the connection manager.
func NewMQTTTransport(ctx context.Context, cfg MQTTConfig) (*MQTTTransport, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker url: %w", err)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info("MQTT connection established", "broker", cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			log.Error(err, "MQTT connection failed, retrying", "broker", cfg.BrokerURL)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				log.Error(err, "MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				log.Warn("MQTT server requested disconnect", "reasonCode", int(d.ReasonCode), "reason", reason)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("start mqtt connection: %w", err)
	}

	return &MQTTTransport{
		cm:        cm,
		qos:       cfg.QoS,
		topicRoot: strings.Trim(cfg.TopicRoot, "/"),
	}, nil
}

func (t *MQTTTransport) Send(ctx context.Context, topic string, body []byte) error {
	_, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   t.topic(topic),
		QoS:     t.qos,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the first connection is up or ctx is done.
func (t *MQTTTransport) AwaitConnection(ctx context.Context) error {
	return t.cm.AwaitConnection(ctx)
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close(ctx context.Context) error {
	return t.cm.Disconnect(ctx)
}

func (t *MQTTTransport) topic(topic string) string {
	return joinTopic(t.topicRoot, topic)
}

func joinTopic(root, topic string) string {
	if root == "" {
		return topic
	}
	return root + "/" + topic
}
