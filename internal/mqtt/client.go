// FilePath: internal/mqtt/client.go
package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gxplatform/gxp-ingest/internal/config"
	nuts "github.com/vaudience/go-nuts"
)

const (
	defaultQoS     = 1
	publishTimeout = 10 * time.Second
	connectTimeout = 30 * time.Second
)

// MessageHandler receives an inbound message. Handlers run on the paho
// callback goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Client is the pub/sub transport used by the router, the handshake and
// the command poller.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
}

type pahoClient struct {
	cfg    config.MQTTConfig
	client paho.Client

	mu            sync.RWMutex
	subscriptions map[string]MessageHandler
}

// NewClient creates the MQTT client. Reconnection with exponential backoff
// (base cfg.ReconnectBase, cap cfg.ReconnectMax) and resubscription on
// reconnect are handled by the paho machinery plus the OnConnect hook.
func NewClient(cfg config.MQTTConfig) Client {
	c := &pahoClient{
		cfg:           cfg,
		subscriptions: map[string]MessageHandler{},
	}

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("%s-%d", cfg.ClientID, time.Now().Unix()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectBase)
	opts.SetMaxReconnectInterval(cfg.ReconnectMax)
	opts.SetOrderMatters(false)

	opts.OnConnect = func(client paho.Client) {
		nuts.L.Infof("[MQTT] Connected to %s:%d", cfg.Host, cfg.Port)
		c.resubscribe()
	}
	opts.OnConnectionLost = func(client paho.Client, err error) {
		nuts.L.Warnf("[MQTT] Connection lost: %v - reconnecting", err)
	}

	c.client = paho.NewClient(opts)
	return c
}

func (c *pahoClient) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timeout connecting to MQTT broker %s:%d", c.cfg.Host, c.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error connecting to MQTT broker: %w", err)
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
	nuts.L.Infof("[MQTT] Disconnected")
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *pahoClient) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, defaultQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, err)
	}
	return nil
}

func (c *pahoClient) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	return c.subscribe(topic, handler)
}

func (c *pahoClient) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, defaultQoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timeout subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error subscribing to %s: %w", topic, err)
	}
	nuts.L.Infof("[MQTT] Subscribed to %s", topic)
	return nil
}

// resubscribe restores all subscriptions after a reconnect.
func (c *pahoClient) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			nuts.L.Errorf("[MQTT] Resubscribe failed for %s: %v", topic, err)
		}
	}
}
