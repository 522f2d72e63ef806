// Package mqttclient wraps a paho connection for in-process modules
// that speak raw topics rather than the controller request/reply flow.
package mqttclient

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/soundfold/maestro/internal/tlsconfig"
)

// Options configures the module MQTT connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	Timeout   time.Duration
	Logger    *zap.Logger
	Debug     bool
}

// Client is a thin synchronous wrapper over paho.
type Client struct {
	client paho.Client
	log    *zap.Logger
	debug  bool
}

// NewClient connects to the broker.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := tlsconfig.Build(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client := paho.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &Client{client: client, log: opts.Logger, debug: opts.Debug}, nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Publish publishes a message and waits for the ack.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if c.debug {
		c.log.Debug("mqtt publish", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	}
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe subscribes to a topic filter.
func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) error {
	if c.debug {
		c.log.Debug("mqtt subscribe", zap.String("topic", topic))
	}
	token := c.client.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}
