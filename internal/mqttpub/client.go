package mqttpub

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler handles one inbound message.
type MessageHandler func(topic string, payload []byte) error

// Broker is the transport the bridge publishes through.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	Disconnect()
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Broker:      "tcp://127.0.0.1:1883",
		ClientID:    "wristwake",
		TopicPrefix: "wristwake",
		QoS:         1,
		Timeout:     5 * time.Second,
	}
}

// Client is a paho connection satisfying Broker.
type Client struct {
	client  mqtt.Client
	timeout time.Duration
	onError func(topic string, err error)
}

var errTimeout = errors.New("mqttpub: operation timed out")

// Dial connects to cfg.Broker. The broker publishes "offline" retained on
// <prefix>/online if the connection drops.
func Dial(cfg Config, onError func(topic string, err error)) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttpub: broker is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetWill(topic(cfg.TopicPrefix, topicOnline), "offline", cfg.QoS, true)

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqttpub: connect %s: %w", cfg.Broker, errTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqttpub: connect %s: %w", cfg.Broker, err)
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Client{client: c, timeout: cfg.Timeout, onError: onError}, nil
}

func (c *Client) wait(tok mqtt.Token, what string) error {
	if !tok.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqttpub: %s: %w", what, errTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqttpub: %s: %w", what, err)
	}
	return nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return c.wait(c.client.Publish(topic, qos, retained, payload), "publish "+topic)
}

func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	tok := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.onError(msg.Topic(), err)
		}
	})
	return c.wait(tok, "subscribe "+topic)
}

func (c *Client) Unsubscribe(topics ...string) error {
	return c.wait(c.client.Unsubscribe(topics...), "unsubscribe")
}

func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
