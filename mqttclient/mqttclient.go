// Package mqttclient wraps a paho MQTT client with topic handlers that survive
// reconnects.
package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt client not connected")

// Options describes how to reach the broker.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Handler receives the concrete topic a message arrived on.
type Handler func(topic string, payload []byte)

type Client struct {
	client mqtt.Client
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]Handler
}

func clientOptions(opts Options, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) *mqtt.ClientOptions {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "virtual-thermostat-" + uuid.NewString()[:8]
	}

	o := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	return o
}

// New connects to the broker. Subscriptions made through the client are
// restored whenever the connection comes back.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	c := &Client{logger: logger, subs: make(map[string]Handler)}
	o := clientOptions(opts, c.resubscribe, func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	c.client = mqtt.NewClient(o)

	token := c.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connecting to %s: timed out after %s", opts.Broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, err)
	}

	logger.Info("connected to mqtt broker", zap.String("broker", opts.Broker), zap.String("client_id", o.ClientID))
	return c, nil
}

func (c *Client) resubscribe(client mqtt.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for topic, handler := range c.subs {
		token := client.Subscribe(topic, 0, wrap(handler))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Error("resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Publish sends payload with QoS 0 and waits for the token or ctx.
func (c *Client) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, c.client.Publish(topic, 0, retained, payload))
}

// Subscribe replaces any handler previously registered for topic.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if err := wait(context.Background(), c.client.Subscribe(topic, 0, wrap(handler))); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	c.logger.Debug("subscribed", zap.String("topic", topic))
	return nil
}

func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return wait(context.Background(), c.client.Unsubscribe(topics...))
}

// Close disconnects, giving in-flight work a quarter second.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

func wait(ctx context.Context, token mqtt.Token) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
