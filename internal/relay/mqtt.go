package relay

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	qos          = 0
	quiesceMs    = 250
	publishAwait = 5 * time.Second
)

// MQTTClient is a Client backed by paho.
type MQTTClient struct {
	client mqtt.Client
	log    *zap.Logger
}

// DialMQTT connects to the broker at url. The connect attempt ends when ctx
// does.
func DialMQTT(ctx context.Context, url string, log *zap.Logger) (*MQTTClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clientID := "microchat-" + uuid.NewString()

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("relay connection lost", zap.String("client", clientID), zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", url, err)
	}

	log.Info("relay connected", zap.String("url", url), zap.String("client", clientID))
	return &MQTTClient{client: client, log: log}, nil
}

// Dial returns a Dialer for url.
func Dial(url string, log *zap.Logger) Dialer {
	return func(ctx context.Context) (Client, error) {
		c, err := DialMQTT(ctx, url, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Subscribe registers handler for messages on topic.
func (c *MQTTClient) Subscribe(topic string, handler func(payload string)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(string(msg.Payload()))
	})
	if !token.WaitTimeout(publishAwait) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload on topic without waiting for delivery.
func (c *MQTTClient) Publish(topic, payload string) error {
	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		if token.WaitTimeout(publishAwait) && token.Error() != nil {
			c.log.Warn("relay publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
	return nil
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() {
	c.client.Disconnect(quiesceMs)
}
