// Package mqtt wraps the paho client used to mirror readings to a broker and
// to receive remote sync commands.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Client wraps the MQTT client with topic helpers for one gateway.
type Client struct {
	client    mqtt.Client
	gatewayID string
	logger    *logrus.Logger
}

// BrokerURL converts a user-facing broker URL (ws, wss, mqtt, mqtts) into the
// form paho expects and reports whether TLS is in use.
func BrokerURL(raw string) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid MQTT URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		return raw, false, nil
	case "wss":
		return raw, true, nil
	case "mqtt", "tcp":
		return strings.Replace(raw, u.Scheme+"://", "tcp://", 1), false, nil
	case "mqtts", "ssl":
		return strings.Replace(raw, u.Scheme+"://", "ssl://", 1), true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", u.Scheme)
	}
}

// NewClient connects to the broker, retrying with exponential backoff until
// ctx is done or maxWait elapses. The availability topic carries a retained
// "offline" will.
func NewClient(ctx context.Context, mqttURL, gatewayID string, maxWait time.Duration, logger *logrus.Logger) (*Client, error) {
	broker, useTLS, err := BrokerURL(mqttURL)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(mqttURL)

	c := &Client{gatewayID: gatewayID, logger: logger}
	clientID := fmt.Sprintf("hydrosense-%s", gatewayID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	if useTLS {
		// Field brokers commonly use self-signed certificates.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(c.AvailabilityTopic(), "offline", 1, true)

	if parsed.User != nil {
		opts.SetUsername(parsed.User.Username())
		password, _ := parsed.User.Password()
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Debug("MQTT connected")
		token := client.Publish(c.AvailabilityTopic(), 1, true, []byte("online"))
		token.WaitTimeout(5 * time.Second)
	})

	c.client = mqtt.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = maxWait

	connect := func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("connect timed out")
		}
		return token.Error()
	}
	notify := func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next).Warn("MQTT connect failed, retrying")
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsed.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")

	return c, nil
}

// Publish publishes with QoS 1, waiting at most five seconds.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)

	const pubTimeout = 5 * time.Second
	if !token.WaitTimeout(pubTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, pubTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

// Subscribe registers handler for topic. The payload is handed over as a
// string, which is all command topics need.
func (c *Client) Subscribe(topic string, handler func(topic, payload string)) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), string(msg.Payload()))
	})

	const subTimeout = 5 * time.Second
	if !token.WaitTimeout(subTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, subTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect publishes offline availability and closes the connection.
func (c *Client) Disconnect(quiesce uint) {
	if c.client.IsConnected() {
		_ = c.Publish(c.AvailabilityTopic(), []byte("offline"), true)
	}
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// BaseTopic is the root of everything this gateway publishes.
func (c *Client) BaseTopic() string {
	return BuildCleanTopic("hydrosense", c.gatewayID)
}

func (c *Client) AvailabilityTopic() string {
	return c.BaseTopic() + "/availability"
}

// CommandTopic receives remote commands such as "sync".
func (c *Client) CommandTopic() string {
	return c.BaseTopic() + "/cmd"
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}

// BuildCleanTopic joins parts into a lower-case topic without MQTT wildcards
// or spaces.
func BuildCleanTopic(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.ReplaceAll(part, " ", "_")
		p = strings.ReplaceAll(p, "+", "plus")
		p = strings.ReplaceAll(p, "#", "hash")
		clean = append(clean, strings.ToLower(p))
	}
	return strings.Join(clean, "/")
}
