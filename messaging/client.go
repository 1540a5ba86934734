// Package messaging provides the message-bus client used by the
// message-bus trigger and by pipeline functions that publish.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
)

// TopicChannel binds one subscribe topic to the channel receiving its
// envelopes. Each topic gets its own channel so per-topic ordering is
// preserved by the consumer.
type TopicChannel struct {
	Topic    string
	Messages chan message.Envelope
}

// Client is the bus contract the SDK consumes.
type Client interface {
	Connect() error
	Publish(env message.Envelope, topic string) error
	Subscribe(topics []TopicChannel, messageErrors chan error) error
	Disconnect() error
}

// NATSClient is the built-in Client backed by NATS. Envelopes travel as
// JSON. Topics use the SDK's "/"-separated form and are converted to
// NATS subjects on the wire.
type NATSClient struct {
	cfg    config.MessageBusConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	subs     []*nats.Subscription
	embedded *server.Server
}

// NewNATSClient creates an unconnected client.
func NewNATSClient(cfg config.MessageBusConfig, logger *slog.Logger) *NATSClient {
	return &NATSClient{cfg: cfg, logger: logger}
}

// Connect dials the configured broker, starting an in-process server
// first when Embedded is set.
func (c *NATSClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	url := fmt.Sprintf("nats://%s:%d", c.cfg.Host, c.cfg.Port)
	if c.cfg.Embedded {
		ns, err := startEmbeddedServer()
		if err != nil {
			return err
		}
		c.embedded = ns
		url = ns.ClientURL()
		c.logger.Info("Started embedded message bus", slog.String("url", url))
	}

	conn, err := nats.Connect(url,
		nats.Name(c.cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return errkind.Wrap(errkind.KindCommunicationError,
			fmt.Sprintf("connecting to message bus at %s", url), err)
	}

	c.conn = conn
	c.logger.Info("Connected to message bus", slog.String("url", url))
	return nil
}

// Publish sends the envelope to the given topic.
func (c *NATSClient) Publish(env message.Envelope, topic string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errkind.New(errkind.KindCommunicationError, "message bus is not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "marshaling envelope", err)
	}
	if err := conn.Publish(ToSubject(topic), data); err != nil {
		return errkind.Wrap(errkind.KindCommunicationError,
			fmt.Sprintf("publishing to topic %s", topic), err)
	}
	return nil
}

// Subscribe installs one subscription per topic channel. Malformed
// inbound messages go to messageErrors; well-formed ones go to the
// topic's channel with ReceivedTopic set to the concrete subject.
func (c *NATSClient) Subscribe(topics []TopicChannel, messageErrors chan error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errkind.New(errkind.KindCommunicationError, "message bus is not connected")
	}

	for _, tc := range topics {
		messages := tc.Messages
		sub, err := c.conn.Subscribe(ToSubject(tc.Topic), func(m *nats.Msg) {
			var env message.Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				select {
				case messageErrors <- fmt.Errorf("unmarshaling envelope from %s: %w", m.Subject, err):
				default:
				}
				return
			}
			env.ReceivedTopic = FromSubject(m.Subject)
			messages <- env
		})
		if err != nil {
			return errkind.Wrap(errkind.KindCommunicationError,
				fmt.Sprintf("subscribing to topic %s", tc.Topic), err)
		}
		c.subs = append(c.subs, sub)
		c.logger.Debug("Subscribed to topic", slog.String("topic", tc.Topic))
	}

	return nil
}

// Disconnect drains subscriptions and closes the connection, shutting
// down the embedded server when one was started.
func (c *NATSClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe", slog.String("error", err.Error()))
		}
	}
	c.subs = nil

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded = nil
	}
	return nil
}

// ToSubject converts a "/"-separated topic pattern to a NATS subject:
// "/" becomes ".", "#" becomes ">", and "+" becomes "*".
func ToSubject(topic string) string {
	subject := strings.ReplaceAll(topic, message.TopicSeparator, ".")
	subject = strings.ReplaceAll(subject, message.TopicWildcard, ">")
	return strings.ReplaceAll(subject, message.TopicSingleLevelWildcard, "*")
}

// FromSubject converts a concrete NATS subject back to topic form.
func FromSubject(subject string) string {
	topic := strings.ReplaceAll(subject, ".", message.TopicSeparator)
	topic = strings.ReplaceAll(topic, ">", message.TopicWildcard)
	return strings.ReplaceAll(topic, "*", message.TopicSingleLevelWildcard)
}

// startEmbeddedServer runs an in-process NATS server on a random port.
func startEmbeddedServer() (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errkind.New(errkind.KindServiceUnavailable, "embedded server did not become ready")
	}
	return ns, nil
}
