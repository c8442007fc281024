// Package broker wraps the AMQP connection that carries scan tasks from
// the dispatcher to the worker fleet, and result messages from workers
// back to the supervisor. It owns connect-with-backoff, exchange/queue
// topology, and TLS, so every other package talks to it through a small
// publish/consume surface instead of the amqp091-go API directly.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuemby/scanmesh/pkg/log"
)

const (
	// ExchangeResults is the topic exchange result messages are published
	// to; the routing key is always the scan_id.
	ExchangeResults = "scan.results"

	// QueueFast and QueueSlow are the two task queues the dispatcher
	// classifies work between.
	QueueFast = "scans.fast"
	QueueSlow = "scans.slow"

	resultQueueTTL = 24 * time.Hour
)

// Config configures a Broker connection.
type Config struct {
	URL        string // amqp:// or amqps:// URL
	CACertFile string // optional; enables TLS when amqps scheme is used
	MaxRetries int    // connect-with-backoff attempts before giving up; 0 = default (10)
	RetryDelay time.Duration
}

// Broker owns one AMQP connection and channel. It does not reconnect once
// Connect has returned: after the channel or connection fails, every later
// call goes through the same closed channel and returns an error.
type Broker struct {
	cfg Config

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// Connect dials the broker, retrying with a fixed backoff, and declares
// the standing topology (task queues and the results exchange).
func Connect(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	b := &Broker{cfg: cfg}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.dial(); err != nil {
			lastErr = err
			log.WithComponent("broker").Warn().Err(err).Int("attempt", attempt).Msg("broker connect failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryDelay):
			}
			continue
		}
		if err := b.declareTopology(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to declare topology: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func (b *Broker) dial() error {
	var conn *amqp.Connection
	var err error

	switch {
	case b.cfg.CACertFile != "":
		tlsConfig, tlsErr := loadClientTLSConfig(b.cfg.CACertFile)
		if tlsErr != nil {
			return fmt.Errorf("failed to load broker TLS config: %w", tlsErr)
		}
		conn, err = amqp.DialTLS(b.cfg.URL, tlsConfig)
	case strings.HasPrefix(b.cfg.URL, "amqps://"):
		// No CA file configured: still negotiate TLS since the scheme
		// demands it, but skip certificate validation entirely rather
		// than fail closed.
		conn, err = amqp.DialTLS(b.cfg.URL, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})
	default:
		conn, err = amqp.Dial(b.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.mu.Unlock()
	return nil
}

func (b *Broker) declareTopology() error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()

	for _, q := range []string{QueueFast, QueueSlow} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	return ch.ExchangeDeclare(ExchangeResults, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Channel returns the AMQP channel opened by Connect. The same channel is
// returned for the Broker's whole lifetime; it is not replaced after a
// protocol error closes it.
func (b *Broker) Channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

// PublishTask publishes a persistent JSON message to one of the task
// queues.
func (b *Broker) PublishTask(ctx context.Context, queue string, body []byte) error {
	return b.Channel().PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// DeclareResultQueue declares and binds the per-scan result queue used by
// the supervisor's per-scan consumer. The routing key is the scan_id
// literally, never a wildcard pattern, so each scan's results land in
// exactly one queue.
func (b *Broker) DeclareResultQueue(scanID string) (string, error) {
	queueName := "scan.results." + scanID
	ch := b.Channel()

	_, err := ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-message-ttl": int64(resultQueueTTL / time.Millisecond),
	})
	if err != nil {
		return "", fmt.Errorf("declare result queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, scanID, ExchangeResults, false, nil); err != nil {
		return "", fmt.Errorf("bind result queue %s: %w", queueName, err)
	}
	return queueName, nil
}

// DeleteResultQueue removes a per-scan result queue once its consumer is
// done with it.
func (b *Broker) DeleteResultQueue(scanID string) error {
	_, err := b.Channel().QueueDelete("scan.results."+scanID, false, false, false)
	return err
}

// PublishResult publishes a persistent JSON message to the results
// exchange under routing key scanID.
func (b *Broker) PublishResult(ctx context.Context, scanID string, body []byte) error {
	return b.Channel().PublishWithContext(ctx, ExchangeResults, scanID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume starts a manual-ack consumer on queue.
func (b *Broker) Consume(queue string) (<-chan amqp.Delivery, error) {
	return b.Channel().Consume(queue, "", false, false, false, false, nil)
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
