package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
)

// Delivery is the in-process tuple handed to the processing side for each
// message the broker delivers.
type Delivery struct {
	Tag      uint64
	Headers  map[string]any
	Body     []byte
	Received time.Time
}

// Transport is the broker surface the worker framework consumes. The AMQP
// client implements it; tests use the in-memory FakeTransport.
//
// All methods except Consume must be called from a single goroutine (the
// worker's broker I/O loop); the underlying client library is not safe for
// concurrent channel use.
type Transport interface {
	// Publish enqueues a persistent message. expirationMS > 0 sets a
	// per-message TTL; with no consumer on the queue, expiry dead-letters
	// the message to the queue's configured target.
	Publish(exchange, key string, headers map[string]any, body []byte, expirationMS int64) error

	// Consume delivers messages from queue into out until ctx is done or the
	// connection fails. prefetch bounds in-flight unacked deliveries.
	Consume(ctx context.Context, queue string, prefetch int, out chan<- Delivery) error

	// Ack acknowledges one delivery, or all deliveries up to tag when
	// multiple is true.
	Ack(tag uint64, multiple bool) error

	// TxSelect puts the channel in transactional mode; TxCommit atomically
	// commits publishes and acks issued since the previous commit.
	TxSelect() error
	TxCommit() error

	Close() error
}

// Client is the RabbitMQ-backed Transport
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ Transport = (*Client)(nil)

// Dial connects to the broker at url
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// Publish enqueues a persistent message on exchange with routing key
func (c *Client) Publish(exchange, key string, headers map[string]any, body []byte, expirationMS int64) error {
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers:      amqp.Table(headers),
		Body:         body,
	}
	if expirationMS > 0 {
		pub.Expiration = strconv.FormatInt(expirationMS, 10)
	}
	if err := c.ch.Publish(exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Consume delivers messages from queue into out until ctx is done or the
// connection fails. Connection failure is returned as an error; the caller
// is expected to exit non-zero and let the process supervisor restart it.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, out chan<- Delivery) error {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker connection lost on queue %s", queue)
			}
			msg := Delivery{
				Tag:      d.DeliveryTag,
				Headers:  map[string]any(d.Headers),
				Body:     d.Body,
				Received: time.Now(),
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Ack acknowledges a delivery
func (c *Client) Ack(tag uint64, multiple bool) error {
	return c.ch.Ack(tag, multiple)
}

// TxSelect puts the channel in transactional mode
func (c *Client) TxSelect() error {
	return c.ch.Tx()
}

// TxCommit commits publishes and acks issued since the previous commit
func (c *Client) TxCommit() error {
	return c.ch.TxCommit()
}

// Close closes the channel and connection
func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// WaitForBarrier blocks until the configuration-barrier exchange for
// deployment exists, polling with a passive declare. A passive declare of a
// missing exchange closes its channel, so each attempt uses a throwaway one.
func (c *Client) WaitForBarrier(ctx context.Context, deployment string, poll time.Duration) error {
	name := BarrierExchange(deployment)
	logger := log.WithComponent("mq")

	for {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open barrier channel: %w", err)
		}
		err = ch.ExchangeDeclarePassive(name, "direct", true, false, false, false, nil)
		if err == nil {
			ch.Close()
			return nil
		}
		logger.Info().Str("exchange", name).Msg("waiting for configuration barrier")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
