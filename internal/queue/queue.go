// Package queue implements C2 (task queue) and C3 (response queue): durable
// FIFOs with per-message acknowledgement over AMQP (spec.md §4.2).
package queue

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Dial opens a connection to the broker. Each producer/consumer gets its
// own channel from Dial's connection — spec.md §5 is explicit that a
// publish channel is not shareable across threads/processes.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial %s: %w", maskURL(url), err)
	}
	return conn, nil
}

func maskURL(url string) string {
	// amqp URLs embed credentials; never let them reach a log line.
	return "amqp://***@(redacted)"
}

// Channel wraps one AMQP channel bound to one durable queue, declared on
// construction so publish/consume never races queue creation.
type Channel struct {
	ch    *amqp.Channel
	queue string
}

// NewChannel opens a fresh channel on conn and declares queue as durable.
// Must be called after any process fork/spawn point — never share a
// channel (or the connection it rides on) across address spaces
// (spec.md §5, §9 "Lazy channel after fork").
func NewChannel(conn *amqp.Connection, queue string) (*Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: declare %s: %w", queue, err)
	}
	return &Channel{ch: ch, queue: queue}, nil
}

// Close releases the underlying AMQP channel.
func (c *Channel) Close() error { return c.ch.Close() }

// Publish is fire-and-forget with broker-side persistence (spec.md §4.2).
func (c *Channel) Publish(body []byte) error {
	err := c.ch.Publish("", c.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", c.queue, err)
	}
	return nil
}

// SetPrefetch bounds how many unacknowledged messages the broker will
// deliver to this channel's consumer at once.
func (c *Channel) SetPrefetch(n int) error {
	if err := c.ch.Qos(n, 0, false); err != nil {
		return fmt.Errorf("queue: qos(%d) on %s: %w", n, c.queue, err)
	}
	return nil
}

// Consume starts delivering messages one at a time up to the configured
// prefetch; the caller must ack/nack each delivery (spec.md §4.2).
func (c *Channel) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// Inspect reports the queue's current message count, used by the startup
// drain pass to recognize "queue observed empty" (spec.md §4.4).
func (c *Channel) Inspect() (messageCount int, err error) {
	q, err := c.ch.QueueInspect(c.queue)
	if err != nil {
		return 0, fmt.Errorf("queue: inspect %s: %w", c.queue, err)
	}
	return q.Messages, nil
}

// Ack acknowledges a delivery, confirming completion regardless of
// handler success (spec.md §4.4 step 5) — re-running would not help once
// the response has already been produced or the failure recorded.
func Ack(d amqp.Delivery) error {
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Nack requeues a delivery, used only when the process is shutting down
// before it could process the message at all.
func Nack(d amqp.Delivery) error {
	if err := d.Nack(false, true); err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	return nil
}
