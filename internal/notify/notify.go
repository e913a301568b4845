// Package notify publishes "message queued" events to RabbitMQ so a push
// notification service can wake offline recipients. Events carry ids only,
// never ciphertext.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// DefaultQueue is the durable queue events are routed to.
const DefaultQueue = "message.queued"

// Event is published when a message is stored for an offline recipient.
type Event struct {
	MessageID  string    `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	QueuedAt   time.Time `json:"queued_at"`
}

// Publisher delivers events. Failures are reported but callers treat
// publishing as best effort.
type Publisher interface {
	PublishQueued(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards events. Used when RabbitMQ is not configured.
type Noop struct{}

func (Noop) PublishQueued(context.Context, Event) error { return nil }
func (Noop) Close() error                               { return nil }

// AMQPPublisher keeps one connection and channel open and reopens them after
// a failure.
type AMQPPublisher struct {
	url   string
	queue string
	log   logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the queue.
func NewAMQPPublisher(url, queue string, log logrus.FieldLogger) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	p := &AMQPPublisher{url: url, queue: queue, log: log}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

// channel returns an open channel, reconnecting if needed. Callers hold mu.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	// Durable so events survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) PublishQueued(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		p.log.WithError(err).Warn("rabbitmq: channel unavailable")
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    ev.MessageID,
			Body:         body,
		})
	if err != nil {
		p.log.WithError(err).WithField("message_id", ev.MessageID).Warn("rabbitmq: publish failed")
		_ = ch.Close()
		p.ch = nil
	}
	return err
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
