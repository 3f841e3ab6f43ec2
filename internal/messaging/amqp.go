package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

type AMQPConfig struct {
	URL            string
	Exchange       string
	Queue          string
	ConnectTimeout time.Duration
}

// AMQPBus publishes to a topic exchange and consumes commands from a durable queue.
type AMQPBus struct {
	cfg AMQPConfig
	log logrus.FieldLogger

	conn *amqp.Connection

	mu      sync.Mutex
	channel *amqp.Channel
	closed  bool
}

// DialAMQP connects and declares the exchange.
func DialAMQP(cfg AMQPConfig, log logrus.FieldLogger) (*AMQPBus, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "medical_chatbot"
	}
	if cfg.Queue == "" {
		cfg.Queue = "voice_events"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	timeout := cfg.ConnectTimeout
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, timeout)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPBus{
		cfg:     cfg,
		log:     log.WithField("component", "event_bus"),
		conn:    conn,
		channel: ch,
	}, nil
}

func (b *AMQPBus) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && !b.conn.IsClosed()
}

func (b *AMQPBus) Publish(ctx context.Context, routingKey string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	err = b.channel.Publish(b.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Consume binds the command queue and dispatches deliveries until ctx is cancelled.
// Malformed commands are rejected without requeue; handler failures are requeued once.
func (b *AMQPBus) Consume(ctx context.Context, handle CommandHandler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", b.cfg.Queue, err)
	}
	if err := ch.QueueBind(q.Name, KeySessionEnd, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("consumer channel closed")
			}
			b.dispatch(ctx, d, handle)
		}
	}
}

func (b *AMQPBus) dispatch(ctx context.Context, d amqp.Delivery, handle CommandHandler) {
	cmd, err := DecodeCommand(d.Body)
	if err != nil {
		b.log.WithError(err).Warn("rejecting bus command")
		_ = d.Reject(false)
		return
	}
	if err := handle(ctx, cmd); err != nil {
		b.log.WithError(err).WithField("session_id", cmd.SessionID).Warn("bus command failed")
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.channel != nil {
		b.channel.Close()
	}
	return b.conn.Close()
}
