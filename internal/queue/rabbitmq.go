package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/franzego/notifygateway/internal/config"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/pkg/circuitbreaker"
)

var (
	ErrNack        = errors.New("broker did not acknowledge message")
	ErrUnknownType = errors.New("unknown notification type")
	ErrClosed      = errors.New("publisher is closed")
)

type Queuer interface {
	Publish(ctx context.Context, msg models.QueueMessage) error
}

// publishChannel is one confirm-mode AMQP channel. Publish returns only after
// the broker has acked or nacked the message.
type publishChannel interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
	Close() error
}

type channelOpener func() (publishChannel, error)

// RabbitMqClient publishes through a fixed pool of confirm-mode channels on a
// single connection. Publish is safe for concurrent use; each call holds one
// channel for the duration of its publish and confirm.
type RabbitMqClient struct {
	conn    *amqp.Connection
	config  config.RabbitMqConfig
	open    channelOpener
	pool    chan publishChannel
	cb      *gobreaker.CircuitBreaker
	backoff func() backoff.BackOff
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewRabbitMqService(cfg config.RabbitMqConfig, log zerolog.Logger) (*RabbitMqClient, error) {
	conn, err := amqp.Dial(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("error connecting to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening setup channel: %w", err)
	}
	if err := SetUpExchangeQueue(channel, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	channel.Close()

	open := func() (publishChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("error opening channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("error enabling publisher confirms: %w", err)
		}
		return confirmChannel{ch: ch}, nil
	}
	client := newClient(cfg, open, log)
	client.conn = conn

	go func() {
		if err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && err != nil {
			log.Error().Err(err).Msg("rabbitmq connection closed")
		}
	}()
	return client, nil
}

func newClient(cfg config.RabbitMqConfig, open channelOpener, log zerolog.Logger) *RabbitMqClient {
	size := cfg.ChannelPoolSize
	if size < 1 {
		size = 1
	}
	pool := make(chan publishChannel, size)
	for i := 0; i < size; i++ {
		// nil slots are opened on first use
		pool <- nil
	}
	return &RabbitMqClient{
		config: cfg,
		open:   open,
		pool:   pool,
		cb:     circuitbreaker.CircuitBreaker("rabbitmq-publish", log),
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		log: log,
	}
}

func (r *RabbitMqClient) CloseConnection() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for i := 0; i < cap(r.pool); i++ {
		if ch := <-r.pool; ch != nil {
			ch.Close()
		}
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// SetUpExchangeQueue declares the direct exchange and the durable email, push
// and failed queues, each bound with its own name as routing key.
func SetUpExchangeQueue(ch *amqp.Channel, cfg config.RabbitMqConfig) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	queues := []string{
		cfg.EmailQueue,
		cfg.PushQueue,
		cfg.FailedQueue,
	}
	for _, queue := range queues {
		_, err := ch.QueueDeclare(
			queue,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("error in declaring queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("error in binding queue %s to exchange: %w", queue, err)
		}
	}
	return nil
}

// RoutingKey maps a notification type onto its queue.
func (r *RabbitMqClient) RoutingKey(t models.NotificationType) (string, error) {
	switch t {
	case models.TypeEmail:
		return r.config.EmailQueue, nil
	case models.TypePush:
		return r.config.PushQueue, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Publish enqueues msg durably and waits for the broker ack. Failures where the
// message certainly never reached the broker are retried with backoff; an
// unanswered confirm is not retried since the broker may already hold it.
func (r *RabbitMqClient) Publish(ctx context.Context, msg models.QueueMessage) error {
	key, err := r.RoutingKey(msg.NotificationType)
	if err != nil {
		return err
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	publishing := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     msg.Timestamp,
		MessageId:     msg.RequestID,
		CorrelationId: msg.CorrelationID,
		Type:          string(msg.NotificationType),
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.backoff(), r.config.PublishRetries), ctx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		_, err := r.cb.Execute(func() (interface{}, error) {
			return nil, r.publishOnce(ctx, key, publishing)
		})
		if err == nil {
			return nil
		}
		var amb *ambiguousError
		if circuitbreaker.Rejected(err) || errors.As(err, &amb) || errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		r.log.Warn().Err(err).
			Str("request_id", msg.RequestID).
			Int("attempt", attempt).
			Msg("publish attempt failed")
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("an error occured during publishing to %s: %w", key, err)
	}
	return nil
}

func (r *RabbitMqClient) publishOnce(ctx context.Context, key string, publishing amqp.Publishing) error {
	ch, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	acked, err := ch.Publish(ctx, r.config.Exchange, key, publishing)
	if err != nil {
		r.discard(ch)
		return err
	}
	r.release(ch)
	if !acked {
		return ErrNack
	}
	return nil
}

func (r *RabbitMqClient) acquire(ctx context.Context) (publishChannel, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	var ch publishChannel
	select {
	case ch = <-r.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if ch != nil {
		return ch, nil
	}
	ch, err := r.open()
	if err != nil {
		r.pool <- nil
		return nil, err
	}
	return ch, nil
}

func (r *RabbitMqClient) release(ch publishChannel) {
	r.pool <- ch
}

// discard drops a channel whose state is unknown; the slot reopens lazily.
func (r *RabbitMqClient) discard(ch publishChannel) {
	ch.Close()
	r.pool <- nil
}

// ambiguousError marks a publish that was sent but never confirmed.
type ambiguousError struct{ err error }

func (e *ambiguousError) Error() string { return "publish unconfirmed: " + e.err.Error() }
func (e *ambiguousError) Unwrap() error { return e.err }

type confirmChannel struct {
	ch *amqp.Channel
}

func (c confirmChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return false, err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return false, &ambiguousError{err: err}
	}
	return acked, nil
}

func (c confirmChannel) Close() error {
	return c.ch.Close()
}
