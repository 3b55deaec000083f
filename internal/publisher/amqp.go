package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeTypeFanout = "fanout"
	durable            = true
	autoDelete         = false
	internalExchange   = false
	noWait             = false
	mandatory          = false
	immediate          = false

	amqpQueueSize        = 256
	amqpPublishTimeout   = 5 * time.Second
	amqpInitialReconnect = time.Second
)

// broker is the part of an AMQP connection the sink talks to.
type broker interface {
	// Connect opens a connection and channel and declares the exchange. The
	// returned channel fires when that connection is lost.
	Connect() (<-chan *amqp.Error, error)
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
	Close() error
}

type amqpBroker struct {
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

func (b *amqpBroker) Connect() (<-chan *amqp.Error, error) {
	b.Close()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		b.exchange,
		exchangeTypeFanout,
		durable,
		autoDelete,
		internalExchange,
		noWait,
		nil, // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
	}

	b.conn = conn
	b.channel = channel
	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (b *amqpBroker) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if b.channel == nil {
		return amqp.ErrClosed
	}
	return b.channel.PublishWithContext(ctx, b.exchange, routingKey, mandatory, immediate, msg)
}

func (b *amqpBroker) Close() error {
	if b.conn == nil {
		return nil
	}
	conn, channel := b.conn, b.channel
	b.conn, b.channel = nil, nil

	if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		conn.Close()
		return err
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// AMQPSink mirrors snapshots onto a fanout exchange with the loom group as
// routing key. Publishing is queued and never blocks the caller. A lost
// connection is re-established with exponential backoff; snapshots offered
// while disconnected are refused.
type AMQPSink struct {
	broker           broker
	source           string
	reconnectInitial time.Duration
	reconnectMax     time.Duration

	connected atomic.Bool
	mu        sync.RWMutex
	closed    bool
	queue     chan types.Snapshot
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewAMQPSink starts connecting to the broker in the background. A broker
// that is down at startup is retried like a dropped connection.
func NewAMQPSink(cfg config.AMQPConfig, logger *zap.Logger) *AMQPSink {
	b := &amqpBroker{url: cfg.URL, exchange: cfg.Exchange}
	return newAMQPSink(b, amqpQueueSize, amqpInitialReconnect, cfg.ReconnectMax,
		logger.With(zap.String("exchange", cfg.Exchange)))
}

func newAMQPSink(b broker, queueSize int, reconnectInitial, reconnectMax time.Duration, logger *zap.Logger) *AMQPSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AMQPSink{
		broker:           b,
		source:           uuid.NewString(),
		reconnectInitial: reconnectInitial,
		reconnectMax:     max(reconnectMax, reconnectInitial),
		queue:            make(chan types.Snapshot, queueSize),
		cancel:           cancel,
		done:             make(chan struct{}),
		logger:           logger,
	}
	go s.run(ctx)
	return s
}

// Connected reports whether the broker connection is up.
func (s *AMQPSink) Connected() bool {
	return s.connected.Load()
}

func (s *AMQPSink) Publish(snap types.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: broker sink closed", types.ErrPublishUnavailable)
	}
	if !s.connected.Load() {
		return fmt.Errorf("%w: broker disconnected", types.ErrPublishUnavailable)
	}
	select {
	case s.queue <- snap:
		return nil
	default:
		return fmt.Errorf("%w: broker queue full", types.ErrPublishUnavailable)
	}
}

func (s *AMQPSink) run(ctx context.Context) {
	defer close(s.done)
	for {
		closed, err := s.connect(ctx)
		if err != nil {
			s.discard()
			return
		}

		s.logger.Info("AMQP sink connected")
		s.connected.Store(true)
		more := s.pump(closed)
		s.connected.Store(false)
		if !more {
			return
		}
	}
}

func (s *AMQPSink) connect(ctx context.Context) (<-chan *amqp.Error, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnectInitial
	b.MaxInterval = s.reconnectMax
	b.MaxElapsedTime = 0

	var closed <-chan *amqp.Error
	operation := func() error {
		var err error
		closed, err = s.broker.Connect()
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Broker connect failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return closed, nil
}

// pump forwards queued snapshots. It returns true when the connection was
// lost and false once the queue is closed and drained.
func (s *AMQPSink) pump(closed <-chan *amqp.Error) bool {
	for {
		select {
		case amqpErr := <-closed:
			reason := "connection closed"
			if amqpErr != nil {
				reason = amqpErr.Error()
			}
			s.logger.Warn("Broker connection lost", zap.String("reason", reason))
			return true

		case snap, ok := <-s.queue:
			if !ok {
				return false
			}
			if err := s.send(snap); err != nil {
				s.logger.Warn("Broker publish failed", zap.String("device", snap.Key), zap.Error(err))
			}
		}
	}
}

// discard empties a closed queue that can no longer reach the broker.
func (s *AMQPSink) discard() {
	dropped := 0
	for range s.queue {
		dropped++
	}
	if dropped > 0 {
		s.logger.Warn("Queued snapshots dropped on close", zap.Int("count", dropped))
	}
}

func (s *AMQPSink) send(snap types.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("error encoding snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), amqpPublishTimeout)
	defer cancel()

	return s.broker.Publish(ctx, snap.Group, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        s.source,
		Timestamp:    snap.Timestamp,
		Body:         body,
	})
}

// Close flushes the queue when connected, stops reconnecting and closes the
// broker connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return s.broker.Close()
}
