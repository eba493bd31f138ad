package broker

import (
	"context"
	"fmt"
	"sync"

	"shellac/config"

	logger "github.com/Bparsons0904/goLogger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker owns one AMQP connection and one channel. The channel is treated as
// disposable: any publish failure invalidates it and the next EnsureChannel
// call re-opens it and re-declares the topology.
type Broker struct {
	url      string
	prefetch int
	conn     *amqp.Connection
	channel  *amqp.Channel
	returns  chan amqp.Return
	log      logger.Logger
	mu       sync.Mutex
	open     bool
}

func New(cfg config.Config, prefetch int) *Broker {
	return &Broker{
		url:      cfg.AmqpConnection,
		prefetch: prefetch,
		log:      logger.New("broker"),
	}
}

// EnsureChannel returns a usable confirming channel, opening the connection
// and declaring the topology as needed.
func (b *Broker) EnsureChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureChannelLocked()
}

func (b *Broker) ensureChannelLocked() (*amqp.Channel, error) {
	log := b.log.Function("EnsureChannel")

	if b.channel != nil && !b.channel.IsClosed() {
		return b.channel, nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, log.Err("failed to connect to broker", err)
		}
		b.conn = conn
		log.Info("Connected to broker")
	}

	channel, err := b.conn.Channel()
	if err != nil {
		return nil, log.Err("failed to open channel", err)
	}

	if err := channel.Confirm(false); err != nil {
		return nil, log.Err("failed to enable publisher confirms", err)
	}

	if b.prefetch > 0 {
		if err := channel.Qos(b.prefetch, 0, false); err != nil {
			return nil, log.Err("failed to set channel prefetch", err, "prefetch", b.prefetch)
		}
	}

	if err := DeclareTopology(channel); err != nil {
		return nil, log.Err("failed to declare topology", err)
	}

	// Buffered so an unrouted return never blocks the broker library
	b.returns = make(chan amqp.Return, 16)
	channel.NotifyReturn(b.returns)

	b.channel = channel
	b.open = true
	return channel, nil
}

// Invalidate drops the current channel so the next EnsureChannel re-opens it.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
	b.open = false
}

// HasOpenChannel reports whether a channel is currently open. The health
// endpoint uses this to distinguish extracting from idle.
func (b *Broker) HasOpenChannel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.channel != nil && !b.channel.IsClosed()
}

// Publish sends one persistent JSON message with mandatory routing and waits
// for the publisher confirm. A nack, an unrouted return, or a closed channel
// all surface as errors; the caller re-buffers and invalidates.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.log.Function("Publish")

	channel, err := b.ensureChannelLocked()
	if err != nil {
		return err
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeName,
		routingKey,
		true,  // mandatory: topology declares every queue up front, a return is a bug
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return log.Err("failed to publish message", err, "routingKey", routingKey)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return log.Err("publish confirm wait failed", err, "routingKey", routingKey)
	}
	if !acked {
		return log.Err(
			"broker rejected publish",
			fmt.Errorf("publish nacked"),
			"routingKey", routingKey,
		)
	}

	// A mandatory publish that could not be routed comes back on the return
	// channel instead of failing the confirm.
	select {
	case ret := <-b.returns:
		return log.Err(
			"message returned unrouted",
			fmt.Errorf("return code %d: %s", ret.ReplyCode, ret.ReplyText),
			"routingKey", ret.RoutingKey,
		)
	default:
	}

	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.log.Function("Close")

	if b.channel != nil && !b.channel.IsClosed() {
		if err := b.channel.Close(); err != nil {
			log.Warn("failed to close channel", "error", err)
		}
		b.channel = nil
	}
	b.open = false

	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return log.Err("failed to close connection", err)
		}
		b.conn = nil
	}

	return nil
}
