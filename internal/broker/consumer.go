package broker

import (
	"context"

	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one consumed message with its acknowledgement closures. Ack and
// Nack are safe to call exactly once from any goroutine.
type Delivery struct {
	DataType models.DataType
	Body     []byte
	Ack      func() error
	Nack     func() error
}

// DeliveryHandler is invoked once per consumed message.
type DeliveryHandler func(delivery Delivery)

// ConsumeQueue subscribes a queue and feeds deliveries to the handler until
// the context is cancelled. Messages are manually acknowledged through the
// delivery closures; a nack requeues, so the quorum queue's delivery limit
// decides when a repeatedly rejected message dead-letters.
func (b *Broker) ConsumeQueue(
	ctx context.Context,
	queue string,
	dataType models.DataType,
	handler DeliveryHandler,
) error {
	log := b.log.Function("ConsumeQueue")

	channel, err := b.EnsureChannel()
	if err != nil {
		return err
	}

	deliveries, err := channel.ConsumeWithContext(
		ctx,
		queue,
		"",    // consumer tag, broker-assigned
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return log.Err("failed to start consuming", err, "queue", queue)
	}

	log.Info("Consuming queue", "queue", queue, "dataType", dataType)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-deliveries:
				if !ok {
					log.Warn("delivery channel closed", "queue", queue)
					return
				}
				handler(wrapDelivery(dataType, msg, log))
			}
		}
	}()

	return nil
}

func wrapDelivery(dataType models.DataType, msg amqp.Delivery, log logger.Logger) Delivery {
	return Delivery{
		DataType: dataType,
		Body:     msg.Body,
		Ack: func() error {
			if err := msg.Ack(false); err != nil {
				return log.Err("failed to ack message", err, "dataType", dataType)
			}
			return nil
		},
		Nack: func() error {
			// Requeue so x-delivery-limit routes persistent failures to
			// the DLQ instead of dead-lettering the first rejection.
			if err := msg.Nack(false, true); err != nil {
				return log.Err("failed to nack message", err, "dataType", dataType)
			}
			return nil
		},
	}
}
