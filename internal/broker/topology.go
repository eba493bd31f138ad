package broker

import (
	"fmt"

	"shellac/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName       = "discogs"
	DeadLetterExchange = "discogs.dlx"

	QueuePrefixGraphinator = "graphinator"
	QueuePrefixTableinator = "tableinator"

	// Delivery attempts before a quorum queue dead-letters a message
	DeliveryLimit = 20
)

func GraphinatorQueue(dataType models.DataType) string {
	return fmt.Sprintf("%s-%s", QueuePrefixGraphinator, dataType)
}

func TableinatorQueue(dataType models.DataType) string {
	return fmt.Sprintf("%s-%s", QueuePrefixTableinator, dataType)
}

func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// QuorumQueueArgs builds the arguments for a main work queue: quorum type,
// dead-letter routing, and the poison-message delivery cap.
func QuorumQueueArgs() amqp.Table {
	return amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": DeadLetterExchange,
		"x-delivery-limit":       int32(DeliveryLimit),
	}
}

// DeclareTopology declares the full exchange and queue layout. Every
// declaration is idempotent, so extractor and consumers can all call this at
// startup in any order.
func DeclareTopology(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeName, err)
	}

	if err := channel.ExchangeDeclare(
		DeadLetterExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare dead letter exchange %s: %w", DeadLetterExchange, err)
	}

	for _, dataType := range models.AllDataTypes {
		for _, queue := range []string{GraphinatorQueue(dataType), TableinatorQueue(dataType)} {
			if _, err := channel.QueueDeclare(
				queue,
				true,  // durable
				false, // auto-delete
				false, // exclusive
				false, // no-wait
				QuorumQueueArgs(),
			); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", queue, err)
			}

			if err := channel.QueueBind(
				queue,
				dataType.String(),
				ExchangeName,
				false,
				nil,
			); err != nil {
				return fmt.Errorf("failed to bind queue %s: %w", queue, err)
			}

			dlq := DeadLetterQueue(queue)
			if _, err := channel.QueueDeclare(
				dlq,
				true,
				false,
				false,
				false,
				nil, // classic queue, no special arguments
			); err != nil {
				return fmt.Errorf("failed to declare dead letter queue %s: %w", dlq, err)
			}

			if err := channel.QueueBind(
				dlq,
				dataType.String(),
				DeadLetterExchange,
				false,
				nil,
			); err != nil {
				return fmt.Errorf("failed to bind dead letter queue %s: %w", dlq, err)
			}
		}
	}

	return nil
}
