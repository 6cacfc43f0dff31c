package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

func NewRabbitMQConnection(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeadLetterQueue names the queue that collects rejected messages.
func DeadLetterQueue(queueName string) string {
	return queueName + ".dead"
}

// DeclareTopology declares the durable direct exchange and the work queue
// bound to it. Messages a worker rejects are routed through the default
// exchange to DeadLetterQueue. Publisher and consumers both call it.
func DeclareTopology(ch *amqp.Channel, exchangeName, queueName string) (amqp.Queue, error) {
	err := ch.ExchangeDeclare(
		exchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare exchange: %w", err)
	}

	dead := DeadLetterQueue(queueName)
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare dead letter queue: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dead,
		},
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchangeName, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind queue: %w", err)
	}
	return q, nil
}
