package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. Returning false requeues the message.
type Handler func(body []byte) bool

// Consumer binds a durable queue to routing keys and dispatches deliveries.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares the queue, binds every routing key to it and
// starts dispatching in a goroutine. Deliveries with no handler are acked and
// dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			dispatch(c.logger, handlers, d)
		}
		c.logger.Info("delivery channel closed", "queue", q.Name)
	}()

	return nil
}

func dispatch(logger *slog.Logger, handlers map[string]Handler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		logger.Warn("no handler for routing key; dropping", "routing_key", d.RoutingKey)
		if err := d.Ack(false); err != nil {
			logger.Error("ack failed", "routing_key", d.RoutingKey, "error", err)
		}
		return
	}
	if handler(d.Body) {
		if err := d.Ack(false); err != nil {
			logger.Error("ack failed", "routing_key", d.RoutingKey, "error", err)
		}
		return
	}
	logger.Warn("handler failed; requeuing", "routing_key", d.RoutingKey)
	if err := d.Nack(false, true); err != nil {
		logger.Error("nack failed", "routing_key", d.RoutingKey, "error", err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
