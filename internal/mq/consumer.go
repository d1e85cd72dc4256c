package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer handles batch-command consumption from RabbitMQ
type Consumer struct {
	conn             *Connection
	channel          *amqp.Channel
	queue            string
	dlqQueue         string
	exchange         string
	routingKey       string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare main queue with dead-lettering to the DLQ; if the queue already
	// exists with different args, fall back to declaring it as-is
	args := map[string]interface{}{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, args)
	if err != nil {
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX",
			zap.Error(err))
		_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	_, err = ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		conn:             cfg.Connection,
		channel:          ch,
		queue:            cfg.Queue,
		dlqQueue:         cfg.DLQQueue,
		exchange:         cfg.Exchange,
		routingKey:       cfg.RoutingKey,
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	c.logger.Info("received batch command",
		zap.String("queue", c.queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	err := c.messageProcessor(ctx, msg.Body)
	if err != nil {
		c.logger.Error("failed to process batch command",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
