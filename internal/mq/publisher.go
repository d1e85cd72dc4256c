package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles reconciliation event publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
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

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// ReconciledEvent is published for every approve/reject outcome
type ReconciledEvent struct {
	SubmissionID int64  `json:"submission_id"`
	MeterID      int64  `json:"meter_id"`
	Action       string `json:"action"`
	ReadingID    string `json:"reading_id,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	ReconciledAt string `json:"reconciled_at"`
}

// BatchCompletedEvent is published once per approve-all run
type BatchCompletedEvent struct {
	BatchID    string  `json:"batch_id"`
	BuildingID int64   `json:"building_id"`
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	FailedIDs  []int64 `json:"failed_ids,omitempty"`
}

// PublishReconciledEvent publishes a single reconciliation outcome
func (p *Publisher) PublishReconciledEvent(ctx context.Context, event ReconciledEvent, routingKey string) error {
	if err := p.publish(ctx, event, routingKey); err != nil {
		return err
	}

	p.logger.Debug("published reconciled event",
		zap.String("routing_key", routingKey),
		zap.Int64("submission_id", event.SubmissionID),
		zap.String("action", event.Action),
	)

	return nil
}

// PublishBatchCompleted publishes the consolidated report of a batch run
func (p *Publisher) PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent, routingKey string) error {
	if err := p.publish(ctx, event, routingKey); err != nil {
		return err
	}

	p.logger.Debug("published batch completed event",
		zap.String("routing_key", routingKey),
		zap.String("batch_id", event.BatchID),
		zap.Int("succeeded", event.Succeeded),
	)

	return nil
}

func (p *Publisher) publish(ctx context.Context, event any, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
