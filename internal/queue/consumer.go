package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrDiscard tells the consumer to ack a job without processing it again
var ErrDiscard = errors.New("discard job")

// Consumer consumes delivery jobs from a RabbitMQ queue
type Consumer struct {
	conn      *Connection
	queueName string
	handler   JobHandler
	logger    *zap.Logger
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// JobHandler processes one delivery job. Returning an error requeues the job
// unless it wraps ErrDiscard.
type JobHandler func(ctx context.Context, job *DeliveryJob) error

// NewConsumer creates a new consumer instance
func NewConsumer(conn *Connection, queueName string, handler JobHandler, logger *zap.Logger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	if err := declareQueue(ch, queueName); err != nil {
		return nil, err
	}

	return &Consumer{
		conn:      conn,
		queueName: queueName,
		handler:   handler,
		logger:    logger.With(zap.String("component", "consumer"), zap.String("queue", queueName)),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// Start starts consuming jobs from the queue
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	// one job at a time; a job only launches a loop and returns quickly
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		defer close(c.doneChan)

		for {
			select {
			case <-c.stopChan:
				c.logger.Info("Consumer stopping")
				return
			case d, ok := <-msgs:
				if !ok {
					c.logger.Warn("Delivery channel closed")
					return
				}
				c.handle(ctx, d)
			}
		}
	}()

	c.logger.Info("Consumer started")
	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var job DeliveryJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.logger.Error("Dropping malformed delivery job", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err := c.handler(ctx, &job)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrDiscard):
		c.logger.Info("Delivery job discarded",
			zap.String("campaign_id", job.CampaignID),
			zap.Error(err),
		)
		_ = d.Ack(false)
	default:
		c.logger.Error("Delivery job failed, requeueing",
			zap.String("campaign_id", job.CampaignID),
			zap.Error(err),
		)
		_ = d.Nack(false, true)
	}
}

// Stop stops consuming jobs gracefully
func (c *Consumer) Stop() error {
	close(c.stopChan)
	<-c.doneChan

	c.logger.Info("Consumer stopped")
	return nil
}
