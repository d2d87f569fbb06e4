package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrDisconnected is returned by PingContext when the broker link is down
var ErrDisconnected = errors.New("rabbitmq disconnected")

// Connection is a RabbitMQ connection with one shared channel that is
// re-dialed on demand when the broker drops it
type Connection struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewConnection dials RabbitMQ and opens the shared channel
func NewConnection(url string, logger *zap.Logger) (*Connection, error) {
	if url == "" {
		return nil, errors.New("rabbitmq url cannot be empty")
	}

	c := &Connection{
		url:    url,
		logger: logger.With(zap.String("component", "rabbitmq")),
	}
	if err := c.dial(); err != nil {
		return nil, err
	}

	c.logger.Info("Connected to RabbitMQ")
	return c, nil
}

// dial replaces conn and channel; caller holds mu or owns c exclusively
func (c *Connection) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.conn = conn
	c.channel = channel
	return nil
}

func (c *Connection) healthy() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// Channel returns the shared channel, re-dialing if the broker closed it
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthy() {
		return c.channel, nil
	}

	c.logger.Warn("Channel is closed, reconnecting")
	c.closeLocked()
	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("failed to reconnect: %w", err)
	}

	c.logger.Info("Reconnected to RabbitMQ")
	return c.channel, nil
}

// PingContext reports whether the connection and channel are open
func (c *Connection) PingContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.healthy() {
		return ErrDisconnected
	}
	return ctx.Err()
}

func (c *Connection) closeLocked() []error {
	var errs []error

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		c.channel = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		c.conn = nil
	}

	return errs
}

// Close closes the channel and the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if errs := c.closeLocked(); len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}
