package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/warp/cashback-engine/generic"
)

// channel is the subset of *amqp091.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitPublisher publishes BalanceChangeEvents to a topic exchange.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publish
	channel  channel
	exchange string
	logger   *slog.Logger
}

var _ Notifier = (*RabbitPublisher)(nil)

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewRabbitPublisher dials the broker and declares the exchange.
func NewRabbitPublisher(amqpURL, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newRabbitPublisher(ch, exchange, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(ch channel, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitPublisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger.With("component", "rabbitmq"),
	}, nil
}

// NotifyBalanceChange publishes the event for tx.
func (p *RabbitPublisher) NotifyBalanceChange(ctx context.Context, customerID generic.CustomerID, tx generic.Transaction) error {
	event := NewBalanceChangeEvent(customerID, tx)
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,         // exchange
		event.RoutingKey(), // routing key
		false,              // mandatory
		false,              // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.TransactionID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish balance change: %w", err)
	}

	p.logger.Debug("published balance change", "routing_key", event.RoutingKey(), "tx_id", event.TransactionID)
	return nil
}

// Close gracefully closes the channel and connection.
func (p *RabbitPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
