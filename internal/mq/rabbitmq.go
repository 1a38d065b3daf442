package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/usersvc/apiserver/config"
)

var errEmptyExchange = errors.New("rabbitmq exchange name is required")

// RabbitMQClient routes messages through one topic exchange per channel.
// The routing key is the message's AttrEventType. Every channel also gets a
// queue of the same name bound to all keys, so events published before any
// consumer connects are retained.
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	durable    bool
	autoDelete bool

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQClient dials the broker and opens a channel.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}

	return &RabbitMQClient{
		conn:       conn,
		channel:    ch,
		durable:    cfg.QueueDurable,
		autoDelete: cfg.QueueAutoDelete,
		declared:   make(map[string]bool),
	}, nil
}

// Publish sends a JSON message to the channel's exchange, keyed by event type.
func (r *RabbitMQClient) Publish(ctx context.Context, exchange string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(exchange) == "" {
		return "", errEmptyExchange
	}
	if err := r.topology(exchange); err != nil {
		return "", err
	}

	headers := make(amqp.Table, len(attrs))
	for k, v := range attrs {
		headers[k] = v
	}

	deliveryMode := amqp.Transient
	if r.durable {
		deliveryMode = amqp.Persistent
	}

	id := uuid.NewString()
	err := r.channel.PublishWithContext(ctx, exchange, routingKey(attrs), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode,
		MessageId:    id,
		Type:         attrs[AttrEventType],
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         data,
	})
	if err != nil {
		return "", fmt.Errorf("rabbitmq publish: %w", err)
	}
	return id, nil
}

// Subscribe consumes the channel's shared queue, or an exclusive queue bound
// to the given event types. Rejected messages are requeued.
func (r *RabbitMQClient) Subscribe(ctx context.Context, exchange string, handler Handler, eventTypes ...string) error {
	if strings.TrimSpace(exchange) == "" {
		return errEmptyExchange
	}
	queue, err := r.consumerQueue(exchange, eventTypes)
	if err != nil {
		return err
	}

	tag := "consumer-" + uuid.NewString()
	deliveries, err := r.channel.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.channel.Cancel(tag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			msg := Message{ID: d.MessageId, Data: d.Body, Attributes: tableToAttributes(d.Headers)}
			if err := handler(ctx, msg); err != nil {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQClient) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// topology declares the exchange and its catch-all queue once per client.
func (r *RabbitMQClient) topology(exchange string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.declared[exchange] {
		return nil
	}
	if err := r.channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, r.durable, r.autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := r.channel.QueueDeclare(exchange, r.durable, r.autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", exchange, err)
	}
	for _, key := range bindingKeys(nil) {
		if err := r.channel.QueueBind(exchange, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", exchange, err)
		}
	}
	r.declared[exchange] = true
	return nil
}

func (r *RabbitMQClient) consumerQueue(exchange string, eventTypes []string) (string, error) {
	if err := r.topology(exchange); err != nil {
		return "", err
	}
	if len(eventTypes) == 0 {
		return exchange, nil
	}

	q, err := r.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare filtered queue: %w", err)
	}
	for _, key := range bindingKeys(eventTypes) {
		if err := r.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return "", fmt.Errorf("bind %s to %s: %w", key, q.Name, err)
		}
	}
	return q.Name, nil
}

func routingKey(attrs map[string]string) string {
	return attrs[AttrEventType]
}

// bindingKeys returns "#" (every key) when no event types are given.
func bindingKeys(eventTypes []string) []string {
	if len(eventTypes) == 0 {
		return []string{"#"}
	}
	return eventTypes
}

func tableToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for k, v := range headers {
		switch typed := v.(type) {
		case string:
			attrs[k] = typed
		case []byte:
			attrs[k] = string(typed)
		default:
			attrs[k] = fmt.Sprint(v)
		}
	}
	return attrs
}
