package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jjudge-oj/authserver/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultContentType = "application/octet-stream"

// RabbitMQClient publishes to and consumes from queues on the default
// exchange. Each queue is declared once per client.
type RabbitMQClient struct {
	conn            *amqp.Connection
	channel         *amqp.Channel
	queueDurable    bool
	queueAutoDelete bool

	declared sync.Map // queue name -> struct{}
	declare  func(name string) error
}

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

	r := &RabbitMQClient{
		conn:            conn,
		channel:         ch,
		queueDurable:    cfg.QueueDurable,
		queueAutoDelete: cfg.QueueAutoDelete,
	}
	r.declare = r.declareQueue
	return r, nil
}

// Publish routes data to the named queue. The returned id is the event id
// from attrs when present.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return "", err
	}

	msg := amqpPublishing(data, attrs)
	if err := r.channel.PublishWithContext(ctx, "", channel, false, false, msg); err != nil {
		return "", fmt.Errorf("rabbitmq publish to %s: %w", channel, err)
	}
	return msg.MessageId, nil
}

func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return err
	}

	consumerTag := "authserver-" + uuid.NewString()
	deliveries, err := r.channel.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", channel, err)
	}
	defer func() {
		_ = r.channel.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, fromDelivery(delivery)); err != nil {
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
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

func (r *RabbitMQClient) ensureQueue(name string) error {
	if _, ok := r.declared.Load(name); ok {
		return nil
	}
	if err := r.declare(name); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	r.declared.Store(name, struct{}{})
	return nil
}

func (r *RabbitMQClient) declareQueue(name string) error {
	_, err := r.channel.QueueDeclare(name, r.queueDurable, r.queueAutoDelete, false, false, nil)
	return err
}

func amqpPublishing(data []byte, attrs map[string]string) amqp.Publishing {
	headers := make(amqp.Table, len(attrs))
	for key, value := range attrs {
		headers[key] = value
	}

	id := attrs[AttrMessageID]
	if id == "" {
		id = uuid.NewString()
	}
	ct := attrs[AttrContentType]
	if ct == "" {
		ct = defaultContentType
	}

	return amqp.Publishing{
		ContentType:  ct,
		MessageId:    id,
		Headers:      headers,
		Body:         data,
		DeliveryMode: amqp.Persistent,
	}
}

func fromDelivery(d amqp.Delivery) Message {
	var attrs map[string]string
	if len(d.Headers) > 0 {
		attrs = make(map[string]string, len(d.Headers))
		for key, value := range d.Headers {
			switch typed := value.(type) {
			case string:
				attrs[key] = typed
			case []byte:
				attrs[key] = string(typed)
			default:
				attrs[key] = fmt.Sprint(value)
			}
		}
	}
	return Message{ID: d.MessageId, Data: d.Body, Attributes: attrs}
}
