package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/jjudge-oj/authserver/config"
	"google.golang.org/api/option"
)

// PubSubClient publishes to and consumes from Google Cloud Pub/Sub topics.
// Each topic is resolved once and reused, so the per-request publish path
// makes a single RPC.
type PubSubClient struct {
	client             *pubsub.Client
	subscriptionSuffix string

	topics  sync.Map // channel -> *pubsub.Topic
	resolve func(ctx context.Context, name string) (*pubsub.Topic, error)
}

func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*PubSubClient, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	suffix := cfg.SubscriptionSuffix
	if suffix == "" {
		suffix = "-sub"
	}

	p := &PubSubClient{client: client, subscriptionSuffix: suffix}
	p.resolve = p.ensureTopic
	return p, nil
}

// Publish sends data on the channel's topic and waits for the server-assigned
// id. Pub/Sub does not accept publisher ids; the event id travels as an
// attribute instead.
func (p *PubSubClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}

	msg := pubsubMessage(data, attrs)
	id, err := topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed publish pauses its ordering key until resumed.
			topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("pubsub publish to %s: %w", channel, err)
	}
	return id, nil
}

func (p *PubSubClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return err
	}

	sub, err := p.ensureSubscription(ctx, p.subscriptionName(channel), topic)
	if err != nil {
		return err
	}

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := handler(ctx, fromPubSub(msg)); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close flushes every cached topic before closing the client.
func (p *PubSubClient) Close() error {
	p.topics.Range(func(_, value any) bool {
		value.(*pubsub.Topic).Stop()
		return true
	})
	return p.client.Close()
}

func (p *PubSubClient) topic(ctx context.Context, channel string) (*pubsub.Topic, error) {
	if cached, ok := p.topics.Load(channel); ok {
		return cached.(*pubsub.Topic), nil
	}

	topic, err := p.resolve(ctx, channel)
	if err != nil {
		return nil, err
	}
	actual, loaded := p.topics.LoadOrStore(channel, topic)
	if loaded && topic != nil {
		// Lost the race; drop our handle and use the stored one.
		topic.Stop()
	}
	return actual.(*pubsub.Topic), nil
}

func (p *PubSubClient) ensureTopic(ctx context.Context, name string) (*pubsub.Topic, error) {
	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", name, err)
	}
	if !exists {
		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create topic %s: %w", name, err)
		}
	}
	topic.EnableMessageOrdering = true
	return topic, nil
}

func (p *PubSubClient) ensureSubscription(ctx context.Context, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", name, err)
	}
	if !exists {
		return p.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:                 topic,
			EnableMessageOrdering: true,
		})
	}
	return sub, nil
}

func (p *PubSubClient) subscriptionName(channel string) string {
	return channel + p.subscriptionSuffix
}

func pubsubMessage(data []byte, attrs map[string]string) *pubsub.Message {
	return &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: attrs[AttrOrderingKey],
	}
}

// fromPubSub prefers the publisher's event id over the server-assigned one so
// redeliveries of the same event share an id across backends.
func fromPubSub(msg *pubsub.Message) Message {
	id := msg.Attributes[AttrMessageID]
	if id == "" {
		id = msg.ID
	}
	return Message{ID: id, Data: msg.Data, Attributes: msg.Attributes}
}
