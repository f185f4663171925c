// Package events publishes user lifecycle notifications to the message broker.
// Events never carry credentials.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jjudge-oj/authserver/internal/mq"
	"github.com/jjudge-oj/authserver/types"
)

const (
	TypeUserRegistered = "user.registered"
	TypeUserLoggedIn   = "user.logged_in"
)

// UserEvent is the JSON payload published for every lifecycle event.
type UserEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     int       `json:"userId"`
	Username   string    `json:"username"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits user lifecycle events.
type Publisher interface {
	UserRegistered(ctx context.Context, user types.User) error
	UserLoggedIn(ctx context.Context, user types.User) error
}

// NewPublisher returns a broker-backed Publisher, or a no-op one when queue is nil.
func NewPublisher(queue *mq.MQ, channel string) Publisher {
	if queue == nil {
		return Noop{}
	}
	return &BrokerPublisher{queue: queue, channel: channel, now: time.Now}
}

// BrokerPublisher publishes JSON events on a single channel.
type BrokerPublisher struct {
	queue   *mq.MQ
	channel string
	now     func() time.Time
}

func (p *BrokerPublisher) UserRegistered(ctx context.Context, user types.User) error {
	return p.publish(ctx, TypeUserRegistered, user)
}

func (p *BrokerPublisher) UserLoggedIn(ctx context.Context, user types.User) error {
	return p.publish(ctx, TypeUserLoggedIn, user)
}

func (p *BrokerPublisher) publish(ctx context.Context, eventType string, user types.User) error {
	event := UserEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		UserID:     user.ID,
		Username:   user.Username,
		OccurredAt: p.now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	// Events for one user are delivered in the order they happened.
	attrs := map[string]string{
		"type":             eventType,
		mq.AttrMessageID:   event.ID,
		mq.AttrContentType: "application/json",
		mq.AttrOrderingKey: fmt.Sprintf("user-%d", user.ID),
	}
	if _, err := p.queue.Publish(ctx, p.channel, data, attrs); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) UserRegistered(context.Context, types.User) error { return nil }
func (Noop) UserLoggedIn(context.Context, types.User) error   { return nil }

// Decode parses a message published by BrokerPublisher.
func Decode(msg mq.Message) (UserEvent, error) {
	var event UserEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return UserEvent{}, fmt.Errorf("decode event %s: %w", msg.ID, err)
	}
	return event, nil
}
