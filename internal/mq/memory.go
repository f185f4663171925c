package mq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process Backend. Published messages are buffered per
// channel until a subscriber drains them.
type MemoryBackend struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	capacity int
	closed   bool
}

func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity < 1 {
		capacity = 64
	}
	return &MemoryBackend{queues: make(map[string]chan Message), capacity: capacity}
}

func (m *MemoryBackend) queue(channel string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("memory backend closed")
	}
	q, ok := m.queues[channel]
	if !ok {
		q = make(chan Message, m.capacity)
		m.queues[channel] = q
	}
	return q, nil
}

func (m *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}
	q, err := m.queue(channel)
	if err != nil {
		return "", err
	}
	id := attrs[AttrMessageID]
	if id == "" {
		id = uuid.NewString()
	}
	msg := Message{ID: id, Data: data, Attributes: attrs}
	select {
	case q <- msg:
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe delivers messages until ctx is done. Messages whose handler fails
// are re-queued.
func (m *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("memory channel is required")
	}
	q, err := m.queue(channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			if err := handler(ctx, msg); err != nil {
				select {
				case q <- msg:
				default:
				}
			}
		}
	}
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
