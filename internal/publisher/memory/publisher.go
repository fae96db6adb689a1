// Package memory keeps run notifications in process. The collector falls back
// to it when a topic is configured without a Pub/Sub project, so summaries are
// still logged, and tests use it to inspect what would have been sent.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is one recorded notification.
type Message struct {
	ID          string
	Topic       string
	Payload     any
	Body        []byte
	PublishedAt time.Time
}

// Publisher records notifications per topic.
type Publisher struct {
	logger *zap.Logger

	mu     sync.RWMutex
	seq    int
	topics map[string][]Message
}

// New returns an empty Publisher. A nil logger discards output.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger, topics: make(map[string][]Message)}
}

// Publish encodes payload the way the Pub/Sub publisher does and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	p.mu.Lock()
	p.seq++
	msg := Message{
		ID:          fmt.Sprintf("memory-%d", p.seq),
		Topic:       topic,
		Payload:     payload,
		Body:        body,
		PublishedAt: time.Now().UTC(),
	}
	p.topics[topic] = append(p.topics[topic], msg)
	p.mu.Unlock()

	p.logger.Info("notification recorded",
		zap.String("topic", topic),
		zap.String("message_id", msg.ID),
		zap.ByteString("body", body),
	)
	return msg.ID, nil
}

// Topic returns the payloads published to topic, oldest first.
func (p *Publisher) Topic(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msgs := p.topics[topic]
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload)
	}
	return out
}

// Last returns the newest message on topic.
func (p *Publisher) Last(topic string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msgs := p.topics[topic]
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}
