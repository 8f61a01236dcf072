// Package memory records completion notifications in memory for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	notify   chan struct{}
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{notify: make(chan struct{})}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	close(p.notify)
	p.notify = make(chan struct{})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// WaitFor blocks until at least n messages were published or ctx ends.
func (p *Publisher) WaitFor(ctx context.Context, n int) ([]PublishedMessage, error) {
	for {
		p.mu.RLock()
		count := len(p.messages)
		ch := p.notify
		p.mu.RUnlock()
		if count >= n {
			return p.Messages(), nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return p.Messages(), fmt.Errorf("wait for %d messages: %w", n, ctx.Err())
		}
	}
}
