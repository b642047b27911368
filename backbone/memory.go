package backbone

import (
	"context"
	"sync"

	"github.com/ghyeongl/jobstream/event"
	"github.com/ghyeongl/jobstream/logging"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber whose
// buffer is full at publish time loses that envelope (best-effort contract).
const subscriberBuffer = 16

// Memory is the in-process Backbone used by single-process deployments and
// tests. Fan-out is per topic with non-blocking sends, so one slow subscriber
// never stalls the publisher or its peers.
type Memory struct {
	mu     sync.RWMutex
	topics map[event.Topic]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an in-process backbone.
func NewMemory() *Memory {
	return &Memory{topics: make(map[event.Topic]map[*memorySub]struct{})}
}

// Publish sends the envelope to every current subscriber of the topic.
// Subscribers that are not keeping up are skipped.
func (m *Memory) Publish(_ context.Context, topic event.Topic, env event.Envelope) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.topics[topic] {
		select {
		case sub.ch <- env:
		default:
			// slow subscriber, drop envelope
		}
	}
	return nil
}

// Subscribe opens a feed for the topic.
func (m *Memory) Subscribe(_ context.Context, topic event.Topic) (Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:   m,
		topic: topic,
		ch:    make(chan event.Envelope, subscriberBuffer),
	}
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[*memorySub]struct{})
		m.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Close shuts the backbone down: all feeds end and further calls fail with
// ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for topic, subs := range m.topics {
		for sub := range subs {
			sub.markClosed()
		}
		delete(m.topics, topic)
	}
	logging.Sub("backbone").Debug("memory backbone closed")
}

func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	subs := m.topics[sub.topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.topics, sub.topic)
	}
	sub.markClosed()
}

type memorySub struct {
	bus   *Memory
	topic event.Topic
	ch    chan event.Envelope
	once  sync.Once
}

func (s *memorySub) Events() <-chan event.Envelope { return s.ch }

func (s *memorySub) Close() { s.bus.remove(s) }

// markClosed closes the feed channel exactly once. Callers must hold the bus
// lock (or have already detached the sub) so no publisher can still send.
func (s *memorySub) markClosed() {
	s.once.Do(func() { close(s.ch) })
}
