// Package registry tracks which live connections in this process are
// subscribed to which topics. It is lookup state only: delivery truth lives in
// the backbone, so entries are process-local and vanish with the process.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/marusama/semaphore/v2"
	"github.com/samber/lo"

	"github.com/ghyeongl/jobstream/event"
)

// ErrCapacityExceeded is returned when registering would exceed the
// configured concurrent-connection ceiling. Handlers map it to HTTP 503
// before any stream bytes are written.
var ErrCapacityExceeded = errors.New("registry: capacity exceeded")

// shardCount trades lock contention for memory. Registration happens at
// connection open/close frequency, which spikes under reconnect storms.
const shardCount = 16

// Subscription is one registry entry tying a connection to its topic.
type Subscription struct {
	Topic               event.Topic `json:"topic"`
	ConnectionID        string      `json:"connection_id"`
	SubscribedAt        time.Time   `json:"subscribed_at"`
	LastHeartbeatSentAt time.Time   `json:"last_heartbeat_sent_at,omitzero"`
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Subscription
}

// Registry is the per-process connection table. Construct one per process
// (or per test) with New; it holds no global state.
type Registry struct {
	shards [shardCount]*shard

	topicMu sync.RWMutex
	topics  map[event.Topic]int

	sem semaphore.Semaphore

	nowFunc func() time.Time
}

// New creates a registry with the given concurrent-connection ceiling.
func New(maxConnections int) *Registry {
	r := &Registry{
		topics:  make(map[event.Topic]int),
		sem:     semaphore.New(maxConnections),
		nowFunc: time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*Subscription)}
	}
	return r
}

func (r *Registry) shardFor(connID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(connID)) //nolint:errcheck
	return r.shards[h.Sum32()%shardCount]
}

// Register records a connection's subscription to a topic. Re-registering the
// same (connection, topic) pair is a no-op; the entry and the capacity slot
// are held once. Returns ErrCapacityExceeded past the ceiling.
func (r *Registry) Register(connID string, topic event.Topic) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	s := r.shardFor(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[connID]; ok {
		if existing.Topic == topic {
			return nil
		}
		// Same connection moving to a new topic keeps its capacity slot.
		r.adjustTopic(existing.Topic, -1)
		existing.Topic = topic
		existing.SubscribedAt = r.nowFunc()
		r.adjustTopic(topic, +1)
		return nil
	}

	if !r.sem.TryAcquire(1) {
		return ErrCapacityExceeded
	}
	s.entries[connID] = &Subscription{
		Topic:        topic,
		ConnectionID: connID,
		SubscribedAt: r.nowFunc(),
	}
	r.adjustTopic(topic, +1)
	return nil
}

// Unregister removes a connection's entry. Unknown connections are a no-op.
func (r *Registry) Unregister(connID string) {
	s := r.shardFor(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[connID]
	if !ok {
		return
	}
	delete(s.entries, connID)
	r.adjustTopic(existing.Topic, -1)
	r.sem.Release(1)
}

// TouchHeartbeat records that a heartbeat was just written to the connection.
func (r *Registry) TouchHeartbeat(connID string) {
	s := r.shardFor(connID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[connID]; ok {
		existing.LastHeartbeatSentAt = r.nowFunc()
	}
}

// CountForTopic returns the number of local connections subscribed to topic.
func (r *Registry) CountForTopic(topic event.Topic) int {
	r.topicMu.RLock()
	defer r.topicMu.RUnlock()
	return r.topics[topic]
}

// CountTotal returns the number of registered connections in this process.
func (r *Registry) CountTotal() int {
	return r.sem.GetCount()
}

// Capacity returns the configured connection ceiling.
func (r *Registry) Capacity() int {
	return r.sem.GetLimit()
}

// SetCapacity resizes the ceiling at runtime. Shrinking below the current
// count does not evict anyone; it only blocks new registrations.
func (r *Registry) SetCapacity(n int) {
	r.sem.SetLimit(n)
}

// Topics returns the topics with at least one local subscriber.
func (r *Registry) Topics() []event.Topic {
	r.topicMu.RLock()
	defer r.topicMu.RUnlock()
	return lo.Keys(r.topics)
}

// Snapshot returns a copy of every registry entry, for the stats surface.
func (r *Registry) Snapshot() []Subscription {
	out := make([]Subscription, 0, r.CountTotal())
	for _, s := range r.shards {
		s.mu.RLock()
		out = append(out, lo.Map(lo.Values(s.entries), func(e *Subscription, _ int) Subscription {
			return *e
		})...)
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) adjustTopic(topic event.Topic, delta int) {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()
	n := r.topics[topic] + delta
	if n <= 0 {
		delete(r.topics, topic)
		return
	}
	r.topics[topic] = n
}
