package backbone

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ghyeongl/jobstream/event"
	"github.com/ghyeongl/jobstream/logging"
)

// Redis is the cross-process Backbone. Each topic maps to one Redis pub/sub
// channel; envelopes travel as JSON. Redis pub/sub is fire-and-forget, which
// matches the best-effort contract exactly: no replay, no buffering.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing Redis client. The caller owns the client's
// lifecycle; closing it ends all subscriptions.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// channelName namespaces topic channels so unrelated keyspace users never
// collide with the delivery stream.
func channelName(topic event.Topic) string {
	return "jobstream:topic:" + string(topic) + ":events"
}

// Publish submits the envelope to the topic's channel. A write the broker
// cannot accept surfaces as ErrUnavailable.
func (r *Redis) Publish(ctx context.Context, topic event.Topic, env event.Envelope) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, channelName(topic), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

// Subscribe opens a feed for the topic. The subscription is confirmed with
// the broker before Subscribe returns, so a nil error means the feed is live.
func (r *Redis) Subscribe(ctx context.Context, topic event.Topic) (Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	ps := r.client.Subscribe(ctx, channelName(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}

	sub := &redisSub{
		ps:  ps,
		out: make(chan event.Envelope, subscriberBuffer),
	}
	go sub.forward(topic)
	return sub, nil
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan event.Envelope
	once sync.Once
}

func (s *redisSub) Events() <-chan event.Envelope { return s.out }

// Close tears down the broker subscription. The forward goroutine drains and
// closes the feed channel once the broker side is released.
func (s *redisSub) Close() {
	s.once.Do(func() { _ = s.ps.Close() })
}

// forward copies broker messages into the feed channel until the PubSub
// closes. Malformed payloads are logged and skipped; a full feed buffer drops
// the envelope, same as the in-memory bus.
func (s *redisSub) forward(topic event.Topic) {
	l := logging.Sub("backbone")
	defer close(s.out)
	for msg := range s.ps.Channel() {
		var env event.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			l.Warn("bad envelope on channel", "topic", topic, "err", err)
			continue
		}
		select {
		case s.out <- env:
		default:
			// slow subscriber, drop envelope
		}
	}
}
