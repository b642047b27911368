// Package backbone abstracts the pub/sub medium that carries status envelopes
// from producers to subscribed stream handlers, possibly across processes.
//
// Delivery is best-effort: a subscriber that is not actively reading when an
// envelope is published does not receive it retroactively. There is no durable
// queueing; publish is O(1) per subscriber regardless of subscriber count.
package backbone

import (
	"context"
	"errors"

	"github.com/ghyeongl/jobstream/event"
)

// ErrUnavailable is returned when the medium cannot accept a publish or
// establish a subscription. Publish-side callers log and drop; subscribe-side
// callers retry with bounded backoff before giving up.
var ErrUnavailable = errors.New("backbone: unavailable")

// ErrClosed is returned once the backbone has been shut down.
var ErrClosed = errors.New("backbone: closed")

// Subscription is one live feed of envelopes for a single topic.
// The feed ends (channel closed) when Close is called or the backbone shuts
// down. Close is idempotent and releases the underlying resource promptly.
type Subscription interface {
	Events() <-chan event.Envelope
	Close()
}

// Backbone publishes envelopes to topics and hands out live per-topic feeds.
//
// Topics are independent: slow or failed delivery on one topic never blocks
// delivery on another.
type Backbone interface {
	// Publish submits an envelope to a topic. Success means the medium
	// accepted the write, never that any subscriber received it.
	Publish(ctx context.Context, topic event.Topic, env event.Envelope) error

	// Subscribe opens a live feed for a topic. Each call produces an
	// independent feed starting from the moment of subscription
	// (restartable per call, not resumable mid-stream).
	Subscribe(ctx context.Context, topic event.Topic) (Subscription, error)
}
