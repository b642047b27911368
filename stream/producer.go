package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ghyeongl/jobstream/backbone"
	"github.com/ghyeongl/jobstream/event"
	"github.com/ghyeongl/jobstream/logging"
)

// ErrTopicClosed is returned when emitting on a topic that already reached a
// terminal state. The identifier is inert; the job pipeline must not reuse it.
var ErrTopicClosed = errors.New("stream: topic closed")

// ErrInvalidKind is returned for kinds the producer surface does not accept.
// Only progress, completed, and failed are emittable; heartbeat and connected
// are synthesized by the stream handler.
var ErrInvalidKind = errors.New("stream: kind not emittable")

// seqTTL bounds memory held for topics that go quiet without a terminal
// envelope (crashed pipelines). Touched on every emit.
const seqTTL = 24 * time.Hour

// Producer is the write-side contract exposed to the job pipeline. It assigns
// per-topic sequence numbers, builds envelopes, and publishes them.
//
// Emit is safe to call from the pipeline's own goroutines and never surfaces
// backbone failures to the caller: a delivery hiccup must not fail the job it
// is reporting on. The only errors returned are caller mistakes (bad topic or
// kind, closed topic).
type Producer struct {
	bus            backbone.Backbone
	seqs           *ttlcache.Cache[event.Topic, *atomic.Int64]
	terminal       *ttlcache.Cache[event.Topic, event.Envelope]
	publishTimeout time.Duration

	nowFunc func() time.Time
}

// NewProducer creates a producer over the given backbone. TerminalGrace and
// PublishTimeout are taken from cfg. Call Stop when done.
func NewProducer(bus backbone.Backbone, cfg Config) *Producer {
	p := &Producer{
		bus:            bus,
		seqs:           ttlcache.New(ttlcache.WithTTL[event.Topic, *atomic.Int64](seqTTL)),
		terminal:       ttlcache.New(ttlcache.WithTTL[event.Topic, event.Envelope](cfg.TerminalGrace), ttlcache.WithDisableTouchOnHit[event.Topic, event.Envelope]()),
		publishTimeout: cfg.PublishTimeout,
		nowFunc:        time.Now,
	}
	go p.seqs.Start()
	go p.terminal.Start()
	return p
}

// Stop releases the producer's expiry timers.
func (p *Producer) Stop() {
	p.seqs.Stop()
	p.terminal.Stop()
}

// Emit publishes one status envelope on the topic, assigning the next
// sequence number (starting at 0). A terminal kind additionally closes the
// topic: its envelope stays observable for the grace window so last-moment
// subscribers still see the outcome, after which the topic is inert.
//
// The returned envelope is what was submitted; submission failure is logged
// and dropped, never returned.
func (p *Producer) Emit(topic event.Topic, kind event.Kind, payload event.Payload) (event.Envelope, error) {
	if err := topic.Validate(); err != nil {
		return event.Envelope{}, err
	}
	switch kind {
	case event.KindProgress, event.KindCompleted, event.KindFailed:
	default:
		return event.Envelope{}, ErrInvalidKind
	}
	if p.terminal.Has(topic) {
		return event.Envelope{}, ErrTopicClosed
	}

	counter, _ := p.seqs.GetOrSet(topic, &atomic.Int64{})
	env := event.Envelope{
		Topic:     topic,
		Kind:      kind,
		Sequence:  counter.Value().Add(1) - 1,
		Payload:   payload,
		EmittedAt: p.nowFunc(),
	}

	if kind.Terminal() {
		p.terminal.Set(topic, env, ttlcache.DefaultTTL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, topic, env); err != nil {
		// Contractual isolation: the job keeps running, the subscriber
		// falls back to polling for this moment.
		logging.Sub("producer").Warn("publish dropped", "topic", topic, "kind", kind, "seq", env.Sequence, "err", err)
	}
	return env, nil
}

// TerminalState reports the terminal envelope for a topic while it is inside
// the grace window, so a late subscriber can observe the outcome once.
// Process-local: with the Redis backbone, only the emitting process knows.
func (p *Producer) TerminalState(topic event.Topic) (event.Envelope, bool) {
	item := p.terminal.Get(topic)
	if item == nil {
		return event.Envelope{}, false
	}
	return item.Value(), true
}
