// Package stream owns the client-facing side of the delivery core: bearer
// authentication, the per-connection stream handler, and the producer adapter
// the job pipeline calls.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ghyeongl/jobstream/backbone"
	"github.com/ghyeongl/jobstream/event"
	"github.com/ghyeongl/jobstream/logging"
	"github.com/ghyeongl/jobstream/registry"
)

// connState tracks where a connection is in its lifecycle. Transitions:
// Authenticating → Streaming → Closing → Closed, or Authenticating → Rejected.
type connState int

const (
	stateAuthenticating connState = iota
	stateStreaming
	stateClosing
	stateClosed
	stateRejected
)

func (s connState) String() string {
	switch s {
	case stateAuthenticating:
		return "authenticating"
	case stateStreaming:
		return "streaming"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	case stateRejected:
		return "rejected"
	}
	return "unknown"
}

// Handler serves the long-lived SSE stream endpoint. One goroutine per
// connection runs the state machine: authenticate before upgrade, subscribe
// to the backbone, then select over the subscription feed, the heartbeat
// timer, client disconnect, and server drain.
type Handler struct {
	bus       backbone.Backbone
	reg       *registry.Registry
	verifier  *Verifier
	authorize Authorizer
	cfg       Config

	// terminal, when set, lets a late subscriber observe a topic's terminal
	// envelope during the grace window (wired to Producer.TerminalState in
	// single-process deployments).
	terminal func(event.Topic) (event.Envelope, bool)

	drainOnce sync.Once
	drainCh   chan struct{}
	streams   sync.WaitGroup

	nowFunc func() time.Time
}

// NewHandler creates a stream handler. The default authorizer honors the
// token's topics claim; override with SetAuthorizer for ownership lookups.
func NewHandler(bus backbone.Backbone, reg *registry.Registry, verifier *Verifier, cfg Config) *Handler {
	return &Handler{
		bus:       bus,
		reg:       reg,
		verifier:  verifier,
		authorize: TopicsClaimAuthorizer,
		cfg:       cfg,
		drainCh:   make(chan struct{}),
		nowFunc:   time.Now,
	}
}

// SetAuthorizer replaces the topic authorization check.
func (h *Handler) SetAuthorizer(a Authorizer) { h.authorize = a }

// SetTerminalLookup wires a grace-window terminal-state lookup.
func (h *Handler) SetTerminalLookup(fn func(event.Topic) (event.Envelope, bool)) {
	h.terminal = fn
}

// ServeStream handles GET /api/v1/stream/{topic}. Authentication,
// authorization, and admission all resolve before the response is upgraded to
// text/event-stream, so a rejected client sees a plain HTTP status (401, 403,
// 503) and can tell "never connected" from "connected then closed".
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	l := logging.Sub("stream")
	topic := event.Topic(mux.Vars(r)["topic"])
	if topic.Validate() != nil {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}

	// Authenticating
	claims, err := h.verifier.FromRequest(r)
	if err != nil {
		l.Info("stream rejected", "topic", topic, "state", stateRejected, "err", err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err := h.authorize(claims, topic); err != nil {
		l.Info("stream rejected", "topic", topic, "user", claims.Subject, "state", stateRejected, "err", err)
		http.Error(w, "not authorized for topic", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	connID := uuid.NewString()
	if err := h.reg.Register(connID, topic); err != nil {
		l.Warn("stream rejected at capacity", "topic", topic, "total", h.reg.CountTotal(), "err", err)
		http.Error(w, "too many concurrent streams", http.StatusServiceUnavailable)
		return
	}
	defer h.reg.Unregister(connID)

	sub, err := h.subscribeWithRetry(r.Context(), topic, l)
	if err != nil {
		l.Error("backbone subscribe failed", "topic", topic, "conn", connID, "err", err)
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	h.streams.Add(1)
	defer h.streams.Done()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	l.Info("stream open", "topic", topic, "conn", connID, "user", claims.Subject, "state", stateStreaming)
	h.run(r.Context(), w, flusher, sub, topic, connID, l)
	l.Info("stream closed", "topic", topic, "conn", connID, "state", stateClosed)
}

// run is the Streaming state: forward envelopes, heartbeat on idle, and
// leave on client disconnect, terminal envelope, or server drain.
func (h *Handler) run(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub backbone.Subscription, topic event.Topic, connID string, l *slog.Logger) {
	lastSeq := int64(0)

	write := func(env event.Envelope) bool {
		if err := env.WriteSSE(w); err != nil {
			// Write failure is not retried; the client reconnects.
			l.Debug("client write failed", "topic", topic, "conn", connID, "state", stateClosing, "err", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !write(h.synthetic(topic, event.KindConnected, lastSeq, event.Payload{Message: "stream established"})) {
		return
	}

	// A topic already terminal within its grace window: deliver the outcome
	// once and close, no heartbeat loop.
	if h.terminal != nil {
		if env, ok := h.terminal(topic); ok {
			write(env)
			return
		}
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away. Expected lifecycle, not an error.
			l.Debug("client disconnected", "topic", topic, "conn", connID, "state", stateClosing)
			return

		case <-h.drainCh:
			// Deploy/drain: tell the client to reconnect immediately
			// instead of waiting out its backoff.
			write(h.synthetic(topic, event.KindFailed, lastSeq, event.Payload{Error: "server restarting"}))
			return

		case env, ok := <-sub.Events():
			if !ok {
				// Feed ended under us (backbone connection lost).
				// Bounded retry, then surface a terminal failure.
				sub.Close()
				resub, err := h.subscribeWithRetry(ctx, topic, l)
				if err != nil {
					l.Error("backbone resubscribe failed", "topic", topic, "conn", connID, "err", err)
					write(h.synthetic(topic, event.KindFailed, lastSeq, event.Payload{Error: "stream interrupted"}))
					return
				}
				sub = resub
				defer sub.Close()
				continue
			}
			if !write(env) {
				return
			}
			lastSeq = env.Sequence
			ticker.Reset(h.cfg.HeartbeatInterval)
			if env.Kind.Terminal() {
				l.Debug("terminal envelope forwarded", "topic", topic, "conn", connID, "kind", env.Kind, "state", stateClosing)
				return
			}

		case <-ticker.C:
			// Nothing went out this interval; keep intermediaries from
			// closing the idle connection.
			if !write(h.synthetic(topic, event.KindHeartbeat, lastSeq, event.Payload{})) {
				return
			}
			h.reg.TouchHeartbeat(connID)
		}
	}
}

// subscribeWithRetry opens a backbone feed with bounded backoff: doubling
// delays from cfg.SubscribeBackoff, capped, for cfg.SubscribeRetries attempts.
func (h *Handler) subscribeWithRetry(ctx context.Context, topic event.Topic, l *slog.Logger) (backbone.Subscription, error) {
	delay := h.cfg.SubscribeBackoff
	var lastErr error
	for attempt := 1; attempt <= h.cfg.SubscribeRetries; attempt++ {
		sub, err := h.bus.Subscribe(ctx, topic)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		l.Warn("backbone subscribe attempt failed", "topic", topic, "attempt", attempt, "err", err)
		if attempt == h.cfg.SubscribeRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > h.cfg.SubscribeBackoffCap {
			delay = h.cfg.SubscribeBackoffCap
		}
	}
	return nil, lastErr
}

// synthetic builds a server-originated envelope. It reuses the last forwarded
// sequence so the per-subscriber non-decreasing property holds.
func (h *Handler) synthetic(topic event.Topic, kind event.Kind, seq int64, payload event.Payload) event.Envelope {
	return event.Envelope{
		Topic:     topic,
		Kind:      kind,
		Sequence:  seq,
		Payload:   payload,
		EmittedAt: h.nowFunc(),
	}
}

// Drain begins graceful shutdown: every streaming connection receives a
// synthetic failed envelope ("server restarting") and closes. Blocks until
// all streams finish or ctx expires.
func (h *Handler) Drain(ctx context.Context) {
	h.drainOnce.Do(func() { close(h.drainCh) })
	done := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Sub("stream").Info("drain complete")
	case <-ctx.Done():
		logging.Sub("stream").Warn("drain timed out", "err", ctx.Err())
	}
}
