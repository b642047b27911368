// Package event defines the value types carried by the delivery core:
// topics, envelope kinds, and the envelope itself, plus the SSE wire framing.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Topic identifies one broadcast channel, scoped 1:1 to a job/session.
// Topics are opaque to this package; the producer decides their format.
type Topic string

// ErrEmptyTopic is returned when an operation is attempted on a blank topic.
var ErrEmptyTopic = errors.New("event: empty topic")

func (t Topic) String() string { return string(t) }

// Validate rejects topics that cannot name a channel.
func (t Topic) Validate() error {
	if t == "" {
		return ErrEmptyTopic
	}
	return nil
}

// Kind classifies an envelope.
type Kind string

const (
	// KindProgress carries an incremental status update for a running job.
	KindProgress Kind = "progress"
	// KindHeartbeat is a synthetic keep-alive, sent only when no application
	// envelope went out within the heartbeat interval.
	KindHeartbeat Kind = "heartbeat"
	// KindCompleted marks successful job completion. Terminal.
	KindCompleted Kind = "completed"
	// KindFailed marks job failure (or server-initiated close). Terminal.
	KindFailed Kind = "failed"
	// KindConnected is sent once when a stream is established.
	KindConnected Kind = "connected"
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindProgress, KindHeartbeat, KindCompleted, KindFailed, KindConnected:
		return true
	}
	return false
}

// Terminal reports whether k closes its topic.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// Payload is the kind-specific body of an envelope. All fields are optional;
// which ones are set depends on the kind.
type Payload struct {
	Percent *int   `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Envelope is one immutable, sequenced status event on a topic.
// Sequence numbers are assigned by the producer, start at 0, and are
// non-decreasing per topic as observed by any single subscriber; gaps are
// permitted (delivery is best-effort), so consumers must treat Sequence as an
// ordering hint, not a completeness proof.
type Envelope struct {
	Topic     Topic     `json:"topic"`
	Kind      Kind      `json:"kind"`
	Sequence  int64     `json:"sequence"`
	Payload   Payload   `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// sseData is the data line of the SSE frame; the kind travels in the
// "event:" line, not in the JSON body.
type sseData struct {
	Topic     Topic     `json:"topic"`
	Sequence  int64     `json:"sequence"`
	Payload   Payload   `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// WriteSSE writes the envelope as one SSE frame:
//
//	event: <kind>
//	data: {"topic":...,"sequence":...,"payload":...,"emitted_at":...}
//
// followed by the blank line that terminates the frame.
func (e Envelope) WriteSSE(w io.Writer) error {
	data, err := json.Marshal(sseData{
		Topic:     e.Topic,
		Sequence:  e.Sequence,
		Payload:   e.Payload,
		EmittedAt: e.EmittedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	return nil
}
