package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ghyeongl/jobstream/event"
	"github.com/ghyeongl/jobstream/logging"
)

// ErrRejected is returned when the server refuses the stream with 401 or 403.
// Retrying will not help; the caller needs a new credential.
var ErrRejected = errors.New("client: stream rejected")

// PollFunc is the caller's point-in-time status lookup against the ordinary
// request/response endpoint (owned by the persistence collaborator). It
// returns done=true once the job is terminal, which ends the consumer.
type PollFunc func(ctx context.Context) (done bool, err error)

// Consumer follows one topic's stream, reconnecting per the policy and
// degrading to polling when the stream cannot be sustained.
type Consumer struct {
	// BaseURL is the server root, e.g. "http://localhost:8420".
	BaseURL string
	// Token is the bearer credential for the stream endpoint.
	Token string
	// Topic is the job/session to follow.
	Topic event.Topic

	// OnEvent receives every envelope observed on the stream, including
	// heartbeats and the connected handshake.
	OnEvent func(event.Envelope)
	// Poll is the fallback lookup. Called between reconnect attempts and
	// exclusively once the stream is abandoned.
	Poll PollFunc

	// Policy defaults to DefaultReconnectPolicy.
	Policy ReconnectPolicy
	// HeartbeatInterval mirrors the server's cadence; a stream that stays
	// silent for twice this long is treated as dead.
	HeartbeatInterval time.Duration
	// PollInterval paces the fallback loop. Defaults to HeartbeatInterval.
	PollInterval time.Duration
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Run follows the topic until a terminal envelope arrives, the poll fallback
// reports the job done, or ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	l := logging.Sub("client")
	if c.Policy == (ReconnectPolicy{}) {
		c.Policy = DefaultReconnectPolicy()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = c.HeartbeatInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}

	failures := 0
	for {
		terminal, gotEvents, err := c.streamOnce(ctx)
		switch {
		case terminal:
			return nil
		case errors.Is(err, ErrRejected):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		if gotEvents {
			// The stream was live before it dropped; the failure streak
			// restarts.
			failures = 0
		}
		failures++
		l.Debug("stream attempt failed", "topic", c.Topic, "failures", failures, "err", err)

		if c.Policy.Abandoned(failures) {
			l.Info("stream abandoned, staying on polling", "topic", c.Topic, "failures", failures)
			return c.pollUntilDone(ctx)
		}

		// One point-in-time poll so the UI is never silent during backoff.
		if c.Poll != nil {
			if done, err := c.Poll(ctx); err == nil && done {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Policy.Delay(failures)):
		}
	}
}

// streamOnce opens the SSE stream and consumes it until it ends.
// terminal means a completed/failed envelope arrived (clean end); gotEvents
// means at least one envelope was observed before the stream dropped.
func (c *Consumer) streamOnce(ctx context.Context) (terminal, gotEvents bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/stream/%s", strings.TrimRight(c.BaseURL, "/"), c.Topic)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, false, fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	default:
		// 503 (capacity) and friends: retryable, poll in the meantime.
		return false, false, fmt.Errorf("client: stream returned HTTP %d", resp.StatusCode)
	}

	// Watchdog: zero events for longer than 2x the heartbeat interval means
	// the stream is dead even though the socket looks open.
	watchdog := time.AfterFunc(2*c.HeartbeatInterval, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	var kind, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if kind == "" && data == "" {
				continue
			}
			env, perr := parseEnvelope(kind, data)
			kind, data = "", ""
			if perr != nil {
				continue
			}
			gotEvents = true
			watchdog.Reset(2 * c.HeartbeatInterval)
			if c.OnEvent != nil {
				c.OnEvent(env)
			}
			if env.Kind.Terminal() {
				return true, true, nil
			}
		}
	}
	if ctx.Err() != nil {
		return false, gotEvents, ctx.Err()
	}
	return false, gotEvents, fmt.Errorf("client: stream ended without terminal envelope")
}

// pollUntilDone is the degraded mode: ordinary status lookups on a timer.
func (c *Consumer) pollUntilDone(ctx context.Context) error {
	if c.Poll == nil {
		return fmt.Errorf("client: stream abandoned and no poll fallback configured")
	}
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		done, err := c.Poll(ctx)
		if err == nil && done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func parseEnvelope(kind, data string) (event.Envelope, error) {
	var env event.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return event.Envelope{}, err
	}
	env.Kind = event.Kind(kind)
	if !env.Kind.Valid() {
		return event.Envelope{}, fmt.Errorf("client: unknown event kind %q", kind)
	}
	return env, nil
}
