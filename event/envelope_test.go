package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindProgress, KindHeartbeat, KindCompleted, KindFailed, KindConnected} {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, Kind("bogus").Valid())
	assert.False(t, Kind("").Valid())
}

func TestKind_Terminal(t *testing.T) {
	assert.True(t, KindCompleted.Terminal())
	assert.True(t, KindFailed.Terminal())
	assert.False(t, KindProgress.Terminal())
	assert.False(t, KindHeartbeat.Terminal())
	assert.False(t, KindConnected.Terminal())
}

func TestTopic_Validate(t *testing.T) {
	assert.NoError(t, Topic("job-42").Validate())
	assert.ErrorIs(t, Topic("").Validate(), ErrEmptyTopic)
}

func TestEnvelope_WriteSSE(t *testing.T) {
	pct := 50
	env := Envelope{
		Topic:     "job-42",
		Kind:      KindProgress,
		Sequence:  7,
		Payload:   Payload{Percent: &pct, Message: "transcribing"},
		EmittedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	var buf bytes.Buffer
	require.NoError(t, env.WriteSSE(&buf))

	frame := buf.String()
	assert.True(t, strings.HasPrefix(frame, "event: progress\n"), frame)
	assert.True(t, strings.HasSuffix(frame, "\n\n"), "frame must end with blank line")

	lines := strings.Split(strings.TrimRight(frame, "\n"), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[1], "data: "))

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data))
	assert.Equal(t, "job-42", data["topic"])
	assert.Equal(t, float64(7), data["sequence"])
	assert.NotContains(t, data, "kind", "kind travels in the event line only")

	payload := data["payload"].(map[string]any)
	assert.Equal(t, float64(50), payload["percent"])
	assert.Equal(t, "transcribing", payload["message"])
	assert.NotContains(t, payload, "error")
}

func TestEnvelope_WriteSSE_Heartbeat(t *testing.T) {
	env := Envelope{Topic: "job-7", Kind: KindHeartbeat, Sequence: 3, EmittedAt: time.Now()}

	var buf bytes.Buffer
	require.NoError(t, env.WriteSSE(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "event: heartbeat\n"))
}
