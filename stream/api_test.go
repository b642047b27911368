package stream

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/jobstream/event"
)

func postEmit(t *testing.T, env *streamEnv, key string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/emit", bytes.NewBufferString(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-Emit-Key", key)
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandleEmit_RequiresKey(t *testing.T) {
	env := setupStreamEnv(t, nil)

	resp := postEmit(t, env, "", `{"topic":"job-42","kind":"progress","payload":{}}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postEmit(t, env, "wrong", `{"topic":"job-42","kind":"progress","payload":{}}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleEmit_Accepted(t *testing.T) {
	env := setupStreamEnv(t, nil)

	resp := postEmit(t, env, "emit-secret", `{"topic":"job-42","kind":"progress","payload":{"percent":50,"message":"halfway"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var env0 event.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env0))
	assert.Equal(t, event.Topic("job-42"), env0.Topic)
	assert.Equal(t, int64(0), env0.Sequence)
	assert.Equal(t, 50, *env0.Payload.Percent)
}

func TestHandleEmit_BadInput(t *testing.T) {
	env := setupStreamEnv(t, nil)

	resp := postEmit(t, env, "emit-secret", `not json`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postEmit(t, env, "emit-secret", `{"topic":"","kind":"progress"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postEmit(t, env, "emit-secret", `{"topic":"job-42","kind":"heartbeat"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEmit_ClosedTopicConflicts(t *testing.T) {
	env := setupStreamEnv(t, nil)

	resp := postEmit(t, env, "emit-secret", `{"topic":"job-42","kind":"completed","payload":{"message":"done"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postEmit(t, env, "emit-secret", `{"topic":"job-42","kind":"progress","payload":{}}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleStats(t *testing.T) {
	env := setupStreamEnv(t, nil)
	require.NoError(t, env.reg.Register("conn-1", "job-42"))
	defer env.reg.Unregister("conn-1")

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/v1/stats?streams=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, testConfig().MaxConnections, stats.Capacity)
	assert.Equal(t, 1, stats.Topics["job-42"])
	require.Len(t, stats.Streams, 1)
	assert.Equal(t, "conn-1", stats.Streams[0].ConnectionID)
}

func TestHandleHealthz(t *testing.T) {
	env := setupStreamEnv(t, nil)

	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
