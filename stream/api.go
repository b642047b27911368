package stream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ghyeongl/jobstream/event"
	"github.com/ghyeongl/jobstream/logging"
	"github.com/ghyeongl/jobstream/registry"
)

// emitKeyHeader authenticates the producer HTTP facade. The job pipeline is a
// trusted internal caller; a shared key keeps the endpoint off the public
// surface without dragging the pipeline into JWT issuance.
const emitKeyHeader = "X-Emit-Key"

// API wires the delivery core's HTTP endpoints onto a router.
type API struct {
	Handler  *Handler
	Producer *Producer
	Registry *registry.Registry
	EmitKey  string
}

// Routes registers the subsystem's endpoints.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/api/v1/stream/{topic}", a.Handler.ServeStream).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/emit", a.HandleEmit).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/stats", a.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.HandleHealthz).Methods(http.MethodGet)
}

// EmitRequest is the producer facade body.
type EmitRequest struct {
	Topic   string        `json:"topic"`
	Kind    string        `json:"kind"`
	Payload event.Payload `json:"payload"`
}

// HandleEmit handles POST /api/v1/emit: the out-of-process entry point for
// the job pipeline. In-process producers call Producer.Emit directly.
func (a *API) HandleEmit(w http.ResponseWriter, r *http.Request) {
	l := logging.Sub("api")
	if a.EmitKey == "" || r.Header.Get(emitKeyHeader) != a.EmitKey {
		http.Error(w, "emit key required", http.StatusUnauthorized)
		return
	}

	var req EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		l.Warn("emit: bad body", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	env, err := a.Producer.Emit(event.Topic(req.Topic), event.Kind(req.Kind), req.Payload)
	switch {
	case errors.Is(err, event.ErrEmptyTopic), errors.Is(err, ErrInvalidKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrTopicClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	l.Debug("emit accepted", "topic", env.Topic, "kind", env.Kind, "seq", env.Sequence)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(env) //nolint:errcheck
}

// StatsResponse summarizes this process's live connections.
type StatsResponse struct {
	Connections  int                     `json:"connections"`
	Capacity     int                     `json:"capacity"`
	Topics       map[string]int          `json:"topics"`
	RecentErrors []logging.LogEntry      `json:"recentErrors"`
	Streams      []registry.Subscription `json:"streams,omitempty"`
}

// HandleStats handles GET /api/v1/stats.
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	topics := make(map[string]int)
	for _, t := range a.Registry.Topics() {
		topics[string(t)] = a.Registry.CountForTopic(t)
	}

	resp := StatsResponse{
		Connections:  a.Registry.CountTotal(),
		Capacity:     a.Registry.Capacity(),
		Topics:       topics,
		RecentErrors: logging.RecentErrors(),
	}
	if r.URL.Query().Get("streams") == "1" {
		resp.Streams = a.Registry.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// HandleHealthz handles GET /healthz.
func (a *API) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}
