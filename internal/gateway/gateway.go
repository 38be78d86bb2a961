// Package gateway implements the broker's control-plane HTTP/WS surface:
// spawning and releasing agents, sending messages, listing agents,
// subscribing to the replayable event stream, and accepting inbound
// relay events from the external bus's own webhook/bridge path.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/AgentWorkforce/relay-sub012/internal/broker"
	"github.com/AgentWorkforce/relay-sub012/internal/common/logger"
)

// Gateway wraps a broker.Broker with an http.Handler surface.
type Gateway struct {
	b   *broker.Broker
	log *logger.Logger
}

// New constructs a Gateway over b.
func New(b *broker.Broker, log *logger.Logger) *Gateway {
	return &Gateway{b: b, log: log.WithFields(zap.String("component", "gateway"))}
}

// Handler builds the gateway's route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("POST /agents", g.handleSpawnAgent)
	mux.HandleFunc("GET /agents", g.handleListAgents)
	mux.HandleFunc("DELETE /agents/{name}", g.handleReleaseAgent)
	mux.HandleFunc("POST /messages", g.handleSendMessage)
	mux.HandleFunc("GET /events", g.handleEvents)
	mux.HandleFunc("POST /relay/inbound", g.handleRelayInbound)

	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      string(g.b.Status()),
		"live_agents": len(g.b.ListAgents()),
		"newest_seq":  g.b.NewestSeq(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps a broker.Error's closed Code to an HTTP status,
// falling back to 500 for anything not recognized as a client error.
func statusForError(err error) int {
	var bErr *broker.Error
	if !errors.As(err, &bErr) {
		return http.StatusInternalServerError
	}
	switch bErr.Code {
	case broker.CodeInvalidTarget, broker.CodeNoRoute, broker.CodeMalformed, broker.CodeUnsupportedCLI:
		return http.StatusBadRequest
	case broker.CodeNameConflict, broker.CodeDuplicate:
		return http.StatusConflict
	case broker.CodeTimeout:
		return http.StatusGatewayTimeout
	case broker.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
