package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/AgentWorkforce/relay-sub012/internal/broker"
	"github.com/AgentWorkforce/relay-sub012/internal/identity"
	"github.com/AgentWorkforce/relay-sub012/internal/protocol"
	"github.com/AgentWorkforce/relay-sub012/internal/ptysession"
	"github.com/AgentWorkforce/relay-sub012/internal/relaybus"
)

type spawnAgentRequest struct {
	Name          string            `json:"name"`
	CLI           string            `json:"cli"`
	Args          []string          `json:"args"`
	Env           map[string]string `json:"env"`
	CWD           string            `json:"cwd"`
	Channels      []string          `json:"channels"`
	BridgeProject string            `json:"bridge_project"`
	Task          string            `json:"task"`
	Cols          uint16            `json:"cols"`
	Rows          uint16            `json:"rows"`
	MCPReply      bool              `json:"mcp_reply"`
}

func (g *Gateway) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	caps := []identity.Capability{}
	if req.MCPReply {
		caps = append(caps, identity.CapMCPReply)
	}

	agent, err := g.b.SpawnPTY(r.Context(), broker.SpawnRequest{
		Name:          req.Name,
		Role:          identity.RoleWorker,
		CLI:           req.CLI,
		Args:          req.Args,
		Env:           req.Env,
		CWD:           req.CWD,
		Channels:      req.Channels,
		BridgeProject: req.BridgeProject,
		Task:          req.Task,
		Size:          ptysession.Size{Cols: req.Cols, Rows: req.Rows},
		Capabilities:  caps,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.b.ListAgents())
}

func (g *Gateway) handleReleaseAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reason := r.URL.Query().Get("reason")
	if err := g.b.Release(r.Context(), name, reason); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Thread string `json:"thread"`
	Body   string `json:"body"`
	Await  string `json:"await"`
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	target, err := protocol.ParseTarget(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cmd := &protocol.ParsedCommand{
		Kind:   protocol.CommandMessage,
		To:     target,
		Thread: req.Thread,
		Body:   req.Body,
		Await:  req.Await,
	}

	deliveryIDs, err := g.b.SendMessage(r.Context(), req.From, cmd)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"delivery_ids": deliveryIDs})
}

type relayInboundRequest struct {
	EventID string `json:"event_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Body    string `json:"body"`
	Thread  string `json:"thread"`
}

func (g *Gateway) handleRelayInbound(w http.ResponseWriter, r *http.Request) {
	var req relayInboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := g.b.IngestInboundRelay(r.Context(), relaybus.InboundEvent{
		EventID: req.EventID,
		From:    req.From,
		To:      req.To,
		Body:    req.Body,
		Thread:  req.Thread,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
