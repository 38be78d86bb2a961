package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AgentWorkforce/relay-sub012/internal/eventbus"
)

// Origin checking is left to a fronting proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// handleEvents upgrades to a WebSocket and streams the broker's event
// sequence starting at ?since_seq=N (0 if omitted), including any
// synthesized replay_gap.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sinceSeq = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("events websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := g.b.SubscribeEvents(sinceSeq)
	defer g.b.UnsubscribeEvents(sub)

	for evt := range sub.Events {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
		if evt.Kind == eventbus.KindReplayGap {
			g.log.Debug("replayed gap to subscriber")
		}
	}
}
