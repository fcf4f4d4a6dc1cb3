package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/raphaeltm/mcphost/internal/eventbus"
)

// handleEventHistory returns recent EventBus history for late-joining UIs
// that can't hold a WebSocket open; the WebSocket stream itself has no
// server-side replay beyond this.
func (a *API) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseEventLimit(r.URL.Query().Get("limit"))
	if workspaceID := r.URL.Query().Get("workspaceId"); workspaceID != "" {
		writeOK(w, http.StatusOK, a.bus.WorkspaceHistory(workspaceID, limit))
		return
	}
	writeOK(w, http.StatusOK, a.bus.History(eventbus.TopicServerEvent, limit))
}

func parseEventLimit(raw string) int {
	if raw == "" {
		return 100
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 100
	}
	if n > 500 {
		return 500
	}
	return n
}

// handleEventsWebSocket upgrades the connection, sends a {type:connected}
// greeting, then relays every EventBus message until the connection
// drops or a write fails. Loopback-only binding stands in for an
// origin allow-list; a local-only Host accepts any Origin.
func (a *API) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  a.wsReadBufferSize,
		WriteBufferSize: a.wsWriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	if err := conn.WriteJSON(map[string]string{"type": "connected"}); err != nil {
		return
	}

	sub := a.bus.Subscribe(eventbus.TopicServerEvent, eventbus.TopicAppEvent)
	defer sub.Cancel()

	// A reader goroutine drains and discards client frames so a dead TCP
	// peer is detected via a read error, unblocking the relay loop below.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(ev)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
