package api

import (
	"net/http"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// wsHub fans published frame results out to connected websocket clients.
// Each client gets a small buffered channel; a client that cannot keep up
// loses messages rather than backing up the engine, the same
// freshness-over-completeness policy as the work queue.
type wsHub struct {
	log     logs.Log
	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWsHub(logger logs.Log) *wsHub {
	return &wsHub{
		log:     logger,
		clients: map[*wsClient]bool{},
	}
}

var wsUpgrader = websocket.Upgrader{
	// The management surface carries no auth; same-origin enforcement
	// belongs to whatever fronts it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcast queues a result for every connected client.
func (h *wsHub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Slow consumer, drop the message
		}
	}
}

func (h *wsHub) add(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

func (h *wsHub) remove(client *wsClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// BroadcastResult is wired as an engine result callback by the server.
func (a *API) BroadcastResult(msg []byte) {
	a.hub.Broadcast(msg)
}

// HasWSClients reports whether anybody is listening, so the server can
// skip serializing results nobody wants.
func (a *API) HasWSClients() bool {
	a.hub.mu.Lock()
	defer a.hub.mu.Unlock()
	return len(a.hub.clients) > 0
}

func (a *API) httpResultsWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 32),
	}
	a.hub.add(client)
	a.log.Infof("Websocket result client connected: %v", conn.RemoteAddr())

	// Writer
	go func() {
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
		conn.Close()
	}()

	// Reader, only to observe close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		a.hub.remove(client)
		a.log.Infof("Websocket result client disconnected: %v", conn.RemoteAddr())
	}()
}
