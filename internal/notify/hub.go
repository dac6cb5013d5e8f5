// Package notify pushes wallet events to live websocket sessions. A user
// may hold several sessions; delivery is best-effort and never blocks
// the reconciliation path.
package notify

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const sendBuffer = 16

type message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type session struct {
	conn *websocket.Conn
	out  chan message
}

type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[*session]struct{}
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: map[string]map[*session]struct{}{},
	}
}

// Serve upgrades the request and keeps the session registered until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, username string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("notify: upgrade failed for %s: %v", username, err)
		return
	}

	s := &session{conn: conn, out: make(chan message, sendBuffer)}
	h.mu.Lock()
	if h.sessions[username] == nil {
		h.sessions[username] = map[*session]struct{}{}
	}
	h.sessions[username][s] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(username, s)

	// Drain reads so pings and close frames are processed; the client
	// has nothing to say that we act on.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(username, s)
}

func (h *Hub) writeLoop(username string, s *session) {
	for msg := range s.out {
		if err := s.conn.WriteJSON(msg); err != nil {
			h.logger.Printf("notify: write to %s failed: %v", username, err)
			h.drop(username, s)
			return
		}
	}
}

func (h *Hub) drop(username string, s *session) {
	h.mu.Lock()
	if set, ok := h.sessions[username]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			close(s.out)
			if len(set) == 0 {
				delete(h.sessions, username)
			}
		}
	}
	h.mu.Unlock()
	s.conn.Close()
}

// Notify sends an event to every live session of one user. Slow sessions
// drop the message rather than stalling the caller.
func (h *Hub) Notify(username, event string, payload any) {
	msg := message{Event: event, Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions[username] {
		select {
		case s.out <- msg:
		default:
		}
	}
}

// Broadcast sends an event to every connected session.
func (h *Hub) Broadcast(event string, payload any) {
	msg := message{Event: event, Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for s := range set {
			select {
			case s.out <- msg:
			default:
			}
		}
	}
}
