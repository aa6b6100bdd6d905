package relayrouter

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// deliveredEnvelope is what a connected container receives over the live
// channel: framing metadata plus the untouched opaque payload.
type deliveredEnvelope struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// liveConn is one container's open delivery channel. Grounded on
// fabric.WebSocketSpoke: a connection plus a buffered outbound queue, so a
// slow writer never blocks the deliverer.
type liveConn struct {
	conn *websocket.Conn
	send chan []byte
}

// connRegistry tracks which containers currently have an open websocket to
// the relay, the prerequisite for the "websocket" delivery method.
type connRegistry struct {
	mu   sync.RWMutex
	byID map[string]*liveConn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byID: make(map[string]*liveConn)}
}

func (r *connRegistry) set(containerID string, c *liveConn) {
	r.mu.Lock()
	r.byID[containerID] = c
	r.mu.Unlock()
}

func (r *connRegistry) remove(containerID string, c *liveConn) {
	r.mu.Lock()
	if r.byID[containerID] == c {
		delete(r.byID, containerID)
	}
	r.mu.Unlock()
}

// deliver pushes payload to containerID's open connection without blocking
// the caller; a full send buffer is treated as "not connected" so the
// forwarder falls back to callback or pending.
func (r *connRegistry) deliver(containerID string, env deliveredEnvelope) bool {
	r.mu.RLock()
	c, ok := r.byID[containerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

var connUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin mirrors fabric/websocket.go's production allowlist.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("OCX_ENV")
	allowedRaw := os.Getenv("OCX_ALLOWED_ORIGINS")
	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool { return allowed[r.Header.Get("Origin")] }
	}
	return func(r *http.Request) bool { return true }
}

// HandleConnect upgrades a registered container's live delivery channel.
// containerID is supplied by the router from X-Container-Id after auth.
// Not part of the §6.8 HTTP surface proper — it is the transport the
// "websocket" delivery method needs, the same way the Hub's spokes need a
// WebSocket endpoint to receive routed messages.
func (s *Service) HandleConnect(w http.ResponseWriter, r *http.Request, containerID string) {
	conn, err := connUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay router: connect upgrade failed", "containerId", containerID, "error", err)
		return
	}

	lc := &liveConn{conn: conn, send: make(chan []byte, 64)}
	s.conns.set(containerID, lc)
	s.logger.Info("relay router: container connected", "containerId", containerID)

	done := make(chan struct{})
	go s.writeLoop(lc, done)
	s.readLoop(containerID, lc, done)
}

func (s *Service) writeLoop(lc *liveConn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-lc.send:
			lc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := lc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			lc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := lc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Service) readLoop(containerID string, lc *liveConn, done chan struct{}) {
	defer func() {
		close(done)
		s.conns.remove(containerID, lc)
		lc.conn.Close()
		s.logger.Info("relay router: container disconnected", "containerId", containerID)
	}()

	lc.conn.SetReadDeadline(time.Now().Add(pongWait))
	lc.conn.SetPongHandler(func(string) error {
		lc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := lc.conn.ReadMessage(); err != nil {
			return
		}
	}
}
