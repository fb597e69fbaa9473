package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/keygate/internal/domain"
)

const (
	eventBufferSize = 64
	wsWriteTimeout  = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingInterval  = wsPongWait * 9 / 10
	wsReadLimit     = 4096
)

// eventHub fans license events out to connected admin websocket clients.
// A client whose buffer is full is disconnected rather than blocking the
// publisher.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	wg      sync.WaitGroup
	closed  bool
}

type eventClient struct {
	send chan domain.Event
	done chan struct{}
	once sync.Once
}

func newEventHub() *eventHub {
	return &eventHub{clients: map[*eventClient]struct{}{}}
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.done) })
}

// subscribe registers a client and reserves the hub wait group for its
// reader and writer. It returns nil once the hub is closed.
func (h *eventHub) subscribe() *eventClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.wg.Add(2)
	c := &eventClient{
		send: make(chan domain.Event, eventBufferSize),
		done: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *eventHub) unsubscribe(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *eventHub) broadcast(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			c.close()
		}
	}
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client and rejects new subscriptions.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	hub := s.telemetry.hub
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	client := hub.subscribe()
	if client == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}
	ip := s.clientIP(r)
	s.log.Info("admin event stream connected", "ip", ip)

	go func() {
		defer hub.wg.Done()
		s.readEvents(conn, client)
	}()
	go func() {
		defer hub.wg.Done()
		defer hub.unsubscribe(client)
		s.writeEvents(conn, client)
		s.log.Info("admin event stream disconnected", "ip", ip)
	}()
}

// readEvents discards client frames and closes the client when the peer goes
// away or stops answering pings.
func (s *Server) readEvents(conn *websocket.Conn, client *eventClient) {
	defer client.close()
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("admin event stream read error", "err", err)
			}
			return
		}
	}
}

func (s *Server) writeEvents(conn *websocket.Conn, client *eventClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-client.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			return
		case ev := <-client.send:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
