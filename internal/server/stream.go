package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/logging"
)

const (
	streamBuffer       = 256
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 20 * time.Second
	streamWriteTimeout = 10 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan domain.PersistedEvent
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan domain.PersistedEvent, streamBuffer), done: make(chan struct{})}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// enqueue never blocks; a full buffer means the client is too slow and gets dropped.
func (c *wsClient) enqueue(ev domain.PersistedEvent) bool {
	select {
	case <-c.done:
		return false
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Hub fans committed events out to the websocket subscribers of each session.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*wsClient]struct{}
}

var _ engine.Publisher = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log: logging.OrNop(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[string]map[*wsClient]struct{}{},
	}
}

// Publish implements engine.Publisher.
func (h *Hub) Publish(sessionID string, evs []domain.PersistedEvent) {
	if len(evs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[sessionID] {
		for _, ev := range evs {
			if !c.enqueue(ev) {
				h.log.Warn("stream client dropped", zap.String("session_id", sessionID))
				h.removeLocked(sessionID, c)
				c.close()
				break
			}
		}
	}
}

// Subscribers reports how many clients follow sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) add(sessionID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = map[*wsClient]struct{}{}
		h.subs[sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(sessionID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sessionID, c)
}

func (h *Hub) removeLocked(sessionID string, c *wsClient) {
	set := h.subs[sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// registerStream mounts GET /sessions/{id}/stream. With ?from=N the client first receives
// every persisted event with version >= N, then live events.
func registerStream(r chi.Router, basePath string, e engine.Engine, h *Hub) {
	r.Get(path.Join("/", basePath, "sessions/{id}/stream"), func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "id")
		from := 0
		if raw := req.URL.Query().Get("from"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "", "invalid query param: from", nil))
				return
			}
			from = v
		}
		if _, err := e.GetEvents(req.Context(), sessionID, 0, 1); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		h.serve(w, req, sessionID, func() ([]domain.PersistedEvent, error) {
			if from == 0 {
				return nil, nil
			}
			return e.GetEvents(req.Context(), sessionID, from, 0)
		})
	})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, sessionID string, backlog func() ([]domain.PersistedEvent, error)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("stream upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	h.log.Info("stream connect",
		zap.String("session_id", sessionID),
		zap.String("remote", r.RemoteAddr),
		zap.String("subject", p.Subject),
	)

	c := newWSClient(conn)
	// Subscribe before reading the backlog so nothing committed in between is lost;
	// the writer drops the overlap by version.
	h.add(sessionID, c)
	past, err := backlog()
	if err != nil {
		h.log.Warn("stream backlog failed", zap.String("session_id", sessionID), zap.Error(err))
		h.remove(sessionID, c)
		c.close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	go h.writePump(sessionID, c, past)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(sessionID, c)
	c.close()
	h.log.Info("stream disconnect", zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))
}

func (h *Hub) writePump(sessionID string, c *wsClient, backlog []domain.PersistedEvent) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	defer func() {
		h.remove(sessionID, c)
		c.close()
	}()

	sent := 0
	write := func(ev domain.PersistedEvent) bool {
		if ev.Version <= sent {
			return true
		}
		msg, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("stream write failed", zap.String("session_id", sessionID), zap.Error(err))
			return false
		}
		sent = ev.Version
		return true
	}

	for _, ev := range backlog {
		if !write(ev) {
			return
		}
	}
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if !write(ev) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
