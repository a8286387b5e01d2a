package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"codematch-backend/internal/logger"
	"codematch-backend/internal/match"
	"codematch-backend/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the frontend host list is settled
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Matchmaker is the slice of the match lifecycle the gateway drives.
type Matchmaker interface {
	Accept(ctx context.Context, matchID, userID string) error
	Decline(ctx context.Context, matchID, userID string) error
	HandleFound(ctx context.Context, p *storage.MatchProposal) error
}

// QueueService is the slice of the queue manager the gateway drives.
type QueueService interface {
	Join(ctx context.Context, entry storage.QueueEntry) error
	Leave(ctx context.Context, userID string) error
}

// Searcher runs a match search after a join. Implemented by queue.Finder.
type Searcher interface {
	FindMatch(ctx context.Context, candidate storage.QueueEntry) (*storage.MatchProposal, error)
}

// Intent is a client frame. Type selects the operation; the remaining
// fields are per-type.
type Intent struct {
	Type       string   `json:"type"`
	Difficulty string   `json:"difficulty,omitempty"`
	Language   string   `json:"language,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	MatchID    string   `json:"matchId,omitempty"`
}

// Client intent types.
const (
	IntentJoinQueue    = "join_queue"
	IntentLeaveQueue   = "leave_queue"
	IntentAcceptMatch  = "accept_match"
	IntentDeclineMatch = "decline_match"
)

type errorFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// conn wraps a websocket with a write lock: the pub/sub forwarder, the
// ping loop and the intent handler all write to the same socket.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeRaw(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// Manager owns exactly one live channel per connected userId on this
// instance. Cross-instance delivery rides the per-user pub/sub channels,
// so multiple gateway processes can run side by side.
type Manager struct {
	storage *storage.Storage
	queue   QueueService
	finder  Searcher
	matches Matchmaker

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewManager(st *storage.Storage, queue QueueService, finder Searcher, matches Matchmaker) *Manager {
	return &Manager{
		storage: st,
		queue:   queue,
		finder:  finder,
		matches: matches,
		conns:   make(map[string]*conn),
	}
}

// HandleMatchWebSocket upgrades the connection and services the client
// until it disconnects.
func (m *Manager) HandleMatchWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "userID required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "userId", userID, "error", err)
		return
	}

	c := &conn{ws: ws}
	m.register(userID, c)
	logger.Info("user connected", "userId", userID, "connections", m.connectionCount())

	// Per-user event subscription: everything the lifecycle broadcasts for
	// this user, regardless of which instance produced it.
	pubsub := m.storage.Redis.SubscribeUserEvents(r.Context(), userID)

	done := make(chan struct{})
	go m.forwardEvents(userID, pubsub, c, done)
	go m.pingLoop(userID, c, done)

	m.readLoop(r.Context(), userID, c)

	close(done)
	pubsub.Close()
	ws.Close()

	// Connection loss implies queue abandonment, but never resolves a
	// pending match; only an explicit decline or the deadline does that.
	// A connection that was replaced must not evict its successor's entry.
	if m.unregister(userID, c) {
		if err := m.queue.Leave(context.Background(), userID); err != nil {
			logger.Error("queue cleanup on disconnect failed", "userId", userID, "error", err)
		}
	}
	logger.Info("user disconnected", "userId", userID, "connections", m.connectionCount())
}

// register installs the connection, closing any previous one for the same
// user: last connection wins.
func (m *Manager) register(userID string, c *conn) {
	m.mu.Lock()
	prev, ok := m.conns[userID]
	m.conns[userID] = c
	m.mu.Unlock()

	if ok {
		logger.Info("replacing existing connection", "userId", userID)
		prev.ws.Close()
	}
}

// unregister removes the connection only if it is still the current one,
// so a stale handler's cleanup cannot evict a fresh connection. Reports
// whether this connection was still current.
func (m *Manager) unregister(userID string, c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[userID] == c {
		delete(m.conns, userID)
		return true
	}
	return false
}

func (m *Manager) connectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Deliver pushes an event to a locally connected user. Best-effort: no
// live channel means the frame is dropped; clients resynchronize from the
// match record, not from the push path.
func (m *Manager) Deliver(userID, event string, data map[string]interface{}) {
	m.mu.RLock()
	c, ok := m.conns[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	frame := match.Event{Event: event, Data: data, Timestamp: time.Now().UTC()}
	if err := c.writeJSON(frame); err != nil {
		logger.Debug("local delivery failed", "userId", userID, "event", event, "error", err)
	}
}

// forwardEvents copies the user's bus events onto the socket. Payloads are
// already encoded frames; they pass through untouched.
func (m *Manager) forwardEvents(userID string, pubsub *redis.PubSub, c *conn, done chan struct{}) {
	ch := pubsub.Channel()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := c.writeRaw(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				logger.Debug("event forward failed", "userId", userID, "error", err)
				return
			}
		}
	}
}

func (m *Manager) pingLoop(userID string, c *conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeRaw(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", "userId", userID, "error", err)
				return
			}
		}
	}
}

// readLoop consumes client intents until the connection drops.
func (m *Manager) readLoop(ctx context.Context, userID string, c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var intent Intent
		if err := c.ws.ReadJSON(&intent); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "userId", userID, "error", err)
			}
			return
		}
		m.handleIntent(ctx, userID, c, intent)
	}
}

// handleIntent validates and dispatches one client frame. Validation
// failures are reported to the sender only; the connection stays open.
func (m *Manager) handleIntent(ctx context.Context, userID string, c *conn, intent Intent) {
	switch intent.Type {
	case IntentJoinQueue:
		m.handleJoin(ctx, userID, c, intent)

	case IntentLeaveQueue:
		if err := m.queue.Leave(ctx, userID); err != nil {
			m.sendError(c, "failed to leave queue")
			return
		}
		m.Deliver(userID, "queue_left", map[string]interface{}{"userId": userID})

	case IntentAcceptMatch:
		if intent.MatchID == "" {
			m.sendError(c, "matchId is required")
			return
		}
		if err := m.matches.Accept(ctx, intent.MatchID, userID); err != nil {
			logger.Warn("accept failed", "userId", userID, "matchId", intent.MatchID, "error", err)
			m.sendError(c, "failed to accept match")
		}

	case IntentDeclineMatch:
		if intent.MatchID == "" {
			m.sendError(c, "matchId is required")
			return
		}
		if err := m.matches.Decline(ctx, intent.MatchID, userID); err != nil {
			logger.Warn("decline failed", "userId", userID, "matchId", intent.MatchID, "error", err)
			m.sendError(c, "failed to decline match")
		}

	default:
		m.sendError(c, "unknown intent type")
	}
}

func (m *Manager) handleJoin(ctx context.Context, userID string, c *conn, intent Intent) {
	if !storage.ValidDifficulty(intent.Difficulty) {
		m.sendError(c, "difficulty must be one of easy, medium, hard")
		return
	}
	if intent.Language == "" {
		m.sendError(c, "language is required")
		return
	}

	entry := storage.QueueEntry{
		UserID:     userID,
		Difficulty: intent.Difficulty,
		Language:   intent.Language,
		Topics:     intent.Topics,
	}
	// One membership per user: the store refuses the insert while a pending
	// match indexes the user, with no check-then-act window.
	if err := m.queue.Join(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrUserInMatch) {
			m.sendError(c, "already in an active match")
			return
		}
		m.sendError(c, "failed to join queue")
		return
	}
	m.Deliver(userID, "queue_joined", map[string]interface{}{
		"difficulty": intent.Difficulty,
		"language":   intent.Language,
		"topics":     intent.Topics,
	})

	// The entry just written carries the authoritative join time.
	stored, err := m.storage.Redis.GetQueueEntry(ctx, userID)
	if err != nil || stored == nil {
		return
	}
	proposal, err := m.finder.FindMatch(ctx, *stored)
	if err != nil {
		logger.Error("match search failed", "userId", userID, "error", err)
		m.sendError(c, "match search failed, you remain queued")
		return
	}
	if proposal != nil {
		if err := m.matches.HandleFound(ctx, proposal); err != nil {
			logger.Error("announcing match failed", "matchId", proposal.ID, "error", err)
		}
	}
}

func (m *Manager) sendError(c *conn, message string) {
	if err := c.writeJSON(errorFrame{Event: match.EventError, Message: message}); err != nil {
		logger.Debug("error frame delivery failed", "error", err)
	}
}
