package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cwrk-planet/presence-service/internal/auth"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/presence"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

type Tracker interface {
	Connect(ctx context.Context, sess *domain.Session) (domain.PresenceRecord, error)
	Disconnect(ctx context.Context, sess *domain.Session) error
	Touch(ctx context.Context, sess *domain.Session) (bool, error)
	ListOnline(ctx context.Context) ([]domain.PresenceRecord, error)
}

type RoomManager interface {
	Join(ctx context.Context, sess *domain.Session, roomID string) error
	Leave(ctx context.Context, sess *domain.Session, roomID string) error
	LeaveAll(ctx context.Context, sess *domain.Session)
}

type Options struct {
	PingEvery        time.Duration
	HandshakeTimeout time.Duration
	CleanupTimeout   time.Duration
	ReadLimit        int64
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PingEvery <= 0 {
		o.PingEvery = 15 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Server struct {
	upgrader websocket.Upgrader
	gate     Authenticator
	hub      *Hub
	tracker  Tracker
	rooms    RoomManager
	opts     Options

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(gate Authenticator, hub *Hub, tracker Tracker, rooms RoomManager, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		gate:    gate,
		hub:     hub,
		tracker: tracker,
		rooms:   rooms,
		opts:    opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			Subprotocols:     []string{auth.Subprotocol},
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS: GET /ws?access_token=...
// Authentication happens before the upgrade; a rejected client gets a plain 401.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.gate.Authenticate(r)
	if err != nil {
		logger.FromContext(r.Context()).Info("ws: handshake rejected",
			"remote", r.RemoteAddr, "expired", auth.IsExpired(err), "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.admit() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		logger.FromContext(r.Context()).Warn("ws: upgrade failed", "user_id", id.UserID, "err", err)
		return
	}

	sess := domain.NewSession(id, uuid.NewString(), s.opts.Now())
	c := newWsConn(conn, sess.ConnectionID, id.UserID)
	ctx := logger.WithSession(context.WithoutCancel(r.Context()), id.UserID, sess.ConnectionID)
	log := logger.FromContext(ctx)

	s.hub.Add(c)
	if s.shuttingDown() {
		// Shutdown may have collected connections before this one registered
		_ = c.Close()
	}
	if _, err := s.tracker.Connect(ctx, sess); err != nil {
		log.Warn("ws: presence unavailable, connection continues without it", "err", err)
	}
	s.sendOnlineUsers(ctx, c)

	go s.pingLoop(c)
	s.readLoop(ctx, c, sess)

	s.hub.Remove(c)
	s.cleanup(ctx, sess)
	if err := c.Close(); err != nil {
		log.Debug("ws: close failed", "err", err)
	}
}

// admit registers a handler with the shutdown wait group unless Shutdown has
// already started.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown refuses new connections, closes every local one and waits for
// their handlers to finish presence cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) cleanup(ctx context.Context, sess *domain.Session) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CleanupTimeout)
	defer cancel()

	err := s.tracker.Disconnect(ctx, sess)
	if err != nil && !errors.Is(err, domain.ErrStaleConnection) {
		logger.FromContext(ctx).Warn("ws: presence disconnect failed", "err", err)
	}
	// Even when a newer connection owns the presence record, this one's rooms
	// are released: the user stays only where another connection joined.
	s.rooms.LeaveAll(ctx, sess)
}

func (s *Server) sendOnlineUsers(ctx context.Context, c *wsConn) {
	recs, err := s.tracker.ListOnline(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("ws: list online failed", "err", err)
		recs = nil
	}
	if recs == nil {
		recs = []domain.PresenceRecord{}
	}
	msg, err := newMessage(presence.EventOnlineUsers, presence.Redact(recs))
	if err != nil {
		return
	}
	if err := s.hub.Send(c, msg); err != nil {
		logger.FromContext(ctx).Debug("ws: send online-users failed", "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn, sess *domain.Session) {
	defer func() { _ = c.Close() }()
	log := logger.FromContext(ctx)

	c.conn.SetReadLimit(s.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
		s.touch(ctx, sess)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws: read ended", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, CodeBadMessage, "malformed frame", "")
			continue
		}

		switch msg.Type {
		case presence.EventJoinRoom:
			s.handleJoin(ctx, c, sess, msg.Payload)
		case presence.EventLeaveRoom:
			s.handleLeave(ctx, c, sess, msg.Payload)
		default:
			s.sendError(c, CodeUnknownType, "unknown message type "+msg.Type, "")
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, c *wsConn, sess *domain.Session, raw json.RawMessage) {
	roomID, ok := s.roomID(c, raw)
	if !ok {
		return
	}
	// локальная подписка раньше записи в store: своё user-joined-room клиент тоже получает
	s.hub.Join(c, roomID)
	if err := s.rooms.Join(ctx, sess, roomID); err != nil {
		logger.FromContext(ctx).Warn("ws: join room failed", "room_id", roomID, "err", err)
	}
}

func (s *Server) handleLeave(ctx context.Context, c *wsConn, sess *domain.Session, raw json.RawMessage) {
	roomID, ok := s.roomID(c, raw)
	if !ok {
		return
	}
	s.hub.Leave(c, roomID)
	if err := s.rooms.Leave(ctx, sess, roomID); err != nil {
		logger.FromContext(ctx).Warn("ws: leave room failed", "room_id", roomID, "err", err)
	}
}

func (s *Server) roomID(c *wsConn, raw json.RawMessage) (string, bool) {
	var p RoomPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		s.sendError(c, CodeBadMessage, "roomId required", "")
		return "", false
	}
	if err := domain.ValidateRoomID(p.RoomID); err != nil {
		s.sendError(c, CodeInvalidRoomID, "invalid room id", p.RoomID)
		return "", false
	}
	return p.RoomID, true
}

func (s *Server) touch(ctx context.Context, sess *domain.Session) {
	ok, err := s.tracker.Touch(ctx, sess)
	switch {
	case err != nil:
		logger.FromContext(ctx).Debug("ws: heartbeat refresh failed", "err", err)
	case !ok:
		logger.FromContext(ctx).Debug("ws: heartbeat for record owned by another connection or expired")
	}
}

func (s *Server) sendError(c *wsConn, code, text, roomID string) {
	msg, err := newMessage(presence.EventError, ErrorPayload{Code: code, Message: text, RoomID: roomID})
	if err != nil {
		return
	}
	_ = s.hub.Send(c, msg)
}

// pingLoop keeps the transport heartbeat going; data frames are written by the
// hub's per-connection goroutine.
func (s *Server) pingLoop(c *wsConn) {
	ticker := time.NewTicker(s.opts.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

type wsConn struct {
	conn   *websocket.Conn
	id     string
	userID string

	closeOnce sync.Once
	closed    chan struct{}
}

func newWsConn(c *websocket.Conn, id, userID string) *wsConn {
	return &wsConn{
		conn:   c,
		id:     id,
		userID: userID,
		closed: make(chan struct{}),
	}
}

// Send writes one frame. Only the hub's goroutine for this connection calls
// it, so writes never interleave; pings go through WriteControl, which is
// safe alongside them.
func (c *wsConn) Send(msg Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }
