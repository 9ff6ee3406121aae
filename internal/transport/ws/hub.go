package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/presence-service/internal/fanout"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Conn is one client connection. Send may block for as long as the client
// takes to read; the hub calls it from a goroutine dedicated to that
// connection, never from the delivery path.
type Conn interface {
	ID() string
	UserID() string
	Send(msg Message) error
	Close() error
}

var (
	errNotConnected = errors.New("ws: connection not registered")
	errSlowConsumer = errors.New("ws: outbound queue full")
)

type HubOptions struct {
	Origin        string
	MeterProvider metric.MeterProvider
	// SendQueue bounds the frames waiting for one connection. A connection
	// that falls this far behind is closed.
	SendQueue int
}

// peer is a registered connection with its outbound queue.
type peer struct {
	conn Conn
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (p *peer) stop() { p.once.Do(func() { close(p.done) }) }

// Hub knows the connections held by this process and which rooms they joined.
// Events raised here go through the bus so that every process, this one
// included, delivers them to its own connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*peer            // connID -> peer
	rooms map[string]map[string]*peer // roomID -> connID -> peer

	bus       fanout.Bus
	origin    string
	sendQueue int
	live      atomic.Bool

	fanoutErrors  metric.Int64Counter
	slowConsumers metric.Int64Counter
}

func NewHub(bus fanout.Bus, opts HubOptions) *Hub {
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	h := &Hub{
		conns:     make(map[string]*peer),
		rooms:     make(map[string]map[string]*peer),
		bus:       bus,
		origin:    opts.Origin,
		sendQueue: opts.SendQueue,
	}
	meter := mp.Meter("presence-service")
	h.fanoutErrors, _ = meter.Int64Counter("presence_fanout_errors_total",
		metric.WithDescription("Events that could not be published to the shared bus"))
	h.slowConsumers, _ = meter.Int64Counter("presence_ws_slow_consumers_total",
		metric.WithDescription("Connections closed because their outbound queue overflowed"))
	return h
}

// Add registers c and starts the goroutine that writes its queued frames.
func (h *Hub) Add(c Conn) {
	p := &peer{conn: c, out: make(chan Message, h.sendQueue), done: make(chan struct{})}

	h.mu.Lock()
	old := h.conns[c.ID()]
	h.conns[c.ID()] = p
	h.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go h.pump(p)
}

func (h *Hub) pump(p *peer) {
	for {
		select {
		case msg := <-p.out:
			if err := p.conn.Send(msg); err != nil {
				logger.L().Debug("ws: write failed", "conn_id", p.conn.ID(), "type", msg.Type, "err", err)
			}
		case <-p.done:
			return
		}
	}
}

// Remove forgets the connection, drops it from every local room and discards
// whatever is still queued for it.
func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	p := h.conns[c.ID()]
	delete(h.conns, c.ID())
	for roomID, rs := range h.rooms {
		delete(rs, c.ID())
		if len(rs) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if p != nil {
		p.stop()
	}
}

func (h *Hub) Join(c Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.conns[c.ID()]
	if !ok {
		return
	}
	rs, ok := h.rooms[roomID]
	if !ok {
		rs = make(map[string]*peer)
		h.rooms[roomID] = rs
	}
	rs[c.ID()] = p
}

func (h *Hub) Leave(c Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rs, ok := h.rooms[roomID]; ok {
		delete(rs, c.ID())
		if len(rs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send queues msg for the connection without waiting for the write.
func (h *Hub) Send(c Conn, msg Message) error {
	h.mu.RLock()
	p, ok := h.conns[c.ID()]
	h.mu.RUnlock()
	if !ok {
		return errNotConnected
	}
	return h.enqueue(p, msg)
}

// enqueue never blocks. A full queue means the client stopped reading: the
// connection is closed and its handler cleans up as for any disconnect.
func (h *Hub) enqueue(p *peer, msg Message) error {
	select {
	case <-p.done:
		return errNotConnected
	default:
	}
	select {
	case p.out <- msg:
		return nil
	default:
	}

	h.slowConsumers.Add(context.Background(), 1)
	logger.L().Warn("ws: outbound queue full, closing connection",
		"conn_id", p.conn.ID(), "user_id", p.conn.UserID(), "queued", len(p.out))
	p.stop()
	_ = p.conn.Close()
	return errSlowConsumer
}

// CloseAll closes every local connection. Their handlers notice and run the
// usual cleanup.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, p := range h.conns {
		conns = append(conns, p.conn)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Emit publishes the event to every process. If the bus is down, or this
// process is not subscribed yet, local connections still get it.
func (h *Hub) Emit(ctx context.Context, env fanout.Envelope) {
	if env.Origin == "" {
		env.Origin = h.origin
	}
	if err := h.bus.Publish(ctx, env); err != nil {
		h.fanoutErrors.Add(ctx, 1)
		logger.FromContext(ctx).Warn("ws: publish failed, delivering locally", "event", env.Event, "err", err)
		h.Deliver(env)
		return
	}
	if !h.live.Load() {
		h.Deliver(env)
	}
}

// Deliver queues the event for the matching local connections and returns
// without waiting for any of them. Best-effort.
func (h *Hub) Deliver(env fanout.Envelope) {
	msg := Message{Type: env.Event, Payload: env.Payload}

	for _, p := range h.targets(env) {
		if err := h.enqueue(p, msg); err != nil {
			logger.L().Debug("ws: deliver failed", "event", env.Event, "conn_id", p.conn.ID(), "err", err)
		}
	}
}

func (h *Hub) targets(env fanout.Envelope) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var src map[string]*peer
	switch env.Scope {
	case fanout.ScopeGlobal:
		src = h.conns
	case fanout.ScopeRoom:
		src = h.rooms[env.RoomID]
	}
	out := make([]*peer, 0, len(src))
	for id, p := range src {
		if id == env.ExcludeConn {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Run subscribes to the bus and keeps retrying with backoff until it succeeds.
// It blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	const (
		minBackoff = 500 * time.Millisecond
		maxBackoff = 30 * time.Second
	)
	backoff := minBackoff

	for {
		sub, err := h.bus.Subscribe(ctx, h.Deliver)
		if err == nil {
			h.live.Store(true)
			logger.L().Info("ws: fan-out subscription active")
			<-ctx.Done()
			h.live.Store(false)
			_ = sub.Close()
			return nil
		}

		logger.L().Warn("ws: fan-out subscribe failed, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Live reports whether cross-process delivery is active.
func (h *Hub) Live() bool { return h.live.Load() }
