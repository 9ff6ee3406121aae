// Package fanout carries presence events between server processes so a
// connection held by any process sees events raised on any other.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRoom   Scope = "room"
)

// Envelope is the unit published on the shared channel.
type Envelope struct {
	Event       string          `json:"event"`
	Scope       Scope           `json:"scope"`
	RoomID      string          `json:"roomId,omitempty"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	Origin      string          `json:"origin"`
	Payload     json.RawMessage `json:"payload"`
}

func NewEnvelope(event string, scope Scope, roomID, origin string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("fanout.NewEnvelope: %w", err)
	}
	return Envelope{
		Event:   event,
		Scope:   scope,
		RoomID:  roomID,
		Origin:  origin,
		Payload: b,
	}, nil
}

type Handler func(Envelope)

type Subscription interface {
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns once the subscription is active; h runs on the bus's
	// delivery goroutine until the subscription is closed.
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
	Close() error
}

// Local delivers within one process. Used when no shared backend is configured.
type Local struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]Handler)}
}

func (l *Local) Publish(_ context.Context, env Envelope) error {
	l.mu.RLock()
	hs := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		hs = append(hs, h)
	}
	l.mu.RUnlock()

	for _, h := range hs {
		h(env)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.subs[id] = h
	return &localSub{l: l, id: id}, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = make(map[int]Handler)
	return nil
}

type localSub struct {
	l  *Local
	id int
}

func (s *localSub) Close() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.subs, s.id)
	return nil
}
