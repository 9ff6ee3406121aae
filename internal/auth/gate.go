package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
)

// Subprotocol is echoed back when the client carries its token in
// Sec-WebSocket-Protocol as "bearer, <token>".
const Subprotocol = "bearer"

// Gate authenticates an inbound connection before it is admitted. It never
// touches the presence store.
type Gate struct {
	verifier Verifier
	timeout  time.Duration
}

func NewGate(v Verifier, handshakeTimeout time.Duration) *Gate {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Gate{verifier: v, timeout: handshakeTimeout}
}

// Credential extracts a bearer token from, in order: the access_token or token
// query field, the Authorization header, the websocket subprotocol list.
func Credential(r *http.Request) string {
	q := r.URL.Query()
	for _, k := range []string{"access_token", "token"} {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(tok) != "" {
			return strings.TrimSpace(tok)
		}
	}

	if h := r.Header.Get("Sec-WebSocket-Protocol"); h != "" {
		parts := strings.Split(h, ",")
		for i := 0; i+1 < len(parts); i++ {
			if strings.EqualFold(strings.TrimSpace(parts[i]), Subprotocol) {
				if tok := strings.TrimSpace(parts[i+1]); tok != "" {
					return tok
				}
			}
		}
	}
	return ""
}

// Authenticate returns an error wrapping domain.ErrUnauthenticated for any
// missing, malformed, rejected or timed-out credential.
func (g *Gate) Authenticate(r *http.Request) (domain.Identity, error) {
	tok := Credential(r)
	if tok == "" {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, ErrMissingToken)
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	id, err := g.verifier.Verify(ctx, tok)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	if err := domain.ValidateUserID(id.UserID); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	return id, nil
}

// IsExpired reports whether an authentication failure was due to token lifetime.
func IsExpired(err error) bool {
	return errors.Is(err, domain.ErrTokenExpired)
}
