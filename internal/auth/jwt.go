package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"

	"github.com/golang-jwt/jwt"
)

// Verifier turns a bearer credential into an identity. Token issuance lives
// outside this service.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

type AccessClaims struct {
	jwt.StandardClaims // Issuer, Audience, ExpiresAt, NotBefore, IssuedAt, Subject
	Name               string `json:"name,omitempty"`
	Role               string `json:"role,omitempty"`
	Email              string `json:"email,omitempty"`
}

// JWTVerifier принимает RS256 (если задан публичный ключ) или HS256 (общий секрет).
type JWTVerifier struct {
	public    *rsa.PublicKey
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

type JWTOptions struct {
	PublicKey *rsa.PublicKey
	Secret    []byte
	Issuer    string // пусто: не проверяем
	Audience  string // пусто: не проверяем
	ClockSkew time.Duration
}

func NewJWTVerifier(opts JWTOptions) (*JWTVerifier, error) {
	if opts.PublicKey == nil && len(opts.Secret) == 0 {
		return nil, fmt.Errorf("auth: either public key or secret is required")
	}
	return &JWTVerifier{
		public:    opts.PublicKey,
		secret:    opts.Secret,
		issuer:    opts.Issuer,
		audience:  opts.Audience,
		clockSkew: opts.ClockSkew,
		now:       time.Now,
	}, nil
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (any, error) {
	if v.public != nil {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, ErrInvalidToken
		}
		return v.public, nil
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, ErrInvalidToken
	}
	return v.secret, nil
}

// ParseAndValidate checks signature, issuer, audience and exp/nbf with clock skew.
func (v *JWTVerifier) ParseAndValidate(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	// временные клеймы проверяем сами, с допуском clockSkew
	parser := &jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, ErrInvalidIssuer
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, ErrInvalidAudience
	}

	now := v.now()
	if claims.ExpiresAt == 0 {
		return nil, domain.ErrTokenExpired
	}
	exp := time.Unix(claims.ExpiresAt, 0).Add(v.clockSkew)
	if now.After(exp) {
		return nil, domain.ErrTokenExpired
	}
	if claims.NotBefore != 0 {
		nbf := time.Unix(claims.NotBefore, 0).Add(-v.clockSkew)
		if now.Before(nbf) {
			return nil, domain.ErrTokenExpired
		}
	}

	return claims, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	claims, err := v.ParseAndValidate(token)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := domain.ValidateUserID(claims.Subject); err != nil {
		return domain.Identity{}, ErrInvalidSubject
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}
	return domain.Identity{
		UserID:      claims.Subject,
		DisplayName: name,
		Role:        claims.Role,
		Email:       claims.Email,
	}, nil
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}

	return pub, nil
}
