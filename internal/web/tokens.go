package web

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer     = "admitq"
	streamTokenType = "stream"

	DefaultStreamTokenTTL = time.Minute
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenUsed    = errors.New("stream token already used")
)

// Identity is the caller a request acts as.
type Identity struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
}

type claims struct {
	Admin bool   `json:"admin,omitempty"`
	Type  string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 identity tokens and the short-lived
// single-use stream tokens that replace identity tokens in URLs.
type Tokens struct {
	secret    []byte
	streamTTL time.Duration
	now       func() time.Time

	mu       sync.Mutex
	redeemed map[string]time.Time // jti -> expiry
}

func NewTokens(secret string, streamTTL time.Duration) *Tokens {
	if streamTTL <= 0 {
		streamTTL = DefaultStreamTokenTTL
	}
	return &Tokens{
		secret:    []byte(secret),
		streamTTL: streamTTL,
		now:       time.Now,
		redeemed:  map[string]time.Time{},
	}
}

// Enabled reports whether a secret is configured. Without one every caller
// is an anonymous admin.
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// IssueIdentity signs a token for id. A zero ttl issues a token without an
// expiry.
func (t *Tokens) IssueIdentity(id Identity, ttl time.Duration) (string, error) {
	now := t.now()
	c := claims{
		Admin: id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return t.sign(c)
}

func (t *Tokens) ParseIdentity(raw string) (Identity, error) {
	c, err := t.parse(raw)
	if err != nil {
		return Identity{}, err
	}
	if c.Type != "" {
		return Identity{}, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, c.Type)
	}
	return c.identity()
}

func (t *Tokens) IssueStream(id Identity) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.streamTTL)
	token, err := t.sign(claims{
		Admin: id.Admin,
		Type:  streamTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	return token, expires, err
}

// RedeemStream verifies a stream token and marks it used.
func (t *Tokens) RedeemStream(raw string) (Identity, error) {
	c, err := t.parse(raw, jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, err
	}
	if c.Type != streamTokenType || c.ID == "" {
		return Identity{}, fmt.Errorf("%w: not a stream token", ErrInvalidToken)
	}
	id, err := c.identity()
	if err != nil {
		return Identity{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for jti, exp := range t.redeemed {
		if now.After(exp) {
			delete(t.redeemed, jti)
		}
	}
	if _, used := t.redeemed[c.ID]; used {
		return Identity{}, ErrTokenUsed
	}
	t.redeemed[c.ID] = c.ExpiresAt.Time
	return id, nil
}

// Non-admin tokens must name a user; an empty user ID would read as "all
// tasks" to the scheduler.
func (c *claims) identity() (Identity, error) {
	if !c.Admin && c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: c.Subject, Admin: c.Admin}, nil
}

func (t *Tokens) sign(c claims) (string, error) {
	if !t.Enabled() {
		return "", errors.New("token secret is not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
}

func (t *Tokens) parse(raw string, opts ...jwt.ParserOption) (*claims, error) {
	if !t.Enabled() || raw == "" {
		return nil, ErrInvalidToken
	}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	var c claims
	if _, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &c, nil
}
