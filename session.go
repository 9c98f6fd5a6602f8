package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionCookieName = "vitbank_session"
	sessionIssuer     = "vitbank"
	sessionKeyPrefix  = "vitbank:session:"
	actorKeyPrefix    = "vitbank:actor:"
	minSecretLength   = 32
)

// Actor is who is making a request. The zero value is anonymous.
type Actor struct {
	Role Role  `json:"role"`
	ID   int64 `json:"id"`
}

// Is reports whether a is an authenticated actor of the given role.
func (a Actor) Is(role Role) bool { return a.Role == role && a.ID > 0 }

type sessionClaims struct {
	Role    Role  `json:"role"`
	ActorID int64 `json:"aid"`
	jwt.RegisteredClaims
}

type sessionRecord struct {
	Actor
	CreatedAt time.Time `json:"created_at"`
}

type SessionConfig struct {
	Secret []byte
	TTL    time.Duration
	Secure bool
}

// SessionManager issues signed session cookies and keeps the session records
// in Redis, so a session ends for real on logout. An actor holds at most one
// session at a time.
type SessionManager struct {
	rdb    redis.UniversalClient
	secret []byte
	ttl    time.Duration
	secure bool
	logger *zap.Logger
}

func NewSessionManager(rdb redis.UniversalClient, cfg SessionConfig, logger *zap.Logger) (*SessionManager, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	return &SessionManager{rdb: rdb, secret: cfg.Secret, ttl: cfg.TTL, secure: cfg.Secure, logger: logger}, nil
}

func sessionKey(sid string) string { return sessionKeyPrefix + sid }

func actorKey(a Actor) string { return actorKeyPrefix + string(a.Role) + ":" + strconv.FormatInt(a.ID, 10) }

// Start ends whatever session the request carried and any earlier session of
// the actor, then sets a fresh cookie.
func (m *SessionManager) Start(ctx context.Context, w http.ResponseWriter, r *http.Request, actor Actor) error {
	if sid, _, err := m.parseCookie(r); err == nil {
		m.drop(ctx, sid)
	}

	previous, err := m.rdb.Get(ctx, actorKey(actor)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ErrUnavailable.Wrap(fmt.Errorf("session lookup: %w", err))
	}

	sid := GenerateID()
	now := time.Now().UTC()
	record, err := json.Marshal(sessionRecord{Actor: actor, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" {
			pipe.Del(ctx, sessionKey(previous))
		}
		pipe.Set(ctx, sessionKey(sid), record, m.ttl)
		pipe.Set(ctx, actorKey(actor), sid, m.ttl)
		return nil
	})
	if err != nil {
		return ErrUnavailable.Wrap(fmt.Errorf("session store: %w", err))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Role:    actor.Role,
		ActorID: actor.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sid,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Resolve returns the actor behind the request's cookie. Missing, forged,
// expired or revoked sessions all yield ErrNotAuthenticated.
func (m *SessionManager) Resolve(ctx context.Context, r *http.Request) (Actor, error) {
	sid, claims, err := m.parseCookie(r)
	if err != nil {
		return Actor{}, ErrNotAuthenticated
	}

	raw, err := m.rdb.Get(ctx, sessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Actor{}, ErrNotAuthenticated
	}
	if err != nil {
		return Actor{}, ErrUnavailable.Wrap(fmt.Errorf("session lookup: %w", err))
	}

	var record sessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		m.logger.Warn("corrupt session record", zap.String("sid", sid), zap.Error(err))
		return Actor{}, ErrNotAuthenticated
	}
	if record.Role != claims.Role || record.ID != claims.ActorID {
		return Actor{}, ErrNotAuthenticated
	}
	return record.Actor, nil
}

// End revokes the request's session and clears the cookie. It never fails
// for an anonymous request.
func (m *SessionManager) End(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if sid, claims, err := m.parseCookie(r); err == nil {
		m.drop(ctx, sid)
		m.rdb.Del(ctx, actorKey(Actor{Role: claims.Role, ID: claims.ActorID}))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) drop(ctx context.Context, sid string) {
	if err := m.rdb.Del(ctx, sessionKey(sid)).Err(); err != nil {
		m.logger.Warn("failed to revoke session", zap.String("sid", sid), zap.Error(err))
	}
}

func (m *SessionManager) parseCookie(r *http.Request) (string, *sessionClaims, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", nil, err
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(sessionIssuer))
	if err != nil || !token.Valid {
		return "", nil, ErrNotAuthenticated
	}
	if claims.ID == "" {
		return "", nil, ErrNotAuthenticated
	}
	return claims.ID, claims, nil
}

func (m *SessionManager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

type actorCtxKey struct{}

func withActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

func actorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorCtxKey{}).(Actor)
	return a
}
