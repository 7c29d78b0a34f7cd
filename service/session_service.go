package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/ports"
)

const DefaultSessionTTL = 24 * time.Hour

// IssuedSession is a freshly minted session token
type IssuedSession struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Session   *core.Session `json:"-"`
}

// SessionService mints, validates and revokes session tokens
type SessionService struct {
	tokenizer ports.Tokenizer
	sessions  ports.SessionStore
	users     ports.UserStore
	eventPub  ports.EventPublisher
	logger    *slog.Logger

	sessionTTL time.Duration
	now        func() time.Time
}

// NewSessionService creates a new session service
func NewSessionService(
	tokenizer ports.Tokenizer,
	sessions ports.SessionStore,
	users ports.UserStore,
	eventPub ports.EventPublisher,
	sessionTTL time.Duration,
	logger *slog.Logger,
) *SessionService {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SessionService{
		tokenizer:  tokenizer,
		sessions:   sessions,
		users:      users,
		eventPub:   eventPub,
		logger:     logger,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// Issue mints a token for user and records the session
func (s *SessionService) Issue(ctx context.Context, user *core.User, meta core.RequestMeta) (*IssuedSession, error) {
	if user == nil || user.ID == "" {
		return nil, core.NewValidationError("user", "is required")
	}

	now := s.now().UTC().Truncate(time.Second)
	session := &core.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Wallet:    user.Wallet,
		SafeMode:  user.SafeModeEnabled,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.sessionTTL),
		IsValid:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	token, err := s.tokenizer.SessionToToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	session.TokenHash = HashToken(token)

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	metrics.SessionsTotal.WithLabelValues("issued").Inc()
	return &IssuedSession{Token: token, ExpiresAt: session.ExpiresAt, Session: session}, nil
}

// Validate accepts a token only if it verifies, has not expired, and its
// stored session is still valid. Logout takes effect before token expiry.
func (s *SessionService) Validate(ctx context.Context, token string) (*core.Session, error) {
	claims, err := s.tokenizer.TokenToSession(token)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	session, err := s.sessions.GetByTokenHash(ctx, HashToken(token))
	if errors.Is(err, core.ErrSessionNotFound) {
		metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		return nil, core.ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.ID != claims.ID || !session.Active(s.now()) {
		metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		return nil, core.ErrSessionInvalid
	}
	return session, nil
}

// Revoke invalidates the session for token. It is idempotent and accepts
// expired tokens so a stale token can still be logged out.
func (s *SessionService) Revoke(ctx context.Context, token string) (int, error) {
	if token == "" {
		return 0, core.NewValidationError("token", "is required")
	}
	hash := HashToken(token)

	n, err := s.sessions.InvalidateByTokenHash(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate session: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	metrics.SessionsTotal.WithLabelValues("revoked").Add(float64(n))
	event := core.SecurityEvent{Type: core.EventLogout, OccurredAt: s.now().UTC()}
	if session, err := s.sessions.GetByTokenHash(ctx, hash); err == nil {
		event.UserID = session.UserID
		event.Wallet = session.Wallet
		event.SessionID = session.ID
	}
	// Publish logout event for cross-instance notifications
	if err := s.eventPub.PublishSecurityEvent(ctx, event); err != nil {
		// The session is already invalidated in the store, which is the critical part
		logging.L(ctx, s.logger).Warn("failed to publish logout event", "error", err)
	}
	return n, nil
}

// RevokeAll invalidates every session of userID
func (s *SessionService) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := s.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}
	if n > 0 {
		metrics.SessionsTotal.WithLabelValues("revoked").Add(float64(n))
		if err := s.eventPub.PublishSecurityEvent(ctx, core.SecurityEvent{
			Type:       core.EventLogout,
			UserID:     userID,
			Detail:     fmt.Sprintf("%d sessions", n),
			OccurredAt: s.now().UTC(),
		}); err != nil {
			logging.L(ctx, s.logger).Warn("failed to publish logout event", "error", err)
		}
	}
	return n, nil
}

// SetSafeMode stores the user's safe mode preference. Sessions issued
// afterwards carry the new value.
func (s *SessionService) SetSafeMode(ctx context.Context, userID string, enabled bool) (*core.User, error) {
	if err := s.users.SetSafeMode(ctx, userID, enabled); err != nil {
		return nil, err
	}
	return s.users.GetUser(ctx, userID)
}

// User loads the identity behind a session
func (s *SessionService) User(ctx context.Context, userID string) (*core.User, error) {
	return s.users.GetUser(ctx, userID)
}

// HashToken is the session store key for token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
