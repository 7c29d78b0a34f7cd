package ports

import (
	"context"
	"time"

	"github.com/layer-3/warden/core"
)

// ChallengeStore holds outstanding ceremony challenges
type ChallengeStore interface {
	Save(ctx context.Context, challenge *core.Challenge, ttl time.Duration) error
	// Consume atomically removes and returns the challenge for nonce.
	// Concurrent callers racing on one nonce see exactly one success;
	// the rest get core.ErrChallengeNotFound.
	Consume(ctx context.Context, nonce []byte) (*core.Challenge, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// CredentialStore persists registered authenticator credentials
type CredentialStore interface {
	Create(ctx context.Context, cred *core.Credential) error
	Get(ctx context.Context, id []byte) (*core.Credential, error)
	ListByOwner(ctx context.Context, owner string) ([]*core.Credential, error)
	// UpdateSignCount stores newCount only if it is greater than the stored
	// counter, or both are zero and allowZero is set. It reports whether the
	// write happened.
	UpdateSignCount(ctx context.Context, id []byte, newCount uint32, allowZero bool, usedAt time.Time) (bool, error)
	Revoke(ctx context.Context, id []byte, owner string) error
}

// UserStore maps wallets to identities
type UserStore interface {
	EnsureUser(ctx context.Context, wallet string) (*core.User, error)
	GetUser(ctx context.Context, id string) (*core.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*core.User, error)
	SetSafeMode(ctx context.Context, userID string, enabled bool) error
}

// SessionStore records issued sessions for revocation
type SessionStore interface {
	Create(ctx context.Context, session *core.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*core.Session, error)
	InvalidateByTokenHash(ctx context.Context, tokenHash string) (int, error)
	InvalidateAllForUser(ctx context.Context, userID string) (int, error)
}

// ProfileStore persists behavior profiles with optimistic versioning
type ProfileStore interface {
	Get(ctx context.Context, userID string) (*core.BehaviorProfile, error)
	// Save writes profile if the stored version equals expectedVersion
	// (0 for a new profile), otherwise returns core.ErrProfileWriteConflict.
	Save(ctx context.Context, profile *core.BehaviorProfile, expectedVersion int64) error
}
