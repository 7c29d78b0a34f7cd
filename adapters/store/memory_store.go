package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// MemoryChallengeStore is an in-memory implementation of the ChallengeStore interface
type MemoryChallengeStore struct {
	challenges map[string]*core.Challenge
	mu         sync.Mutex
}

// NewMemoryChallengeStore creates a new in-memory challenge store
func NewMemoryChallengeStore() ports.ChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]*core.Challenge),
	}
}

// Save stores a challenge under its nonce. The ttl is enforced by the
// challenge's ExpiresAt and PurgeExpired.
func (s *MemoryChallengeStore) Save(ctx context.Context, challenge *core.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *challenge
	c.Nonce = append([]byte(nil), challenge.Nonce...)
	s.challenges[string(c.Nonce)] = &c
	return nil
}

// Consume removes and returns the challenge for nonce
func (s *MemoryChallengeStore) Consume(ctx context.Context, nonce []byte) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[string(nonce)]
	if !ok {
		return nil, core.ErrChallengeNotFound
	}
	delete(s.challenges, string(nonce))
	return c, nil
}

// PurgeExpired drops challenges whose lifetime ended before now
func (s *MemoryChallengeStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, c := range s.challenges {
		if c.Expired(now) {
			delete(s.challenges, k)
			n++
		}
	}
	return n, nil
}

// MemoryCredentialStore is an in-memory implementation of the CredentialStore interface
type MemoryCredentialStore struct {
	credentials map[string]*core.Credential
	mu          sync.RWMutex
}

// NewMemoryCredentialStore creates a new in-memory credential store
func NewMemoryCredentialStore() ports.CredentialStore {
	return &MemoryCredentialStore{
		credentials: make(map[string]*core.Credential),
	}
}

func (s *MemoryCredentialStore) Create(ctx context.Context, cred *core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[string(cred.ID)]; exists {
		return core.ErrCredentialExists
	}
	s.credentials[string(cred.ID)] = cloneCredential(cred)
	return nil
}

func (s *MemoryCredentialStore) Get(ctx context.Context, id []byte) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[string(id)]
	if !ok {
		return nil, core.ErrUnknownCredential
	}
	return cloneCredential(c), nil
}

// ListByOwner returns the owner's live credentials, oldest first
func (s *MemoryCredentialStore) ListByOwner(ctx context.Context, owner string) ([]*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Credential
	for _, c := range s.credentials {
		if c.Owner == owner && !c.Revoked {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryCredentialStore) UpdateSignCount(ctx context.Context, id []byte, newCount uint32, allowZero bool, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[string(id)]
	if !ok || c.Revoked {
		return false, core.ErrUnknownCredential
	}
	if !counterAdvances(c.SignCount, newCount, allowZero) {
		return false, nil
	}
	c.SignCount = newCount
	c.LastUsedAt = usedAt
	return true, nil
}

func (s *MemoryCredentialStore) Revoke(ctx context.Context, id []byte, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[string(id)]
	if !ok || c.Owner != owner || c.Revoked {
		return core.ErrUnknownCredential
	}
	c.Revoked = true
	return nil
}

// counterAdvances is the acceptance rule shared by every credential store
func counterAdvances(stored, next uint32, allowZero bool) bool {
	if next > stored {
		return true
	}
	return allowZero && stored == 0 && next == 0
}

func cloneCredential(c *core.Credential) *core.Credential {
	out := *c
	out.ID = append([]byte(nil), c.ID...)
	out.PublicKey = append([]byte(nil), c.PublicKey...)
	out.AAGUID = append([]byte(nil), c.AAGUID...)
	out.Transports = append([]string(nil), c.Transports...)
	return &out
}

// MemoryUserStore is an in-memory implementation of the UserStore interface
type MemoryUserStore struct {
	users    map[string]*core.User
	byWallet map[string]string
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMemoryUserStore creates a new in-memory user store
func NewMemoryUserStore() ports.UserStore {
	return &MemoryUserStore{
		users:    make(map[string]*core.User),
		byWallet: make(map[string]string),
		now:      time.Now,
	}
}

// EnsureUser returns the user bound to wallet, creating it on first use.
// New users start with safe mode enabled.
func (s *MemoryUserStore) EnsureUser(ctx context.Context, wallet string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byWallet[wallet]; ok {
		u := *s.users[id]
		return &u, nil
	}

	u := &core.User{
		ID:              uuid.New().String(),
		Wallet:          wallet,
		SafeModeEnabled: true,
		CreatedAt:       s.now().UTC(),
	}
	s.users[u.ID] = u
	s.byWallet[wallet] = u.ID

	out := *u
	return &out, nil
}

func (s *MemoryUserStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryUserStore) GetUserByWallet(ctx context.Context, wallet string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byWallet[wallet]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	out := *s.users[id]
	return &out, nil
}

func (s *MemoryUserStore) SetSafeMode(ctx context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return core.ErrUserNotFound
	}
	u.SafeModeEnabled = enabled
	return nil
}

// MemorySessionStore is an in-memory implementation of the SessionStore interface
type MemorySessionStore struct {
	sessions map[string]*core.Session // by token hash
	byUser   map[string]map[string]struct{}
	mu       sync.RWMutex
}

// NewMemorySessionStore creates a new in-memory session store
func NewMemorySessionStore() ports.SessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*core.Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

func (s *MemorySessionStore) Create(ctx context.Context, session *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := *session
	s.sessions[sess.TokenHash] = &sess
	if s.byUser[sess.UserID] == nil {
		s.byUser[sess.UserID] = make(map[string]struct{})
	}
	s.byUser[sess.UserID][sess.TokenHash] = struct{}{}
	return nil
}

func (s *MemorySessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[tokenHash]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

// InvalidateByTokenHash clears IsValid and reports how many sessions changed
func (s *MemorySessionStore) InvalidateByTokenHash(ctx context.Context, tokenHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tokenHash]
	if !ok || !sess.IsValid {
		return 0, nil
	}
	sess.IsValid = false
	return 1, nil
}

func (s *MemorySessionStore) InvalidateAllForUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for hash := range s.byUser[userID] {
		if sess, ok := s.sessions[hash]; ok && sess.IsValid {
			sess.IsValid = false
			n++
		}
	}
	return n, nil
}

// MemoryProfileStore is an in-memory implementation of the ProfileStore interface
type MemoryProfileStore struct {
	profiles map[string]*core.BehaviorProfile
	mu       sync.RWMutex
}

// NewMemoryProfileStore creates a new in-memory profile store
func NewMemoryProfileStore() ports.ProfileStore {
	return &MemoryProfileStore{
		profiles: make(map[string]*core.BehaviorProfile),
	}
}

func (s *MemoryProfileStore) Get(ctx context.Context, userID string) (*core.BehaviorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, core.ErrProfileNotFound
	}
	return p.Clone(), nil
}

// Save stores profile when the stored version matches expectedVersion and
// advances profile.Version.
func (s *MemoryProfileStore) Save(ctx context.Context, profile *core.BehaviorProfile, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if p, ok := s.profiles[profile.UserID]; ok {
		current = p.Version
	}
	if current != expectedVersion {
		return core.ErrProfileWriteConflict
	}

	profile.Version = expectedVersion + 1
	s.profiles[profile.UserID] = profile.Clone()
	return nil
}
