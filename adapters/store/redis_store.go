package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const (
	challengePrefix    = "warden:challenge:"
	sessionPrefix      = "warden:session:"
	userSessionsPrefix = "warden:user-sessions:"

	// Expired challenges outlive their ttl briefly so a late completion is
	// reported as expired rather than unknown.
	challengeGrace = time.Minute
)

// RedisChallengeStore is a Redis implementation of the ChallengeStore interface
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore creates a new Redis challenge store
func NewRedisChallengeStore(client *redis.Client) ports.ChallengeStore {
	return &RedisChallengeStore{
		client: client,
		prefix: challengePrefix,
	}
}

type challengeRecord struct {
	Nonce     []byte            `json:"nonce"`
	Owner     string            `json:"owner"`
	Type      core.CeremonyType `json:"type"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (s *RedisChallengeStore) key(nonce []byte) string {
	return s.prefix + hex.EncodeToString(nonce)
}

// Save stores the challenge with an expiration
func (s *RedisChallengeStore) Save(ctx context.Context, challenge *core.Challenge, ttl time.Duration) error {
	data, err := json.Marshal(challengeRecord(*challenge))
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.key(challenge.Nonce), data, ttl+challengeGrace).Err(); err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}
	return nil
}

// Consume reads and deletes the challenge in one GETDEL
func (s *RedisChallengeStore) Consume(ctx context.Context, nonce []byte) (*core.Challenge, error) {
	data, err := s.client.GetDel(ctx, s.key(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var rec challengeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	c := core.Challenge(rec)
	return &c, nil
}

// PurgeExpired is a no-op; Redis evicts challenge keys by TTL
func (s *RedisChallengeStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// invalidateSessionScript flips is_valid only on a live, valid session hash
// so repeated logouts report zero affected rows.
const invalidateSessionScript = `
if redis.call("HGET", KEYS[1], "is_valid") == "1" then
  redis.call("HSET", KEYS[1], "is_valid", "0")
  return 1
end
return 0
`

var invalidateSessionLua = redis.NewScript(invalidateSessionScript)

// RedisSessionStore is a Redis implementation of the SessionStore interface
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	index  string
}

// NewRedisSessionStore creates a new Redis session store
func NewRedisSessionStore(client *redis.Client) ports.SessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: sessionPrefix,
		index:  userSessionsPrefix,
	}
}

// Create stores the session hash and indexes it by user; both keys expire with the session
func (s *RedisSessionStore) Create(ctx context.Context, session *core.Session) error {
	key := s.prefix + session.TokenHash
	indexKey := s.index + session.UserID

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"id":         session.ID,
			"user_id":    session.UserID,
			"wallet":     session.Wallet,
			"safe_mode":  boolString(session.SafeMode),
			"issued_at":  strconv.FormatInt(session.IssuedAt.UnixNano(), 10),
			"expires_at": strconv.FormatInt(session.ExpiresAt.UnixNano(), 10),
			"is_valid":   boolString(session.IsValid),
			"ip":         session.IPAddress,
			"user_agent": session.UserAgent,
		})
		pipe.PExpireAt(ctx, key, session.ExpiresAt)
		pipe.SAdd(ctx, indexKey, session.TokenHash)
		pipe.PExpireAt(ctx, indexKey, session.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*core.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+tokenHash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrSessionNotFound
	}

	issued, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session expires_at: %w", err)
	}

	return &core.Session{
		ID:        fields["id"],
		TokenHash: tokenHash,
		UserID:    fields["user_id"],
		Wallet:    fields["wallet"],
		SafeMode:  fields["safe_mode"] == "1",
		IssuedAt:  time.Unix(0, issued).UTC(),
		ExpiresAt: time.Unix(0, expires).UTC(),
		IsValid:   fields["is_valid"] == "1",
		IPAddress: fields["ip"],
		UserAgent: fields["user_agent"],
	}, nil
}

func (s *RedisSessionStore) InvalidateByTokenHash(ctx context.Context, tokenHash string) (int, error) {
	n, err := invalidateSessionLua.Run(ctx, s.client, []string{s.prefix + tokenHash}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate session: %w", err)
	}
	return n, nil
}

func (s *RedisSessionStore) InvalidateAllForUser(ctx context.Context, userID string) (int, error) {
	indexKey := s.index + userID
	hashes, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}

	total := 0
	for _, h := range hashes {
		n, err := s.InvalidateByTokenHash(ctx, h)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
