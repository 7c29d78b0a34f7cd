package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const pgUniqueViolation = "23505"

// PostgresCredentialStore implements CredentialStore using PostgreSQL.
type PostgresCredentialStore struct {
	db *pgxpool.Pool
}

// NewPostgresCredentialStore builds a Postgres-backed credential store.
func NewPostgresCredentialStore(db *pgxpool.Pool) ports.CredentialStore {
	return &PostgresCredentialStore{db: db}
}

const credentialColumns = `id, owner, user_id, public_key, sign_count, transports, aaguid, backup_eligible, created_at, last_used_at, revoked`

func (r *PostgresCredentialStore) Create(ctx context.Context, cred *core.Credential) error {
	transports := cred.Transports
	if transports == nil {
		transports = []string{}
	}
	_, err := r.db.Exec(ctx, `INSERT INTO credentials (`+credentialColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cred.ID, cred.Owner, cred.UserID, cred.PublicKey, int64(cred.SignCount), transports,
		cred.AAGUID, cred.BackupEligible, cred.CreatedAt.UTC(), nullTime(cred.LastUsedAt), cred.Revoked)
	if isUniqueViolation(err) {
		return core.ErrCredentialExists
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialStore) Get(ctx context.Context, id []byte) (*core.Credential, error) {
	row := r.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrUnknownCredential
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

func (r *PostgresCredentialStore) ListByOwner(ctx context.Context, owner string) ([]*core.Credential, error) {
	rows, err := r.db.Query(ctx, `SELECT `+credentialColumns+` FROM credentials
        WHERE owner = $1 AND NOT revoked ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*core.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// UpdateSignCount is a compare-and-swap on the stored counter; concurrent
// replays of one assertion see at most one affected row.
func (r *PostgresCredentialStore) UpdateSignCount(ctx context.Context, id []byte, newCount uint32, allowZero bool, usedAt time.Time) (bool, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE credentials SET sign_count = $2, last_used_at = $3
        WHERE id = $1 AND NOT revoked
          AND (sign_count < $2 OR ($4 AND sign_count = 0 AND $2 = 0))`,
		id, int64(newCount), usedAt.UTC(), allowZero)
	if err != nil {
		return false, fmt.Errorf("update sign count: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM credentials WHERE id = $1 AND NOT revoked)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check credential: %w", err)
	}
	if !exists {
		return false, core.ErrUnknownCredential
	}
	return false, nil
}

func (r *PostgresCredentialStore) Revoke(ctx context.Context, id []byte, owner string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE credentials SET revoked = TRUE WHERE id = $1 AND owner = $2 AND NOT revoked`, id, owner)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return core.ErrUnknownCredential
	}
	return nil
}

func scanCredential(row pgx.Row) (*core.Credential, error) {
	var (
		cred      core.Credential
		signCount int64
		lastUsed  *time.Time
	)
	if err := row.Scan(&cred.ID, &cred.Owner, &cred.UserID, &cred.PublicKey, &signCount,
		&cred.Transports, &cred.AAGUID, &cred.BackupEligible, &cred.CreatedAt, &lastUsed, &cred.Revoked); err != nil {
		return nil, err
	}
	cred.SignCount = uint32(signCount)
	cred.CreatedAt = cred.CreatedAt.UTC()
	if lastUsed != nil {
		cred.LastUsedAt = lastUsed.UTC()
	}
	return &cred, nil
}

// PostgresUserStore implements UserStore using PostgreSQL.
type PostgresUserStore struct {
	db *pgxpool.Pool
}

// NewPostgresUserStore builds a Postgres-backed user store.
func NewPostgresUserStore(db *pgxpool.Pool) ports.UserStore {
	return &PostgresUserStore{db: db}
}

// EnsureUser inserts a user for wallet or returns the existing one.
func (r *PostgresUserStore) EnsureUser(ctx context.Context, wallet string) (*core.User, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO users (id, wallet, safe_mode_enabled, created_at)
        VALUES ($1, $2, TRUE, $3)
        ON CONFLICT (wallet) DO UPDATE SET wallet = EXCLUDED.wallet
        RETURNING id, wallet, safe_mode_enabled, created_at`,
		uuid.New().String(), wallet, time.Now().UTC())
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func (r *PostgresUserStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	return r.getOne(ctx, `SELECT id, wallet, safe_mode_enabled, created_at FROM users WHERE id = $1`, id)
}

func (r *PostgresUserStore) GetUserByWallet(ctx context.Context, wallet string) (*core.User, error) {
	return r.getOne(ctx, `SELECT id, wallet, safe_mode_enabled, created_at FROM users WHERE wallet = $1`, wallet)
}

func (r *PostgresUserStore) getOne(ctx context.Context, query, arg string) (*core.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (r *PostgresUserStore) SetSafeMode(ctx context.Context, userID string, enabled bool) error {
	cmd, err := r.db.Exec(ctx, `UPDATE users SET safe_mode_enabled = $1 WHERE id = $2`, enabled, userID)
	if err != nil {
		return fmt.Errorf("update safe mode: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*core.User, error) {
	var u core.User
	if err := row.Scan(&u.ID, &u.Wallet, &u.SafeModeEnabled, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// PostgresProfileStore implements ProfileStore using PostgreSQL.
type PostgresProfileStore struct {
	db *pgxpool.Pool
}

// NewPostgresProfileStore builds a Postgres-backed profile store.
func NewPostgresProfileStore(db *pgxpool.Pool) ports.ProfileStore {
	return &PostgresProfileStore{db: db}
}

func (r *PostgresProfileStore) Get(ctx context.Context, userID string) (*core.BehaviorProfile, error) {
	var (
		p           core.BehaviorProfile
		windowStart *time.Time
		addresses   []byte
	)
	err := r.db.QueryRow(ctx, `SELECT user_id, avg_amount, txn_count, txn_frequency, window_start,
            common_addresses, deviation_score, version, updated_at
        FROM behavior_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.AvgAmount, &p.TxnCount, &p.TxnFrequency, &windowStart,
			&addresses, &p.DeviationScore, &p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	if err := json.Unmarshal(addresses, &p.CommonAddresses); err != nil {
		return nil, fmt.Errorf("decode common addresses: %w", err)
	}
	if windowStart != nil {
		p.WindowStart = windowStart.UTC()
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// Save inserts (expectedVersion 0) or updates the profile guarded by its version.
func (r *PostgresProfileStore) Save(ctx context.Context, p *core.BehaviorProfile, expectedVersion int64) error {
	addresses := p.CommonAddresses
	if addresses == nil {
		addresses = []core.AddressStat{}
	}
	encoded, err := json.Marshal(addresses)
	if err != nil {
		return fmt.Errorf("encode common addresses: %w", err)
	}

	next := expectedVersion + 1
	var cmd pgconn.CommandTag
	if expectedVersion == 0 {
		cmd, err = r.db.Exec(ctx, `INSERT INTO behavior_profiles
            (user_id, avg_amount, txn_count, txn_frequency, window_start, common_addresses, deviation_score, version, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
            ON CONFLICT (user_id) DO NOTHING`,
			p.UserID, p.AvgAmount, p.TxnCount, p.TxnFrequency, nullTime(p.WindowStart),
			string(encoded), p.DeviationScore, next, p.UpdatedAt.UTC())
	} else {
		cmd, err = r.db.Exec(ctx, `UPDATE behavior_profiles SET
            avg_amount = $2, txn_count = $3, txn_frequency = $4, window_start = $5,
            common_addresses = $6::jsonb, deviation_score = $7, version = $8, updated_at = $9
            WHERE user_id = $1 AND version = $10`,
			p.UserID, p.AvgAmount, p.TxnCount, p.TxnFrequency, nullTime(p.WindowStart),
			string(encoded), p.DeviationScore, next, p.UpdatedAt.UTC(), expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return core.ErrProfileWriteConflict
	}
	p.Version = next
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
