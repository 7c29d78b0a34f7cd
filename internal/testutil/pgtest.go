package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/internal/infra"
)

// PGTest connects to WARDEN_TEST_POSTGRES_URL, applies migrations and
// returns a pool. Tables are truncated when the test ends.
//
// If WARDEN_TEST_POSTGRES_URL is not set, the test is skipped.
func PGTest(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("WARDEN_TEST_POSTGRES_URL")
	if dbURL == "" {
		t.Skip("WARDEN_TEST_POSTGRES_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, dbURL)
	require.NoError(t, err, "pgtest: connect")
	require.NoError(t, infra.Migrate(ctx, pool), "pgtest: migrate")

	t.Cleanup(func() {
		// Table names are fixed; dependents first.
		_, _ = pool.Exec(ctx, `TRUNCATE credentials, behavior_profiles, users CASCADE`)
		pool.Close()
	})
	return pool
}
