package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/testutil"
)

func TestPostgresStores(t *testing.T) {
	pool := testutil.PGTest(t)
	ctx := context.Background()

	users := NewPostgresUserStore(pool)
	creds := NewPostgresCredentialStore(pool)
	profiles := NewPostgresProfileStore(pool)

	u, err := users.EnsureUser(ctx, testWallet)
	require.NoError(t, err)
	again, err := users.EnsureUser(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
	assert.True(t, u.SafeModeEnabled)

	require.NoError(t, users.SetSafeMode(ctx, u.ID, false))
	got, err := users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.SafeModeEnabled)

	t.Run("credentials", func(t *testing.T) {
		cred := &core.Credential{
			ID: []byte("pg-cred"), Owner: testWallet, UserID: u.ID, PublicKey: []byte{1, 2},
			Transports: []string{"internal"}, BackupEligible: true, CreatedAt: time.Now(),
		}
		require.NoError(t, creds.Create(ctx, cred))
		assert.ErrorIs(t, creds.Create(ctx, cred), core.ErrCredentialExists)

		ok, err := creds.UpdateSignCount(ctx, cred.ID, 3, true, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = creds.UpdateSignCount(ctx, cred.ID, 3, true, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		stored, err := creds.Get(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), stored.SignCount)
		assert.Equal(t, []string{"internal"}, stored.Transports)
		assert.True(t, stored.BackupEligible)

		require.NoError(t, creds.Revoke(ctx, cred.ID, testWallet))
		list, err := creds.ListByOwner(ctx, testWallet)
		require.NoError(t, err)
		assert.Empty(t, list)

		_, err = creds.UpdateSignCount(ctx, cred.ID, 9, true, time.Now())
		assert.ErrorIs(t, err, core.ErrUnknownCredential)
	})

	t.Run("profiles", func(t *testing.T) {
		p := core.NewBehaviorProfile(u.ID)
		p.AvgAmount = 12.5
		p.TxnCount = 1
		p.CommonAddresses = []core.AddressStat{{Address: testWallet, Count: 1, LastSeen: time.Now().UTC()}}
		p.UpdatedAt = time.Now()
		require.NoError(t, profiles.Save(ctx, p, 0))
		assert.ErrorIs(t, profiles.Save(ctx, p, 0), core.ErrProfileWriteConflict)

		loaded, err := profiles.Get(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 12.5, loaded.AvgAmount)
		assert.Equal(t, int64(1), loaded.Version)
		require.Len(t, loaded.CommonAddresses, 1)

		require.NoError(t, profiles.Save(ctx, loaded, 1))
		assert.Equal(t, int64(2), loaded.Version)
	})
}
