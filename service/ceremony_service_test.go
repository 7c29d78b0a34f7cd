package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/testutil"
	"github.com/layer-3/warden/internal/webauthn"
	"github.com/layer-3/warden/ports"
)

const (
	testRPID   = "wallet.example"
	testOrigin = "https://wallet.example"
)

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []core.SecurityEvent
}

func (p *recordingPublisher) PublishSecurityEvent(_ context.Context, event core.SecurityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []core.SecurityEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.SecurityEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type ceremonyFixture struct {
	svc         *CeremonyService
	challenges  ports.ChallengeStore
	credentials ports.CredentialStore
	users       ports.UserStore
	events      *recordingPublisher
	wallet      *testutil.Wallet
	auth        *testutil.Authenticator
}

func newCeremonyFixture(t *testing.T, mutate func(*CeremonyConfig)) *ceremonyFixture {
	t.Helper()

	cfg := CeremonyConfig{
		RPID:                    testRPID,
		RPName:                  "Warden",
		Origins:                 []string{testOrigin},
		RequireUserVerification: true,
		AllowZeroCounter:        true,
		RequireWalletProof:      true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &ceremonyFixture{
		challenges:  store.NewMemoryChallengeStore(),
		credentials: store.NewMemoryCredentialStore(),
		users:       store.NewMemoryUserStore(),
		events:      &recordingPublisher{},
		wallet:      testutil.NewWallet(t),
		auth:        testutil.NewAuthenticator(t, testRPID, testOrigin),
	}
	svc, err := NewCeremonyService(f.challenges, f.credentials, f.users, f.events, cfg, nil)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// register runs a full registration for the fixture wallet
func (f *ceremonyFixture) register(t *testing.T) *CeremonyResult {
	t.Helper()
	ctx := context.Background()

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)

	res, err := f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	})
	require.NoError(t, err)
	require.True(t, res.Verified)
	return res
}

func (f *ceremonyFixture) login(t *testing.T, respond func(challenge []byte) *webauthn.AssertionResponse) (*CeremonyResult, error) {
	t.Helper()
	ctx := context.Background()

	opts, err := f.svc.BeginAuthentication(ctx, f.wallet.Address)
	require.NoError(t, err)

	return f.svc.CompleteAuthentication(ctx, AuthenticationRequest{
		Wallet:    f.wallet.Address,
		Challenge: opts.Challenge,
		Response:  *respond(opts.Challenge),
	})
}

func TestCeremony_RegisterAndLogin(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)
	assert.Len(t, opts.Challenge, challengeSize)
	assert.Equal(t, testRPID, opts.RelyingParty.ID)
	assert.Equal(t, "required", opts.AuthenticatorSelection.UserVerification)
	assert.Equal(t, webauthn.BindingMessage(testRPID, f.wallet.Address, opts.Challenge), opts.WalletMessage)

	reg, err := f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	})
	require.NoError(t, err)
	assert.True(t, reg.Verified)
	assert.NotEmpty(t, reg.UserID)
	assert.Equal(t, webauthn.Base64URL(f.auth.CredentialID), reg.CredentialID)

	login, err := f.login(t, f.auth.Assert)
	require.NoError(t, err)
	assert.True(t, login.Verified)
	assert.Equal(t, reg.UserID, login.UserID)

	cred, err := f.credentials.Get(ctx, f.auth.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, f.auth.SignCount, cred.SignCount)
	assert.False(t, cred.LastUsedAt.IsZero())

	assert.Equal(t, []core.SecurityEventType{
		core.EventRegistrationCompleted,
		core.EventAuthenticationCompleted,
	}, f.events.types())
}

func TestCeremony_BeginRegistration_ExcludesExisting(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)

	opts, err := f.svc.BeginRegistration(context.Background(), f.wallet.Address)
	require.NoError(t, err)
	require.Len(t, opts.ExcludeCredentials, 1)
	assert.Equal(t, webauthn.Base64URL(f.auth.CredentialID), opts.ExcludeCredentials[0].ID)
}

func TestCeremony_InvalidWallet(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.BeginRegistration(ctx, "not-a-wallet")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.BeginAuthentication(ctx, "0x1234")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{Wallet: f.wallet.Address})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCeremony_WalletProofRequired(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()
	other := testutil.NewWallet(t)

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)

	res, err := f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: other.SignText(opts.WalletMessage),
	})
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.False(t, res.Verified)

	creds, err := f.credentials.ListByOwner(ctx, f.wallet.Address)
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestCeremony_WalletProofOptional(t *testing.T) {
	f := newCeremonyFixture(t, func(c *CeremonyConfig) { c.RequireWalletProof = false })
	ctx := context.Background()

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)
	assert.Empty(t, opts.WalletMessage)

	res, err := f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:    f.wallet.Address,
		Challenge: opts.Challenge,
		Response:  *f.auth.Register(opts.Challenge),
	})
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestCeremony_ChallengeSingleUse(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)
	req := RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	}

	_, err = f.svc.CompleteRegistration(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.CompleteRegistration(ctx, req)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestCeremony_FailedVerificationConsumesChallenge(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)

	bad := *f.auth.Register([]byte("some other challenge"))
	_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        bad,
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	})
	assert.ErrorIs(t, err, core.ErrVerificationFailed)

	_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	})
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestCeremony_ChallengeScope(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()
	other := testutil.NewWallet(t)

	t.Run("other wallet", func(t *testing.T) {
		opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
		require.NoError(t, err)

		_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{
			Wallet:          other.Address,
			Challenge:       opts.Challenge,
			Response:        *f.auth.Register(opts.Challenge),
			WalletSignature: other.SignText(webauthn.BindingMessage(testRPID, other.Address, opts.Challenge)),
		})
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("other ceremony", func(t *testing.T) {
		f.register(t)
		opts, err := f.svc.BeginAuthentication(ctx, f.wallet.Address)
		require.NoError(t, err)

		_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{
			Wallet:    f.wallet.Address,
			Challenge: opts.Challenge,
			Response:  *f.auth.Register(opts.Challenge),
		})
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := f.svc.CompleteAuthentication(ctx, AuthenticationRequest{
			Wallet:    f.wallet.Address,
			Challenge: []byte("never issued"),
		})
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})
}

func TestCeremony_ChallengeExpired(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()
	base := time.Now()
	f.svc.now = func() time.Time { return base }

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return base.Add(DefaultChallengeTTL) }
	_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	})
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)

	f.svc.now = func() time.Time { return base }
	f.register(t)
	login, err := f.svc.BeginAuthentication(ctx, f.wallet.Address)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return base.Add(DefaultChallengeTTL + time.Second) }
	_, err = f.svc.CompleteAuthentication(ctx, AuthenticationRequest{
		Wallet:    f.wallet.Address,
		Challenge: login.Challenge,
		Response:  *f.auth.Assert(login.Challenge),
	})
	assert.ErrorIs(t, err, core.ErrChallengeExpired)
}

func TestCeremony_ConcurrentCompletion(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)
	ctx := context.Background()

	opts, err := f.svc.BeginAuthentication(ctx, f.wallet.Address)
	require.NoError(t, err)
	resp := f.auth.Assert(opts.Challenge)

	const workers = 16
	var wg sync.WaitGroup
	var successes, notFound atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CompleteAuthentication(ctx, AuthenticationRequest{
				Wallet:    f.wallet.Address,
				Challenge: opts.Challenge,
				Response:  *resp,
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, core.ErrChallengeNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), notFound.Load())
}

func TestCeremony_NoCredential(t *testing.T) {
	f := newCeremonyFixture(t, nil)

	_, err := f.svc.BeginAuthentication(context.Background(), f.wallet.Address)
	assert.ErrorIs(t, err, core.ErrNoCredential)
}

func TestCeremony_CounterReplay(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)

	_, err := f.login(t, f.auth.Assert)
	require.NoError(t, err)
	_, err = f.login(t, f.auth.Assert)
	require.NoError(t, err)

	// a cloned authenticator still at the previous counter
	stale := f.auth.SignCount - 1
	res, err := f.login(t, func(ch []byte) *webauthn.AssertionResponse { return f.auth.AssertAt(ch, stale) })
	assert.ErrorIs(t, err, core.ErrPossibleReplay)
	assert.False(t, res.Verified)

	// an equal counter is a replay too
	res, err = f.login(t, func(ch []byte) *webauthn.AssertionResponse { return f.auth.AssertAt(ch, f.auth.SignCount) })
	assert.ErrorIs(t, err, core.ErrPossibleReplay)
	assert.False(t, res.Verified)

	cred, err := f.credentials.Get(context.Background(), f.auth.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cred.SignCount)
	assert.Contains(t, f.events.types(), core.EventPossibleReplay)
}

func TestCeremony_ZeroCounter(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		f := newCeremonyFixture(t, nil)
		f.auth.ZeroCounter = true
		f.register(t)

		for i := 0; i < 3; i++ {
			_, err := f.login(t, f.auth.Assert)
			require.NoError(t, err)
		}
	})

	t.Run("disallowed", func(t *testing.T) {
		f := newCeremonyFixture(t, func(c *CeremonyConfig) { c.AllowZeroCounter = false })
		f.auth.ZeroCounter = true
		f.register(t)

		_, err := f.login(t, f.auth.Assert)
		assert.ErrorIs(t, err, core.ErrPossibleReplay)
	})
}

func TestCeremony_UnknownCredential(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)

	stranger := testutil.NewAuthenticator(t, testRPID, testOrigin)
	_, err := f.login(t, stranger.Assert)
	assert.ErrorIs(t, err, core.ErrUnknownCredential)
	assert.Contains(t, f.events.types(), core.EventUnknownCredential)
}

func TestCeremony_CredentialOfOtherWallet(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)

	// second wallet with its own credential
	g := newCeremonyFixture(t, nil)
	svc, err := NewCeremonyService(f.challenges, f.credentials, f.users, f.events, CeremonyConfig{
		RPID:             testRPID,
		Origins:          []string{testOrigin},
		AllowZeroCounter: true,
	}, nil)
	require.NoError(t, err)
	g.svc = svc
	g.register(t)

	// the first wallet presents the second wallet's credential
	_, err = f.login(t, g.auth.Assert)
	assert.ErrorIs(t, err, core.ErrUnknownCredential)
}

func TestCeremony_BadAssertionSignature(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)

	_, err := f.login(t, func(ch []byte) *webauthn.AssertionResponse {
		resp := f.auth.Assert(ch)
		forger := testutil.NewAuthenticator(t, testRPID, testOrigin)
		resp.Response.Signature = forger.Sign(resp.Response.AuthenticatorData, resp.Response.ClientDataJSON)
		return resp
	})
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
}

func TestCeremony_DuplicateRegistration(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)
	ctx := context.Background()

	opts, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)
	_, err = f.svc.CompleteRegistration(ctx, RegistrationRequest{
		Wallet:          f.wallet.Address,
		Challenge:       opts.Challenge,
		Response:        *f.auth.Register(opts.Challenge),
		WalletSignature: f.wallet.SignText(opts.WalletMessage),
	})
	assert.ErrorIs(t, err, core.ErrCredentialExists)
}

func TestCeremony_RevokeCredential(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	f.register(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RevokeCredential(ctx, f.wallet.Address, f.auth.CredentialID))

	_, err := f.svc.BeginAuthentication(ctx, f.wallet.Address)
	assert.ErrorIs(t, err, core.ErrNoCredential)
	assert.Contains(t, f.events.types(), core.EventCredentialRevoked)

	err = f.svc.RevokeCredential(ctx, f.wallet.Address, f.auth.CredentialID)
	assert.ErrorIs(t, err, core.ErrUnknownCredential)
}

func TestCeremony_PurgeExpiredChallenges(t *testing.T) {
	f := newCeremonyFixture(t, nil)
	ctx := context.Background()
	base := time.Now()
	f.svc.now = func() time.Time { return base }

	_, err := f.svc.BeginRegistration(ctx, f.wallet.Address)
	require.NoError(t, err)

	n, err := f.svc.PurgeExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.now = func() time.Time { return base.Add(time.Hour) }
	n, err = f.svc.PurgeExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
