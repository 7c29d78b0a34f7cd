package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/internal/webauthn"
	"github.com/layer-3/warden/ports"
)

const (
	challengeSize       = 32
	DefaultChallengeTTL = 5 * time.Minute
)

// CeremonyConfig is the relying party policy for credential ceremonies
type CeremonyConfig struct {
	RPID                    string
	RPName                  string
	Origins                 []string
	ChallengeTTL            time.Duration
	RequireUserVerification bool
	AllowNoneAttestation    bool
	AllowZeroCounter        bool
	RequireWalletProof      bool
}

// RelyingPartyInfo identifies the relying party to the authenticator
type RelyingPartyInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserEntity is the account a new credential is created for
type UserEntity struct {
	ID          webauthn.Base64URL `json:"id"`
	Name        string             `json:"name"`
	DisplayName string             `json:"displayName"`
}

// CredentialParameter names an acceptable key type
type CredentialParameter struct {
	Type string `json:"type"`
	Alg  int    `json:"alg"`
}

// CredentialDescriptor references a registered credential
type CredentialDescriptor struct {
	Type       string             `json:"type"`
	ID         webauthn.Base64URL `json:"id"`
	Transports []string           `json:"transports,omitempty"`
}

// AuthenticatorSelection restricts which authenticators may register
type AuthenticatorSelection struct {
	AuthenticatorAttachment string `json:"authenticatorAttachment"`
	UserVerification        string `json:"userVerification"`
	ResidentKey             string `json:"residentKey"`
}

// RegistrationOptions is returned by BeginRegistration
type RegistrationOptions struct {
	Challenge              webauthn.Base64URL     `json:"challenge"`
	RelyingParty           RelyingPartyInfo       `json:"rp"`
	User                   UserEntity             `json:"user"`
	PubKeyCredParams       []CredentialParameter  `json:"pubKeyCredParams"`
	Timeout                int64                  `json:"timeout"`
	Attestation            string                 `json:"attestation"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	ExcludeCredentials     []CredentialDescriptor `json:"excludeCredentials,omitempty"`
	// WalletMessage is the text the wallet must personal_sign when wallet
	// proof is required.
	WalletMessage string `json:"walletMessage,omitempty"`
}

// AuthenticationOptions is returned by BeginAuthentication
type AuthenticationOptions struct {
	Challenge        webauthn.Base64URL     `json:"challenge"`
	RPID             string                 `json:"rpId"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials"`
	Timeout          int64                  `json:"timeout"`
	UserVerification string                 `json:"userVerification"`
}

// RegistrationRequest completes a registration ceremony
type RegistrationRequest struct {
	Wallet          string                        `json:"wallet"`
	Challenge       webauthn.Base64URL            `json:"challenge"`
	Response        webauthn.RegistrationResponse `json:"response"`
	WalletSignature string                        `json:"walletSignature,omitempty"`
}

// AuthenticationRequest completes an authentication ceremony
type AuthenticationRequest struct {
	Wallet    string                     `json:"wallet"`
	Challenge webauthn.Base64URL         `json:"challenge"`
	Response  webauthn.AssertionResponse `json:"response"`
}

// CeremonyResult reports the outcome of a completed ceremony
type CeremonyResult struct {
	Verified     bool               `json:"verified"`
	UserID       string             `json:"userId,omitempty"`
	CredentialID webauthn.Base64URL `json:"credentialId,omitempty"`
	User         *core.User         `json:"-"`
}

// CeremonyService runs WebAuthn registration and authentication ceremonies
type CeremonyService struct {
	challenges  ports.ChallengeStore
	credentials ports.CredentialStore
	users       ports.UserStore
	eventPub    ports.EventPublisher
	logger      *slog.Logger

	rp                 *webauthn.RelyingParty
	challengeTTL       time.Duration
	allowZeroCounter   bool
	requireWalletProof bool
	now                func() time.Time
}

// NewCeremonyService creates a new ceremony service
func NewCeremonyService(
	challenges ports.ChallengeStore,
	credentials ports.CredentialStore,
	users ports.UserStore,
	eventPub ports.EventPublisher,
	cfg CeremonyConfig,
	logger *slog.Logger,
) (*CeremonyService, error) {
	rp, err := webauthn.NewRelyingParty(webauthn.Config{
		ID:                      cfg.RPID,
		Name:                    cfg.RPName,
		Origins:                 cfg.Origins,
		RequireUserVerification: cfg.RequireUserVerification,
		AllowNoneAttestation:    cfg.AllowNoneAttestation,
	})
	if err != nil {
		return nil, err
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &CeremonyService{
		challenges:         challenges,
		credentials:        credentials,
		users:              users,
		eventPub:           eventPub,
		logger:             logger,
		rp:                 rp,
		challengeTTL:       ttl,
		allowZeroCounter:   cfg.AllowZeroCounter,
		requireWalletProof: cfg.RequireWalletProof,
		now:                time.Now,
	}, nil
}

// BeginRegistration issues a registration challenge for wallet
func (s *CeremonyService) BeginRegistration(ctx context.Context, wallet string) (*RegistrationOptions, error) {
	wallet, err := core.ValidateWalletAddress(wallet)
	if err != nil {
		return nil, err
	}

	challenge, err := s.issueChallenge(ctx, wallet, core.CeremonyRegistration)
	if err != nil {
		return nil, err
	}

	existing, err := s.credentials.ListByOwner(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	opts := &RegistrationOptions{
		Challenge:    challenge.Nonce,
		RelyingParty: RelyingPartyInfo{ID: s.rp.ID, Name: s.rp.Name},
		User: UserEntity{
			ID:          userHandle(wallet),
			Name:        wallet,
			DisplayName: wallet,
		},
		PubKeyCredParams: []CredentialParameter{{Type: webauthn.CredentialType, Alg: int(webauthncose.AlgES256)}},
		Timeout:          s.challengeTTL.Milliseconds(),
		Attestation:      "direct",
		AuthenticatorSelection: AuthenticatorSelection{
			AuthenticatorAttachment: "platform",
			UserVerification:        s.userVerification(),
			ResidentKey:             "preferred",
		},
		ExcludeCredentials: descriptors(existing),
	}
	if s.requireWalletProof {
		opts.WalletMessage = webauthn.BindingMessage(s.rp.ID, wallet, challenge.Nonce)
	}
	return opts, nil
}

// CompleteRegistration verifies an attestation and binds the new credential
// to the wallet. The challenge is consumed whatever the outcome.
func (s *CeremonyService) CompleteRegistration(ctx context.Context, req RegistrationRequest) (*CeremonyResult, error) {
	wallet, err := core.ValidateWalletAddress(req.Wallet)
	if err != nil {
		return nil, err
	}
	if len(req.Challenge) == 0 {
		return nil, core.NewValidationError("challenge", "is required")
	}

	challenge, err := s.consumeChallenge(ctx, req.Challenge, wallet, core.CeremonyRegistration)
	if err != nil {
		s.observe(core.CeremonyRegistration, "challenge_rejected")
		// registration does not distinguish a stale challenge from a missing one
		if errors.Is(err, core.ErrChallengeExpired) {
			err = core.ErrChallengeNotFound
		}
		return &CeremonyResult{}, err
	}

	reg, err := s.rp.VerifyRegistration(userHandle(wallet), &req.Response, challenge.Nonce)
	if err != nil {
		return s.rejected(ctx, core.CeremonyRegistration, wallet, err)
	}

	if s.requireWalletProof {
		msg := webauthn.BindingMessage(s.rp.ID, wallet, challenge.Nonce)
		if err := webauthn.VerifyWalletSignature(msg, req.WalletSignature, wallet); err != nil {
			return s.rejected(ctx, core.CeremonyRegistration, wallet, err)
		}
	}

	user, err := s.users.EnsureUser(ctx, wallet)
	if err != nil {
		return &CeremonyResult{}, fmt.Errorf("failed to resolve user: %w", err)
	}

	now := s.now().UTC()
	cred := &core.Credential{
		ID:             reg.CredentialID,
		Owner:          wallet,
		UserID:         user.ID,
		PublicKey:      reg.PublicKey,
		SignCount:      reg.SignCount,
		Transports:     req.Response.Response.Transports,
		AAGUID:         reg.AAGUID,
		BackupEligible: reg.BackupEligible,
		CreatedAt:      now,
	}
	if err := s.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, core.ErrCredentialExists) {
			s.observe(core.CeremonyRegistration, "duplicate")
			return &CeremonyResult{}, err
		}
		return &CeremonyResult{}, fmt.Errorf("failed to store credential: %w", err)
	}

	s.observe(core.CeremonyRegistration, "verified")
	s.publish(ctx, core.SecurityEvent{
		Type:         core.EventRegistrationCompleted,
		UserID:       user.ID,
		Wallet:       wallet,
		CredentialID: webauthn.Base64URL(cred.ID).String(),
		Detail:       reg.Format,
	})

	return &CeremonyResult{Verified: true, UserID: user.ID, CredentialID: cred.ID, User: user}, nil
}

// BeginAuthentication issues an authentication challenge listing the
// wallet's registered credentials
func (s *CeremonyService) BeginAuthentication(ctx context.Context, wallet string) (*AuthenticationOptions, error) {
	wallet, err := core.ValidateWalletAddress(wallet)
	if err != nil {
		return nil, err
	}

	creds, err := s.credentials.ListByOwner(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, core.ErrNoCredential
	}

	challenge, err := s.issueChallenge(ctx, wallet, core.CeremonyAuthentication)
	if err != nil {
		return nil, err
	}

	return &AuthenticationOptions{
		Challenge:        challenge.Nonce,
		RPID:             s.rp.ID,
		AllowCredentials: descriptors(creds),
		Timeout:          s.challengeTTL.Milliseconds(),
		UserVerification: s.userVerification(),
	}, nil
}

// CompleteAuthentication verifies an assertion and advances the credential's
// signature counter. A counter that does not advance is a replay.
func (s *CeremonyService) CompleteAuthentication(ctx context.Context, req AuthenticationRequest) (*CeremonyResult, error) {
	wallet, err := core.ValidateWalletAddress(req.Wallet)
	if err != nil {
		return nil, err
	}
	if len(req.Challenge) == 0 {
		return nil, core.NewValidationError("challenge", "is required")
	}

	challenge, err := s.consumeChallenge(ctx, req.Challenge, wallet, core.CeremonyAuthentication)
	if err != nil {
		s.observe(core.CeremonyAuthentication, "challenge_rejected")
		return &CeremonyResult{}, err
	}

	credID := req.Response.CredentialID()
	cred, err := s.credentials.Get(ctx, credID)
	if err != nil && !errors.Is(err, core.ErrUnknownCredential) {
		return &CeremonyResult{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil || cred.Revoked || cred.Owner != wallet {
		s.observe(core.CeremonyAuthentication, "unknown_credential")
		s.securityEvent(ctx, core.SecurityEvent{
			Type:         core.EventUnknownCredential,
			Wallet:       wallet,
			CredentialID: webauthn.Base64URL(credID).String(),
		})
		return &CeremonyResult{}, core.ErrUnknownCredential
	}

	assertion, err := s.rp.VerifyAssertion(userHandle(wallet), &req.Response, challenge.Nonce, webauthn.StoredCredential{
		ID:             cred.ID,
		PublicKey:      cred.PublicKey,
		SignCount:      cred.SignCount,
		BackupEligible: cred.BackupEligible,
	})
	if err != nil {
		return s.rejected(ctx, core.CeremonyAuthentication, wallet, err)
	}

	advanced, err := s.credentials.UpdateSignCount(ctx, cred.ID, assertion.SignCount, s.allowZeroCounter, s.now().UTC())
	if err != nil {
		return &CeremonyResult{}, fmt.Errorf("failed to update sign count: %w", err)
	}
	if !advanced {
		s.observe(core.CeremonyAuthentication, "replay")
		s.securityEvent(ctx, core.SecurityEvent{
			Type:         core.EventPossibleReplay,
			UserID:       cred.UserID,
			Wallet:       wallet,
			CredentialID: webauthn.Base64URL(cred.ID).String(),
			Detail:       fmt.Sprintf("asserted counter %d, stored %d", assertion.SignCount, cred.SignCount),
		})
		return &CeremonyResult{}, core.ErrPossibleReplay
	}

	user, err := s.users.GetUser(ctx, cred.UserID)
	if err != nil {
		return &CeremonyResult{}, fmt.Errorf("failed to load user: %w", err)
	}

	s.observe(core.CeremonyAuthentication, "verified")
	s.publish(ctx, core.SecurityEvent{
		Type:         core.EventAuthenticationCompleted,
		UserID:       user.ID,
		Wallet:       wallet,
		CredentialID: webauthn.Base64URL(cred.ID).String(),
	})

	return &CeremonyResult{Verified: true, UserID: user.ID, CredentialID: cred.ID, User: user}, nil
}

// RevokeCredential removes a credential from future ceremonies
func (s *CeremonyService) RevokeCredential(ctx context.Context, wallet string, credentialID []byte) error {
	wallet, err := core.ValidateWalletAddress(wallet)
	if err != nil {
		return err
	}
	if err := s.credentials.Revoke(ctx, credentialID, wallet); err != nil {
		return err
	}

	s.publish(ctx, core.SecurityEvent{
		Type:         core.EventCredentialRevoked,
		Wallet:       wallet,
		CredentialID: webauthn.Base64URL(credentialID).String(),
	})
	return nil
}

// PurgeExpiredChallenges drops challenges past their lifetime
func (s *CeremonyService) PurgeExpiredChallenges(ctx context.Context) (int, error) {
	n, err := s.challenges.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge challenges: %w", err)
	}
	return n, nil
}

func (s *CeremonyService) issueChallenge(ctx context.Context, wallet string, typ core.CeremonyType) (*core.Challenge, error) {
	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	now := s.now().UTC()
	challenge := &core.Challenge{
		Nonce:     nonce,
		Owner:     wallet,
		Type:      typ,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}
	if err := s.challenges.Save(ctx, challenge, s.challengeTTL); err != nil {
		return nil, fmt.Errorf("failed to save challenge: %w", err)
	}
	return challenge, nil
}

// consumeChallenge removes the challenge before any check so it can never
// be retried. A challenge issued to another wallet or ceremony reads as not found.
func (s *CeremonyService) consumeChallenge(ctx context.Context, nonce []byte, wallet string, typ core.CeremonyType) (*core.Challenge, error) {
	challenge, err := s.challenges.Consume(ctx, nonce)
	if err != nil {
		return nil, err
	}
	if challenge.Owner != wallet || challenge.Type != typ {
		return nil, core.ErrChallengeNotFound
	}
	if challenge.Expired(s.now()) {
		return nil, core.ErrChallengeExpired
	}
	return challenge, nil
}

func (s *CeremonyService) rejected(ctx context.Context, typ core.CeremonyType, wallet string, cause error) (*CeremonyResult, error) {
	s.observe(typ, "rejected")
	logging.L(ctx, s.logger).Info("ceremony verification failed",
		"ceremony", string(typ),
		"wallet", wallet,
		"error", cause,
	)
	return &CeremonyResult{}, fmt.Errorf("%w: %v", core.ErrVerificationFailed, cause)
}

func (s *CeremonyService) securityEvent(ctx context.Context, event core.SecurityEvent) {
	logging.L(ctx, s.logger).Warn("security event",
		"type", string(event.Type),
		"wallet", event.Wallet,
		"credential_id", event.CredentialID,
		"detail", event.Detail,
	)
	s.publish(ctx, event)
}

func (s *CeremonyService) publish(ctx context.Context, event core.SecurityEvent) {
	event.OccurredAt = s.now().UTC()
	if err := s.eventPub.PublishSecurityEvent(ctx, event); err != nil {
		// The ceremony outcome is already persisted
		logging.L(ctx, s.logger).Error("failed to publish security event", "type", string(event.Type), "error", err)
	}
}

func (s *CeremonyService) observe(typ core.CeremonyType, outcome string) {
	metrics.CeremoniesTotal.WithLabelValues(string(typ), outcome).Inc()
}

func (s *CeremonyService) userVerification() string {
	if s.rp.RequireUserVerification {
		return "required"
	}
	return "preferred"
}

// userHandle is the WebAuthn user.id for a wallet: its 20 address bytes
func userHandle(wallet string) []byte {
	return common.HexToAddress(wallet).Bytes()
}

func descriptors(creds []*core.Credential) []CredentialDescriptor {
	out := make([]CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, CredentialDescriptor{
			Type:       webauthn.CredentialType,
			ID:         c.ID,
			Transports: c.Transports,
		})
	}
	return out
}
