package webauthn

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	gowebauthn "github.com/go-webauthn/webauthn/webauthn"
)

// Config is the verification policy for one relying party id.
type Config struct {
	ID                      string
	Name                    string
	Origins                 []string
	RequireUserVerification bool
	AllowNoneAttestation    bool
}

// RelyingParty verifies ceremonies for a single relying party.
type RelyingParty struct {
	Config
	wa *gowebauthn.WebAuthn
}

// NewRelyingParty validates cfg and builds the verifier.
func NewRelyingParty(cfg Config) (*RelyingParty, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	wa, err := gowebauthn.New(&gowebauthn.Config{
		RPID:          cfg.ID,
		RPDisplayName: cfg.Name,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid relying party config: %w", err)
	}
	return &RelyingParty{Config: cfg, wa: wa}, nil
}

// StoredCredential is the registered state an assertion is checked against.
type StoredCredential struct {
	ID             []byte
	PublicKey      []byte // COSE key
	SignCount      uint32
	BackupEligible bool
}

// VerifiedRegistration is the credential material extracted from a valid attestation.
type VerifiedRegistration struct {
	CredentialID   []byte
	PublicKey      []byte
	AAGUID         []byte
	SignCount      uint32
	Format         string
	BackupEligible bool
}

// VerifiedAssertion carries the authenticator state from a valid assertion.
type VerifiedAssertion struct {
	SignCount    uint32
	UserVerified bool
}

// credentialOwner adapts a wallet to go-webauthn's user model. The user
// handle is whatever was sent as user.id in the creation options.
type credentialOwner struct {
	handle      []byte
	credentials []gowebauthn.Credential
}

func (o *credentialOwner) WebAuthnID() []byte { return o.handle }
func (o *credentialOwner) WebAuthnName() string { return base64.RawURLEncoding.EncodeToString(o.handle) }
func (o *credentialOwner) WebAuthnDisplayName() string { return o.WebAuthnName() }
func (o *credentialOwner) WebAuthnCredentials() []gowebauthn.Credential { return o.credentials }

func (rp *RelyingParty) session(handle, challenge []byte) gowebauthn.SessionData {
	uv := protocol.VerificationPreferred
	if rp.RequireUserVerification {
		uv = protocol.VerificationRequired
	}
	return gowebauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(challenge),
		UserID:           handle,
		UserVerification: uv,
	}
}

func (rp *RelyingParty) checkFlags(flags protocol.AuthenticatorFlags) error {
	if !flags.UserPresent() {
		return ErrUserNotPresent
	}
	if rp.RequireUserVerification && !flags.UserVerified() {
		return ErrUserNotVerified
	}
	return nil
}

// VerifyRegistration validates an attestation response for the user handle
// and challenge issued in the creation options.
func (rp *RelyingParty) VerifyRegistration(handle []byte, resp *RegistrationResponse, challenge []byte) (*VerifiedRegistration, error) {
	parsed, err := parseRegistration(resp)
	if err != nil {
		return nil, err
	}

	att := parsed.Response.AttestationObject
	switch att.Format {
	case FormatPacked:
	case FormatNone:
		if !rp.AllowNoneAttestation {
			return nil, fmt.Errorf("%w: none", ErrUnsupportedFormat)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, att.Format)
	}
	if err := rp.checkFlags(att.AuthData.Flags); err != nil {
		return nil, err
	}
	if !bytes.Equal(parsed.RawID, att.AuthData.AttData.CredentialID) {
		return nil, ErrCredentialIDMismatch
	}

	cred, err := rp.wa.CreateCredential(&credentialOwner{handle: handle}, rp.session(handle, challenge), parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err := RequireES256(cred.PublicKey); err != nil {
		return nil, err
	}

	return &VerifiedRegistration{
		CredentialID:   cred.ID,
		PublicKey:      cred.PublicKey,
		AAGUID:         cred.Authenticator.AAGUID,
		SignCount:      cred.Authenticator.SignCount,
		Format:         att.Format,
		BackupEligible: cred.Flags.BackupEligible,
	}, nil
}

// VerifyAssertion validates an assertion signed by stored. Counter
// monotonicity is left to the caller's store.
func (rp *RelyingParty) VerifyAssertion(handle []byte, resp *AssertionResponse, challenge []byte, stored StoredCredential) (*VerifiedAssertion, error) {
	parsed, err := parseAssertion(resp)
	if err != nil {
		return nil, err
	}

	authData := parsed.Response.AuthenticatorData
	if err := rp.checkFlags(authData.Flags); err != nil {
		return nil, err
	}

	owner := &credentialOwner{
		handle: handle,
		credentials: []gowebauthn.Credential{{
			ID:        stored.ID,
			PublicKey: stored.PublicKey,
			Flags:     gowebauthn.CredentialFlags{BackupEligible: stored.BackupEligible},
			Authenticator: gowebauthn.Authenticator{
				SignCount: stored.SignCount,
			},
		}},
	}
	if _, err := rp.wa.ValidateLogin(owner, rp.session(handle, challenge), parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	return &VerifiedAssertion{
		SignCount:    authData.Counter,
		UserVerified: authData.Flags.UserVerified(),
	}, nil
}
