// Package webauthn verifies WebAuthn authenticator responses for a relying party.
//
// Parsing and cryptographic verification are delegated to go-webauthn. This
// package pins the policy on top of it: ES256 credentials only, packed or
// (optionally) none attestation, and challenges owned by the caller's own
// challenge store rather than go-webauthn session data.
package webauthn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

var (
	ErrMalformed            = errors.New("malformed authenticator response")
	ErrRejected             = errors.New("authenticator response rejected")
	ErrUserNotPresent       = errors.New("user presence flag not set")
	ErrUserNotVerified      = errors.New("user verification flag not set")
	ErrUnsupportedKey       = errors.New("unsupported credential public key")
	ErrUnsupportedFormat    = errors.New("unsupported attestation format")
	ErrCredentialIDMismatch = errors.New("credential id mismatch")
)

const (
	FormatPacked = "packed"
	FormatNone   = "none"

	CredentialType = "public-key"
)

// Base64URL is a byte string carried as unpadded base64url in JSON.
type Base64URL []byte

func (b Base64URL) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *Base64URL) UnmarshalJSON(data []byte) error {
	var v protocol.URLEncodedBase64
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	*b = Base64URL(v)
	return nil
}

func (b Base64URL) String() string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes base64url with or without padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(strings.TrimRight(s, "="))
}

// AttestationResponse is the response member of a newly created credential.
type AttestationResponse struct {
	ClientDataJSON    Base64URL `json:"clientDataJSON"`
	AttestationObject Base64URL `json:"attestationObject"`
	Transports        []string  `json:"transports,omitempty"`
}

// RegistrationResponse is the PublicKeyCredential returned by navigator.credentials.create.
type RegistrationResponse struct {
	ID                      Base64URL           `json:"id"`
	RawID                   Base64URL           `json:"rawId"`
	Type                    string              `json:"type"`
	AuthenticatorAttachment string              `json:"authenticatorAttachment,omitempty"`
	Response                AttestationResponse `json:"response"`
}

// AssertionData is the response member of an authentication credential.
type AssertionData struct {
	ClientDataJSON    Base64URL `json:"clientDataJSON"`
	AuthenticatorData Base64URL `json:"authenticatorData"`
	Signature         Base64URL `json:"signature"`
	UserHandle        Base64URL `json:"userHandle,omitempty"`
}

// AssertionResponse is the PublicKeyCredential returned by navigator.credentials.get.
type AssertionResponse struct {
	ID       Base64URL     `json:"id"`
	RawID    Base64URL     `json:"rawId"`
	Type     string        `json:"type"`
	Response AssertionData `json:"response"`
}

// CredentialID returns rawId, falling back to id.
func (r *AssertionResponse) CredentialID() []byte {
	if len(r.RawID) > 0 {
		return r.RawID
	}
	return r.ID
}

func parseRegistration(resp *RegistrationResponse) (*protocol.ParsedCredentialCreationData, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return parsed, nil
}

func parseAssertion(resp *AssertionResponse) (*protocol.ParsedCredentialAssertionData, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return parsed, nil
}

// RequireES256 checks that cose encodes an ECDSA P-256 key for ES256.
func RequireES256(cose []byte) error {
	key, err := webauthncose.ParsePublicKey(cose)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}

	var ec2 *webauthncose.EC2PublicKeyData
	switch k := key.(type) {
	case webauthncose.EC2PublicKeyData:
		ec2 = &k
	case *webauthncose.EC2PublicKeyData:
		ec2 = k
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	if ec2.Algorithm != int64(webauthncose.AlgES256) || ec2.Curve != int64(webauthncose.P256) {
		return fmt.Errorf("%w: alg=%d crv=%d", ErrUnsupportedKey, ec2.Algorithm, ec2.Curve)
	}
	return nil
}
