// Package testutil provides shared test infrastructure: a software
// authenticator and wallet for ceremony tests, and a Postgres harness for
// store integration tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/internal/webauthn"
)

const (
	ClientDataCreate = "webauthn.create"
	ClientDataGet    = "webauthn.get"
)

// coseEC2Key is the COSE_Key layout authenticators emit for ES256 keys
type coseEC2Key struct {
	Kty int64  `cbor:"1,keyasint"`
	Alg int64  `cbor:"3,keyasint"`
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

// Authenticator is a software platform authenticator holding one ES256 credential.
//
// Every Assert bumps SignCount before signing unless ZeroCounter is set.
// Tests simulate a cloned authenticator by rewinding SignCount.
type Authenticator struct {
	t testing.TB

	RPID         string
	Origin       string
	Key          *ecdsa.PrivateKey
	CredentialID []byte
	AAGUID       []byte
	SignCount    uint32
	Flags        protocol.AuthenticatorFlags
	ZeroCounter  bool
}

// NewAuthenticator creates an authenticator with a fresh P-256 key,
// reporting user presence and user verification.
func NewAuthenticator(t testing.TB, rpID, origin string) *Authenticator {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	credID := make([]byte, 32)
	_, err = rand.Read(credID)
	require.NoError(t, err)

	return &Authenticator{
		t:            t,
		RPID:         rpID,
		Origin:       origin,
		Key:          key,
		CredentialID: credID,
		AAGUID:       make([]byte, 16),
		Flags:        protocol.FlagUserPresent | protocol.FlagUserVerified,
	}
}

// PublicKeyCOSE encodes the credential key as a COSE ES256 key.
func (a *Authenticator) PublicKeyCOSE() []byte {
	a.t.Helper()

	enc, err := cbor.CTAP2EncOptions().EncMode()
	require.NoError(a.t, err)
	raw, err := enc.Marshal(coseEC2Key{
		Kty: 2,  // EC2
		Alg: -7, // ES256
		Crv: 1,  // P-256
		X:   a.Key.PublicKey.X.FillBytes(make([]byte, 32)),
		Y:   a.Key.PublicKey.Y.FillBytes(make([]byte, 32)),
	})
	require.NoError(a.t, err)
	return raw
}

// ClientData builds clientDataJSON for the given ceremony type and challenge.
func (a *Authenticator) ClientData(typ string, challenge []byte) []byte {
	a.t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":      typ,
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    a.Origin,
	})
	require.NoError(a.t, err)
	return raw
}

// AuthData builds authenticator data, with attested credential data when
// withCredential is set.
func (a *Authenticator) AuthData(withCredential bool) []byte {
	a.t.Helper()

	rpHash := sha256.Sum256([]byte(a.RPID))
	flags := a.Flags
	if withCredential {
		flags |= protocol.FlagAttestedCredentialData
	}

	buf := append([]byte(nil), rpHash[:]...)
	buf = append(buf, byte(flags))
	buf = binary.BigEndian.AppendUint32(buf, a.SignCount)
	if withCredential {
		buf = append(buf, a.AAGUID...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.CredentialID)))
		buf = append(buf, a.CredentialID...)
		buf = append(buf, a.PublicKeyCOSE()...)
	}
	return buf
}

// Sign produces an ASN.1 ES256 signature over authData || SHA-256(clientData).
func (a *Authenticator) Sign(authData, clientData []byte) []byte {
	a.t.Helper()

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte(nil), authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.Key, digest[:])
	require.NoError(a.t, err)
	return sig
}

// Register answers a creation ceremony with packed self attestation.
func (a *Authenticator) Register(challenge []byte) *webauthn.RegistrationResponse {
	a.t.Helper()

	clientData := a.ClientData(ClientDataCreate, challenge)
	authData := a.AuthData(true)
	return a.registration(clientData, authData, webauthn.FormatPacked, map[string]any{
		"alg": -7,
		"sig": a.Sign(authData, clientData),
	})
}

// RegisterNone answers a creation ceremony with "none" attestation.
func (a *Authenticator) RegisterNone(challenge []byte) *webauthn.RegistrationResponse {
	a.t.Helper()

	clientData := a.ClientData(ClientDataCreate, challenge)
	return a.registration(clientData, a.AuthData(true), webauthn.FormatNone, map[string]any{})
}

func (a *Authenticator) registration(clientData, authData []byte, format string, stmt map[string]any) *webauthn.RegistrationResponse {
	a.t.Helper()

	att, err := cbor.Marshal(map[string]any{
		"fmt":      format,
		"attStmt":  stmt,
		"authData": authData,
	})
	require.NoError(a.t, err)

	return &webauthn.RegistrationResponse{
		ID:                      a.CredentialID,
		RawID:                   a.CredentialID,
		Type:                    webauthn.CredentialType,
		AuthenticatorAttachment: "platform",
		Response: webauthn.AttestationResponse{
			ClientDataJSON:    clientData,
			AttestationObject: att,
			Transports:        []string{"internal"},
		},
	}
}

// Assert answers an authentication ceremony, bumping the counter first.
func (a *Authenticator) Assert(challenge []byte) *webauthn.AssertionResponse {
	a.t.Helper()

	if !a.ZeroCounter {
		a.SignCount++
	}
	return a.AssertAt(challenge, a.SignCount)
}

// AssertAt answers an authentication ceremony reporting counter as-is.
func (a *Authenticator) AssertAt(challenge []byte, counter uint32) *webauthn.AssertionResponse {
	a.t.Helper()

	saved := a.SignCount
	a.SignCount = counter
	authData := a.AuthData(false)
	a.SignCount = saved

	clientData := a.ClientData(ClientDataGet, challenge)
	return &webauthn.AssertionResponse{
		ID:    a.CredentialID,
		RawID: a.CredentialID,
		Type:  webauthn.CredentialType,
		Response: webauthn.AssertionData{
			ClientDataJSON:    clientData,
			AuthenticatorData: authData,
			Signature:         a.Sign(authData, clientData),
		},
	}
}
