package core

import "time"

// CeremonyType distinguishes the two credential ceremonies
type CeremonyType string

const (
	CeremonyRegistration   CeremonyType = "registration"
	CeremonyAuthentication CeremonyType = "authentication"
)

// Challenge represents an outstanding ceremony challenge
type Challenge struct {
	Nonce     []byte       // Random value the authenticator must echo back
	Owner     string       // Checksummed wallet address the ceremony is scoped to
	Type      CeremonyType // Ceremony the challenge was issued for
	IssuedAt  time.Time    // When the challenge was created
	ExpiresAt time.Time    // When the challenge stops being usable
}

// Expired reports whether the challenge is past its lifetime at t
func (c *Challenge) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// Credential is a registered platform authenticator bound to a wallet
type Credential struct {
	ID             []byte    // Authenticator-assigned credential identifier
	Owner          string    // Checksummed wallet address
	UserID         string    // Identity the wallet resolves to
	PublicKey      []byte    // COSE-encoded credential public key
	SignCount      uint32    // Last accepted signature counter
	Transports     []string  // Hints such as "internal" or "hybrid"
	AAGUID         []byte    // Authenticator model identifier
	BackupEligible bool      // BE flag at registration; must not change afterwards
	CreatedAt      time.Time // When the credential was registered
	LastUsedAt     time.Time // Last successful authentication
	Revoked        bool      // Set on explicit revocation
}

// User is the identity bound to a wallet address
type User struct {
	ID              string
	Wallet          string
	SafeModeEnabled bool
	CreatedAt       time.Time
}

// Session represents an authenticated user session
type Session struct {
	ID        string    // Unique session identifier, carried as the token jti
	TokenHash string    // Hex SHA-256 of the issued token
	UserID    string    // Identity the session belongs to
	Wallet    string    // Wallet address that completed the ceremony
	SafeMode  bool      // Safe mode flag at issuance
	IssuedAt  time.Time // When the session was created
	ExpiresAt time.Time // When the session stops being authoritative
	IsValid   bool      // Cleared on logout or revocation
	IPAddress string    // Request metadata captured at issuance
	UserAgent string
}

// Active reports whether the session is still authoritative at t
func (s *Session) Active(t time.Time) bool {
	return s.IsValid && t.Before(s.ExpiresAt)
}

// RequestMeta carries transport metadata recorded with a session
type RequestMeta struct {
	IPAddress string
	UserAgent string
}
