package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims combines standard claims with the session's identity fields
type SessionClaims struct {
	jwt.RegisteredClaims
	Wallet   string `json:"wallet"`
	SafeMode bool   `json:"safe_mode"`
}
