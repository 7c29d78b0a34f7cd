package core

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/net/idna"
)

// ValidateWalletAddress checks wallet address syntax and returns its
// EIP-55 checksum form.
func ValidateWalletAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) || !strings.HasPrefix(strings.ToLower(addr), "0x") {
		return "", NewValidationError("wallet", "must be a 0x-prefixed 20-byte hex address")
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", NewValidationError("wallet", "must not be the zero address")
	}
	return a.Hex(), nil
}

// NormalizeHost lower-cases host, converts it to its ASCII (punycode) form
// and drops a trailing dot and a leading "www.".
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return "", NewValidationError("host", "is required")
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", NewValidationError("host", "is not a valid domain name")
	}
	return strings.TrimPrefix(strings.ToLower(ascii), "www."), nil
}
