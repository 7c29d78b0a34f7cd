package testutil

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Wallet is a throwaway secp256k1 account.
type Wallet struct {
	t       testing.TB
	Key     *ecdsa.PrivateKey
	Address string
}

// NewWallet generates a wallet with a random key.
func NewWallet(t testing.TB) *Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &Wallet{t: t, Key: key, Address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// SignText returns a personal_sign (EIP-191) signature with v in {27,28}.
func (w *Wallet) SignText(message string) string {
	w.t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.Key)
	require.NoError(w.t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}
