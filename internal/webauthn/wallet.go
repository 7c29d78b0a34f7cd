package webauthn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrWalletSignature = errors.New("wallet signature does not match")

// BindingMessage is the text a wallet signs to bind a passkey ceremony to itself.
// Format: "{rpID} wants you to link wallet {wallet}\nChallenge: {challenge}"
func BindingMessage(rpID, wallet string, challenge []byte) string {
	return fmt.Sprintf("%s wants you to link wallet %s\nChallenge: %s",
		rpID,
		strings.ToLower(wallet),
		Base64URL(challenge).String(),
	)
}

// RecoverWallet returns the address that produced an EIP-191 personal_sign
// signature over message. signatureHex is 65 bytes r|s|v, v in {0,1,27,28}.
func RecoverWallet(message, signatureHex string) (string, error) {
	sig, err := hexutil.Decode(normalizeSignatureHex(signatureHex))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifyWalletSignature checks that wallet signed message.
func VerifyWalletSignature(message, signatureHex, wallet string) error {
	recovered, err := RecoverWallet(message, signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWalletSignature, err)
	}
	if !strings.EqualFold(recovered, wallet) {
		return fmt.Errorf("%w: expected %s, got %s", ErrWalletSignature, wallet, recovered)
	}
	return nil
}

func normalizeSignatureHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
