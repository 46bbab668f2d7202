package keyer

import (
	"context"
	"fmt"

	"github.com/nostrid/go-nostrid"
)

// ManualSigner delegates every operation to user-provided functions. A missing function makes
// that operation fail with ErrSigningUnavailable, or ErrEncryptionUnsupported for the cipher half.
// Tests use it as a scripted signer.
type ManualSigner struct {
	ManualGetPublicKey func(context.Context) (string, error)
	ManualSignEvent    func(context.Context, *nostr.Event) error
	ManualEncrypt      func(ctx context.Context, plaintext string, recipientPublicKey string) (base64ciphertext string, err error)
	ManualDecrypt      func(ctx context.Context, base64ciphertext string, senderPublicKey string) (plaintext string, err error)
}

func (ms ManualSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	if ms.ManualSignEvent == nil {
		return fmt.Errorf("%w: no signing function", nostr.ErrSigningUnavailable)
	}
	return ms.ManualSignEvent(ctx, evt)
}

func (ms ManualSigner) GetPublicKey(ctx context.Context) (string, error) {
	if ms.ManualGetPublicKey == nil {
		return "", fmt.Errorf("%w: no public key function", nostr.ErrSigningUnavailable)
	}
	return ms.ManualGetPublicKey(ctx)
}

func (ms ManualSigner) Encrypt(ctx context.Context, plaintext string, recipient string) (c64 string, err error) {
	if ms.ManualEncrypt == nil {
		return "", nostr.ErrEncryptionUnsupported
	}
	return ms.ManualEncrypt(ctx, plaintext, recipient)
}

func (ms ManualSigner) Decrypt(ctx context.Context, base64ciphertext string, sender string) (plaintext string, err error) {
	if ms.ManualDecrypt == nil {
		return "", nostr.ErrEncryptionUnsupported
	}
	return ms.ManualDecrypt(ctx, base64ciphertext, sender)
}
