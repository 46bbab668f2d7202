package keyer

import (
	"context"
	"fmt"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip44"
	"github.com/puzpuzpuz/xsync/v3"
)

// KeySigner is a signer that holds the private key in memory and can do all the operations instantly and easily.
type KeySigner struct {
	sk string
	pk string

	conversationKeys *xsync.MapOf[string, [32]byte]
}

func NewPlainKeySigner(sec string) (KeySigner, error) {
	pk, err := nostr.GetPublicKey(sec)
	if err != nil {
		return KeySigner{}, fmt.Errorf("%s: %w", err, nostr.ErrInvalidKeyFormat)
	}
	return KeySigner{sec, pk, xsync.NewMapOf[string, [32]byte]()}, nil
}

func (ks KeySigner) SignEvent(ctx context.Context, evt *nostr.Event) error { return evt.Sign(ks.sk) }
func (ks KeySigner) GetPublicKey(ctx context.Context) (string, error)      { return ks.pk, nil }

func (ks KeySigner) conversationKey(peer string) ([32]byte, error) {
	if ck, ok := ks.conversationKeys.Load(peer); ok {
		return ck, nil
	}
	ck, err := nip44.GenerateConversationKey(peer, ks.sk)
	if err != nil {
		return ck, err
	}
	ks.conversationKeys.Store(peer, ck)
	return ck, nil
}

func (ks KeySigner) Encrypt(ctx context.Context, plaintext string, recipient string) (string, error) {
	ck, err := ks.conversationKey(recipient)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck)
}

func (ks KeySigner) Decrypt(ctx context.Context, base64ciphertext string, sender string) (string, error) {
	ck, err := ks.conversationKey(sender)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(base64ciphertext, ck)
}
