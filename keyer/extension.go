package keyer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nostrid/go-nostrid"
)

// Extension is the host-provided signer (a NIP-07 style browser extension or anything shaped
// like one) that the application injects.
type Extension interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// ExtensionCipher is implemented by hosts that can also do NIP-44.
type ExtensionCipher interface {
	Encrypt(ctx context.Context, plaintext string, recipientPublicKey string) (string, error)
	Decrypt(ctx context.Context, base64ciphertext string, senderPublicKey string) (string, error)
}

// ExtensionSigner forwards to an Extension. Its public key is fixed when it is created, so it
// stays the same even if the host switches accounts under us: events signed by any other key
// are refused.
type ExtensionSigner struct {
	ext Extension
	pk  string
}

// NewExtensionSigner binds a known public key to a host, which may be nil when the host is not
// (yet) available. In that case every operation except GetPublicKey fails with ErrSigningUnavailable.
func NewExtensionSigner(publicKey string, ext Extension) *ExtensionSigner {
	return &ExtensionSigner{ext: ext, pk: publicKey}
}

// ConnectExtension asks the host for its public key and binds to it.
func ConnectExtension(ctx context.Context, ext Extension) (*ExtensionSigner, error) {
	if ext == nil {
		return nil, fmt.Errorf("%w: no extension available", nostr.ErrSigningUnavailable)
	}
	pk, err := ext.GetPublicKey(ctx)
	if err != nil {
		return nil, hostError(ctx, "get_public_key", err)
	}
	if !nostr.IsValidPublicKey(pk) {
		return nil, fmt.Errorf("extension returned invalid public key '%s': %w", pk, nostr.ErrInvalidKeyFormat)
	}
	return NewExtensionSigner(pk, ext), nil
}

// WaitForExtension polls probe every interval until it yields a host or ctx ends.
func WaitForExtension(ctx context.Context, probe func() Extension, interval time.Duration) (Extension, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ext := probe(); ext != nil {
			return ext, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: extension did not show up: %w", nostr.ErrSigningUnavailable, context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

func hostError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: extension %s: %w", nostr.ErrSigningUnavailable, op, err)
	}
	if errors.Is(err, nostr.ErrSigningUnavailable) || errors.Is(err, nostr.ErrEncryptionUnsupported) {
		return err
	}
	return fmt.Errorf("%w: extension %s: %w", nostr.ErrSigningRejected, op, err)
}

func (es *ExtensionSigner) GetPublicKey(ctx context.Context) (string, error) { return es.pk, nil }

func (es *ExtensionSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	if es.ext == nil {
		return fmt.Errorf("%w: no extension available", nostr.ErrSigningUnavailable)
	}

	draft := *evt
	draft.Tags = evt.Tags.Clone()
	draft.PubKey = es.pk
	if err := es.ext.SignEvent(ctx, &draft); err != nil {
		return hostError(ctx, "sign_event", err)
	}

	if draft.PubKey != es.pk {
		return fmt.Errorf("%w: extension signed as %s instead of %s", nostr.ErrSigningRejected, draft.PubKey, es.pk)
	}
	if ok, _ := draft.CheckSignature(); !ok {
		return fmt.Errorf("%w: extension returned an invalid signature", nostr.ErrSigningRejected)
	}

	*evt = draft
	return nil
}

func (es *ExtensionSigner) cipher() (ExtensionCipher, error) {
	if es.ext == nil {
		return nil, fmt.Errorf("%w: no extension available", nostr.ErrSigningUnavailable)
	}
	c, ok := es.ext.(ExtensionCipher)
	if !ok {
		return nil, nostr.ErrEncryptionUnsupported
	}
	return c, nil
}

func (es *ExtensionSigner) Encrypt(ctx context.Context, plaintext string, recipient string) (string, error) {
	c, err := es.cipher()
	if err != nil {
		return "", err
	}
	ciphertext, err := c.Encrypt(ctx, plaintext, recipient)
	if err != nil {
		return "", hostError(ctx, "nip44_encrypt", err)
	}
	return ciphertext, nil
}

func (es *ExtensionSigner) Decrypt(ctx context.Context, base64ciphertext string, sender string) (string, error) {
	c, err := es.cipher()
	if err != nil {
		return "", err
	}
	plaintext, err := c.Decrypt(ctx, base64ciphertext, sender)
	if err != nil {
		return "", hostError(ctx, "nip44_decrypt", err)
	}
	return plaintext, nil
}
