package keyer

import (
	"context"
	"fmt"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip46"
)

// BunkerSigner is a signer that asks a bunker using NIP-46 every time it needs to do an operation.
type BunkerSigner struct {
	bunker  *nip46.BunkerClient
	timeout time.Duration
}

func NewBunkerSignerFromBunkerClient(bc *nip46.BunkerClient) BunkerSigner {
	return BunkerSigner{bc, DefaultOperationTimeout}
}

// WithTimeout returns a copy whose calls are bounded by d instead of DefaultOperationTimeout.
func (bs BunkerSigner) WithTimeout(d time.Duration) BunkerSigner {
	bs.timeout = d
	return bs
}

func (bs BunkerSigner) Client() *nip46.BunkerClient { return bs.bunker }

func (bs BunkerSigner) bounded(ctx context.Context, method string) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, bs.timeout,
		fmt.Errorf("%w: %s took too long", nostr.ErrSigningUnavailable, method))
}

func (bs BunkerSigner) GetPublicKey(ctx context.Context) (string, error) {
	ctx, cancel := bs.bounded(ctx, "get_public_key")
	defer cancel()
	return bs.bunker.GetPublicKey(ctx)
}

func (bs BunkerSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	ctx, cancel := bs.bounded(ctx, "sign_event")
	defer cancel()
	return bs.bunker.SignEvent(ctx, evt)
}

func (bs BunkerSigner) Encrypt(ctx context.Context, plaintext string, recipient string) (string, error) {
	ctx, cancel := bs.bounded(ctx, "nip44_encrypt")
	defer cancel()
	return bs.bunker.NIP44Encrypt(ctx, recipient, plaintext)
}

func (bs BunkerSigner) Decrypt(ctx context.Context, base64ciphertext string, sender string) (plaintext string, err error) {
	ctx, cancel := bs.bounded(ctx, "nip44_decrypt")
	defer cancel()
	return bs.bunker.NIP44Decrypt(ctx, sender, base64ciphertext)
}
