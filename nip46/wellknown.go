package nip46

import (
	"context"
	"fmt"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip05"
)

// ResolveBunker accepts either a bunker:// URL or a name@domain whose nostr.json
// advertises a remote signer, and returns the pointer to connect to.
func ResolveBunker(ctx context.Context, input string) (BunkerPointer, error) {
	if IsValidBunkerURL(input) {
		return ParseBunkerURL(input)
	}
	if !nip05.IsValidIdentifier(input) {
		return BunkerPointer{}, fmt.Errorf("'%s' is neither a bunker url nor a nip05 identifier: %w", input, nostr.ErrInvalidKeyFormat)
	}

	pubkey, relays, err := nip05.QueryBunker(ctx, input)
	if err != nil {
		return BunkerPointer{}, err
	}

	bp := BunkerPointer{RemotePublicKey: pubkey}
	for _, r := range relays {
		if nr := nostr.NormalizeURL(r); nostr.IsValidRelayURL(nr) {
			bp.Relays = append(bp.Relays, nr)
		}
	}
	if len(bp.Relays) == 0 {
		return BunkerPointer{}, fmt.Errorf("%s advertises no usable bunker relay: %w", input, nostr.ErrInvalidKeyFormat)
	}
	return bp, nil
}
