// Package keyer holds the signing backends an identity can be bound to.
package keyer

import (
	"fmt"
	"strings"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip06"
	"github.com/nostrid/go-nostrid/nip19"
	"github.com/nostrid/go-nostrid/nip49"
)

var (
	_ nostr.Keyer = (*BunkerSigner)(nil)
	_ nostr.Keyer = (*ExtensionSigner)(nil)
	_ nostr.Keyer = (*KeySigner)(nil)
	_ nostr.Keyer = (*ManualSigner)(nil)
	_ nostr.Keyer = (*serialized)(nil)
)

// DefaultOperationTimeout bounds each call made to a remote signer.
const DefaultOperationTimeout = 30 * time.Second

// ParseSecretKey turns whatever the user pasted into a hex secret key. It supports:
// - 64-char hex
// - nsec
// - ncryptsec, decrypted with password
// - a BIP-39 mnemonic, derived with NIP-06 (account 0)
func ParseSecretKey(input string, password string) (string, error) {
	input = strings.TrimSpace(input)

	var sk string
	switch {
	case strings.HasPrefix(input, "ncryptsec1"):
		dec, err := nip49.Decrypt(input, password)
		if err != nil {
			if password == "" {
				return "", fmt.Errorf("failed to decrypt with blank password: %w", err)
			}
			return "", fmt.Errorf("failed to decrypt with given password: %w", err)
		}
		sk = dec
	case strings.HasPrefix(input, "nsec1"):
		prefix, value, err := nip19.Decode(input)
		if err != nil {
			return "", err
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("expected nsec, got %s: %w", prefix, nostr.ErrInvalidKeyFormat)
		}
		sk = value.(string)
	case strings.ContainsAny(input, " \t\n"):
		dec, err := nip06.PrivateKeyFromWords(input)
		if err != nil {
			return "", err
		}
		sk = dec
	case nostr.IsValid32ByteHex(strings.ToLower(input)):
		sk = strings.ToLower(input)
	default:
		return "", fmt.Errorf("unsupported secret key input: %w", nostr.ErrInvalidKeyFormat)
	}

	if _, err := nostr.GetPublicKey(sk); err != nil {
		return "", fmt.Errorf("%s: %w", err, nostr.ErrInvalidKeyFormat)
	}
	return sk, nil
}
