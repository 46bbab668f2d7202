package nip49

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/nostrid/go-nostrid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type KeySecurityByte byte

const (
	KnownToHaveBeenHandledInsecurely    KeySecurityByte = 0x00
	NotKnownToHaveBeenHandledInsecurely KeySecurityByte = 0x01
	ClientDoesNotTrackThisData          KeySecurityByte = 0x02
)

// DefaultLogN is the scrypt cost used by backup export.
const DefaultLogN uint8 = 16

const (
	saltSize    = 16
	nonceSize   = chacha20poly1305.NonceSizeX
	payloadSize = 2 + saltSize + nonceSize + 1 + 32 + chacha20poly1305.Overhead
)

func Encrypt(secretKey string, password string, logn uint8, ksb KeySecurityByte) (b32code string, err error) {
	skb, err := hex.DecodeString(secretKey)
	if err != nil || len(skb) != 32 {
		return "", fmt.Errorf("invalid secret key: %w", nostr.ErrInvalidKeyFormat)
	}
	if logn == 0 || logn > 22 {
		return "", fmt.Errorf("logn %d out of range", logn)
	}

	concat := make([]byte, 2+saltSize+nonceSize+1, payloadSize)
	concat[0] = 0x02
	concat[1] = logn
	salt := concat[2 : 2+saltSize]
	nonce := concat[2+saltSize : 2+saltSize+nonceSize]
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	concat[2+saltSize+nonceSize] = byte(ksb)
	ad := concat[2+saltSize+nonceSize:]

	key, err := getKey(password, salt, 1<<logn)
	if err != nil {
		return "", err
	}

	c2p1, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to start xchacha20poly1305: %w", err)
	}
	concat = c2p1.Seal(concat, nonce, skb, ad)

	bits5, err := bech32.ConvertBits(concat, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode("ncryptsec", bits5)
}

// Decrypt returns the hex secret key. A wrong password and a corrupted code both fail
// with nostr.ErrInvalidKeyFormat.
func Decrypt(bech32string string, password string) (secretKey string, err error) {
	prefix, bits5, err := bech32.DecodeNoLimit(bech32string)
	if err != nil {
		return "", fmt.Errorf("%s: %w", err, nostr.ErrInvalidKeyFormat)
	}
	if prefix != "ncryptsec" {
		return "", fmt.Errorf("expected prefix ncryptsec1: %w", nostr.ErrInvalidKeyFormat)
	}

	data, err := bech32.ConvertBits(bits5, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("failed translating data into 8 bits: %s: %w", err, nostr.ErrInvalidKeyFormat)
	}
	if len(data) != payloadSize {
		return "", fmt.Errorf("ncryptsec payload has %d bytes: %w", len(data), nostr.ErrInvalidKeyFormat)
	}
	if version := data[0]; version != 0x02 {
		return "", fmt.Errorf("expected version 0x02, got %v: %w", version, nostr.ErrInvalidKeyFormat)
	}

	logn := data[1]
	salt := data[2 : 2+saltSize]
	nonce := data[2+saltSize : 2+saltSize+nonceSize]
	ad := data[2+saltSize+nonceSize : 2+saltSize+nonceSize+1]
	encryptedKey := data[2+saltSize+nonceSize+1:]

	key, err := getKey(password, salt, 1<<logn)
	if err != nil {
		return "", err
	}

	c2p1, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to start xchacha20poly1305: %w", err)
	}

	skb, err := c2p1.Open(nil, nonce, encryptedKey, ad)
	if err != nil {
		return "", fmt.Errorf("wrong password or corrupted ncryptsec: %w", nostr.ErrInvalidKeyFormat)
	}
	return hex.EncodeToString(skb), nil
}

func getKey(password string, salt []byte, n int) ([]byte, error) {
	normalizedPassword, _, err := transform.Bytes(norm.NFKC, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to normalize password: %w", err)
	}

	key, err := scrypt.Key(normalizedPassword, salt, n, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key with scrypt: %w", err)
	}
	return key, nil
}
