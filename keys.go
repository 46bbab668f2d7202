package nostr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// GeneratePrivateKey returns a fresh random secret key as 64-char hex.
func GeneratePrivateKey() string {
	params := btcec.S256().Params()
	one := new(big.Int).SetInt64(1)

	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return ""
	}

	k := new(big.Int).SetBytes(b)
	n := new(big.Int).Sub(params.N, one)
	k.Mod(k, n)
	k.Add(k, one)

	return fmt.Sprintf("%064x", k.Bytes())
}

// GetPublicKey derives the x-only public key from a hex secret key.
func GetPublicKey(sk string) (string, error) {
	b, err := hex.DecodeString(sk)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid secret key: %w", ErrInvalidKeyFormat)
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return "", fmt.Errorf("secret key out of range: %w", ErrInvalidKeyFormat)
	}

	_, pk := btcec.PrivKeyFromBytes(b)
	return hex.EncodeToString(schnorr.SerializePubKey(pk)), nil
}

// IsValidPublicKey checks that pk is lowercase 32-byte hex and a point on the curve.
func IsValidPublicKey(pk string) bool {
	if !IsValid32ByteHex(pk) {
		return false
	}
	v, _ := hex.DecodeString(pk)
	_, err := schnorr.ParsePubKey(v)
	return err == nil
}

// HexToBytes32 decodes a 64-char hex string into a fixed-size array.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 {
		return out, fmt.Errorf("expected 64 hex chars, got %d: %w", len(s), ErrInvalidKeyFormat)
	}
	if _, err := hex.Decode(out[:], []byte(strings.ToLower(s))); err != nil {
		return out, fmt.Errorf("%s: %w", err, ErrInvalidKeyFormat)
	}
	return out, nil
}

// Bytes32ToHex is the inverse of HexToBytes32.
func Bytes32ToHex(b [32]byte) string {
	return hex.EncodeToString(b[:])
}
