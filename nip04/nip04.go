package nip04

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nostrid/go-nostrid"
)

// ComputeSharedSecret returns the x coordinate of the ECDH point between a secret key and
// an x-only public key. It is used directly as the legacy AES key and as the input of the
// NIP-44 conversation key derivation.
func ComputeSharedSecret(pub string, sk string) (sharedSecret []byte, err error) {
	privKeyBytes, err := hex.DecodeString(sk)
	if err != nil || len(privKeyBytes) != 32 {
		return nil, fmt.Errorf("error decoding sender private key: %w", nostr.ErrInvalidKeyFormat)
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)

	// adding 02 to signal that this is a compressed public key (33 bytes)
	pubKey, err := btcec.ParsePubKey(append([]byte{2}, mustHex(pub)...))
	if err != nil {
		return nil, fmt.Errorf("error parsing receiver public key '%s': %w", pub, nostr.ErrInvalidKeyFormat)
	}

	return btcec.GenerateSharedSecret(privKey, pubKey), nil
}

func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// Encrypt encrypts message with the legacy AES-256-CBC scheme and returns "<base64>?iv=<base64>".
// This is only kept for reading old bunker replies; new code uses nip44.
func Encrypt(message string, key []byte) (string, error) {
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("error creating initialization vector: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("error creating block cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	plaintext := []byte(message)
	padding := block.BlockSize() - len(plaintext)%block.BlockSize()
	padded := append(plaintext, bytes.Repeat([]byte{byte(padding)}, padding)...)

	ciphertext := make([]byte, len(padded))
	mode.CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt.
func Decrypt(content string, key []byte) (string, error) {
	parts := strings.Split(content, "?iv=")
	if len(parts) < 2 {
		return "", fmt.Errorf("error parsing encrypted message: no initialization vector")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("error decoding ciphertext from base64: %w", err)
	}

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("error decoding iv from base64: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length %d", len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("error creating block cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(ciphertext))
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	message := make([]byte, len(ciphertext))
	mode.CryptBlocks(message, ciphertext)

	// remove padding
	padding := int(message[len(message)-1])
	if padding == 0 || padding > block.BlockSize() || padding > len(message) {
		return "", fmt.Errorf("invalid padding amount: %d", padding)
	}
	for _, b := range message[len(message)-padding:] {
		if int(b) != padding {
			return "", fmt.Errorf("invalid padding")
		}
	}

	return string(message[:len(message)-padding]), nil
}
