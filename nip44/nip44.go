package nip44

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip04"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const version byte = 2

const (
	MinPlaintextSize = 0x0000 // empty messages are allowed and padded to 32b
	MaxPlaintextSize = 0xffff // 65535 (64kb-1) => padded to 64kb
)

var (
	ErrInvalidPayload = errors.New("invalid nip44 payload")
	ErrInvalidMAC     = errors.New("invalid hmac")
)

type encryptOptions struct {
	err   error
	nonce []byte
}

// WithCustomNonce replaces the random 32-byte nonce. Only meant for test vectors.
func WithCustomNonce(nonce []byte) func(opts *encryptOptions) {
	return func(opts *encryptOptions) {
		if len(nonce) != 32 {
			opts.err = errors.New("nonce must be 32 bytes")
		}
		opts.nonce = nonce
	}
}

func Encrypt(plaintext string, conversationKey [32]byte, applyOptions ...func(opts *encryptOptions)) (string, error) {
	var opts encryptOptions
	for _, apply := range applyOptions {
		apply(&opts)
	}
	if opts.err != nil {
		return "", opts.err
	}

	nonce := opts.nonce
	if nonce == nil {
		nonce = make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
	}

	enc, cc20nonce, auth, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	ciphertext, err := chacha(enc, cc20nonce, padded)
	if err != nil {
		return "", err
	}

	mac := sha256Hmac(auth, ciphertext, nonce)

	concat := make([]byte, 0, 1+32+len(ciphertext)+32)
	concat = append(concat, version)
	concat = append(concat, nonce...)
	concat = append(concat, ciphertext...)
	concat = append(concat, mac...)
	return base64.StdEncoding.EncodeToString(concat), nil
}

func Decrypt(b64ciphertextWrapped string, conversationKey [32]byte) (string, error) {
	cLen := len(b64ciphertextWrapped)
	if cLen < 132 || cLen > 87472 {
		return "", fmt.Errorf("%w: invalid payload length %d", ErrInvalidPayload, cLen)
	}
	if b64ciphertextWrapped[0:1] == "#" {
		return "", fmt.Errorf("%w: unknown version", ErrInvalidPayload)
	}

	decoded, err := base64.StdEncoding.DecodeString(b64ciphertextWrapped)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidPayload)
	}
	if decoded[0] != version {
		return "", fmt.Errorf("%w: unknown version %d", ErrInvalidPayload, decoded[0])
	}

	dLen := len(decoded)
	if dLen < 99 || dLen > 65603 {
		return "", fmt.Errorf("%w: invalid data length %d", ErrInvalidPayload, dLen)
	}

	nonce, ciphertext, givenMac := decoded[1:33], decoded[33:dLen-32], decoded[dLen-32:]
	enc, cc20nonce, auth, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	if !hmac.Equal(givenMac, sha256Hmac(auth, ciphertext, nonce)) {
		return "", ErrInvalidMAC
	}

	padded, err := chacha(enc, cc20nonce, ciphertext)
	if err != nil {
		return "", err
	}

	unpaddedLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpaddedLen > MaxPlaintextSize || len(padded) != 2+calcPadding(unpaddedLen) {
		return "", fmt.Errorf("%w: invalid padding", ErrInvalidPayload)
	}

	unpadded := padded[2 : unpaddedLen+2]
	if len(unpadded) != unpaddedLen || !bytes.Equal(padded[2+unpaddedLen:], make([]byte, len(padded)-2-unpaddedLen)) {
		return "", fmt.Errorf("%w: invalid padding", ErrInvalidPayload)
	}

	return string(unpadded), nil
}

// GenerateConversationKey derives the symmetric key shared by sk and the owner of pub.
// It is the same value no matter which side computes it.
func GenerateConversationKey(pub string, sk string) ([32]byte, error) {
	var ck [32]byte

	if len(sk) != 64 ||
		sk >= "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141" ||
		sk == "0000000000000000000000000000000000000000000000000000000000000000" {
		return ck, fmt.Errorf("invalid private key: x coordinate %s is not on the secp256k1 curve: %w",
			sk, nostr.ErrInvalidKeyFormat)
	}

	shared, err := nip04.ComputeSharedSecret(pub, sk)
	if err != nil {
		return ck, err
	}

	copy(ck[:], hkdf.Extract(sha256.New, shared, []byte("nip44-v2")))
	return ck, nil
}

func chacha(key []byte, nonce []byte, message []byte) ([]byte, error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(message))
	cipher.XORKeyStream(dst, message)
	return dst, nil
}

func sha256Hmac(key []byte, ciphertext []byte, nonce []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func messageKeys(conversationKey [32]byte, nonce []byte) (enc []byte, cc20nonce []byte, auth []byte, err error) {
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("nonce must be 32 bytes")
	}

	r := hkdf.Expand(sha256.New, conversationKey[:], nonce)
	enc = make([]byte, 32)
	if _, err := io.ReadFull(r, enc); err != nil {
		return nil, nil, nil, err
	}
	cc20nonce = make([]byte, 12)
	if _, err := io.ReadFull(r, cc20nonce); err != nil {
		return nil, nil, nil, err
	}
	auth = make([]byte, 32)
	if _, err := io.ReadFull(r, auth); err != nil {
		return nil, nil, nil, err
	}

	return enc, cc20nonce, auth, nil
}

func pad(s string) ([]byte, error) {
	sb := []byte(s)
	sbLen := len(sb)
	if sbLen > MaxPlaintextSize {
		return nil, errors.New("plaintext should be at most 64kB")
	}

	padding := calcPadding(sbLen)
	result := make([]byte, 2, 2+padding)
	binary.BigEndian.PutUint16(result, uint16(sbLen))
	result = append(result, sb...)
	result = append(result, make([]byte, padding-sbLen)...)
	return result, nil
}

func calcPadding(sLen int) int {
	if sLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(sLen-1)))+1)
	chunk := int(math.Max(32, float64(nextPower/8)))
	return chunk * int(math.Floor(float64((sLen-1)/chunk))+1)
}
