package nip06

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nostrid/go-nostrid"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

func GenerateSeedWords() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func SeedFromWords(words string) []byte {
	return bip39.NewSeed(normalizeWords(words), "")
}

// PrivateKeyFromSeed derives the key at m/44'/1237'/0'/0/0.
func PrivateKeyFromSeed(seed []byte) (string, error) {
	return PrivateKeyFromSeedAccount(seed, 0)
}

// PrivateKeyFromSeedAccount derives the key at m/44'/1237'/<account>'/0/0.
func PrivateKeyFromSeedAccount(seed []byte, account uint32) (string, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return "", err
	}

	next := key
	for _, idx := range []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 1237,
		bip32.FirstHardenedChild + account,
		0,
		0,
	} {
		if next, err = next.NewChildKey(idx); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(next.Key), nil
}

func ValidateWords(words string) bool {
	return bip39.IsMnemonicValid(normalizeWords(words))
}

// PrivateKeyFromWords validates a mnemonic and derives its first key.
func PrivateKeyFromWords(words string) (string, error) {
	if !ValidateWords(words) {
		return "", fmt.Errorf("invalid mnemonic: %w", nostr.ErrInvalidKeyFormat)
	}
	return PrivateKeyFromSeed(SeedFromWords(words))
}

func normalizeWords(words string) string {
	return strings.Join(strings.Fields(strings.ToLower(words)), " ")
}
