package nip19

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/nostrid/go-nostrid"
)

const (
	tlvDefault uint8 = 0
	tlvRelay   uint8 = 1
)

// ProfilePointer is the value decoded from an nprofile.
type ProfilePointer struct {
	PublicKey string   `json:"pubkey"`
	Relays    []string `json:"relays,omitempty"`
}

// Decode returns the prefix and the decoded value: a hex string for npub, nsec and note,
// a ProfilePointer for nprofile.
func Decode(bech32string string) (prefix string, value any, err error) {
	prefix, bits5, err := bech32.DecodeNoLimit(bech32string)
	if err != nil {
		return "", nil, fmt.Errorf("invalid bech32 '%s': %s: %w", bech32string, err, nostr.ErrInvalidKeyFormat)
	}

	data, err := bech32.ConvertBits(bits5, 5, 8, false)
	if err != nil {
		return prefix, nil, fmt.Errorf("failed translating data into 8 bits: %s: %w", err, nostr.ErrInvalidKeyFormat)
	}

	switch prefix {
	case "npub", "nsec", "note":
		if len(data) != 32 {
			return prefix, nil, fmt.Errorf("%s data is %d bytes, expected 32: %w", prefix, len(data), nostr.ErrInvalidKeyFormat)
		}
		return prefix, hex.EncodeToString(data), nil

	case "nprofile":
		var result ProfilePointer
		for len(data) > 0 {
			t, v := readTLVEntry(data)
			if v == nil {
				return prefix, nil, fmt.Errorf("incomplete nprofile: %w", nostr.ErrInvalidKeyFormat)
			}

			switch t {
			case tlvDefault:
				if len(v) != 32 {
					return prefix, nil, fmt.Errorf("pubkey should be 32 bytes (%d): %w", len(v), nostr.ErrInvalidKeyFormat)
				}
				result.PublicKey = hex.EncodeToString(v)
			case tlvRelay:
				result.Relays = append(result.Relays, string(v))
			default:
				// ignore
			}

			data = data[2+len(v):]
		}

		if result.PublicKey == "" {
			return prefix, nil, fmt.Errorf("no pubkey found for nprofile: %w", nostr.ErrInvalidKeyFormat)
		}
		return prefix, result, nil
	}

	return prefix, nil, fmt.Errorf("unknown prefix '%s': %w", prefix, nostr.ErrInvalidKeyFormat)
}

func EncodePrivateKey(privateKeyHex string) (string, error) {
	return encodeHex32("nsec", privateKeyHex)
}

func EncodePublicKey(publicKeyHex string) (string, error) {
	return encodeHex32("npub", publicKeyHex)
}

func EncodeNote(eventIDHex string) (string, error) {
	return encodeHex32("note", eventIDHex)
}

func EncodeProfile(publicKeyHex string, relays []string) (string, error) {
	pk, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pk) != 32 {
		return "", fmt.Errorf("invalid pubkey '%s': %w", publicKeyHex, nostr.ErrInvalidKeyFormat)
	}

	buf := &bytes.Buffer{}
	writeTLVEntry(buf, tlvDefault, pk)
	for _, url := range relays {
		writeTLVEntry(buf, tlvRelay, []byte(url))
	}

	bits5, err := bech32.ConvertBits(buf.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode("nprofile", bits5)
}

// TranslatePublicKey turns a hex or npub public key into always hex.
// Anything that is neither comes back as an error.
func TranslatePublicKey(bech32orHexKey string) (string, error) {
	if nostr.IsValid32ByteHex(bech32orHexKey) {
		return bech32orHexKey, nil
	}

	prefix, value, err := Decode(bech32orHexKey)
	if err != nil {
		return "", err
	}
	switch prefix {
	case "npub":
		return value.(string), nil
	case "nprofile":
		return value.(ProfilePointer).PublicKey, nil
	}
	return "", fmt.Errorf("'%s' is not a public key: %w", prefix, nostr.ErrInvalidKeyFormat)
}

func encodeHex32(prefix string, hexString string) (string, error) {
	b, err := hex.DecodeString(hexString)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("failed to decode %s hex: %w", prefix, nostr.ErrInvalidKeyFormat)
	}

	bits5, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, bits5)
}

func readTLVEntry(data []byte) (typ uint8, value []byte) {
	if len(data) < 2 {
		return 0, nil
	}

	typ = data[0]
	length := int(data[1])
	if len(data) < 2+length {
		return typ, nil
	}

	value = data[2 : 2+length]
	return
}

func writeTLVEntry(buf *bytes.Buffer, typ uint8, value []byte) {
	length := len(value)
	buf.WriteByte(typ)
	buf.WriteByte(uint8(length))
	buf.Write(value)
}
