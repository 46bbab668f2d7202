package identity

import (
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip46"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigFastest

const recordVersion = 1

// record is how an Identity is persisted.
type record struct {
	V       int             `json:"v"`
	Type    Variant         `json:"type"`
	PubKey  string          `json:"pubkey"`
	Created nostr.Timestamp `json:"createdAt"`

	// local
	SecretKey string `json:"secretKey,omitempty"`
	BackedUp  bool   `json:"backedUp,omitempty"`

	// bunker
	Remote          string   `json:"remote,omitempty"`
	ClientSecretKey string   `json:"clientSecretKey,omitempty"`
	Relays          []string `json:"relays,omitempty"`
	Secret          string   `json:"secret,omitempty"`
}

// legacyRecord is the untagged format written before records carried a version.
type legacyRecord struct {
	PrivateKey string          `json:"privateKey"`
	PubKey     string          `json:"pubkey"`
	Bunker     string          `json:"bunker"`
	ClientKey  string          `json:"clientKey"`
	BackedUp   bool            `json:"backedUp"`
	Created    nostr.Timestamp `json:"createdAt"`
}

func encodeIdentity(id Identity) ([]byte, error) {
	rec := record{V: recordVersion, Type: id.Variant(), PubKey: id.PublicKey(), Created: id.CreatedAt()}

	switch v := id.(type) {
	case *Local:
		rec.SecretKey = v.SecretKey
		rec.BackedUp = v.HasBackedUpSecret
	case *Extension:
	case *Bunker:
		rec.Remote = v.RemotePublicKey
		rec.ClientSecretKey = v.ClientSecretKey
		rec.Relays = v.Relays
		rec.Secret = v.ConnectionSecret
	default:
		return nil, fmt.Errorf("unknown identity type %T", id)
	}

	return json.Marshal(rec)
}

// decodeIdentity reads either format. migrated is true when data was a legacy record and
// should be written back.
func decodeIdentity(data []byte) (id Identity, migrated bool, err error) {
	if !gjson.ValidBytes(data) {
		return nil, false, fmt.Errorf("identity record is not json: %w", nostr.ErrInvalidKeyFormat)
	}

	if v := gjson.GetBytes(data, "v"); v.Exists() {
		if v.Int() != recordVersion {
			return nil, false, fmt.Errorf("unsupported identity record version %d", v.Int())
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, false, fmt.Errorf("failed to decode identity record: %w", err)
		}
		id, err := rec.identity()
		return id, false, err
	}

	var old legacyRecord
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, false, fmt.Errorf("failed to decode legacy identity record: %w", err)
	}
	id, err = old.identity()
	return id, true, err
}

func (rec record) identity() (Identity, error) {
	switch rec.Type {
	case VariantLocal:
		pk, err := nostr.GetPublicKey(rec.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("stored local identity: %w", err)
		}
		if rec.PubKey != "" && rec.PubKey != pk {
			return nil, fmt.Errorf("stored local identity has pubkey %s but its key is %s: %w",
				rec.PubKey, pk, nostr.ErrInvalidKeyFormat)
		}
		return &Local{SecretKey: rec.SecretKey, PublicKeyHex: pk, Created: rec.Created, HasBackedUpSecret: rec.BackedUp}, nil
	case VariantExtension:
		if !nostr.IsValidPublicKey(rec.PubKey) {
			return nil, fmt.Errorf("stored extension identity has invalid pubkey: %w", nostr.ErrInvalidKeyFormat)
		}
		return &Extension{PublicKeyHex: rec.PubKey, Created: rec.Created}, nil
	case VariantBunker:
		if !nostr.IsValidPublicKey(rec.Remote) {
			return nil, fmt.Errorf("stored bunker identity has invalid remote key: %w", nostr.ErrInvalidKeyFormat)
		}
		if _, err := nostr.GetPublicKey(rec.ClientSecretKey); err != nil {
			return nil, fmt.Errorf("stored bunker identity: %w", err)
		}
		if rec.PubKey != "" && !nostr.IsValidPublicKey(rec.PubKey) {
			return nil, fmt.Errorf("stored bunker identity has invalid pubkey: %w", nostr.ErrInvalidKeyFormat)
		}
		return &Bunker{
			RemotePublicKey:  rec.Remote,
			ClientSecretKey:  rec.ClientSecretKey,
			Relays:           slices.Clone(rec.Relays),
			ConnectionSecret: rec.Secret,
			UserPublicKey:    rec.PubKey,
			Created:          rec.Created,
		}, nil
	}
	return nil, fmt.Errorf("unknown identity type '%s'", rec.Type)
}

func (old legacyRecord) identity() (Identity, error) {
	created := old.Created
	if created == 0 {
		created = nostr.Now()
	}

	switch {
	case old.PrivateKey != "":
		return record{
			Type: VariantLocal, SecretKey: old.PrivateKey, PubKey: old.PubKey,
			BackedUp: old.BackedUp, Created: created,
		}.identity()
	case old.Bunker != "":
		bp, err := nip46.ParseBunkerURL(old.Bunker)
		if err != nil {
			return nil, fmt.Errorf("legacy bunker identity: %w", err)
		}
		return record{
			Type: VariantBunker, Remote: bp.RemotePublicKey, Relays: bp.Relays, Secret: bp.Secret,
			ClientSecretKey: old.ClientKey, PubKey: old.PubKey, Created: created,
		}.identity()
	case old.PubKey != "":
		return record{Type: VariantExtension, PubKey: old.PubKey, Created: created}.identity()
	}
	return nil, fmt.Errorf("unrecognized legacy identity record: %w", nostr.ErrInvalidKeyFormat)
}
