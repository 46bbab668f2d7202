// Package identity keeps the one current identity of this client and everything tied to it.
package identity

import (
	"slices"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip46"
)

type Variant string

const (
	VariantLocal     Variant = "local"
	VariantExtension Variant = "extension"
	VariantBunker    Variant = "bunker"
)

// Identity is one of *Local, *Extension or *Bunker. Values are never modified once handed
// out: a change produces a new value.
type Identity interface {
	PublicKey() string
	CreatedAt() nostr.Timestamp
	Variant() Variant

	sealed()
}

var (
	_ Identity = (*Local)(nil)
	_ Identity = (*Extension)(nil)
	_ Identity = (*Bunker)(nil)
)

// Local holds its secret key.
type Local struct {
	SecretKey         string
	PublicKeyHex      string
	Created           nostr.Timestamp
	HasBackedUpSecret bool
}

func (l *Local) PublicKey() string          { return l.PublicKeyHex }
func (l *Local) CreatedAt() nostr.Timestamp { return l.Created }
func (l *Local) Variant() Variant           { return VariantLocal }
func (*Local) sealed()                      {}

// NewLocal builds a Local identity from a hex secret key.
func NewLocal(secretKey string, backedUp bool) (*Local, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, err
	}
	return &Local{
		SecretKey:         secretKey,
		PublicKeyHex:      pk,
		Created:           nostr.Now(),
		HasBackedUpSecret: backedUp,
	}, nil
}

// Extension is signed for by an injected host.
type Extension struct {
	PublicKeyHex string
	Created      nostr.Timestamp
}

func (e *Extension) PublicKey() string          { return e.PublicKeyHex }
func (e *Extension) CreatedAt() nostr.Timestamp { return e.Created }
func (e *Extension) Variant() Variant           { return VariantExtension }
func (*Extension) sealed()                      {}

// Bunker is enough to reopen a remote-signing connection.
type Bunker struct {
	RemotePublicKey  string
	ClientSecretKey  string
	Relays           []string
	ConnectionSecret string

	// UserPublicKey is what the remote signer signs as. It can differ from RemotePublicKey.
	UserPublicKey string

	Created nostr.Timestamp
}

func (b *Bunker) PublicKey() string          { return b.UserPublicKey }
func (b *Bunker) CreatedAt() nostr.Timestamp { return b.Created }
func (b *Bunker) Variant() Variant           { return VariantBunker }
func (*Bunker) sealed()                      {}

func (b *Bunker) Pointer() nip46.BunkerPointer {
	return nip46.BunkerPointer{
		RemotePublicKey: b.RemotePublicKey,
		Relays:          slices.Clone(b.Relays),
		Secret:          b.ConnectionSecret,
	}
}

// MigrationRecord remembers that OldPublicKey handed its membership in Group to NewPublicKey.
type MigrationRecord struct {
	OldPublicKey string      `json:"old"`
	NewPublicKey string      `json:"new"`
	Group        string      `json:"group"`
	Proof        nostr.Event `json:"proof"`
}

// SubscriptionState is what we last got confirmed for one topic.
type SubscriptionState struct {
	Subscribed bool            `json:"subscribed"`
	Since      nostr.Timestamp `json:"since"`
	FilterHash string          `json:"filterHash"`

	// Filter is the canonical filter, kept so it can be re-sent on refresh and unsubscribe.
	Filter string `json:"filter,omitempty"`
}

type DeviceRegistration struct {
	Registered     bool            `json:"registered"`
	TokenTimestamp nostr.Timestamp `json:"tokenTimestamp"`
	CurrentToken   string          `json:"currentToken,omitempty"`
}
