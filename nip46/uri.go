package nip46

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nostrid/go-nostrid"
)

// Metadata describes this client to the remote signer in a nostrconnect:// uri.
type Metadata struct {
	Name  string
	URL   string
	Image string
	Perms []string
}

// ConnectionURI is the nostrconnect:// uri the user hands to their remote signer.
type ConnectionURI struct {
	ClientPublicKey string
	Relays          []string
	Secret          string
	Metadata        Metadata
}

func (u ConnectionURI) String() string {
	qs := url.Values{}
	for _, r := range u.Relays {
		qs.Add("relay", r)
	}
	qs.Set("secret", u.Secret)
	if u.Metadata.Name != "" {
		qs.Set("name", u.Metadata.Name)
	}
	if u.Metadata.URL != "" {
		qs.Set("url", u.Metadata.URL)
	}
	if u.Metadata.Image != "" {
		qs.Set("image", u.Metadata.Image)
	}
	if len(u.Metadata.Perms) > 0 {
		qs.Set("perms", strings.Join(u.Metadata.Perms, ","))
	}
	return "nostrconnect://" + u.ClientPublicKey + "?" + qs.Encode()
}

func ParseConnectionURI(input string) (ConnectionURI, error) {
	parsed, err := url.Parse(strings.TrimSpace(input))
	if err != nil {
		return ConnectionURI{}, fmt.Errorf("invalid uri: %s: %w", err, nostr.ErrInvalidKeyFormat)
	}
	if parsed.Scheme != "nostrconnect" {
		return ConnectionURI{}, fmt.Errorf("wrong scheme '%s', must be nostrconnect://: %w", parsed.Scheme, nostr.ErrInvalidKeyFormat)
	}
	if !nostr.IsValidPublicKey(parsed.Host) {
		return ConnectionURI{}, fmt.Errorf("'%s' is not a valid public key hex: %w", parsed.Host, nostr.ErrInvalidKeyFormat)
	}

	qs := parsed.Query()
	u := ConnectionURI{
		ClientPublicKey: parsed.Host,
		Secret:          qs.Get("secret"),
		Metadata: Metadata{
			Name:  qs.Get("name"),
			URL:   qs.Get("url"),
			Image: qs.Get("image"),
		},
	}
	if perms := qs.Get("perms"); perms != "" {
		u.Metadata.Perms = strings.Split(perms, ",")
	}
	for _, r := range qs["relay"] {
		if nr := nostr.NormalizeURL(r); nostr.IsValidRelayURL(nr) {
			u.Relays = append(u.Relays, nr)
		}
	}

	if u.Secret == "" {
		return ConnectionURI{}, fmt.Errorf("nostrconnect uri has no secret: %w", nostr.ErrInvalidKeyFormat)
	}
	if len(u.Relays) == 0 {
		return ConnectionURI{}, fmt.Errorf("nostrconnect uri has no usable relay: %w", nostr.ErrInvalidKeyFormat)
	}
	return u, nil
}
