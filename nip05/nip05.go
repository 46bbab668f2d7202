// Package nip05 resolves name@domain identifiers through /.well-known/nostr.json.
package nip05

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip19"
)

var json = jsoniter.ConfigFastest

var identifierRegex = regexp.MustCompile(`^(?:([\w.+-]+)@)?([\w_-]+(\.[\w_-]+)+)$`)

// swapped in tests
var (
	scheme                      = "https"
	transport http.RoundTripper = http.DefaultTransport
)

type WellKnownResponse struct {
	Names  map[string]string   `json:"names"`
	Relays map[string][]string `json:"relays,omitempty"`
	NIP46  map[string][]string `json:"nip46,omitempty"`
}

func IsValidIdentifier(input string) bool {
	return identifierRegex.MatchString(input)
}

// ParseIdentifier splits fullname into name and domain. A bare domain means the "_" name.
func ParseIdentifier(fullname string) (name string, domain string, err error) {
	res := identifierRegex.FindStringSubmatch(fullname)
	if len(res) == 0 {
		return "", "", fmt.Errorf("invalid identifier %q: %w", fullname, nostr.ErrInvalidKeyFormat)
	}
	if res[1] == "" {
		res[1] = "_"
	}
	return res[1], res[2], nil
}

// Fetch downloads the well-known document for fullname. Redirects are not followed.
func Fetch(ctx context.Context, fullname string) (resp WellKnownResponse, name string, err error) {
	name, domain, err := ParseIdentifier(fullname)
	if err != nil {
		return resp, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s://%s/.well-known/nostr.json?name=%s", scheme, domain, name), nil)
	if err != nil {
		return resp, name, fmt.Errorf("failed to create a request: %w", err)
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	res, err := client.Do(req)
	if err != nil {
		return resp, name, fmt.Errorf("request to %s failed: %s: %w", domain, err, nostr.ErrPublishFailed)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return resp, name, fmt.Errorf("%s answered %d", domain, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, name, fmt.Errorf("failed to decode json response: %w", err)
	}
	return resp, name, nil
}

// QueryIdentifier resolves fullname to a profile pointer with the relays the domain advertises.
func QueryIdentifier(ctx context.Context, fullname string) (nip19.ProfilePointer, error) {
	result, name, err := Fetch(ctx, fullname)
	if err != nil {
		return nip19.ProfilePointer{}, err
	}

	pubkey, ok := result.Names[name]
	if !ok {
		return nip19.ProfilePointer{}, fmt.Errorf("no entry for '%s'", name)
	}
	if !nostr.IsValidPublicKey(pubkey) {
		return nip19.ProfilePointer{}, fmt.Errorf("entry for '%s' is not a public key: %w", name, nostr.ErrInvalidKeyFormat)
	}

	return nip19.ProfilePointer{
		PublicKey: pubkey,
		Relays:    result.Relays[pubkey],
	}, nil
}

func NormalizeIdentifier(fullname string) string {
	if strings.HasPrefix(fullname, "_@") {
		return fullname[2:]
	}
	return fullname
}

// QueryBunker returns the remote-signer key and relays fullname advertises under "nip46".
func QueryBunker(ctx context.Context, fullname string) (pubkey string, relays []string, err error) {
	result, name, err := Fetch(ctx, fullname)
	if err != nil {
		return "", nil, err
	}

	pubkey, ok := result.Names[name]
	if !ok {
		return "", nil, fmt.Errorf("no entry found for the '%s' name", name)
	}
	if !nostr.IsValidPublicKey(pubkey) {
		return "", nil, fmt.Errorf("entry for '%s' is not a public key: %w", name, nostr.ErrInvalidKeyFormat)
	}
	relays, ok = result.NIP46[pubkey]
	if !ok || len(relays) == 0 {
		return "", nil, fmt.Errorf("no bunker relays found for the '%s' name", name)
	}
	return pubkey, relays, nil
}
