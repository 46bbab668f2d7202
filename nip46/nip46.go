package nip46

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip04"
	"github.com/nostrid/go-nostrid/nip44"
)

var json = jsoniter.ConfigFastest

var BUNKER_REGEX = regexp.MustCompile(`^bunker:\/\/([0-9a-f]{64})\??([?\/\w:.=&%+-]*)$`)

type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

func (r Request) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

type Response struct {
	ID     string `json:"id"`
	Error  string `json:"error,omitempty"`
	Result string `json:"result,omitempty"`
}

func (r Response) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

// AuthURL returns the url a remote signer wants the user to visit, if this is an auth challenge.
func (r Response) AuthURL() (string, bool) {
	if r.Result == "auth_url" && r.Error != "" {
		return r.Error, true
	}
	return "", false
}

// Channel holds the keys shared between us and one peer.
type Channel struct {
	PublicKey       string   // the peer
	SharedKey       []byte   // nip04, only for reading old peers
	ConversationKey [32]byte // nip44
}

func NewChannel(peerPublicKey string, secretKey string) (Channel, error) {
	ck, err := nip44.GenerateConversationKey(peerPublicKey, secretKey)
	if err != nil {
		return Channel{}, fmt.Errorf("failed to compute conversation key with %s: %w", peerPublicKey, err)
	}
	shared, err := nip04.ComputeSharedSecret(peerPublicKey, secretKey)
	if err != nil {
		return Channel{}, fmt.Errorf("failed to compute shared secret with %s: %w", peerPublicKey, err)
	}
	return Channel{PublicKey: peerPublicKey, SharedKey: shared, ConversationKey: ck}, nil
}

// Open decrypts an event payload, trying nip44 first and nip04 after that.
func (c Channel) Open(content string) (string, error) {
	plain, err44 := nip44.Decrypt(content, c.ConversationKey)
	if err44 == nil {
		return plain, nil
	}
	plain, err04 := nip04.Decrypt(content, c.SharedKey)
	if err04 == nil {
		return plain, nil
	}
	return "", fmt.Errorf("failed to decrypt payload from %s: (nip44: %w, nip04: %w)", c.PublicKey, err44, err04)
}

func (c Channel) ParseRequest(event *nostr.Event) (Request, error) {
	var req Request
	plain, err := c.Open(event.Content)
	if err != nil {
		return req, err
	}
	err = json.Unmarshal([]byte(plain), &req)
	return req, err
}

func (c Channel) ParseResponse(event *nostr.Event) (Response, error) {
	var resp Response
	plain, err := c.Open(event.Content)
	if err != nil {
		return resp, err
	}
	err = json.Unmarshal([]byte(plain), &resp)
	return resp, err
}

// MakeEvent wraps any request or response into an unsigned kind 24133 event for the peer.
func (c Channel) MakeEvent(payload any) (nostr.Event, error) {
	j, err := json.Marshal(payload)
	if err != nil {
		return nostr.Event{}, err
	}
	ciphertext, err := nip44.Encrypt(string(j), c.ConversationKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encrypt: %w", err)
	}
	return nostr.Event{
		Content:   ciphertext,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", c.PublicKey}},
	}, nil
}

// BunkerPointer is what a bunker:// url carries.
type BunkerPointer struct {
	RemotePublicKey string   `json:"remote"`
	Relays          []string `json:"relays"`
	Secret          string   `json:"secret,omitempty"`
}

func IsValidBunkerURL(input string) bool {
	return BUNKER_REGEX.MatchString(input)
}

func ParseBunkerURL(bunkerURL string) (BunkerPointer, error) {
	parsed, err := url.Parse(strings.TrimSpace(bunkerURL))
	if err != nil {
		return BunkerPointer{}, fmt.Errorf("invalid url: %s: %w", err, nostr.ErrInvalidKeyFormat)
	}
	if parsed.Scheme != "bunker" {
		return BunkerPointer{}, fmt.Errorf("wrong scheme '%s', must be bunker://: %w", parsed.Scheme, nostr.ErrInvalidKeyFormat)
	}

	bp := BunkerPointer{
		RemotePublicKey: parsed.Host,
		Secret:          parsed.Query().Get("secret"),
	}
	if !nostr.IsValidPublicKey(bp.RemotePublicKey) {
		return BunkerPointer{}, fmt.Errorf("'%s' is not a valid public key hex: %w", bp.RemotePublicKey, nostr.ErrInvalidKeyFormat)
	}

	for _, r := range parsed.Query()["relay"] {
		if nr := nostr.NormalizeURL(r); nostr.IsValidRelayURL(nr) {
			bp.Relays = append(bp.Relays, nr)
		}
	}
	if len(bp.Relays) == 0 {
		return BunkerPointer{}, fmt.Errorf("bunker url has no usable relay: %w", nostr.ErrInvalidKeyFormat)
	}

	return bp, nil
}

func (bp BunkerPointer) URL() string {
	qs := url.Values{}
	for _, r := range bp.Relays {
		qs.Add("relay", r)
	}
	if bp.Secret != "" {
		qs.Set("secret", bp.Secret)
	}
	return "bunker://" + bp.RemotePublicKey + "?" + qs.Encode()
}
