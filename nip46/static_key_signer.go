package nip46

import (
	"context"
	"fmt"
	"sync"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip04"
	"github.com/nostrid/go-nostrid/nip44"
	"github.com/puzpuzpuz/xsync/v3"
)

// StaticKeySigner is the remote-signer side: it holds a secret key and answers requests from
// clients. The CLI runs it as a bunker and the tests use it as the other end of the wire.
type StaticKeySigner struct {
	secretKey string
	publicKey string
	channels  *xsync.MapOf[string, Channel]

	mu         sync.Mutex
	authorized map[string]struct{}

	// AuthorizeRequest decides whether a client may run a request. harmless is true for
	// connect, get_public_key and ping. When nil, everything is allowed.
	AuthorizeRequest func(harmless bool, from string, secret string) bool

	// AuthURL, when set, turns a refused request into an auth_url challenge instead of an error.
	// The client is expected to retry after Authorize is called for it.
	AuthURL func(from string) string
}

func NewStaticKeySigner(secretKey string) (*StaticKeySigner, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, err
	}
	return &StaticKeySigner{
		secretKey:  secretKey,
		publicKey:  pk,
		channels:   xsync.NewMapOf[string, Channel](),
		authorized: make(map[string]struct{}),
	}, nil
}

func (p *StaticKeySigner) PublicKey() string { return p.publicKey }

// Authorize lets every further request from clientPublicKey through.
func (p *StaticKeySigner) Authorize(clientPublicKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorized[clientPublicKey] = struct{}{}
}

func (p *StaticKeySigner) isAuthorized(harmless bool, from string, secret string) bool {
	p.mu.Lock()
	_, ok := p.authorized[from]
	p.mu.Unlock()
	if ok {
		return true
	}
	return p.AuthorizeRequest == nil || p.AuthorizeRequest(harmless, from, secret)
}

func (p *StaticKeySigner) channel(clientPublicKey string) (Channel, error) {
	if ch, ok := p.channels.Load(clientPublicKey); ok {
		return ch, nil
	}
	ch, err := NewChannel(clientPublicKey, p.secretKey)
	if err != nil {
		return Channel{}, err
	}
	p.channels.Store(clientPublicKey, ch)
	return ch, nil
}

func (p *StaticKeySigner) HandleRequest(_ context.Context, event *nostr.Event) (
	req Request,
	resp Response,
	eventResponse nostr.Event,
	err error,
) {
	if event.Kind != nostr.KindNostrConnect {
		return req, resp, eventResponse,
			fmt.Errorf("event kind is %d, but we expected %d", event.Kind, nostr.KindNostrConnect)
	}

	ch, err := p.channel(event.PubKey)
	if err != nil {
		return req, resp, eventResponse, err
	}

	req, err = ch.ParseRequest(event)
	if err != nil {
		return req, resp, eventResponse, fmt.Errorf("error parsing request: %w", err)
	}

	var secret string
	var harmless bool
	var result string
	var resultErr error

	switch req.Method {
	case "connect":
		if len(req.Params) >= 2 {
			secret = req.Params[1]
		}
		result = "ack"
		harmless = true
	case "get_public_key":
		result = p.publicKey
		harmless = true
	case "ping":
		result = "pong"
		harmless = true
	case "sign_event":
		if len(req.Params) != 1 {
			resultErr = fmt.Errorf("wrong number of arguments to 'sign_event'")
			break
		}
		evt := nostr.Event{}
		if err := json.Unmarshal([]byte(req.Params[0]), &evt); err != nil {
			resultErr = fmt.Errorf("failed to decode event: %w", err)
			break
		}
		if err := evt.Sign(p.secretKey); err != nil {
			resultErr = fmt.Errorf("failed to sign event: %w", err)
			break
		}
		result = evt.String()
	case "nip44_encrypt", "nip44_decrypt", "nip04_encrypt", "nip04_decrypt":
		result, resultErr = p.cipher(req)
	default:
		resultErr = fmt.Errorf("unknown method '%s'", req.Method)
	}

	if resultErr == nil && !p.isAuthorized(harmless, event.PubKey, secret) {
		if p.AuthURL != nil {
			resp = Response{ID: req.ID, Result: "auth_url", Error: p.AuthURL(event.PubKey)}
		} else {
			resultErr = fmt.Errorf("unauthorized")
		}
	}
	if resp.ID == "" {
		resp = Response{ID: req.ID, Result: result}
		if resultErr != nil {
			resp = Response{ID: req.ID, Error: resultErr.Error()}
		}
	}

	eventResponse, err = ch.MakeEvent(resp)
	if err != nil {
		return req, resp, eventResponse, err
	}
	err = eventResponse.Sign(p.secretKey)
	return req, resp, eventResponse, err
}

func (p *StaticKeySigner) cipher(req Request) (string, error) {
	if len(req.Params) != 2 {
		return "", fmt.Errorf("wrong number of arguments to '%s'", req.Method)
	}
	thirdParty := req.Params[0]
	if !nostr.IsValidPublicKey(thirdParty) {
		return "", fmt.Errorf("first argument to '%s' is not a pubkey string", req.Method)
	}

	switch req.Method {
	case "nip44_encrypt", "nip44_decrypt":
		ck, err := nip44.GenerateConversationKey(thirdParty, p.secretKey)
		if err != nil {
			return "", fmt.Errorf("failed to compute conversation key: %w", err)
		}
		if req.Method == "nip44_encrypt" {
			return nip44.Encrypt(req.Params[1], ck)
		}
		return nip44.Decrypt(req.Params[1], ck)
	default:
		shared, err := nip04.ComputeSharedSecret(thirdParty, p.secretKey)
		if err != nil {
			return "", fmt.Errorf("failed to compute shared secret: %w", err)
		}
		if req.Method == "nip04_encrypt" {
			return nip04.Encrypt(req.Params[1], shared)
		}
		return nip04.Decrypt(req.Params[1], shared)
	}
}

// Serve answers requests addressed to this signer until ctx is canceled.
func (p *StaticKeySigner) Serve(ctx context.Context, transport nostr.Transport, relays []string) error {
	events, err := transport.Subscribe(ctx, relays, nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{p.publicKey}},
		Since: ptr(nostr.Now() - 5),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", nostr.ErrSigningUnavailable, err)
	}

	for ie := range events {
		if ok, _ := ie.CheckSignature(); !ok {
			continue
		}
		req, _, resp, err := p.HandleRequest(ctx, ie)
		if err != nil {
			nostr.DebugLogger.Printf("[nip46] failed to handle request from %s: %s\n", ie.PubKey, err)
			continue
		}
		if err := transport.Publish(ctx, relays, resp); err != nil {
			nostr.InfoLogger.Printf("[nip46] failed to answer %s from %s: %s\n", req.Method, ie.PubKey, err)
		}
	}
	return ctx.Err()
}

// Dial answers a nostrconnect:// uri, which is how a client learns about this signer in that flow.
func (p *StaticKeySigner) Dial(ctx context.Context, transport nostr.Transport, uri ConnectionURI) error {
	ch, err := p.channel(uri.ClientPublicKey)
	if err != nil {
		return err
	}
	p.Authorize(uri.ClientPublicKey)

	evt, err := ch.MakeEvent(Response{ID: nostr.GeneratePrivateKey()[0:12], Result: uri.Secret})
	if err != nil {
		return err
	}
	if err := evt.Sign(p.secretKey); err != nil {
		return err
	}
	return transport.Publish(ctx, uri.Relays, evt)
}
