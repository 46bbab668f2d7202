package nip46

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nostrid/go-nostrid"
)

// NostrConnect runs the nostrconnect:// flow: we show a uri (usually as a QR code) and wait for
// the user's remote signer to dial us. Only an answer carrying our secret is accepted.
type NostrConnect struct {
	clientSecretKey string
	uri             ConnectionURI
	session         *Session
	created         nostr.Timestamp

	mu      sync.Mutex
	attempt uint64
	stop    context.CancelFunc
}

func NewNostrConnect(relays []string, metadata Metadata) (*NostrConnect, error) {
	normalized := make([]string, 0, len(relays))
	for _, r := range relays {
		if nr := nostr.NormalizeURL(r); nostr.IsValidRelayURL(nr) && !slices.Contains(normalized, nr) {
			normalized = append(normalized, nr)
		}
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("no usable relay given: %w", nostr.ErrInvalidKeyFormat)
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, err
	}

	return &NostrConnect{
		clientSecretKey: sk,
		session:         NewSession(),
		created:         nostr.Now(),
		uri: ConnectionURI{
			ClientPublicKey: pk,
			Relays:          normalized,
			Secret:          hex.EncodeToString(secret),
			Metadata:        metadata,
		},
	}, nil
}

func (nc *NostrConnect) URI() ConnectionURI { return nc.uri }

func (nc *NostrConnect) Session() *Session { return nc.session }

// ClientSecretKey is the ephemeral key that must be persisted to Reconnect later.
func (nc *NostrConnect) ClientSecretKey() string { return nc.clientSecretKey }

// Wait listens for the remote signer. Calling it again abandons the previous attempt, whose
// listener is torn down and whose Wait returns context.Canceled.
// opts.Session is ignored: the client returned shares this NostrConnect's Session.
func (nc *NostrConnect) Wait(ctx context.Context, transport nostr.Transport, opts ClientOptions) (*BunkerClient, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, nostr.ErrConnectionTimeout)
	defer cancel()

	nc.mu.Lock()
	if nc.stop != nil {
		nc.stop()
	}
	nc.attempt++
	attempt := nc.attempt
	nc.stop = cancel
	nc.session.reset()
	_ = nc.session.transition(Status{State: StateConnecting})
	nc.mu.Unlock()

	remote, err := nc.awaitSigner(ctx, transport)
	if err == nil {
		var bunker *BunkerClient
		bunker, err = nc.finish(ctx, remote, transport, opts)
		if err == nil {
			return bunker, nil
		}
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.attempt != attempt {
		// superseded, the newer attempt owns the session now
		return nil, fmt.Errorf("nostrconnect attempt abandoned: %w", context.Canceled)
	}
	if errors.Is(context.Cause(ctx), nostr.ErrConnectionTimeout) && !errors.Is(err, nostr.ErrConnectionTimeout) {
		err = fmt.Errorf("%w: %w", nostr.ErrConnectionTimeout, err)
	}
	nc.session.fail(err)
	return nil, err
}

func (nc *NostrConnect) awaitSigner(ctx context.Context, transport nostr.Transport) (string, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := transport.Subscribe(subCtx, nc.uri.Relays, nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{nc.uri.ClientPublicKey}},
		Since: ptr(nc.created - 5),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to subscribe: %w", nostr.ErrSigningUnavailable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no remote signer answered: %w", context.Cause(ctx))
		case ie, ok := <-events:
			if !ok {
				return "", fmt.Errorf("no remote signer answered: %w", context.Cause(ctx))
			}
			if ok, _ := ie.CheckSignature(); !ok {
				continue
			}
			ch, err := NewChannel(ie.PubKey, nc.clientSecretKey)
			if err != nil {
				continue
			}
			resp, err := ch.ParseResponse(ie)
			if err != nil || resp.Result != nc.uri.Secret {
				nostr.DebugLogger.Printf("[nip46] ignoring nostrconnect answer from %s\n", ie.PubKey)
				continue
			}
			return ie.PubKey, nil
		}
	}
}

func (nc *NostrConnect) finish(ctx context.Context, remote string, transport nostr.Transport, opts ClientOptions) (*BunkerClient, error) {
	opts.Session = nc.session
	bunker, err := newBunkerClient(nc.clientSecretKey, remote, nc.uri.Relays, transport, opts)
	if err != nil {
		return nil, err
	}
	if err := bunker.listen(); err != nil {
		return nil, err
	}

	user, err := bunker.GetPublicKey(ctx)
	if err != nil {
		bunker.Close()
		return nil, err
	}
	if err := nc.session.connected(remote); err != nil {
		bunker.Close()
		return nil, err
	}

	nostr.InfoLogger.Printf("[nip46] %s dialed us on behalf of %s\n", remote, user)
	return bunker, nil
}
