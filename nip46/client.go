package nip46

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// DefaultConnectTimeout bounds the handshake of both connection flows.
	DefaultConnectTimeout = 300 * time.Second
)

// ClientOptions configures a BunkerClient. The zero value is usable.
type ClientOptions struct {
	// OnAuth is called on its own goroutine whenever the remote signer sends an auth_url.
	// The pending request keeps waiting; call ConfirmAuthorization once the user is done.
	OnAuth func(url string)

	// Session, if given, is driven by the client instead of a fresh one,
	// so callers can watch Changes() before the handshake starts.
	Session *Session

	// ConnectTimeout bounds the connect handshake. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

type incoming struct {
	Response
	author string
}

type BunkerClient struct {
	serial          atomic.Uint64
	clientSecretKey string
	clientPublicKey string
	transport       nostr.Transport
	target          string
	relays          []string
	channels        *xsync.MapOf[string, Channel]
	listeners       *xsync.MapOf[string, chan incoming]
	pending         *xsync.MapOf[string, Request]
	idPrefix        string
	onAuth          func(string)
	session         *Session

	listening chan struct{}
	close     context.CancelFunc
	closed    atomic.Bool

	// memoized
	pkMu                 sync.Mutex
	getPublicKeyResponse string
}

func newBunkerClient(
	clientSecretKey string,
	target string,
	relays []string,
	transport nostr.Transport,
	opts ClientOptions,
) (*BunkerClient, error) {
	clientPublicKey, err := nostr.GetPublicKey(clientSecretKey)
	if err != nil {
		return nil, err
	}
	if !nostr.IsValidPublicKey(target) {
		return nil, fmt.Errorf("'%s' is not a valid public key hex: %w", target, nostr.ErrInvalidKeyFormat)
	}

	session := opts.Session
	if session == nil {
		session = NewSession()
	}

	bunker := &BunkerClient{
		clientSecretKey: clientSecretKey,
		clientPublicKey: clientPublicKey,
		transport:       transport,
		target:          target,
		relays:          relays,
		channels:        xsync.NewMapOf[string, Channel](),
		listeners:       xsync.NewMapOf[string, chan incoming](),
		pending:         xsync.NewMapOf[string, Request](),
		idPrefix:        "ni-" + strconv.FormatUint(uint64(rand.Uint32()), 36),
		onAuth:          opts.OnAuth,
		session:         session,
		listening:       make(chan struct{}),
	}

	if _, err := bunker.channel(target); err != nil {
		return nil, err
	}
	return bunker, nil
}

// listen starts the single subscription this client owns. It lives until Close.
func (bunker *BunkerClient) listen() error {
	ctx, cancel := context.WithCancel(context.Background())
	bunker.close = cancel

	events, err := bunker.transport.Subscribe(ctx, bunker.relays, nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{bunker.clientPublicKey}},
		Since: ptr(nostr.Now() - 5),
	})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: failed to subscribe: %w", nostr.ErrSigningUnavailable, err)
	}

	go func() {
		defer close(bunker.listening)
		for ie := range events {
			bunker.dispatch(ie)
		}
	}()
	return nil
}

func (bunker *BunkerClient) dispatch(ie *nostr.Event) {
	if ie.Kind != nostr.KindNostrConnect {
		return
	}
	if ok, _ := ie.CheckSignature(); !ok {
		return
	}

	ch, err := bunker.channel(ie.PubKey)
	if err != nil {
		return
	}
	resp, err := ch.ParseResponse(ie)
	if err != nil {
		nostr.DebugLogger.Printf("[nip46] ignoring undecryptable event %s from %s\n", ie.ID, ie.PubKey)
		return
	}

	if dispatcher, ok := bunker.listeners.Load(resp.ID); ok {
		select {
		case dispatcher <- incoming{resp, ie.PubKey}:
		default:
			// waiter is gone or flooded with duplicates
		}
	}
}

func (bunker *BunkerClient) channel(peer string) (Channel, error) {
	if ch, ok := bunker.channels.Load(peer); ok {
		return ch, nil
	}
	ch, err := NewChannel(peer, bunker.clientSecretKey)
	if err != nil {
		return Channel{}, err
	}
	bunker.channels.Store(peer, ch)
	return ch, nil
}

// Session exposes the state machine of this connection.
func (bunker *BunkerClient) Session() *Session { return bunker.session }

func (bunker *BunkerClient) RemotePublicKey() string { return bunker.target }

func (bunker *BunkerClient) ClientPublicKey() string { return bunker.clientPublicKey }

func (bunker *BunkerClient) Relays() []string { return slices.Clone(bunker.relays) }

// Close unsubscribes the listener. Calls made afterwards fail with ErrSigningUnavailable.
func (bunker *BunkerClient) Close() {
	if bunker.closed.Swap(true) {
		return
	}
	if bunker.close != nil {
		bunker.close()
		<-bunker.listening
	}
}

func (bunker *BunkerClient) Ping(ctx context.Context) error {
	_, err := bunker.RPC(ctx, "ping", []string{})
	return err
}

func (bunker *BunkerClient) GetPublicKey(ctx context.Context) (string, error) {
	bunker.pkMu.Lock()
	defer bunker.pkMu.Unlock()

	if bunker.getPublicKeyResponse != "" {
		return bunker.getPublicKeyResponse, nil
	}
	resp, err := bunker.RPC(ctx, "get_public_key", []string{})
	if err != nil {
		return "", err
	}
	if !nostr.IsValidPublicKey(resp) {
		return "", fmt.Errorf("remote signer returned invalid public key '%s': %w", resp, nostr.ErrInvalidKeyFormat)
	}
	bunker.getPublicKeyResponse = resp
	return resp, nil
}

func (bunker *BunkerClient) SignEvent(ctx context.Context, evt *nostr.Event) error {
	resp, err := bunker.RPC(ctx, "sign_event", []string{evt.String()})
	if err != nil {
		return err
	}

	var signed nostr.Event
	if err := json.Unmarshal([]byte(resp), &signed); err != nil {
		return fmt.Errorf("remote signer returned invalid event: %w", err)
	}
	if ok, _ := signed.CheckSignature(); !ok {
		return fmt.Errorf("%w: remote signer returned an event with an invalid signature", nostr.ErrSigningRejected)
	}
	if signed.Kind != evt.Kind || signed.Content != evt.Content || signed.CreatedAt != evt.CreatedAt {
		return fmt.Errorf("%w: remote signer returned a different event", nostr.ErrSigningRejected)
	}

	*evt = signed
	return nil
}

func (bunker *BunkerClient) NIP44Encrypt(ctx context.Context, targetPublicKey string, plaintext string) (string, error) {
	return bunker.RPC(ctx, "nip44_encrypt", []string{targetPublicKey, plaintext})
}

func (bunker *BunkerClient) NIP44Decrypt(ctx context.Context, targetPublicKey string, ciphertext string) (string, error) {
	return bunker.RPC(ctx, "nip44_decrypt", []string{targetPublicKey, ciphertext})
}

// ConfirmAuthorization re-sends every request still waiting for an answer. Call it after the
// user finished whatever the auth_url asked for.
func (bunker *BunkerClient) ConfirmAuthorization(ctx context.Context) error {
	var errs []error
	bunker.pending.Range(func(id string, req Request) bool {
		if err := bunker.send(ctx, req); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func (bunker *BunkerClient) send(ctx context.Context, req Request) error {
	ch, err := bunker.channel(bunker.target)
	if err != nil {
		return err
	}
	evt, err := ch.MakeEvent(req)
	if err != nil {
		return fmt.Errorf("error encrypting request: %w", err)
	}
	if err := evt.Sign(bunker.clientSecretKey); err != nil {
		return fmt.Errorf("failed to sign request event: %w", err)
	}
	if err := bunker.transport.Publish(ctx, bunker.relays, evt); err != nil {
		return fmt.Errorf("%w: %w", nostr.ErrSigningUnavailable, err)
	}
	return nil
}

// RPC sends one request and waits for its answer, however many auth_url round-trips it takes.
// Remote errors come back as ErrSigningRejected, transport problems as ErrSigningUnavailable.
func (bunker *BunkerClient) RPC(ctx context.Context, method string, params []string) (string, error) {
	if bunker.closed.Load() {
		return "", fmt.Errorf("%w: bunker client is closed", nostr.ErrSigningUnavailable)
	}

	id := bunker.idPrefix + "-" + strconv.FormatUint(bunker.serial.Add(1), 10)
	req := Request{ID: id, Method: method, Params: params}

	respWaiter := make(chan incoming, 8)
	bunker.listeners.Store(id, respWaiter)
	bunker.pending.Store(id, req)
	defer func() {
		bunker.listeners.Delete(id)
		bunker.pending.Delete(id)
	}()

	if err := bunker.send(ctx, req); err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s took too long: %w", nostr.ErrSigningUnavailable, method, context.Cause(ctx))
		case <-bunker.listening:
			return "", fmt.Errorf("%w: bunker client is closed", nostr.ErrSigningUnavailable)
		case resp := <-respWaiter:
			if resp.author != bunker.target {
				if method == "connect" {
					return "", fmt.Errorf("%w: expected %s, got an answer from %s",
						nostr.ErrRemoteIdentityMismatch, bunker.target, resp.author)
				}
				continue
			}

			if url, ok := resp.AuthURL(); ok {
				nostr.InfoLogger.Printf("[nip46] remote signer asks for authorization at %s\n", url)
				if err := bunker.session.transition(Status{State: StateAwaitingAuthorization, AuthURL: url}); err != nil {
					nostr.DebugLogger.Printf("[nip46] %s\n", err)
				}
				if bunker.onAuth != nil {
					go bunker.onAuth(url)
				}
				continue
			}

			bunker.session.authorized()
			if resp.Error != "" {
				return "", fmt.Errorf("%w: %s", nostr.ErrSigningRejected, resp.Error)
			}
			return resp.Result, nil
		}
	}
}

func ptr[V any](v V) *V { return &v }
