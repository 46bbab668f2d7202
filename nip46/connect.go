package nip46

import (
	"context"
	"errors"
	"fmt"

	"github.com/nostrid/go-nostrid"
)

// ConnectBunker runs the bunker:// flow: the user pasted a url (or a nip05 name) from their remote signer and we
// dial it. The returned client is connected and keeps listening until Close.
func ConnectBunker(
	ctx context.Context,
	clientSecretKey string,
	bunkerURL string,
	transport nostr.Transport,
	opts ClientOptions,
) (*BunkerClient, error) {
	bp, err := ResolveBunker(ctx, bunkerURL)
	if err != nil {
		return nil, err
	}

	bunker, err := newBunkerClient(clientSecretKey, bp.RemotePublicKey, bp.Relays, transport, opts)
	if err != nil {
		return nil, err
	}

	if err := bunker.handshake(ctx, bp.Secret, "", opts); err != nil {
		return nil, err
	}
	return bunker, nil
}

// Reconnect restores a connection persisted from an earlier session. The remote signer must
// still answer from pointer.RemotePublicKey and still speak for userPublicKey, otherwise
// ErrRemoteIdentityMismatch is returned and nothing is kept.
func Reconnect(
	ctx context.Context,
	clientSecretKey string,
	pointer BunkerPointer,
	userPublicKey string,
	transport nostr.Transport,
	opts ClientOptions,
) (*BunkerClient, error) {
	if len(pointer.Relays) == 0 {
		return nil, fmt.Errorf("stored bunker pointer has no relays: %w", nostr.ErrInvalidKeyFormat)
	}

	bunker, err := newBunkerClient(clientSecretKey, pointer.RemotePublicKey, pointer.Relays, transport, opts)
	if err != nil {
		return nil, err
	}

	if err := bunker.handshake(ctx, pointer.Secret, userPublicKey, opts); err != nil {
		return nil, err
	}
	return bunker, nil
}

func (bunker *BunkerClient) handshake(ctx context.Context, secret string, expectedUser string, opts ClientOptions) error {
	if st := bunker.session.Status().State; st != StateIdle {
		bunker.session.reset()
	}
	if err := bunker.session.transition(Status{State: StateConnecting}); err != nil {
		return err
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, nostr.ErrConnectionTimeout)
	defer cancel()

	err := bunker.listen()
	if err == nil {
		err = bunker.connect(ctx, secret, expectedUser)
	}
	if err != nil {
		if errors.Is(context.Cause(ctx), nostr.ErrConnectionTimeout) && !errors.Is(err, nostr.ErrConnectionTimeout) {
			err = fmt.Errorf("%w: %w", nostr.ErrConnectionTimeout, err)
		}
		bunker.Close()
		bunker.session.fail(err)
		return err
	}

	return bunker.session.connected(bunker.target)
}

func (bunker *BunkerClient) connect(ctx context.Context, secret string, expectedUser string) error {
	if _, err := bunker.RPC(ctx, "connect", []string{bunker.target, secret}); err != nil {
		return err
	}

	user, err := bunker.GetPublicKey(ctx)
	if err != nil {
		return err
	}
	if expectedUser != "" && user != expectedUser {
		return fmt.Errorf("%w: remote signer now speaks for %s instead of %s",
			nostr.ErrRemoteIdentityMismatch, user, expectedUser)
	}

	nostr.InfoLogger.Printf("[nip46] connected to %s on behalf of %s\n", bunker.target, user)
	return nil
}
