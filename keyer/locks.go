package keyer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nostrid/go-nostrid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Locks hands out one lock per public key. Entries live until Forget.
type Locks struct {
	sems *xsync.MapOf[string, chan struct{}]
}

func NewLocks() *Locks {
	return &Locks{sems: xsync.NewMapOf[string, chan struct{}]()}
}

func (l *Locks) get(pubkey string) chan struct{} {
	sem, _ := l.sems.LoadOrCompute(pubkey, func() chan struct{} { return make(chan struct{}, 1) })
	return sem
}

// Forget drops the lock of pubkey unless it is held right now.
func (l *Locks) Forget(pubkey string) {
	l.sems.Compute(pubkey, func(sem chan struct{}, loaded bool) (chan struct{}, bool) {
		return sem, !loaded || len(sem) == 0
	})
}

// Serialized wraps k so that its operations never overlap with those of any other signer
// wrapped for the same pubkey. Waiting for the lock respects ctx.
func Serialized(k nostr.Keyer, pubkey string, locks *Locks) nostr.Keyer {
	return &serialized{inner: k, sem: locks.get(pubkey)}
}

type serialized struct {
	inner   nostr.Keyer
	sem     chan struct{}
	revoked atomic.Bool
}

func (s *serialized) acquire(ctx context.Context) (func(), error) {
	if s.revoked.Load() {
		return nil, fmt.Errorf("%w: signer was revoked", nostr.ErrSigningUnavailable)
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for signer: %w", nostr.ErrSigningUnavailable, context.Cause(ctx))
	}
	if s.revoked.Load() {
		<-s.sem
		return nil, fmt.Errorf("%w: signer was revoked", nostr.ErrSigningUnavailable)
	}
	return func() { <-s.sem }, nil
}

func (s *serialized) GetPublicKey(ctx context.Context) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return s.inner.GetPublicKey(ctx)
}

func (s *serialized) SignEvent(ctx context.Context, evt *nostr.Event) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.inner.SignEvent(ctx, evt)
}

func (s *serialized) Encrypt(ctx context.Context, plaintext string, recipient string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return s.inner.Encrypt(ctx, plaintext, recipient)
}

func (s *serialized) Decrypt(ctx context.Context, ciphertext string, sender string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return s.inner.Decrypt(ctx, ciphertext, sender)
}

// Revoke makes every later call on a Serialized signer fail with ErrSigningUnavailable.
// Calls already holding the lock finish. Other signers are left alone.
func Revoke(k nostr.Keyer) {
	if s, ok := k.(*serialized); ok {
		s.revoked.Store(true)
	}
}

// Unwrap returns the signer behind a Serialized wrapper, or k itself.
func Unwrap(k nostr.Keyer) nostr.Keyer {
	if s, ok := k.(*serialized); ok {
		return s.inner
	}
	return k
}
