package keyer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/memrelay"
	"github.com/nostrid/go-nostrid/nip19"
	"github.com/nostrid/go-nostrid/nip46"
	"github.com/nostrid/go-nostrid/nip49"
	"github.com/stretchr/testify/require"
)

func TestParseSecretKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	ncryptsec, err := nip49.Encrypt(sk, "hunter2", 8, 0x02)
	require.NoError(t, err)

	for _, input := range []string{sk, strings.ToUpper(sk), "  " + nsec + "\n"} {
		parsed, err := ParseSecretKey(input, "")
		require.NoError(t, err, input)
		require.Equal(t, sk, parsed)
	}

	parsed, err := ParseSecretKey(ncryptsec, "hunter2")
	require.NoError(t, err)
	require.Equal(t, sk, parsed)

	_, err = ParseSecretKey(ncryptsec, "wrong")
	require.ErrorIs(t, err, nostr.ErrInvalidKeyFormat)

	parsed, err = ParseSecretKey("leader monkey parrot ring guide accident before fence cannon height naive bean", "")
	require.NoError(t, err)
	require.Equal(t, "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a", parsed)

	npub, _ := nip19.EncodePublicKey(sk)
	for _, bad := range []string{
		"",
		"01",
		npub,
		"nsec1qqqqqq",
		"zz" + sk[2:],
		"0000000000000000000000000000000000000000000000000000000000000000",
		"not a real mnemonic at all",
	} {
		_, err := ParseSecretKey(bad, "")
		require.ErrorIs(t, err, nostr.ErrInvalidKeyFormat, bad)
	}
}

func roundTrip(t *testing.T, a, b nostr.Keyer) {
	ctx := context.Background()
	apk, err := a.GetPublicKey(ctx)
	require.NoError(t, err)
	bpk, err := b.GetPublicKey(ctx)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 4097} {
		plaintext := strings.Repeat("z", size)
		ciphertext, err := a.Encrypt(ctx, plaintext, bpk)
		require.NoError(t, err, size)
		decrypted, err := b.Decrypt(ctx, ciphertext, apk)
		require.NoError(t, err, size)
		require.Equal(t, plaintext, decrypted)
	}
}

func TestKeySigner(t *testing.T) {
	ctx := context.Background()
	a, err := NewPlainKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	b, err := NewPlainKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	roundTrip(t, a, b)
	roundTrip(t, b, a)

	pk1, _ := a.GetPublicKey(ctx)
	pk2, _ := a.GetPublicKey(ctx)
	require.Equal(t, pk1, pk2)

	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "x"}
	require.NoError(t, a.SignEvent(ctx, &evt))
	require.Equal(t, pk1, evt.PubKey)

	_, err = NewPlainKeySigner("nope")
	require.ErrorIs(t, err, nostr.ErrInvalidKeyFormat)
}

type signOnlyHost struct {
	ks   KeySigner
	fail error
}

func (h *signOnlyHost) GetPublicKey(ctx context.Context) (string, error) { return h.ks.GetPublicKey(ctx) }

func (h *signOnlyHost) SignEvent(ctx context.Context, evt *nostr.Event) error {
	if h.fail != nil {
		return h.fail
	}
	return h.ks.SignEvent(ctx, evt)
}

type fullHost struct {
	signOnlyHost
}

func (h *fullHost) Encrypt(ctx context.Context, plaintext string, recipient string) (string, error) {
	return h.ks.Encrypt(ctx, plaintext, recipient)
}

func (h *fullHost) Decrypt(ctx context.Context, ciphertext string, sender string) (string, error) {
	return h.ks.Decrypt(ctx, ciphertext, sender)
}

func TestExtensionSigner(t *testing.T) {
	ctx := context.Background()
	ks, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	pk, _ := ks.GetPublicKey(ctx)

	t.Run("no host", func(t *testing.T) {
		_, err := ConnectExtension(ctx, nil)
		require.ErrorIs(t, err, nostr.ErrSigningUnavailable)

		es := NewExtensionSigner(pk, nil)
		got, err := es.GetPublicKey(ctx)
		require.NoError(t, err)
		require.Equal(t, pk, got)

		evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
		require.ErrorIs(t, es.SignEvent(ctx, &evt), nostr.ErrSigningUnavailable)
		_, err = es.Encrypt(ctx, "x", pk)
		require.ErrorIs(t, err, nostr.ErrSigningUnavailable)
	})

	t.Run("sign only", func(t *testing.T) {
		host := &signOnlyHost{ks: ks}
		es, err := ConnectExtension(ctx, host)
		require.NoError(t, err)

		evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "hi"}
		require.NoError(t, es.SignEvent(ctx, &evt))
		require.Equal(t, pk, evt.PubKey)

		_, err = es.Encrypt(ctx, "secret", pk)
		require.ErrorIs(t, err, nostr.ErrEncryptionUnsupported)
		_, err = es.Decrypt(ctx, "secret", pk)
		require.ErrorIs(t, err, nostr.ErrEncryptionUnsupported)
		require.False(t, nostr.IsRetryable(err))

		host.fail = errors.New("user clicked no")
		evt = nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "again"}
		err = es.SignEvent(ctx, &evt)
		require.ErrorIs(t, err, nostr.ErrSigningRejected)
		require.Empty(t, evt.Sig)
	})

	t.Run("host switched accounts", func(t *testing.T) {
		host := &signOnlyHost{ks: ks}
		es, err := ConnectExtension(ctx, host)
		require.NoError(t, err)

		host.ks, _ = NewPlainKeySigner(nostr.GeneratePrivateKey())
		got, _ := es.GetPublicKey(ctx)
		require.Equal(t, pk, got)

		evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
		require.ErrorIs(t, es.SignEvent(ctx, &evt), nostr.ErrSigningRejected)
	})

	t.Run("with cipher", func(t *testing.T) {
		es, err := ConnectExtension(ctx, &fullHost{signOnlyHost{ks: ks}})
		require.NoError(t, err)
		other, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
		roundTrip(t, es, other)
		roundTrip(t, other, es)
	})
}

func TestWaitForExtension(t *testing.T) {
	ks, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	host := &signOnlyHost{ks: ks}

	var probes atomic.Int32
	ext, err := WaitForExtension(context.Background(), func() Extension {
		if probes.Add(1) < 3 {
			return nil
		}
		return host
	}, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, host, ext)
	require.EqualValues(t, 3, probes.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = WaitForExtension(ctx, func() Extension { return nil }, 5*time.Millisecond)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)
}

func TestManualSigner(t *testing.T) {
	ctx := context.Background()
	ms := ManualSigner{}

	_, err := ms.GetPublicKey(ctx)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)
	require.ErrorIs(t, ms.SignEvent(ctx, &nostr.Event{}), nostr.ErrSigningUnavailable)
	_, err = ms.Encrypt(ctx, "", "")
	require.ErrorIs(t, err, nostr.ErrEncryptionUnsupported)

	ks, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	ms = ManualSigner{
		ManualGetPublicKey: ks.GetPublicKey,
		ManualSignEvent:    ks.SignEvent,
		ManualEncrypt:      ks.Encrypt,
		ManualDecrypt:      ks.Decrypt,
	}
	other, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	roundTrip(t, ms, other)
}

func TestSerialized(t *testing.T) {
	ctx := context.Background()
	locks := NewLocks()

	var inflight, peak atomic.Int32
	slow := func(ks KeySigner) ManualSigner {
		return ManualSigner{
			ManualGetPublicKey: ks.GetPublicKey,
			ManualSignEvent: func(ctx context.Context, evt *nostr.Event) error {
				n := inflight.Add(1)
				defer inflight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return ks.SignEvent(ctx, evt)
			},
		}
	}

	alice, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	alicePK, _ := alice.GetPublicKey(ctx)
	bob, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	bobPK, _ := bob.GetPublicKey(ctx)

	sign := func(signers ...nostr.Keyer) {
		var wg sync.WaitGroup
		for _, s := range signers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
				require.NoError(t, s.SignEvent(ctx, &evt))
			}()
		}
		wg.Wait()
	}

	// two wrappers around the same identity share a lock
	sign(
		Serialized(slow(alice), alicePK, locks),
		Serialized(slow(alice), alicePK, locks),
		Serialized(slow(alice), alicePK, locks),
	)
	require.EqualValues(t, 1, peak.Load())

	// different identities run in parallel
	peak.Store(0)
	sign(
		Serialized(slow(alice), alicePK, locks),
		Serialized(slow(bob), bobPK, locks),
	)
	require.EqualValues(t, 2, peak.Load())

	// waiting for the lock gives up with the context
	held := Serialized(ManualSigner{
		ManualSignEvent: func(ctx context.Context, evt *nostr.Event) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}, bobPK, locks)
	go held.SignEvent(ctx, &nostr.Event{})
	time.Sleep(20 * time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := Serialized(bob, bobPK, locks).SignEvent(short, &nostr.Event{})
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)

	require.Equal(t, bob, Unwrap(Serialized(bob, bobPK, locks)))
}

func TestRevokeAndForget(t *testing.T) {
	ctx := context.Background()
	locks := NewLocks()

	alice, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	alicePK, _ := alice.GetPublicKey(ctx)

	issued := Serialized(alice, alicePK, locks)
	sibling := Serialized(alice, alicePK, locks)
	Revoke(issued)
	Revoke(alice) // not a wrapper, nothing happens

	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
	require.ErrorIs(t, issued.SignEvent(ctx, &evt), nostr.ErrSigningUnavailable)
	_, err := issued.Decrypt(ctx, "x", alicePK)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)
	require.NoError(t, sibling.SignEvent(ctx, &evt))
	require.Equal(t, alicePK, evt.PubKey)

	// a held lock survives Forget
	release := make(chan struct{})
	started := make(chan struct{})
	busy := Serialized(ManualSigner{
		ManualSignEvent: func(ctx context.Context, evt *nostr.Event) error {
			close(started)
			<-release
			return nil
		},
	}, alicePK, locks)
	go busy.SignEvent(ctx, &nostr.Event{})
	<-started
	locks.Forget(alicePK)
	require.Equal(t, 1, locks.sems.Size())

	close(release)
	require.Eventually(t, func() bool {
		locks.Forget(alicePK)
		return locks.sems.Size() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBunkerSigner(t *testing.T) {
	ctx := context.Background()
	relay := memrelay.New()
	relays := []string{"wss://relay.test"}

	remote, err := nip46.NewStaticKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	go remote.Serve(serveCtx, relay, relays)

	url := nip46.BunkerPointer{RemotePublicKey: remote.PublicKey(), Relays: relays}.URL()
	client, err := nip46.ConnectBunker(ctx, nostr.GeneratePrivateKey(), url, relay, nip46.ClientOptions{})
	require.NoError(t, err)
	defer client.Close()

	bs := NewBunkerSignerFromBunkerClient(client)
	pk, err := bs.GetPublicKey(ctx)
	require.NoError(t, err)
	require.Equal(t, remote.PublicKey(), pk)

	other, _ := NewPlainKeySigner(nostr.GeneratePrivateKey())
	roundTrip(t, bs, other)
	roundTrip(t, other, bs)

	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "via bunker"}
	require.NoError(t, bs.SignEvent(ctx, &evt))
	require.Equal(t, pk, evt.PubKey)

	stopServing()
	time.Sleep(20 * time.Millisecond)

	evt = nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "nobody home"}
	err = bs.WithTimeout(100 * time.Millisecond).SignEvent(ctx, &evt)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)
	require.True(t, nostr.IsRetryable(err))
}
