package identity

import (
	"context"
	"testing"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/keyer"
	"github.com/nostrid/go-nostrid/kvstore/memory"
	"github.com/nostrid/go-nostrid/memrelay"
	"github.com/nostrid/go-nostrid/nip19"
	"github.com/nostrid/go-nostrid/nip46"
	"github.com/nostrid/go-nostrid/nip49"
	"github.com/stretchr/testify/require"
)

var relays = []string{"wss://relay.test"}

func signAs(t *testing.T, k nostr.Keyer) nostr.Event {
	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "hello"}
	require.NoError(t, k.SignEvent(context.Background(), &evt))
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
	return evt
}

func TestFreshInstallBackup(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()

	store := Open(kv, Options{})
	id, err := store.EnsureLocal(ctx)
	require.NoError(t, err)
	local, ok := id.(*Local)
	require.True(t, ok)
	require.False(t, local.HasBackedUpSecret)

	again, err := store.EnsureLocal(ctx)
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), again.PublicKey())

	nsec, err := store.CopySecret(ctx)
	require.NoError(t, err)
	prefix, value, err := nip19.Decode(nsec)
	require.NoError(t, err)
	require.Equal(t, "nsec", prefix)
	require.Equal(t, local.SecretKey, value)

	require.True(t, store.Current().(*Local).HasBackedUpSecret)
	require.False(t, local.HasBackedUpSecret, "handed out values are never modified")

	// survives a reload
	reloaded := Open(kv, Options{})
	id, err = reloaded.Load(ctx)
	require.NoError(t, err)
	require.True(t, id.(*Local).HasBackedUpSecret)
	require.Equal(t, local.PublicKeyHex, id.PublicKey())

	// and copying again does not turn it off
	_, err = reloaded.CopySecret(ctx)
	require.NoError(t, err)
	require.True(t, reloaded.Current().(*Local).HasBackedUpSecret)

	evt := signAs(t, mustSigner(t, reloaded))
	require.Equal(t, local.PublicKeyHex, evt.PubKey)
}

func mustSigner(t *testing.T, store *Store) nostr.Keyer {
	k, err := store.Signer(context.Background())
	require.NoError(t, err)
	return k
}

func TestExportEncrypted(t *testing.T) {
	ctx := context.Background()
	store := Open(memory.NewStore(), Options{ScryptLogN: 8})

	_, err := store.ExportEncrypted(ctx, "pw")
	require.ErrorIs(t, err, ErrNotLocal)

	id, err := store.EnsureLocal(ctx)
	require.NoError(t, err)

	ncryptsec, err := store.ExportEncrypted(ctx, "pw")
	require.NoError(t, err)
	sk, err := nip49.Decrypt(ncryptsec, "pw")
	require.NoError(t, err)
	require.Equal(t, id.(*Local).SecretKey, sk)
	require.True(t, store.Current().(*Local).HasBackedUpSecret)

	// and it imports back
	other := Open(memory.NewStore(), Options{})
	imported, err := other.ImportSecret(ctx, ncryptsec, "pw")
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), imported.PublicKey())
	require.True(t, imported.HasBackedUpSecret)

	_, err = other.ImportSecret(ctx, "garbage", "")
	require.ErrorIs(t, err, nostr.ErrInvalidKeyFormat)
	require.Equal(t, id.PublicKey(), other.Current().PublicKey(), "failed import keeps the current identity")
}

func TestLegacyRecords(t *testing.T) {
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	clientSK := nostr.GeneratePrivateKey()

	for _, tc := range []struct {
		legacy  string
		variant Variant
	}{
		{`{"privateKey":"` + sk + `","backedUp":true}`, VariantLocal},
		{`{"pubkey":"` + pk + `","createdAt":1700000000}`, VariantExtension},
		{`{"bunker":"bunker://` + pk + `?relay=wss%3A%2F%2Frelay.test&secret=s3","clientKey":"` + clientSK + `","pubkey":"` + pk + `"}`, VariantBunker},
	} {
		kv := memory.NewStore()
		require.NoError(t, kv.Set(keyCurrent, []byte(tc.legacy)))

		id, err := Open(kv, Options{}).Load(ctx)
		require.NoError(t, err, tc.legacy)
		require.Equal(t, tc.variant, id.Variant())
		require.Equal(t, pk, id.PublicKey())

		switch v := id.(type) {
		case *Local:
			require.Equal(t, sk, v.SecretKey)
			require.True(t, v.HasBackedUpSecret)
		case *Extension:
			require.Equal(t, nostr.Timestamp(1700000000), v.Created)
		case *Bunker:
			require.Equal(t, pk, v.RemotePublicKey)
			require.Equal(t, clientSK, v.ClientSecretKey)
			require.Equal(t, relays, v.Relays)
			require.Equal(t, "s3", v.ConnectionSecret)
		}

		// rewritten in the versioned format
		data, err := kv.Get(keyCurrent)
		require.NoError(t, err)
		require.Contains(t, string(data), `"v":1`)
		require.Contains(t, string(data), `"type":"`+string(tc.variant)+`"`)

		again, migrated, err := decodeIdentity(data)
		require.NoError(t, err)
		require.False(t, migrated)
		require.Equal(t, id, again)
	}

	for _, bad := range []string{
		`{"v":7,"type":"local"}`,
		`{"v":1,"type":"alien"}`,
		`{"v":1,"type":"local","secretKey":"` + sk + `","pubkey":"` + clientSK + `"}`,
		`{"something":"else"}`,
		`not json`,
	} {
		kv := memory.NewStore()
		require.NoError(t, kv.Set(keyCurrent, []byte(bad)))
		_, err := Open(kv, Options{}).Load(ctx)
		require.Error(t, err, bad)
	}
}

func TestLogoutPurges(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	store := Open(kv, Options{})

	id, err := store.EnsureLocal(ctx)
	require.NoError(t, err)
	pk := id.PublicKey()
	issued := mustSigner(t, store)
	otherPK, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	thirdPK, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())

	// pk came from a migration, and some unrelated migration exists too
	require.NoError(t, kv.Set(keyMigrations, []byte(`{"`+otherPK+`":"`+pk+`","`+thirdPK+`":"`+otherPK+`"}`)))
	_, err = store.RecordMigration(ctx, MigrationRecord{OldPublicKey: otherPK, NewPublicKey: pk, Group: "relay.test'g1"})
	require.NoError(t, err)
	_, err = store.RecordMigration(ctx, MigrationRecord{OldPublicKey: thirdPK, NewPublicKey: otherPK, Group: "relay.test'g1"})
	require.NoError(t, err)

	for _, who := range []string{pk, otherPK} {
		require.NoError(t, store.UpdateSubscriptions(ctx, who, func(states map[string]SubscriptionState) error {
			states["mentions"] = SubscriptionState{Subscribed: true, Since: nostr.Now(), FilterHash: "abc"}
			return nil
		}))
		require.NoError(t, store.UpdateDeviceRegistration(ctx, who, func(reg *DeviceRegistration) error {
			reg.Registered = true
			reg.CurrentToken = "tok"
			return nil
		}))
	}

	require.NoError(t, store.Logout(ctx))
	require.Nil(t, store.Current())
	_, err = store.Signer(ctx)
	require.ErrorIs(t, err, ErrNoIdentity)

	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
	require.ErrorIs(t, issued.SignEvent(ctx, &evt), nostr.ErrSigningUnavailable)
	_, err = issued.GetPublicKey(ctx)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)

	id, err = Open(kv, Options{}).Load(ctx)
	require.NoError(t, err)
	require.Nil(t, id)

	_, ok, err := store.MigrationTarget(ctx, otherPK)
	require.NoError(t, err)
	require.False(t, ok)
	target, ok, err := store.MigrationTarget(ctx, thirdPK)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, otherPK, target)

	recs, err := store.MigrationRecords(ctx, otherPK)
	require.NoError(t, err)
	require.Empty(t, recs)
	recs, err = store.MigrationRecords(ctx, thirdPK)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	states, err := store.SubscriptionStates(ctx, pk)
	require.NoError(t, err)
	require.Empty(t, states)
	reg, err := store.DeviceRegistration(ctx, pk)
	require.NoError(t, err)
	require.False(t, reg.Registered)

	states, err = store.SubscriptionStates(ctx, otherPK)
	require.NoError(t, err)
	require.Len(t, states, 1)
	reg, err = store.DeviceRegistration(ctx, otherPK)
	require.NoError(t, err)
	require.True(t, reg.Registered)
}

func TestCommitMigration(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	store := Open(kv, Options{})

	a, err := store.EnsureLocal(ctx)
	require.NoError(t, err)
	signerA := mustSigner(t, store)

	b, err := NewLocal(nostr.GeneratePrivateKey(), false)
	require.NoError(t, err)

	require.ErrorIs(t, store.CommitMigration(ctx, b.PublicKey(), b), ErrIdentityChanged)
	require.Equal(t, a.PublicKey(), store.Current().PublicKey())

	require.NoError(t, store.CommitMigration(ctx, a.PublicKey(), b))
	require.Equal(t, b.PublicKey(), store.Current().PublicKey())

	target, ok, err := store.MigrationTarget(ctx, a.PublicKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.PublicKey(), target)

	evt := signAs(t, mustSigner(t, store))
	require.Equal(t, b.PublicKey(), evt.PubKey)
	require.NotEqual(t, signerA, mustSigner(t, store))

	// the handle issued for a is dead
	stale := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
	require.ErrorIs(t, signerA.SignEvent(ctx, &stale), nostr.ErrSigningUnavailable)
	_, err = signerA.Encrypt(ctx, "hi", b.PublicKey())
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)

	require.ErrorIs(t, store.CommitMigration(ctx, a.PublicKey(), b), ErrIdentityChanged)

	reloaded, err := Open(kv, Options{}).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, b.PublicKey(), reloaded.PublicKey())
}

func TestRecordMigrationIdempotent(t *testing.T) {
	ctx := context.Background()
	store := Open(memory.NewStore(), Options{})

	rec := MigrationRecord{OldPublicKey: "a", NewPublicKey: "b", Group: "relay.test'g"}
	added, err := store.RecordMigration(ctx, rec)
	require.NoError(t, err)
	require.True(t, added)

	added, err = store.RecordMigration(ctx, rec)
	require.NoError(t, err)
	require.False(t, added)

	added, err = store.RecordMigration(ctx, MigrationRecord{OldPublicKey: "a", NewPublicKey: "b", Group: "relay.test'h"})
	require.NoError(t, err)
	require.True(t, added)

	recs, err := store.MigrationRecords(ctx, "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestUpdateSubscriptionsAbort(t *testing.T) {
	ctx := context.Background()
	store := Open(memory.NewStore(), Options{})

	require.NoError(t, store.UpdateSubscriptions(ctx, "pk", func(states map[string]SubscriptionState) error {
		states["t"] = SubscriptionState{Subscribed: true, Since: 10, FilterHash: "h1"}
		return nil
	}))

	err := store.UpdateSubscriptions(ctx, "pk", func(states map[string]SubscriptionState) error {
		states["t"] = SubscriptionState{Subscribed: false}
		return nostr.ErrPublishFailed
	})
	require.ErrorIs(t, err, nostr.ErrPublishFailed)

	states, err := store.SubscriptionStates(ctx, "pk")
	require.NoError(t, err)
	require.Equal(t, SubscriptionState{Subscribed: true, Since: 10, FilterHash: "h1"}, states["t"])
}

type host struct{ keyer.KeySigner }

func TestExtensionIdentity(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	ks, _ := keyer.NewPlainKeySigner(nostr.GeneratePrivateKey())
	pk, _ := ks.GetPublicKey(ctx)

	store := Open(kv, Options{})
	_, err := store.LoginExtension(ctx, nil)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)

	id, err := store.LoginExtension(ctx, host{ks})
	require.NoError(t, err)
	require.Equal(t, pk, id.PublicKey())
	require.Equal(t, pk, signAs(t, mustSigner(t, store)).PubKey)

	// next start, the host has not been injected yet
	later := Open(kv, Options{})
	_, err = later.Load(ctx)
	require.NoError(t, err)
	k := mustSigner(t, later)
	got, err := k.GetPublicKey(ctx)
	require.NoError(t, err)
	require.Equal(t, pk, got)

	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
	require.ErrorIs(t, k.SignEvent(ctx, &evt), nostr.ErrSigningUnavailable)
}

func TestBunkerIdentity(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	relay := memrelay.New()

	remote, err := nip46.NewStaticKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go remote.Serve(serveCtx, relay, relays)

	clientSK := nostr.GeneratePrivateKey()
	url := nip46.BunkerPointer{RemotePublicKey: remote.PublicKey(), Relays: relays, Secret: "s3"}.URL()
	client, err := nip46.ConnectBunker(ctx, clientSK, url, relay, nip46.ClientOptions{})
	require.NoError(t, err)

	store := Open(kv, Options{Transport: relay})
	id, err := store.SetBunker(ctx, client, clientSK, "s3")
	require.NoError(t, err)
	require.Equal(t, remote.PublicKey(), id.PublicKey())
	require.Equal(t, remote.PublicKey(), signAs(t, mustSigner(t, store)).PubKey)
	store.Close()

	// a later start reconnects from the stored pointer
	later := Open(kv, Options{Transport: relay})
	loaded, err := later.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, VariantBunker, loaded.Variant())
	require.Equal(t, remote.PublicKey(), signAs(t, mustSigner(t, later)).PubKey)
	later.Close()

	// without a transport there is nothing to sign with
	offline := Open(kv, Options{})
	_, err = offline.Load(ctx)
	require.NoError(t, err)
	_, err = offline.Signer(ctx)
	require.ErrorIs(t, err, nostr.ErrSigningUnavailable)
}

// impersonate answers requests sent to the victim key, signing the answers with another key.
func impersonate(t *testing.T, relay *memrelay.Relay, victimSecretKey string) {
	victim, _ := nostr.GetPublicKey(victimSecretKey)
	impostor := nostr.GeneratePrivateKey()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events, err := relay.Subscribe(ctx, relays, nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{victim}},
	})
	require.NoError(t, err)

	go func() {
		for ie := range events {
			in, err := nip46.NewChannel(ie.PubKey, victimSecretKey)
			if err != nil {
				continue
			}
			req, err := in.ParseRequest(ie)
			if err != nil {
				continue
			}
			out, _ := nip46.NewChannel(ie.PubKey, impostor)
			evt, _ := out.MakeEvent(nip46.Response{ID: req.ID, Result: "ack"})
			evt.Sign(impostor)
			relay.Publish(ctx, relays, evt)
		}
	}()
}

func TestBunkerReconnectMismatchKeepsState(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	relay := memrelay.New()

	remoteSK := nostr.GeneratePrivateKey()
	remotePK, _ := nostr.GetPublicKey(remoteSK)
	impersonate(t, relay, remoteSK)

	stored := &Bunker{
		RemotePublicKey: remotePK,
		ClientSecretKey: nostr.GeneratePrivateKey(),
		Relays:          relays,
		UserPublicKey:   remotePK,
		Created:         nostr.Now(),
	}
	store := Open(kv, Options{
		Transport: relay,
		Bunker:    nip46.ClientOptions{ConnectTimeout: 5 * time.Second},
	})
	require.NoError(t, store.Replace(ctx, stored))
	before, err := kv.Get(keyCurrent)
	require.NoError(t, err)

	_, err = store.Signer(ctx)
	require.ErrorIs(t, err, nostr.ErrRemoteIdentityMismatch)
	require.False(t, nostr.IsRetryable(err))

	require.Equal(t, stored, store.Current())
	after, err := kv.Get(keyCurrent)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
