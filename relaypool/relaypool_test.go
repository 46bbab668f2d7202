package relaypool

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip46"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) string {
	relay := khatru.NewRelay()
	db := slicestore.SliceStore{}
	db.Init()
	relay.QueryEvents = append(relay.QueryEvents, db.QueryEvents)
	relay.StoreEvent = append(relay.StoreEvent, db.SaveEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, db.ReplaceEvent)
	relay.DeleteEvent = append(relay.DeleteEvent, db.DeleteEvent)

	server := httptest.NewServer(relay)
	t.Cleanup(func() {
		server.Close()
		db.Close()
	})
	return nostr.NormalizeURL(server.URL)
}

func newPool(t *testing.T) *Pool {
	pool := New()
	t.Cleanup(pool.Close)
	return pool
}

func note(t *testing.T, sk string, content string) nostr.Event {
	evt := nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"t", "relaypool"}},
		Content:   content,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestPublishAndQuery(t *testing.T) {
	ctx := context.Background()
	url1, url2 := startRelay(t), startRelay(t)
	pool := newPool(t)
	sk := nostr.GeneratePrivateKey()

	evt := note(t, sk, "hello \"relays\"\n")
	require.NoError(t, pool.Publish(ctx, []string{url1, url2}, evt))

	events, err := pool.QuerySync(ctx, []string{url1, url2}, nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, err)
	require.Len(t, events, 1, "same event from both relays is returned once")
	require.Equal(t, evt.ID, events[0].ID)
	require.Equal(t, evt.Content, events[0].Content)
	require.Equal(t, evt.Tags, events[0].Tags)

	events, err = pool.QuerySync(ctx, []string{url1}, nostr.Filter{Kinds: []int{nostr.KindDeletion}})
	require.NoError(t, err)
	require.Empty(t, events)

	require.Equal(t, 2, pool.Relays.Size())
}

func TestPublishFailures(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	pool := newPool(t)

	evt := note(t, nostr.GeneratePrivateKey(), "signed")
	evt.Content = "tampered"
	err := pool.Publish(ctx, []string{url}, evt)
	require.ErrorIs(t, err, nostr.ErrPublishFailed)
	require.True(t, nostr.IsRetryable(err))

	err = pool.Publish(ctx, []string{"ws://127.0.0.1:1"}, note(t, nostr.GeneratePrivateKey(), "x"))
	require.ErrorIs(t, err, nostr.ErrPublishFailed)

	err = pool.Publish(ctx, nil, note(t, nostr.GeneratePrivateKey(), "x"))
	require.ErrorIs(t, err, nostr.ErrPublishFailed)

	// one good relay is enough
	require.NoError(t, pool.Publish(ctx, []string{"ws://127.0.0.1:1", url}, note(t, nostr.GeneratePrivateKey(), "y")))

	_, err = pool.Subscribe(ctx, []string{"ws://127.0.0.1:1"}, nostr.Filter{})
	require.ErrorIs(t, err, nostr.ErrPublishFailed)
}

func receive(t *testing.T, ch <-chan *nostr.Event) *nostr.Event {
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestSubscribe(t *testing.T) {
	url1, url2 := startRelay(t), startRelay(t)
	pool := newPool(t)
	sk := nostr.GeneratePrivateKey()
	urls := []string{url1, url2}

	stored := note(t, sk, "stored")
	require.NoError(t, pool.Publish(context.Background(), urls, stored))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := pool.Subscribe(ctx, urls, nostr.Filter{Kinds: []int{nostr.KindTextNote}, Tags: nostr.TagMap{"t": {"relaypool"}}})
	require.NoError(t, err)

	require.Equal(t, stored.ID, receive(t, events).ID)

	live := note(t, sk, "live")
	live.CreatedAt++
	require.NoError(t, live.Sign(sk))
	require.NoError(t, pool.Publish(context.Background(), urls, live))
	require.Equal(t, live.ID, receive(t, events).ID)

	select {
	case evt := <-events:
		t.Fatalf("unexpected duplicate %s", evt.ID)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestEnsureRelayReconnects(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	pool := newPool(t)

	r1, err := pool.EnsureRelay(ctx, url)
	require.NoError(t, err)
	r2, err := pool.EnsureRelay(ctx, url+"/")
	require.NoError(t, err)
	require.Same(t, r1, r2)

	require.NoError(t, r1.Close())
	require.False(t, r1.IsConnected())

	r3, err := pool.EnsureRelay(ctx, url)
	require.NoError(t, err)
	require.NotSame(t, r1, r3)
	require.True(t, r3.IsConnected())

	require.NoError(t, pool.Publish(ctx, []string{url}, note(t, nostr.GeneratePrivateKey(), "after reconnect")))
}

func TestBunkerOverWebsocket(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)

	signer, err := nip46.NewStaticKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go signer.Serve(sctx, newPool(t), []string{url})
	time.Sleep(200 * time.Millisecond)

	bunkerURL := nip46.BunkerPointer{RemotePublicKey: signer.PublicKey(), Relays: []string{url}}.URL()
	client, err := nip46.ConnectBunker(ctx, nostr.GeneratePrivateKey(), bunkerURL, newPool(t), nip46.ClientOptions{ConnectTimeout: 10 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	evt := nostr.Event{Kind: nostr.KindTextNote, CreatedAt: nostr.Now(), Content: "signed remotely"}
	require.NoError(t, client.SignEvent(ctx, &evt))
	require.Equal(t, signer.PublicKey(), evt.PubKey)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}
