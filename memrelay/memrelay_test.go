package memrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, sk string, kind int, tags nostr.Tags) nostr.Event {
	evt := nostr.Event{Kind: kind, CreatedAt: nostr.Now(), Tags: tags, Content: "x"}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestPublishQuerySubscribe(t *testing.T) {
	ctx := context.Background()
	relay := New()
	sk := nostr.GeneratePrivateKey()

	first := signed(t, sk, 1, nostr.Tags{{"h", "g1"}})
	require.NoError(t, relay.Publish(ctx, nil, first))

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := relay.Subscribe(subCtx, nil, nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Equal(t, 1, relay.ActiveSubscriptions())

	// stored events come first
	select {
	case evt := <-ch:
		require.Equal(t, first.ID, evt.ID)
	case <-time.After(time.Second):
		t.Fatal("stored event not delivered")
	}

	second := signed(t, sk, 1, nil)
	require.NoError(t, relay.Publish(ctx, nil, second))
	require.NoError(t, relay.Publish(ctx, nil, second), "duplicates are accepted silently")
	require.NoError(t, relay.Publish(ctx, nil, signed(t, sk, 7, nil)))

	select {
	case evt := <-ch:
		require.Equal(t, second.ID, evt.ID)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}

	res, err := relay.QuerySync(ctx, nil, nostr.Filter{Tags: nostr.TagMap{"h": {"g1"}}})
	require.NoError(t, err)
	require.Len(t, res, 1)

	cancel()
	require.Eventually(t, func() bool { return relay.ActiveSubscriptions() == 0 }, time.Second, 10*time.Millisecond)
	_, open := <-ch
	require.False(t, open)
}

func TestPublishFailures(t *testing.T) {
	ctx := context.Background()
	relay := New()
	sk := nostr.GeneratePrivateKey()

	tampered := signed(t, sk, 1, nil)
	tampered.Content = "changed"
	require.ErrorIs(t, relay.Publish(ctx, nil, tampered), nostr.ErrPublishFailed)

	relay.SetBeforePublish(func(relays []string, evt *nostr.Event) error {
		return errors.New("blocked")
	})
	err := relay.Publish(ctx, nil, signed(t, sk, 1, nil))
	require.ErrorIs(t, err, nostr.ErrPublishFailed)
	require.True(t, nostr.IsRetryable(err))
	require.Empty(t, relay.Events(nostr.Filter{}))
}
