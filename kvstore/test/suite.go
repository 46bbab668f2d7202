package test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nostrid/go-nostrid/kvstore"
	"github.com/stretchr/testify/require"
)

func runTestWith(t *testing.T, kv kvstore.KVStore) {
	key := []byte("identity/current")

	// missing keys are nil, not errors
	v, err := kv.Get(key)
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, kv.Set(key, []byte(`{"v":1}`)))
	v, err = kv.Get(key)
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(v))

	// callers get their own copy
	v[0] = 'X'
	v, _ = kv.Get(key)
	require.Equal(t, `{"v":1}`, string(v))

	// update sees the current value
	require.NoError(t, kv.Update(key, func(old []byte) ([]byte, error) {
		require.Equal(t, `{"v":1}`, string(old))
		return []byte(`{"v":2}`), nil
	}))
	v, _ = kv.Get(key)
	require.Equal(t, `{"v":2}`, string(v))

	// NoOp and errors leave the value alone
	require.NoError(t, kv.Update(key, func(old []byte) ([]byte, error) {
		return []byte("ignored"), kvstore.NoOp
	}))
	boom := errors.New("boom")
	require.ErrorIs(t, kv.Update(key, func(old []byte) ([]byte, error) {
		return []byte("ignored"), boom
	}), boom)
	v, _ = kv.Get(key)
	require.Equal(t, `{"v":2}`, string(v))

	// nil from update deletes
	require.NoError(t, kv.Update(key, func(old []byte) ([]byte, error) { return nil, nil }))
	v, _ = kv.Get(key)
	require.Nil(t, v)

	// update on a missing key receives nil
	other := []byte("notify/device/abc")
	require.NoError(t, kv.Update(other, func(old []byte) ([]byte, error) {
		require.Nil(t, old)
		return []byte("1"), nil
	}))

	require.NoError(t, kv.Delete(other))
	require.NoError(t, kv.Delete(other))
	v, _ = kv.Get(other)
	require.Nil(t, v)

	// concurrent increments through Update must not lose writes
	counter := []byte("counter")
	wg := sync.WaitGroup{}
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, kv.Update(counter, func(old []byte) ([]byte, error) {
				n := 0
				if old != nil {
					fmt.Sscanf(string(old), "%d", &n)
				}
				return []byte(fmt.Sprintf("%d", n+1)), nil
			}))
		}()
	}
	wg.Wait()
	v, _ = kv.Get(counter)
	require.Equal(t, "20", string(v))
}
