package test

import (
	"testing"

	"github.com/nostrid/go-nostrid/kvstore/lmdb"
	"github.com/stretchr/testify/require"
)

func TestLMDBStore(t *testing.T) {
	kv, err := lmdb.NewStore(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	runTestWith(t, kv)
}
