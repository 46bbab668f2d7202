package test

import (
	"testing"

	"github.com/nostrid/go-nostrid/kvstore/memory"
)

func TestMemoryStore(t *testing.T) {
	kv := memory.NewStore()
	defer kv.Close()

	runTestWith(t, kv)
}
