package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nostrid/go-nostrid/identity"
	"github.com/nostrid/go-nostrid/kvstore"
	"github.com/nostrid/go-nostrid/kvstore/badger"
	"github.com/nostrid/go-nostrid/kvstore/lmdb"
	"github.com/nostrid/go-nostrid/kvstore/memory"
	"github.com/nostrid/go-nostrid/kvstore/sqlkv"
	"github.com/nostrid/go-nostrid/nip46"
	"github.com/nostrid/go-nostrid/relaypool"
	_ "modernc.org/sqlite"
)

// app is what every command works with.
type app struct {
	cfg   Config
	kv    kvstore.KVStore
	pool  *relaypool.Pool
	store *identity.Store
}

// applyFlags lets command-line options win over the config file.
func applyFlags(cfg *Config, o Options) error {
	if o.Backend != "" {
		cfg.Storage.Backend = o.Backend
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if len(o.Relays) > 0 {
		cfg.Relays = o.Relays
	}
	return cfg.validate()
}

func openStorage(sc StorageConfig) (kvstore.KVStore, error) {
	if sc.Backend != "memory" {
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, err
		}
	}

	switch sc.Backend {
	case "memory":
		return memory.NewStore(), nil
	case "badger":
		return badger.NewStore(sc.Path)
	case "lmdb":
		return lmdb.NewStore(sc.Path)
	case "sqlite":
		db, err := sql.Open("sqlite", sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite db: %w", err)
		}
		db.SetMaxOpenConns(1)
		kv, err := sqlkv.NewStore(db, "sqlite3")
		if err != nil {
			db.Close()
			return nil, err
		}
		return kv, nil
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", sc.Backend)
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(&cfg, opts); err != nil {
		return nil, err
	}

	kv, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage at %s: %w", cfg.Storage.Backend, cfg.Storage.Path, err)
	}

	pool := relaypool.New()
	store := identity.Open(kv, identity.Options{
		Transport:     pool,
		BunkerTimeout: cfg.Bunker.Timeout,
		Bunker:        nip46.ClientOptions{OnAuth: printAuthURL},
	})
	if _, err := store.Load(ctx); err != nil {
		pool.Close()
		kv.Close()
		return nil, err
	}

	return &app{cfg: cfg, kv: kv, pool: pool, store: store}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.pool.Close()
	if err := a.kv.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close storage: %s\n", err)
	}
}

// current fails with a hint when there is no identity yet.
func (a *app) current() (identity.Identity, error) {
	id := a.store.Current()
	if id == nil {
		return nil, fmt.Errorf("%w (run 'nostrid new', 'import' or 'connect' first)", identity.ErrNoIdentity)
	}
	return id, nil
}

func printAuthURL(url string) {
	fmt.Fprintf(os.Stderr, "the remote signer asks you to authorize this client at:\n  %s\n", url)
}

// withApp opens the app for the duration of f.
func withApp(f func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(a)
}
