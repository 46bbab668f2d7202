package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/keyer"
	"github.com/nostrid/go-nostrid/kvstore"
	"github.com/nostrid/go-nostrid/nip19"
	"github.com/nostrid/go-nostrid/nip46"
	"github.com/nostrid/go-nostrid/nip49"
)

var (
	ErrNoIdentity = errors.New("no current identity")
	ErrNotLocal   = errors.New("current identity holds no secret key")

	// ErrIdentityChanged means the current identity is no longer the one an operation started with.
	ErrIdentityChanged = errors.New("current identity changed")
)

var (
	keyCurrent         = []byte("identity/current")
	keyMigrations      = []byte("identity/migrations")
	keyMigrationGroups = []byte("identity/migration-groups")
)

func subscriptionsKey(pubkey string) []byte { return []byte("notify/subscriptions/" + pubkey) }
func deviceKey(pubkey string) []byte        { return []byte("notify/device/" + pubkey) }

type Options struct {
	// Transport reopens bunker connections. Bunker identities cannot sign without one.
	Transport nostr.Transport

	// Extension is the host behind Extension identities. It may be nil, in which case those
	// identities report ErrSigningUnavailable until LoginExtension is called.
	Extension keyer.Extension

	// Locks serialises signers per pubkey. Pass the same value to stores sharing identities.
	Locks *keyer.Locks

	// Bunker is used when reconnecting a stored bunker identity.
	Bunker nip46.ClientOptions

	// BunkerTimeout bounds every remote signing call. Defaults to keyer.DefaultOperationTimeout.
	BunkerTimeout time.Duration

	// ScryptLogN is the cost used by ExportEncrypted. Defaults to nip49.DefaultLogN.
	ScryptLogN uint8
}

// Store owns the current identity. Its lifecycle is Load, then any number of replacements,
// until Logout clears it.
type Store struct {
	kv   kvstore.KVStore
	opts Options

	mu      sync.RWMutex
	loaded  bool
	current Identity
	signer  nostr.Keyer
	bunker  *nip46.BunkerClient
}

func Open(kv kvstore.KVStore, opts Options) *Store {
	if opts.Locks == nil {
		opts.Locks = keyer.NewLocks()
	}
	if opts.BunkerTimeout <= 0 {
		opts.BunkerTimeout = keyer.DefaultOperationTimeout
	}
	if opts.ScryptLogN == 0 {
		opts.ScryptLogN = nip49.DefaultLogN
	}
	return &Store{kv: kv, opts: opts}
}

// Load reads the persisted identity, rewriting legacy records in the current format.
// It returns nil when there is none.
func (s *Store) Load(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Identity, error) {
	data, err := s.kv.Get(keyCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var id Identity
	if data != nil {
		var migrated bool
		id, migrated, err = decodeIdentity(data)
		if err != nil {
			return nil, err
		}
		if migrated {
			if err := s.persistLocked(id); err != nil {
				return nil, err
			}
			nostr.InfoLogger.Printf("[identity] rewrote legacy %s identity record\n", id.Variant())
		}
	}

	s.dropSignerLocked()
	s.current = id
	s.loaded = true
	return id, nil
}

// Current is the identity in use, or nil.
func (s *Store) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// EnsureLocal returns the current identity, generating and persisting a fresh Local one
// if there is none.
func (s *Store) EnsureLocal(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if _, err := s.loadLocked(); err != nil {
			return nil, err
		}
	}
	if s.current != nil {
		return s.current, nil
	}

	id, err := NewLocal(nostr.GeneratePrivateKey(), false)
	if err != nil {
		return nil, err
	}
	if err := s.replaceLocked(id); err != nil {
		return nil, err
	}
	nostr.InfoLogger.Printf("[identity] generated local identity %s\n", id.PublicKeyHex)
	return id, nil
}

// ImportSecret replaces the current identity with a Local one from hex, nsec, ncryptsec or a mnemonic.
func (s *Store) ImportSecret(ctx context.Context, input string, password string) (*Local, error) {
	sk, err := keyer.ParseSecretKey(input, password)
	if err != nil {
		return nil, err
	}
	// the user had it before we did
	id, err := NewLocal(sk, true)
	if err != nil {
		return nil, err
	}
	return id, s.Replace(ctx, id)
}

// LoginExtension binds to the host and makes it the current identity.
func (s *Store) LoginExtension(ctx context.Context, ext keyer.Extension) (*Extension, error) {
	es, err := keyer.ConnectExtension(ctx, ext)
	if err != nil {
		return nil, err
	}
	pk, _ := es.GetPublicKey(ctx)
	id := &Extension{PublicKeyHex: pk, Created: nostr.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replaceLocked(id); err != nil {
		return nil, err
	}
	s.opts.Extension = ext
	return id, nil
}

// SetBunker makes a freshly connected remote signer the current identity, keeping its live
// connection for signing. clientSecretKey is the key the client was connected with.
func (s *Store) SetBunker(ctx context.Context, client *nip46.BunkerClient, clientSecretKey string, connectionSecret string) (*Bunker, error) {
	user, err := client.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	id := &Bunker{
		RemotePublicKey:  client.RemotePublicKey(),
		ClientSecretKey:  clientSecretKey,
		Relays:           client.Relays(),
		ConnectionSecret: connectionSecret,
		UserPublicKey:    user,
		Created:          nostr.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replaceLocked(id); err != nil {
		return nil, err
	}
	s.adoptLocked(id, keyer.NewBunkerSignerFromBunkerClient(client).WithTimeout(s.opts.BunkerTimeout), client)
	return id, nil
}

// Replace makes id the current identity.
func (s *Store) Replace(ctx context.Context, id Identity) error {
	if id == nil {
		return ErrNoIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(id)
}

func (s *Store) replaceLocked(id Identity) error {
	if err := s.persistLocked(id); err != nil {
		return err
	}
	s.dropSignerLocked()
	if s.current != nil && s.current.PublicKey() != id.PublicKey() {
		s.opts.Locks.Forget(s.current.PublicKey())
	}
	s.current = id
	s.loaded = true
	return nil
}

func (s *Store) persistLocked(id Identity) error {
	data, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	if _, _, err := decodeIdentity(data); err != nil {
		return fmt.Errorf("refusing to store invalid identity: %w", err)
	}
	if err := s.kv.Set(keyCurrent, data); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}

// dropSignerLocked revokes the signer handed out so far, so nothing keeps signing as an
// identity the store no longer holds.
func (s *Store) dropSignerLocked() {
	if s.signer != nil {
		keyer.Revoke(s.signer)
	}
	if s.bunker != nil {
		s.bunker.Close()
	}
	s.signer = nil
	s.bunker = nil
}

func (s *Store) adoptLocked(id Identity, k nostr.Keyer, client *nip46.BunkerClient) {
	s.signer = keyer.Serialized(k, id.PublicKey(), s.opts.Locks)
	s.bunker = client
}

// CopySecret returns the nsec of a Local identity and records that the user has backed it up.
func (s *Store) CopySecret(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok := s.current.(*Local)
	if !ok {
		return "", ErrNotLocal
	}
	nsec, err := nip19.EncodePrivateKey(local.SecretKey)
	if err != nil {
		return "", err
	}
	return nsec, s.markBackedUpLocked(local)
}

// ExportEncrypted returns the secret of a Local identity as a password-protected ncryptsec.
// This counts as a backup too.
func (s *Store) ExportEncrypted(ctx context.Context, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok := s.current.(*Local)
	if !ok {
		return "", ErrNotLocal
	}
	ksb := nip49.NotKnownToHaveBeenHandledInsecurely
	if local.HasBackedUpSecret {
		ksb = nip49.KnownToHaveBeenHandledInsecurely
	}
	ncryptsec, err := nip49.Encrypt(local.SecretKey, password, s.opts.ScryptLogN, ksb)
	if err != nil {
		return "", err
	}
	return ncryptsec, s.markBackedUpLocked(local)
}

func (s *Store) markBackedUpLocked(local *Local) error {
	if local.HasBackedUpSecret {
		return nil
	}
	next := *local
	next.HasBackedUpSecret = true
	if err := s.persistLocked(&next); err != nil {
		return err
	}
	// same key, the signer stays
	s.current = &next
	return nil
}

// Logout forgets the current identity together with its migration, subscription and device records.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	pk := s.current.PublicKey()

	var errs []error
	if pk != "" {
		errs = append(errs,
			s.kv.Update(keyMigrations, func(data []byte) ([]byte, error) {
				m, err := decodeMigrations(data)
				if err != nil {
					return nil, err
				}
				for old, next := range m {
					if old == pk || next == pk {
						delete(m, old)
					}
				}
				return encodeOrDelete(m, len(m))
			}),
			s.kv.Update(keyMigrationGroups, func(data []byte) ([]byte, error) {
				recs, err := decodeMigrationRecords(data)
				if err != nil {
					return nil, err
				}
				kept := recs[:0]
				for _, rec := range recs {
					if rec.OldPublicKey != pk && rec.NewPublicKey != pk {
						kept = append(kept, rec)
					}
				}
				return encodeOrDelete(kept, len(kept))
			}),
			s.kv.Delete(subscriptionsKey(pk)),
			s.kv.Delete(deviceKey(pk)),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to purge records of %s: %w", pk, err)
	}

	if err := s.kv.Delete(keyCurrent); err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	s.dropSignerLocked()
	s.opts.Locks.Forget(pk)
	s.current = nil
	nostr.InfoLogger.Printf("[identity] logged out %s\n", pk)
	return nil
}

// Signer returns the signer of the current identity, serialised per pubkey. Bunker identities
// are reconnected on first use; a remote that answers with a different key fails with
// ErrRemoteIdentityMismatch and leaves everything as it was.
func (s *Store) Signer(ctx context.Context) (nostr.Keyer, error) {
	s.mu.RLock()
	if s.signer != nil {
		k := s.signer
		s.mu.RUnlock()
		return k, nil
	}
	current := s.current
	opts := s.opts
	s.mu.RUnlock()

	if current == nil {
		return nil, ErrNoIdentity
	}

	var k nostr.Keyer
	var client *nip46.BunkerClient
	adopted := current

	switch v := current.(type) {
	case *Local:
		ks, err := keyer.NewPlainKeySigner(v.SecretKey)
		if err != nil {
			return nil, err
		}
		k = ks
	case *Extension:
		k = keyer.NewExtensionSigner(v.PublicKeyHex, opts.Extension)
	case *Bunker:
		if opts.Transport == nil {
			return nil, fmt.Errorf("%w: no transport to reach the remote signer", nostr.ErrSigningUnavailable)
		}
		var err error
		client, err = nip46.Reconnect(ctx, v.ClientSecretKey, v.Pointer(), v.UserPublicKey, opts.Transport, opts.Bunker)
		if err != nil {
			return nil, err
		}
		if v.UserPublicKey == "" {
			user, _ := client.GetPublicKey(ctx)
			filled := *v
			filled.UserPublicKey = user
			adopted = &filled
		}
		k = keyer.NewBunkerSignerFromBunkerClient(client).WithTimeout(opts.BunkerTimeout)
	default:
		return nil, fmt.Errorf("unknown identity type %T", current)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != current {
		if client != nil {
			client.Close()
		}
		return nil, fmt.Errorf("%w: %w", nostr.ErrSigningUnavailable, ErrIdentityChanged)
	}
	if s.signer != nil {
		// someone else got there first
		if client != nil {
			client.Close()
		}
		return s.signer, nil
	}
	if adopted != current {
		if err := s.persistLocked(adopted); err != nil {
			client.Close()
			return nil, err
		}
		s.current = adopted
	}
	s.adoptLocked(adopted, k, client)
	return s.signer, nil
}

// Close drops the live bunker connection, if any.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSignerLocked()
}
