package identity

import (
	"context"
	"fmt"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/kvstore"
)

func decodeMigrations(data []byte) (map[string]string, error) {
	m := make(map[string]string)
	if data == nil {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupted migrations mapping: %w", err)
	}
	return m, nil
}

func decodeMigrationRecords(data []byte) ([]MigrationRecord, error) {
	var recs []MigrationRecord
	if data == nil {
		return recs, nil
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("corrupted migration records: %w", err)
	}
	return recs, nil
}

// encodeOrDelete turns an empty collection into a deletion.
func encodeOrDelete(v any, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

// CommitMigration swaps the current identity from oldPublicKey to next and remembers the
// mapping. It fails with ErrIdentityChanged if oldPublicKey is not current any more.
func (s *Store) CommitMigration(ctx context.Context, oldPublicKey string, next Identity) error {
	if next == nil {
		return ErrNoIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.PublicKey() != oldPublicKey {
		return ErrIdentityChanged
	}

	err := s.kv.Update(keyMigrations, func(data []byte) ([]byte, error) {
		m, err := decodeMigrations(data)
		if err != nil {
			return nil, err
		}
		if m[oldPublicKey] == next.PublicKey() {
			return nil, kvstore.NoOp
		}
		m[oldPublicKey] = next.PublicKey()
		return json.Marshal(m)
	})
	if err != nil {
		return fmt.Errorf("failed to store migration mapping: %w", err)
	}

	if err := s.replaceLocked(next); err != nil {
		return err
	}
	nostr.InfoLogger.Printf("[identity] migrated %s -> %s\n", oldPublicKey, next.PublicKey())
	return nil
}

// MigrationTarget tells which key old was migrated to.
func (s *Store) MigrationTarget(ctx context.Context, old string) (string, bool, error) {
	data, err := s.kv.Get(keyMigrations)
	if err != nil {
		return "", false, err
	}
	m, err := decodeMigrations(data)
	if err != nil {
		return "", false, err
	}
	next, ok := m[old]
	return next, ok, nil
}

// RecordMigration stores proof evidence for one group. There is at most one record per
// old key and group: recording the same migration again changes nothing and returns false.
func (s *Store) RecordMigration(ctx context.Context, rec MigrationRecord) (added bool, err error) {
	err = s.kv.Update(keyMigrationGroups, func(data []byte) ([]byte, error) {
		added = false
		recs, err := decodeMigrationRecords(data)
		if err != nil {
			return nil, err
		}
		for i, existing := range recs {
			if existing.OldPublicKey == rec.OldPublicKey && existing.Group == rec.Group {
				if existing.NewPublicKey == rec.NewPublicKey {
					return nil, kvstore.NoOp
				}
				recs[i] = rec
				added = true
				return json.Marshal(recs)
			}
		}
		recs = append(recs, rec)
		added = true
		return json.Marshal(recs)
	})
	return added, err
}

// MigrationRecords lists the groups old has been migrated in.
func (s *Store) MigrationRecords(ctx context.Context, old string) ([]MigrationRecord, error) {
	data, err := s.kv.Get(keyMigrationGroups)
	if err != nil {
		return nil, err
	}
	recs, err := decodeMigrationRecords(data)
	if err != nil {
		return nil, err
	}
	result := make([]MigrationRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.OldPublicKey == old {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *Store) SubscriptionStates(ctx context.Context, pubkey string) (map[string]SubscriptionState, error) {
	data, err := s.kv.Get(subscriptionsKey(pubkey))
	if err != nil {
		return nil, err
	}
	return decodeSubscriptions(data)
}

func decodeSubscriptions(data []byte) (map[string]SubscriptionState, error) {
	states := make(map[string]SubscriptionState)
	if data == nil {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("corrupted subscription states: %w", err)
	}
	return states, nil
}

// UpdateSubscriptions runs f over the topic states of pubkey and stores the result atomically.
// f may return kvstore.NoOp to leave them untouched.
func (s *Store) UpdateSubscriptions(ctx context.Context, pubkey string, f func(states map[string]SubscriptionState) error) error {
	return s.kv.Update(subscriptionsKey(pubkey), func(data []byte) ([]byte, error) {
		states, err := decodeSubscriptions(data)
		if err != nil {
			return nil, err
		}
		if err := f(states); err != nil {
			return nil, err
		}
		return encodeOrDelete(states, len(states))
	})
}

func (s *Store) DeviceRegistration(ctx context.Context, pubkey string) (DeviceRegistration, error) {
	var reg DeviceRegistration
	data, err := s.kv.Get(deviceKey(pubkey))
	if err != nil || data == nil {
		return reg, err
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("corrupted device registration: %w", err)
	}
	return reg, nil
}

// UpdateDeviceRegistration works like UpdateSubscriptions. A registration left in its zero
// value is deleted.
func (s *Store) UpdateDeviceRegistration(ctx context.Context, pubkey string, f func(reg *DeviceRegistration) error) error {
	return s.kv.Update(deviceKey(pubkey), func(data []byte) ([]byte, error) {
		var reg DeviceRegistration
		if data != nil {
			if err := json.Unmarshal(data, &reg); err != nil {
				return nil, fmt.Errorf("corrupted device registration: %w", err)
			}
		}
		if err := f(&reg); err != nil {
			return nil, err
		}
		if reg == (DeviceRegistration{}) {
			return nil, nil
		}
		return json.Marshal(reg)
	})
}
