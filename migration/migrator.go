package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/identity"
	"github.com/nostrid/go-nostrid/nip29"
	"golang.org/x/time/rate"
)

// GroupError is one group that could not be migrated.
type GroupError struct {
	Group nip29.GroupAddress
	Err   error
}

func (ge GroupError) Error() string { return ge.Group.String() + ": " + ge.Err.Error() }
func (ge GroupError) Unwrap() error { return ge.Err }

type Result struct {
	Migrated []nip29.GroupAddress
	Failed   []GroupError

	// Committed is true once the store switched to the new identity.
	Committed bool
}

// FailedGroups is what to pass back to Migrate to retry.
func (r Result) FailedGroups() []nip29.GroupAddress {
	groups := make([]nip29.GroupAddress, len(r.Failed))
	for i, ge := range r.Failed {
		groups[i] = ge.Group
	}
	return groups
}

type Migrator struct {
	Store     *identity.Store
	Transport nostr.Transport

	// Attempts per group for network-shaped failures. Defaults to 3.
	Attempts int

	// Limiter spaces out publish attempts. Nil means no waiting.
	Limiter *rate.Limiter

	// Now is used for the statement timestamp. Defaults to nostr.Now.
	Now func() nostr.Timestamp
}

// MemberGroups finds the groups on relay whose member list has pubkey.
func (m *Migrator) MemberGroups(ctx context.Context, relay string, pubkey string) ([]nip29.GroupAddress, error) {
	relay = nostr.NormalizeURL(relay)
	events, err := m.Transport.QuerySync(ctx, []string{relay}, nostr.Filter{
		Kinds: []int{nostr.KindSimpleGroupMembers},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query group members on %s: %w", relay, err)
	}
	return nip29.GroupsWithMember(relay, events, pubkey), nil
}

// Migrate publishes one proof per group and commits next as the current identity once every
// group succeeded. Groups that already have a record for this migration are not republished, so
// calling it again with the failed subset of an earlier Result is how a migration is retried.
// The returned error is only for problems that affect every group.
func (m *Migrator) Migrate(
	ctx context.Context,
	oldSigner nostr.Signer,
	next identity.Identity,
	newSigner nostr.Signer,
	groups []nip29.GroupAddress,
) (Result, error) {
	var result Result

	oldPK, err := oldSigner.GetPublicKey(ctx)
	if err != nil {
		return result, err
	}
	newPK, err := newSigner.GetPublicKey(ctx)
	if err != nil {
		return result, err
	}
	if newPK != next.PublicKey() {
		return result, fmt.Errorf("new signer is %s but new identity is %s", newPK, next.PublicKey())
	}

	existing, err := m.Store.MigrationRecords(ctx, oldPK)
	if err != nil {
		return result, err
	}

	now := m.Now
	if now == nil {
		now = nostr.Now
	}
	attempts := m.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	for _, group := range groups {
		if slices.ContainsFunc(result.Migrated, group.Equals) {
			continue
		}
		if slices.ContainsFunc(existing, func(rec identity.MigrationRecord) bool {
			return rec.Group == group.String() && rec.NewPublicKey == newPK
		}) {
			result.Migrated = append(result.Migrated, group)
			continue
		}

		if err := m.migrateGroup(ctx, oldSigner, newSigner, group, now(), attempts); err != nil {
			nostr.InfoLogger.Printf("[migration] %s in %s failed: %s\n", oldPK, group, err)
			result.Failed = append(result.Failed, GroupError{Group: group, Err: err})
			continue
		}
		result.Migrated = append(result.Migrated, group)
	}

	if len(result.Failed) > 0 {
		return result, nil
	}

	if err := m.Store.CommitMigration(ctx, oldPK, next); err != nil {
		if errors.Is(err, identity.ErrIdentityChanged) {
			if target, ok, _ := m.Store.MigrationTarget(ctx, oldPK); ok && target == newPK {
				// already committed by an earlier run
				result.Committed = true
				return result, nil
			}
		}
		return result, err
	}
	result.Committed = true
	return result, nil
}

// Retry runs Migrate again over the groups that failed in prev. Groups that already have a
// record for this key pair are not published twice.
func (m *Migrator) Retry(
	ctx context.Context,
	oldSigner nostr.Signer,
	next identity.Identity,
	newSigner nostr.Signer,
	prev Result,
) (Result, error) {
	if prev.Committed || len(prev.Failed) == 0 {
		return prev, nil
	}
	return m.Migrate(ctx, oldSigner, next, newSigner, prev.FailedGroups())
}

func (m *Migrator) migrateGroup(
	ctx context.Context,
	oldSigner nostr.Signer,
	newSigner nostr.Signer,
	group nip29.GroupAddress,
	ts nostr.Timestamp,
	attempts int,
) error {
	proof, err := BuildProof(ctx, oldSigner, newSigner, group, ts)
	if err != nil {
		return err
	}
	if _, err := VerifyProof(&proof); err != nil {
		return err
	}

	err = nostr.Retry(ctx, m.Limiter, attempts, func(ctx context.Context) error {
		return m.Transport.Publish(ctx, []string{group.Relay}, proof)
	})
	if err != nil {
		return err
	}

	_, err = m.Store.RecordMigration(ctx, identity.MigrationRecord{
		OldPublicKey: proof.PubKey,
		NewPublicKey: proof.Tags.Find("p")[1],
		Group:        group.String(),
		Proof:        proof,
	})
	return err
}
