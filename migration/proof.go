// Package migration moves group memberships from one key to another with proofs signed by both.
package migration

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip29"
)

var json = jsoniter.ConfigFastest

// Statement is what both keys sign.
type Statement struct {
	OldPublicKey string          `json:"old"`
	NewPublicKey string          `json:"new"`
	GroupID      string          `json:"group"`
	Timestamp    nostr.Timestamp `json:"ts"`
}

// Content is the canonical encoding of the statement. Field order is fixed by the struct.
func (st Statement) Content() string {
	j, _ := json.Marshal(st)
	return string(j)
}

// BuildProof produces the event to publish in group. The new key signs an attestation of the
// statement; that attestation becomes the content of an outer event signed by the old key, which
// is what the group relay already trusts.
func BuildProof(
	ctx context.Context,
	oldSigner nostr.Signer,
	newSigner nostr.Signer,
	group nip29.GroupAddress,
	ts nostr.Timestamp,
) (nostr.Event, error) {
	oldPK, err := oldSigner.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, err
	}
	newPK, err := newSigner.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, err
	}
	if oldPK == newPK {
		return nostr.Event{}, fmt.Errorf("cannot migrate %s to itself", oldPK)
	}

	st := Statement{OldPublicKey: oldPK, NewPublicKey: newPK, GroupID: group.ID, Timestamp: ts}

	attestation := nostr.Event{
		Kind:      nostr.KindIdentityMigration,
		CreatedAt: ts,
		Tags:      nostr.Tags{{"h", group.ID}, {"p", oldPK}},
		Content:   st.Content(),
	}
	if err := newSigner.SignEvent(ctx, &attestation); err != nil {
		return nostr.Event{}, fmt.Errorf("new key did not sign: %w", err)
	}

	proof := nostr.Event{
		Kind:      nostr.KindIdentityMigration,
		CreatedAt: ts,
		Tags:      nostr.Tags{{"h", group.ID}, {"p", newPK}},
		Content:   attestation.String(),
	}
	if err := oldSigner.SignEvent(ctx, &proof); err != nil {
		return nostr.Event{}, fmt.Errorf("old key did not sign: %w", err)
	}

	return proof, nil
}

func incomplete(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{nostr.ErrMigrationProofIncomplete}, a...)...)
}

// VerifyProof checks both signatures and that they agree on one statement.
func VerifyProof(evt *nostr.Event) (Statement, error) {
	var st Statement

	if evt.Kind != nostr.KindIdentityMigration {
		return st, incomplete("kind %d is not a migration proof", evt.Kind)
	}
	if ok, _ := evt.CheckSignature(); !ok || evt.GetID() != evt.ID {
		return st, incomplete("old key signature is missing or invalid")
	}

	var attestation nostr.Event
	if err := json.Unmarshal([]byte(evt.Content), &attestation); err != nil {
		return st, incomplete("no attestation by the new key: %s", err)
	}
	if attestation.Kind != nostr.KindIdentityMigration {
		return st, incomplete("attestation has kind %d", attestation.Kind)
	}
	if ok, _ := attestation.CheckSignature(); !ok || attestation.GetID() != attestation.ID {
		return st, incomplete("new key signature is missing or invalid")
	}

	if err := json.Unmarshal([]byte(attestation.Content), &st); err != nil {
		return st, incomplete("unreadable statement: %s", err)
	}

	switch {
	case st.OldPublicKey != evt.PubKey:
		return st, incomplete("statement names %s as old key but proof is signed by %s", st.OldPublicKey, evt.PubKey)
	case st.NewPublicKey != attestation.PubKey:
		return st, incomplete("statement names %s as new key but attestation is signed by %s", st.NewPublicKey, attestation.PubKey)
	case st.OldPublicKey == st.NewPublicKey:
		return st, incomplete("old and new keys are the same")
	case evt.Tags.FindWithValue("h", st.GroupID) == nil || attestation.Tags.FindWithValue("h", st.GroupID) == nil:
		return st, incomplete("group tags do not match statement group %s", st.GroupID)
	case evt.Tags.FindWithValue("p", st.NewPublicKey) == nil || attestation.Tags.FindWithValue("p", st.OldPublicKey) == nil:
		return st, incomplete("key tags do not match statement")
	}

	return st, nil
}

// Apply is the group side: it verifies a proof and transfers membership in group.
func Apply(group *nip29.Group, evt *nostr.Event) (Statement, error) {
	st, err := VerifyProof(evt)
	if err != nil {
		return st, err
	}
	if st.GroupID != group.Address.ID {
		return st, fmt.Errorf("proof is for group %s, not %s", st.GroupID, group.Address.ID)
	}
	if !group.TransferMembership(st.OldPublicKey, st.NewPublicKey) {
		return st, fmt.Errorf("%s is not a member of %s", st.OldPublicKey, group.Address)
	}
	return st, nil
}
