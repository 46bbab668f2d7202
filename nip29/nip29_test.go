package nip29

import (
	"testing"

	"github.com/nostrid/go-nostrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ALICE = "eadad094b75b4690e7ee7124522861b8d81d5ed92e81eb678e776d1164d1efe9"
	BOB   = "6ac475cdf30e2006ee5142559544e86f8f1b485a9c8c1f2da467996fb7fcdfe7"
	CAROL = "f81982b8b6ba354a1e09acfda348512ef93e5778847fb5f4b30fe6b0042f4b36"
	DEREK = "24a049c4e5c9cff1764c312b2e0fa59a02af235b37809180b3f2c7b2ec3dbdfd"
)

func TestGroupAddress(t *testing.T) {
	gad, err := ParseGroupAddress("relay.com'xyz")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.com", gad.Relay)
	assert.Equal(t, "xyz", gad.ID)
	assert.Equal(t, "relay.com'xyz", gad.String())

	_, err = ParseGroupAddress("relay.com")
	assert.Error(t, err)
	_, err = ParseGroupAddress("'xyz")
	assert.Error(t, err)
}

func TestMembersBackAndForth(t *testing.T) {
	group1, err := NewGroup("groups.com'abc")
	require.NoError(t, err)
	group1.Members[ALICE] = struct{}{}
	group1.Members[BOB] = struct{}{}
	group1.LastMembersUpdate = 10

	members := group1.ToMembersEvent()
	assert.Equal(t, "abc", members.Tags.GetD())
	assert.Len(t, members.Tags, 3)
	assert.NotNil(t, members.Tags.FindWithValue("p", ALICE))

	group2, _ := NewGroup("groups.com'abc")
	group2.Members[CAROL] = struct{}{}
	require.NoError(t, group2.MergeInMembersEvent(members))
	assert.True(t, group2.HasMember(ALICE))
	assert.False(t, group2.HasMember(CAROL))

	stale := group1.ToMembersEvent()
	stale.CreatedAt = 5
	assert.Error(t, group2.MergeInMembersEvent(stale))
}

func TestTransferMembership(t *testing.T) {
	group, _ := NewGroup("groups.com'abc")
	group.Members[ALICE] = struct{}{}

	assert.True(t, group.TransferMembership(ALICE, DEREK))
	assert.False(t, group.HasMember(ALICE))
	assert.True(t, group.HasMember(DEREK))

	// repeating is harmless
	assert.True(t, group.TransferMembership(ALICE, DEREK))
	assert.False(t, group.TransferMembership(BOB, CAROL))
}

func TestMetadataAndGroupsWithMember(t *testing.T) {
	group, _ := NewGroup("groups.com'abc")
	require.NoError(t, group.MergeInMetadataEvent(&nostr.Event{
		Kind: nostr.KindSimpleGroupMetadata,
		Tags: nostr.Tags{{"d", "abc"}, {"name", "banana"}, {"private"}},
	}))
	assert.Equal(t, "banana", group.Name)
	assert.True(t, group.Private)
	assert.False(t, group.Closed)

	events := []*nostr.Event{
		{Kind: nostr.KindSimpleGroupMembers, Tags: nostr.Tags{{"d", "abc"}, {"p", ALICE}}},
		{Kind: nostr.KindSimpleGroupMembers, Tags: nostr.Tags{{"d", "def"}, {"p", BOB}}},
		{Kind: nostr.KindSimpleGroupMembers, Tags: nostr.Tags{{"d", "abc"}, {"p", ALICE}, {"p", BOB}}},
		{Kind: nostr.KindTextNote, Tags: nostr.Tags{{"d", "ghi"}, {"p", ALICE}}},
	}
	assert.Equal(t, []GroupAddress{{Relay: "wss://groups.com", ID: "abc"}}, GroupsWithMember("wss://groups.com", events, ALICE))
	assert.Len(t, GroupsWithMember("wss://groups.com", events, BOB), 2)
}
