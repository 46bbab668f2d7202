package nip29

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/nostrid/go-nostrid"
)

// GroupAddress points to a group hosted on a relay, written "<relay-host>'<id>".
type GroupAddress struct {
	Relay string
	ID    string
}

func (gad GroupAddress) String() string {
	p, err := url.Parse(gad.Relay)
	if err != nil || p.Host == "" {
		return gad.Relay + "'" + gad.ID
	}
	return p.Host + "'" + gad.ID
}

func (gad GroupAddress) IsValid() bool {
	return gad.Relay != "" && gad.ID != ""
}

func (gad GroupAddress) Equals(gad2 GroupAddress) bool {
	return gad.Relay == gad2.Relay && gad.ID == gad2.ID
}

func ParseGroupAddress(raw string) (GroupAddress, error) {
	spl := strings.Split(raw, "'")
	if len(spl) != 2 || spl[0] == "" || spl[1] == "" {
		return GroupAddress{}, fmt.Errorf("invalid group address '%s'", raw)
	}
	return GroupAddress{ID: spl[1], Relay: nostr.NormalizeURL(spl[0])}, nil
}

// Group is the view of a group a client needs to act on membership.
type Group struct {
	Address GroupAddress

	Name    string
	About   string
	Private bool
	Closed  bool
	Members map[string]struct{}

	LastMetadataUpdate nostr.Timestamp
	LastMembersUpdate  nostr.Timestamp
}

func (group Group) String() string {
	members := make([]string, 0, len(group.Members))
	for pubkey := range group.Members {
		members = append(members, pubkey)
	}
	slices.Sort(members)

	flags := ""
	if group.Private {
		flags += " private"
	}
	if group.Closed {
		flags += " closed"
	}

	return fmt.Sprintf(`<Group %s name="%s"%s members=[%s]>`,
		group.Address, group.Name, flags, strings.Join(members, " "))
}

// NewGroup takes a group address in the form "<relay-hostname>'<id>".
func NewGroup(gadstr string) (Group, error) {
	gad, err := ParseGroupAddress(gadstr)
	if err != nil {
		return Group{}, err
	}

	return Group{
		Address: gad,
		Name:    gad.ID,
		Members: make(map[string]struct{}),
	}, nil
}

func (group Group) HasMember(pubkey string) bool {
	_, ok := group.Members[pubkey]
	return ok
}

// TransferMembership moves membership from one key to another.
// It is a no-op when from is not a member.
func (group *Group) TransferMembership(from, to string) bool {
	if !group.HasMember(from) {
		return group.HasMember(to)
	}
	delete(group.Members, from)
	group.Members[to] = struct{}{}
	return true
}

func (group Group) ToMembersEvent() *nostr.Event {
	evt := &nostr.Event{
		Kind:      nostr.KindSimpleGroupMembers,
		CreatedAt: group.LastMembersUpdate,
		Tags:      make(nostr.Tags, 1, 1+len(group.Members)),
	}
	evt.Tags[0] = nostr.Tag{"d", group.Address.ID}

	members := make([]string, 0, len(group.Members))
	for member := range group.Members {
		members = append(members, member)
	}
	slices.Sort(members)
	for _, member := range members {
		evt.Tags = append(evt.Tags, nostr.Tag{"p", member})
	}

	return evt
}

func (group *Group) MergeInMetadataEvent(evt *nostr.Event) error {
	if evt.Kind != nostr.KindSimpleGroupMetadata {
		return fmt.Errorf("expected kind %d, got %d", nostr.KindSimpleGroupMetadata, evt.Kind)
	}
	if evt.CreatedAt < group.LastMetadataUpdate {
		return fmt.Errorf("event is older than our last update (%d vs %d)", evt.CreatedAt, group.LastMetadataUpdate)
	}

	group.LastMetadataUpdate = evt.CreatedAt
	group.Name = group.Address.ID

	if tag := evt.Tags.Find("name"); tag != nil {
		group.Name = tag[1]
	}
	if tag := evt.Tags.Find("about"); tag != nil {
		group.About = tag[1]
	}
	for _, tag := range evt.Tags {
		switch {
		case len(tag) == 1 && tag[0] == "private":
			group.Private = true
		case len(tag) == 1 && tag[0] == "closed":
			group.Closed = true
		}
	}

	return nil
}

// MergeInMembersEvent replaces the member list with the one in a kind 39002 event.
func (group *Group) MergeInMembersEvent(evt *nostr.Event) error {
	if evt.Kind != nostr.KindSimpleGroupMembers {
		return fmt.Errorf("expected kind %d, got %d", nostr.KindSimpleGroupMembers, evt.Kind)
	}
	if evt.CreatedAt < group.LastMembersUpdate {
		return fmt.Errorf("event is older than our last update (%d vs %d)", evt.CreatedAt, group.LastMembersUpdate)
	}

	group.LastMembersUpdate = evt.CreatedAt
	group.Members = make(map[string]struct{}, len(evt.Tags))
	for _, tag := range evt.Tags.FindAll("p") {
		if !nostr.IsValid32ByteHex(tag[1]) {
			continue
		}
		group.Members[tag[1]] = struct{}{}
	}

	return nil
}

// GroupsWithMember returns the addresses of every group whose members event lists pubkey.
// relay is the URL the events were fetched from.
func GroupsWithMember(relay string, membersEvents []*nostr.Event, pubkey string) []GroupAddress {
	result := make([]GroupAddress, 0, len(membersEvents))
	for _, evt := range membersEvents {
		if evt.Kind != nostr.KindSimpleGroupMembers {
			continue
		}
		if evt.Tags.FindWithValue("p", pubkey) == nil {
			continue
		}
		gad := GroupAddress{Relay: relay, ID: evt.Tags.GetD()}
		if gad.IsValid() && !slices.ContainsFunc(result, gad.Equals) {
			result = append(result, gad)
		}
	}
	return result
}
