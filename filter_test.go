package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterUnmarshal(t *testing.T) {
	raw := `{"ids": ["abc"],"#e":["zzz"],"#something":["nothing","bab"],"since":1644254609,"search":"ignored"}`
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	require.NotNil(t, f.Since)
	require.Equal(t, "2022-02-07", f.Since.Time().UTC().Format("2006-01-02"))
	require.Nil(t, f.Until)
	require.Len(t, f.Tags, 2)
	require.Contains(t, f.Tags["something"], "bab")
	require.Equal(t, []string{"abc"}, f.IDs)
}

func TestFilterMarshal(t *testing.T) {
	until := Timestamp(12345678)
	filterj, err := json.Marshal(Filter{
		Kinds: []int{1, 2, 4},
		Tags:  TagMap{"p": {"ooo"}, "fruit": {"banana", "mango"}},
		Until: &until,
	})
	require.NoError(t, err)
	require.Equal(t, `{"kinds":[1,2,4],"until":12345678,"#fruit":["banana","mango"],"#p":["ooo"]}`, string(filterj))

	var back Filter
	require.NoError(t, json.Unmarshal(filterj, &back))
	require.Equal(t, TagMap{"p": {"ooo"}, "fruit": {"banana", "mango"}}, back.Tags)
	require.Equal(t, until, *back.Until)
}

func TestFilterMatching(t *testing.T) {
	require.False(t, Filter{Kinds: []int{4, 5}}.Matches(&Event{Kind: 6}))
	require.True(t, Filter{Kinds: []int{4, 5}}.Matches(&Event{Kind: 4}))
	require.False(t, Filter{}.Matches(nil))

	require.True(t, Filter{
		Kinds: []int{4, 5},
		Tags:  TagMap{"p": {"ooo"}},
		IDs:   []string{"abc123"},
	}.Matches(&Event{
		Kind: 4,
		Tags: Tags{{"p", "ooo", ",x,x,"}, {"m", "yywyw", "xxx"}},
		ID:   "abc123",
	}))

	require.False(t, Filter{Tags: TagMap{"h": {"group"}}}.Matches(&Event{Tags: Tags{{"h", "other"}}}))

	since := Timestamp(100)
	until := Timestamp(200)
	window := Filter{Since: &since, Until: &until}
	require.True(t, window.Matches(&Event{CreatedAt: 150}))
	require.False(t, window.Matches(&Event{CreatedAt: 99}))
	require.False(t, window.Matches(&Event{CreatedAt: 201}))
}

func TestFilterMatchingLive(t *testing.T) {
	var filter Filter
	var event Event

	require.NoError(t, json.Unmarshal([]byte(`{"kinds":[1],"authors":["a8171781fd9e90ede3ea44ddca5d3abf828fe8eedeb0f3abb0dd3e563562e1fc","1d80e5588de010d137a67c42b03717595f5f510e73e42cfc48f31bae91844d59","ed4ca520e9929dfe9efdadf4011b53d30afd0678a09aa026927e60e7a45d9244"],"since":1677033299}`), &filter))
	require.NoError(t, json.Unmarshal([]byte(`{"id":"5a127c9c931f392f6afc7fdb74e8be01c34035314735a6b97d2cf360d13cfb94","pubkey":"1d80e5588de010d137a67c42b03717595f5f510e73e42cfc48f31bae91844d59","created_at":1677033299,"kind":1,"tags":[["t","japan"]],"content":"If you like my art,I'd appreciate a coin or two!!\nZap is welcome!! Thanks.\n\n\n#japan #bitcoin #art #bananaart\nhttps://void.cat/d/CgM1bzDgHUCtiNNwfX9ajY.webp","sig":"828497508487ca1e374f6b4f2bba7487bc09fccd5cc0d1baa82846a944f8c5766918abf5878a580f1e6615de91f5b57a32e34c42ee2747c983aaf47dbf2a0255"}`), &event))

	require.True(t, filter.Matches(&event), "live filter should match")
}
