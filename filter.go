package nostr

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    TagMap
	Since   *Timestamp
	Until   *Timestamp
	Limit   int
}

type TagMap map[string][]string

func (ef Filter) Matches(event *Event) bool {
	if event == nil {
		return false
	}

	if ef.IDs != nil && !slices.Contains(ef.IDs, event.ID) {
		return false
	}

	if ef.Kinds != nil && !slices.Contains(ef.Kinds, event.Kind) {
		return false
	}

	if ef.Authors != nil && !slices.Contains(ef.Authors, event.PubKey) {
		return false
	}

	for f, v := range ef.Tags {
		if v != nil && !event.Tags.ContainsAny(f, v) {
			return false
		}
	}

	if ef.Since != nil && event.CreatedAt < *ef.Since {
		return false
	}

	if ef.Until != nil && event.CreatedAt > *ef.Until {
		return false
	}

	return true
}

func (ef Filter) String() string {
	j, _ := ef.MarshalJSON()
	return string(j)
}

func (ef Filter) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawByte('{')
	first := true
	comma := func() {
		if !first {
			w.RawByte(',')
		}
		first = false
	}
	writeStrings := func(key string, values []string) {
		comma()
		w.String(key)
		w.RawByte(':')
		w.RawByte('[')
		for i, v := range values {
			if i > 0 {
				w.RawByte(',')
			}
			w.String(v)
		}
		w.RawByte(']')
	}

	if ef.IDs != nil {
		writeStrings("ids", ef.IDs)
	}
	if ef.Kinds != nil {
		comma()
		w.RawString(`"kinds":[`)
		for i, k := range ef.Kinds {
			if i > 0 {
				w.RawByte(',')
			}
			w.Int(k)
		}
		w.RawByte(']')
	}
	if ef.Authors != nil {
		writeStrings("authors", ef.Authors)
	}
	if ef.Since != nil {
		comma()
		w.RawString(`"since":`)
		w.Int64(int64(*ef.Since))
	}
	if ef.Until != nil {
		comma()
		w.RawString(`"until":`)
		w.Int64(int64(*ef.Until))
	}
	if ef.Limit > 0 {
		comma()
		w.RawString(`"limit":`)
		w.Int(ef.Limit)
	}

	keys := make([]string, 0, len(ef.Tags))
	for k := range ef.Tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeStrings("#"+k, ef.Tags[k])
	}

	w.RawByte('}')
	return w.BuildBytes()
}

func (ef *Filter) UnmarshalJSON(payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("failed to parse filter: invalid json")
	}
	r := gjson.ParseBytes(payload)
	if !r.IsObject() {
		return fmt.Errorf("filter is not an object")
	}

	*ef = Filter{}
	strs := func(v gjson.Result) []string {
		arr := v.Array()
		out := make([]string, len(arr))
		for i, item := range arr {
			out[i] = item.Str
		}
		return out
	}

	r.ForEach(func(key, value gjson.Result) bool {
		switch k := key.Str; {
		case k == "ids":
			ef.IDs = strs(value)
		case k == "authors":
			ef.Authors = strs(value)
		case k == "kinds":
			arr := value.Array()
			ef.Kinds = make([]int, len(arr))
			for i, item := range arr {
				ef.Kinds[i] = int(item.Int())
			}
		case k == "since":
			ts := Timestamp(value.Int())
			ef.Since = &ts
		case k == "until":
			ts := Timestamp(value.Int())
			ef.Until = &ts
		case k == "limit":
			ef.Limit = int(value.Int())
		case strings.HasPrefix(k, "#") && len(k) > 1:
			if ef.Tags == nil {
				ef.Tags = make(TagMap)
			}
			ef.Tags[k[1:]] = strs(value)
		}
		return true
	})
	return nil
}
