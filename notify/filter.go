package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

// TopicFilter says which events a subscriber wants pushed.
type TopicFilter struct {
	Kinds      []int
	TagFilters map[string][]string
}

// Canonical is the JSON form sent to the service: kinds sorted and deduplicated, tag names
// without '#' and sorted, values sorted and deduplicated. Equal filters always produce equal bytes.
func (tf TopicFilter) Canonical() string {
	w := jwriter.Writer{NoEscapeHTML: true}

	kinds := slices.Clone(tf.Kinds)
	slices.Sort(kinds)
	kinds = slices.Compact(kinds)

	w.RawString(`{"kinds":[`)
	for i, k := range kinds {
		if i > 0 {
			w.RawByte(',')
		}
		w.Int(k)
	}
	w.RawString(`],"tagFilters":{`)

	merged := make(map[string][]string, len(tf.TagFilters))
	for name, values := range tf.TagFilters {
		name = strings.TrimPrefix(name, "#")
		merged[name] = append(merged[name], values...)
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	slices.Sort(names)

	for i, name := range names {
		if i > 0 {
			w.RawByte(',')
		}
		values := merged[name]
		slices.Sort(values)
		values = slices.Compact(values)

		w.String(name)
		w.RawString(":[")
		for j, v := range values {
			if j > 0 {
				w.RawByte(',')
			}
			w.String(v)
		}
		w.RawByte(']')
	}
	w.RawString("}}")

	b, _ := w.BuildBytes()
	return string(b)
}

// Hash identifies a filter on disk: hex SHA-256 of Canonical.
func (tf TopicFilter) Hash() string {
	return hashCanonical(tf.Canonical())
}

func hashCanonical(canonical string) string {
	h := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(h[:])
}

func ParseTopicFilter(data string) (TopicFilter, error) {
	var tf TopicFilter
	if !gjson.Valid(data) {
		return tf, fmt.Errorf("topic filter is not json")
	}
	r := gjson.Parse(data)
	if !r.IsObject() {
		return tf, fmt.Errorf("topic filter is not an object")
	}

	for _, k := range r.Get("kinds").Array() {
		tf.Kinds = append(tf.Kinds, int(k.Int()))
	}
	r.Get("tagFilters").ForEach(func(name, values gjson.Result) bool {
		if tf.TagFilters == nil {
			tf.TagFilters = make(map[string][]string)
		}
		list := make([]string, 0, len(values.Array()))
		for _, v := range values.Array() {
			list = append(list, v.Str)
		}
		tf.TagFilters[name.Str] = list
		return true
	})
	return tf, nil
}
