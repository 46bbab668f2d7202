package nostr

import (
	"slices"
)

type Tag []string

type Tags []Tag

// GetD gets the first "d" tag (for parameterized replaceable events) value or ""
func (tags Tags) GetD() string {
	for _, v := range tags {
		if len(v) >= 2 && v[0] == "d" {
			return v[1]
		}
	}
	return ""
}

// Find returns the first tag with the given key that has at least one value, or nil.
func (tags Tags) Find(key string) Tag {
	for _, v := range tags {
		if len(v) >= 2 && v[0] == key {
			return v
		}
	}
	return nil
}

// FindWithValue is like Find, but also checks the first value.
func (tags Tags) FindWithValue(key, value string) Tag {
	for _, v := range tags {
		if len(v) >= 2 && v[0] == key && v[1] == value {
			return v
		}
	}
	return nil
}

// FindAll returns every tag with the given key that has at least one value.
func (tags Tags) FindAll(key string) Tags {
	result := make(Tags, 0, len(tags))
	for _, v := range tags {
		if len(v) >= 2 && v[0] == key {
			result = append(result, v)
		}
	}
	return result
}

// ContainsAny checks if any of the tags with the given key has a value in values.
func (tags Tags) ContainsAny(key string, values []string) bool {
	for _, v := range tags {
		if len(v) < 2 || v[0] != key {
			continue
		}
		if slices.Contains(values, v[1]) {
			return true
		}
	}
	return false
}

// Clone creates a deep copy of the tags.
func (tags Tags) Clone() Tags {
	if tags == nil {
		return nil
	}
	out := make(Tags, len(tags))
	for i, tag := range tags {
		out[i] = slices.Clone(tag)
	}
	return out
}

func (tags Tags) marshalTo(dst []byte) []byte {
	dst = append(dst, '[')
	for i, tag := range tags {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		for j, s := range tag {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = escapeString(dst, s)
		}
		dst = append(dst, ']')
	}
	dst = append(dst, ']')
	return dst
}
