package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

// Event represents a Nostr event.
type Event struct {
	ID        string
	PubKey    string
	CreatedAt Timestamp
	Kind      int
	Tags      Tags
	Content   string
	Sig       string
}

func (evt Event) String() string {
	j, _ := evt.MarshalJSON()
	return string(j)
}

// GetID serializes and returns the event ID as a string.
func (evt *Event) GetID() string {
	h := sha256.Sum256(evt.Serialize())
	return hex.EncodeToString(h[:])
}

// Serialize outputs a byte array that can be hashed to produce the canonical event "id".
func (evt *Event) Serialize() []byte {
	// the serialization process is just putting everything into a JSON array
	// so the order is kept. See NIP-01
	dst := make([]byte, 0, 100+len(evt.Content)+len(evt.Tags)*80)

	// the header portion is easy to serialize
	// [0,"pubkey",created_at,kind,[
	dst = append(dst, `[0,"`...)
	dst = append(dst, evt.PubKey...)
	dst = append(dst, `",`...)
	dst = strconv.AppendInt(dst, int64(evt.CreatedAt), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(evt.Kind), 10)
	dst = append(dst, ',')

	// tags
	dst = evt.Tags.marshalTo(dst)
	dst = append(dst, ',')

	// content needs to be escaped in general as it is user generated.
	dst = escapeString(dst, evt.Content)
	dst = append(dst, ']')

	return dst
}

// MarshalJSON encodes the event in the NIP-01 object form.
func (evt Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`{"kind":`)
	w.Int(evt.Kind)
	if evt.ID != "" {
		w.RawString(`,"id":`)
		w.String(evt.ID)
	}
	if evt.PubKey != "" {
		w.RawString(`,"pubkey":`)
		w.String(evt.PubKey)
	}
	w.RawString(`,"created_at":`)
	w.Int64(int64(evt.CreatedAt))
	w.RawString(`,"tags":`)
	w.Raw(evt.Tags.marshalTo(nil), nil)
	w.RawString(`,"content":`)
	w.Raw(escapeString(nil, evt.Content), nil)
	if evt.Sig != "" {
		w.RawString(`,"sig":`)
		w.String(evt.Sig)
	}
	w.RawByte('}')
	return w.BuildBytes()
}

// UnmarshalJSON decodes an event object, ignoring unknown fields.
func (evt *Event) UnmarshalJSON(payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("failed to parse event: invalid json")
	}
	r := gjson.ParseBytes(payload)
	if !r.IsObject() {
		return fmt.Errorf("event is not an object")
	}

	*evt = Event{}
	var err error
	r.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "id":
			evt.ID = value.Str
		case "pubkey":
			evt.PubKey = value.Str
		case "created_at":
			if value.Type != gjson.Number {
				err = fmt.Errorf("invalid 'created_at' field")
				return false
			}
			evt.CreatedAt = Timestamp(value.Int())
		case "kind":
			if value.Type != gjson.Number {
				err = fmt.Errorf("invalid 'kind' field")
				return false
			}
			evt.Kind = int(value.Int())
		case "tags":
			if !value.IsArray() {
				err = fmt.Errorf("invalid 'tags' field")
				return false
			}
			tags := value.Array()
			evt.Tags = make(Tags, 0, len(tags))
			for _, jtag := range tags {
				items := jtag.Array()
				tag := make(Tag, len(items))
				for i, item := range items {
					tag[i] = item.Str
				}
				evt.Tags = append(evt.Tags, tag)
			}
		case "content":
			evt.Content = value.Str
		case "sig":
			evt.Sig = value.Str
		}
		return true
	})
	return err
}

// escapeString follows the NIP-01 escaping rules for the "content" and tag items.
func escapeString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, `\"`...)
		case c == '\\':
			dst = append(dst, `\\`...)
		case c == '\n':
			dst = append(dst, `\n`...)
		case c == '\r':
			dst = append(dst, `\r`...)
		case c == '\t':
			dst = append(dst, `\t`...)
		case c == '\b':
			dst = append(dst, `\b`...)
		case c == '\f':
			dst = append(dst, `\f`...)
		case c < 0x20:
			dst = append(dst, `\u00`...)
			dst = append(dst, hexDigits[c>>4], hexDigits[c&0xf])
		default:
			dst = append(dst, c)
		}
	}
	dst = append(dst, '"')
	return dst
}

const hexDigits = "0123456789abcdef"
