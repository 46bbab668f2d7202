package relaypool

import (
	"github.com/mailru/easyjson/jwriter"
	"github.com/nostrid/go-nostrid"
	"github.com/tidwall/gjson"
)

// envelope is one relay-to-client message, already split into its array items.
type envelope struct {
	Label string
	Items []gjson.Result
}

func parseEnvelope(message []byte) (envelope, bool) {
	if !gjson.ValidBytes(message) {
		return envelope{}, false
	}
	r := gjson.ParseBytes(message)
	if !r.IsArray() {
		return envelope{}, false
	}
	items := r.Array()
	if len(items) < 2 || items[0].Type != gjson.String {
		return envelope{}, false
	}
	return envelope{Label: items[0].Str, Items: items}, true
}

// reason returns the optional trailing message of OK and CLOSED envelopes.
func (env envelope) reason(at int) string {
	if len(env.Items) > at {
		return env.Items[at].Str
	}
	return ""
}

func eventMessage(evt nostr.Event) ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["EVENT",`)
	w.Raw(evt.MarshalJSON())
	w.RawByte(']')
	return w.BuildBytes()
}

func reqMessage(id string, filter nostr.Filter) ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["REQ",`)
	w.String(id)
	w.RawByte(',')
	w.Raw(filter.MarshalJSON())
	w.RawByte(']')
	return w.BuildBytes()
}

func closeMessage(id string) []byte {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["CLOSE",`)
	w.String(id)
	w.RawByte(']')
	b, _ := w.BuildBytes()
	return b
}
