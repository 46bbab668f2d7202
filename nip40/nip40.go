package nip40

import (
	"strconv"

	"github.com/nostrid/go-nostrid"
)

// GetExpiration returns the expiration timestamp for this event, or -1 if no "expiration" tag exists or
// if it is invalid.
func GetExpiration(tags nostr.Tags) nostr.Timestamp {
	tag := tags.Find("expiration")
	if tag == nil {
		return -1
	}
	ts, err := strconv.ParseInt(tag[1], 10, 64)
	if err != nil {
		return -1
	}
	return nostr.Timestamp(ts)
}

// ExpirationTag builds the tag that makes an event expire at ts.
func ExpirationTag(ts nostr.Timestamp) nostr.Tag {
	return nostr.Tag{"expiration", strconv.FormatInt(int64(ts), 10)}
}

// IsExpired reports whether evt carries an expiration at or before now.
func IsExpired(evt *nostr.Event, now nostr.Timestamp) bool {
	exp := GetExpiration(evt.Tags)
	return exp != -1 && exp <= now
}
