package nostr

import "time"

type Timestamp int64

func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

func TimestampFrom(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}
