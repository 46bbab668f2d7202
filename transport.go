package nostr

import (
	"context"
)

// Transport is the relay plumbing every protocol in this module is written against.
// Nothing outside a Transport implementation ever opens a socket.
type Transport interface {
	// Publish sends the event to the given relays and returns once at least one of them
	// has acknowledged it. Failure must wrap ErrPublishFailed.
	Publish(ctx context.Context, relays []string, event Event) error

	// QuerySync returns the stored events matching filter.
	QuerySync(ctx context.Context, relays []string, filter Filter) ([]*Event, error)

	// Subscribe streams stored and live events matching filter until ctx is canceled,
	// at which point the subscription is closed on every relay and the channel is closed.
	Subscribe(ctx context.Context, relays []string, filter Filter) (<-chan *Event, error)
}
