package relaypool

import (
	"context"
	"sync"

	"github.com/nostrid/go-nostrid"
)

// subscription is one REQ on one relay.
type subscription struct {
	id     string
	filter nostr.Filter
	sink   func(*nostr.Event)

	eose     chan struct{}
	eoseOnce sync.Once

	closed     chan struct{}
	closedOnce sync.Once
}

func newSubscription(id string, filter nostr.Filter, sink func(*nostr.Event)) *subscription {
	return &subscription{
		id:     id,
		filter: filter,
		sink:   sink,
		eose:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (sub *subscription) endOfStoredEvents() {
	sub.eoseOnce.Do(func() { close(sub.eose) })
}

func (sub *subscription) closedByRelay() {
	sub.closedOnce.Do(func() { close(sub.closed) })
}

// stream merges events from several relays into one channel, dropping duplicates. push never
// blocks, so a slow reader cannot stall a relay's read loop.
type stream struct {
	mu     sync.Mutex
	queue  []*nostr.Event
	seen   map[string]struct{}
	notify chan struct{}
	out    chan *nostr.Event
}

func newStream() *stream {
	return &stream{
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
		out:    make(chan *nostr.Event),
	}
}

func (st *stream) push(evt *nostr.Event) {
	st.mu.Lock()
	if _, dup := st.seen[evt.ID]; dup {
		st.mu.Unlock()
		return
	}
	st.seen[evt.ID] = struct{}{}
	st.queue = append(st.queue, evt)
	st.mu.Unlock()

	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued events until ctx is done, then closes the output channel.
func (st *stream) pump(ctx context.Context) {
	defer close(st.out)
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-st.notify:
				continue
			}
		}
		next := st.queue[0]
		st.queue = st.queue[1:]
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case st.out <- next:
		}
	}
}
