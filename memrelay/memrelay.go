// Package memrelay is an in-process nostr.Transport. Every relay URL maps to the same store,
// which is enough for tests and for running the CLI offline.
package memrelay

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/nostrid/go-nostrid"
)

var _ nostr.Transport = (*Relay)(nil)

type Relay struct {
	mu     sync.Mutex
	events []*nostr.Event
	seen   map[string]struct{}
	subs   map[uint64]*subscription
	serial uint64

	live atomic.Int64

	// BeforePublish, when set, is called for every event before it is stored.
	// Returning an error rejects the event as a relay would.
	BeforePublish func(relays []string, evt *nostr.Event) error
}

func New() *Relay {
	return &Relay{
		seen: make(map[string]struct{}),
		subs: make(map[uint64]*subscription),
	}
}

func (r *Relay) Publish(ctx context.Context, relays []string, evt nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", nostr.ErrPublishFailed, err)
	}
	if ok, err := evt.CheckSignature(); !ok || evt.GetID() != evt.ID {
		return fmt.Errorf("%w: invalid: bad signature or id (%v)", nostr.ErrPublishFailed, err)
	}

	r.mu.Lock()
	hook := r.BeforePublish
	r.mu.Unlock()
	if hook != nil {
		if err := hook(relays, &evt); err != nil {
			return fmt.Errorf("%w: %w", nostr.ErrPublishFailed, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[evt.ID]; dup {
		return nil
	}
	r.seen[evt.ID] = struct{}{}

	stored := evt
	stored.Tags = evt.Tags.Clone()
	r.events = append(r.events, &stored)

	for _, sub := range r.subs {
		if sub.filter.Matches(&stored) {
			sub.push(&stored)
		}
	}
	return nil
}

func (r *Relay) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.query(filter), nil
}

func (r *Relay) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) (<-chan *nostr.Event, error) {
	sub := &subscription{
		filter: filter,
		notify: make(chan struct{}, 1),
		out:    make(chan *nostr.Event),
	}

	r.mu.Lock()
	r.serial++
	id := r.serial
	r.subs[id] = sub
	for _, evt := range r.query(filter) {
		sub.push(evt)
	}
	r.mu.Unlock()

	r.live.Add(1)
	go func() {
		sub.pump(ctx)

		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		r.live.Add(-1)
		close(sub.out)
	}()

	return sub.out, nil
}

// ActiveSubscriptions counts subscriptions whose context is still alive.
func (r *Relay) ActiveSubscriptions() int {
	return int(r.live.Load())
}

// Events returns every stored event matching filter.
func (r *Relay) Events(filter nostr.Filter) []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.query(filter)
}

func (r *Relay) SetBeforePublish(hook func(relays []string, evt *nostr.Event) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BeforePublish = hook
}

func (r *Relay) query(filter nostr.Filter) []*nostr.Event {
	result := make([]*nostr.Event, 0, 8)
	for _, evt := range r.events {
		if filter.Matches(evt) {
			result = append(result, evt)
		}
	}

	// newest first, like a real relay
	slices.Reverse(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

type subscription struct {
	filter nostr.Filter

	mu     sync.Mutex
	queue  []*nostr.Event
	notify chan struct{}
	out    chan *nostr.Event
}

func (sub *subscription) push(evt *nostr.Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, evt)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscription) pump(ctx context.Context) {
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-sub.notify:
				continue
			}
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case sub.out <- next:
		}
	}
}
