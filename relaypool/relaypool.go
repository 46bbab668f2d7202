// Package relaypool is the websocket nostr.Transport: a pool of NIP-01 relay connections,
// one per normalized URL, dialed on first use and redialed after they drop.
package relaypool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/nostrid/go-nostrid"
	"github.com/puzpuzpuz/xsync/v3"
)

var _ nostr.Transport = (*Pool)(nil)

type Pool struct {
	Relays *xsync.MapOf[string, *Relay]

	// DialOptions are passed to every websocket dial. Nil uses a default with compression.
	DialOptions *ws.DialOptions

	// Timeout bounds Publish and QuerySync calls whose context has no deadline. Defaults to 7 seconds.
	Timeout time.Duration

	locks *xsync.MapOf[string, *sync.Mutex]
}

func New() *Pool {
	return &Pool{
		Relays: xsync.NewMapOf[string, *Relay](),
		locks:  xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (p *Pool) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	d := p.Timeout
	if d <= 0 {
		d = 7 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// EnsureRelay returns a live connection to url, dialing a new one if needed.
func (p *Pool) EnsureRelay(ctx context.Context, url string) (*Relay, error) {
	nm := nostr.NormalizeURL(url)
	if nm == "" {
		return nil, fmt.Errorf("invalid relay url '%s'", url)
	}

	mu, _ := p.locks.LoadOrCompute(nm, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()

	if relay, ok := p.Relays.Load(nm); ok && relay.IsConnected() {
		return relay, nil
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	relay, err := Connect(dctx, nm, p.DialOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	nostr.DebugLogger.Printf("[relaypool] connected to %s\n", nm)
	p.Relays.Store(nm, relay)
	return relay, nil
}

// connect dials every url in parallel and returns the relays that answered.
func (p *Pool) connect(ctx context.Context, urls []string) ([]*Relay, error) {
	urls = normalize(urls)
	if len(urls) == 0 {
		return nil, fmt.Errorf("no relays given")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		relays = make([]*Relay, 0, len(urls))
		errs   []error
	)
	for _, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay, err := p.EnsureRelay(ctx, url)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			relays = append(relays, relay)
		}()
	}
	wg.Wait()

	return relays, errors.Join(errs...)
}

// Publish returns as soon as one relay acknowledged the event.
func (p *Pool) Publish(ctx context.Context, urls []string, evt nostr.Event) error {
	urls = normalize(urls)
	if len(urls) == 0 {
		return fmt.Errorf("%w: no relays given", nostr.ErrPublishFailed)
	}

	ctx, cancel := p.timeout(ctx)
	defer cancel()

	results := make(chan error, len(urls))
	for _, url := range urls {
		go func() {
			relay, err := p.EnsureRelay(ctx, url)
			if err != nil {
				results <- fmt.Errorf("%s: %w", url, err)
				return
			}
			results <- relay.Publish(ctx, evt)
		}()
	}

	errs := make([]error, 0, len(urls))
	for range urls {
		err := <-results
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: %w", nostr.ErrPublishFailed, errors.Join(errs...))
}

// QuerySync collects stored events from every relay until each has sent EOSE, newest first.
func (p *Pool) QuerySync(ctx context.Context, urls []string, filter nostr.Filter) ([]*nostr.Event, error) {
	ctx, cancel := p.timeout(ctx)
	defer cancel()

	relays, err := p.connect(ctx, urls)
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: %w", nostr.ErrPublishFailed, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		done   bool
		seen   = make(map[string]struct{})
		events = make([]*nostr.Event, 0, 16)
	)
	collect := func(evt *nostr.Event) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		if _, dup := seen[evt.ID]; dup {
			return
		}
		seen[evt.ID] = struct{}{}
		events = append(events, evt)
	}

	for _, relay := range relays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			sub, err := relay.subscribe(sctx, filter, collect)
			if err != nil {
				nostr.InfoLogger.Printf("[relaypool] query on %s failed: %s\n", relay.URL, err)
				return
			}
			select {
			case <-sub.eose:
			case <-sub.closed:
			case <-sctx.Done():
			case <-relay.ctx.Done():
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	done = true
	mu.Unlock()

	slices.SortStableFunc(events, func(a, b *nostr.Event) int { return cmp.Compare(b.CreatedAt, a.CreatedAt) })
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// Subscribe opens filter on every reachable relay. The channel closes when ctx is canceled or
// every relay has dropped the subscription.
func (p *Pool) Subscribe(ctx context.Context, urls []string, filter nostr.Filter) (<-chan *nostr.Event, error) {
	relays, err := p.connect(ctx, urls)
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: %w", nostr.ErrPublishFailed, err)
	}
	if err != nil {
		nostr.InfoLogger.Printf("[relaypool] subscribing without some relays: %s\n", err)
	}

	st := newStream()
	sctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	var errs []error
	for _, relay := range relays {
		sub, err := relay.subscribe(sctx, filter, st.push)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-sctx.Done():
			case <-sub.closed:
			case <-relay.ctx.Done():
			}
		}()
	}

	if len(errs) == len(relays) {
		cancel()
		return nil, fmt.Errorf("%w: %w", nostr.ErrPublishFailed, errors.Join(errs...))
	}

	go st.pump(sctx)
	go func() {
		wg.Wait()
		cancel()
	}()

	return st.out, nil
}

// Close disconnects every relay.
func (p *Pool) Close() {
	p.Relays.Range(func(url string, relay *Relay) bool {
		relay.Close()
		p.Relays.Delete(url)
		return true
	})
}

func normalize(urls []string) []string {
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		nm := nostr.NormalizeURL(url)
		if nm != "" && !slices.Contains(result, nm) {
			result = append(result, nm)
		}
	}
	return result
}
