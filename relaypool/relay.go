package relaypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/nostrid/go-nostrid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/gjson"
)

const maxMessageSize = 4 << 20

var errRelayClosed = errors.New("relay closed")

var defaultDialOptions = &ws.DialOptions{
	CompressionMode: ws.CompressionContextTakeover,
	HTTPHeader: http.Header{
		textproto.CanonicalMIMEHeaderKey("User-Agent"): {"github.com/nostrid/go-nostrid"},
	},
}

// Relay is a single websocket connection. It is dead once its connection drops; Pool replaces it.
type Relay struct {
	URL string

	conn   *ws.Conn
	ctx    context.Context
	cancel context.CancelCauseFunc

	subscriptions *xsync.MapOf[string, *subscription]
	okCallbacks   *xsync.MapOf[string, func(ok bool, reason string)]
	serial        atomic.Uint64
}

// Connect dials url. If ctx has no deadline the dial is bounded to 7 seconds. Once connected,
// ctx no longer matters: call Close.
func Connect(ctx context.Context, url string, opts *ws.DialOptions) (*Relay, error) {
	url = nostr.NormalizeURL(url)
	if !nostr.IsValidRelayURL(url) {
		return nil, fmt.Errorf("invalid relay url '%s'", url)
	}
	if opts == nil {
		opts = defaultDialOptions
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 7*time.Second)
		defer cancel()
	}

	conn, _, err := ws.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("error opening websocket to '%s': %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	rctx, cancel := context.WithCancelCause(context.Background())
	r := &Relay{
		URL:           url,
		conn:          conn,
		ctx:           rctx,
		cancel:        cancel,
		subscriptions: xsync.NewMapOf[string, *subscription](),
		okCallbacks:   xsync.NewMapOf[string, func(bool, string)](),
	}
	go r.readLoop()

	return r, nil
}

func (r *Relay) String() string { return r.URL }

func (r *Relay) IsConnected() bool { return r.ctx.Err() == nil }

// Close drops the connection. Pending publishes and subscriptions on it end.
func (r *Relay) Close() error {
	r.cancel(errRelayClosed)
	return r.conn.Close(ws.StatusNormalClosure, "")
}

func (r *Relay) readLoop() {
	for {
		_, message, err := r.conn.Read(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				nostr.InfoLogger.Printf("[relaypool] connection to %s lost: %s\n", r.URL, err)
			}
			r.cancel(fmt.Errorf("connection to %s lost: %w", r.URL, err))
			r.conn.CloseNow()
			return
		}
		r.handle(message)
	}
}

func (r *Relay) handle(message []byte) {
	env, ok := parseEnvelope(message)
	if !ok {
		nostr.DebugLogger.Printf("[relaypool] unparseable message from %s: %.100s\n", r.URL, message)
		return
	}

	switch env.Label {
	case "EVENT":
		if len(env.Items) < 3 {
			return
		}
		sub, ok := r.subscriptions.Load(env.Items[1].Str)
		if !ok {
			return
		}
		evt := &nostr.Event{}
		if err := evt.UnmarshalJSON([]byte(env.Items[2].Raw)); err != nil {
			nostr.DebugLogger.Printf("[relaypool] bad event from %s: %s\n", r.URL, err)
			return
		}
		if ok, _ := evt.CheckSignature(); !ok || evt.GetID() != evt.ID {
			nostr.DebugLogger.Printf("[relaypool] bad signature on %s from %s\n", evt.ID, r.URL)
			return
		}
		if !sub.filter.Matches(evt) {
			return
		}
		sub.sink(evt)
	case "EOSE":
		if sub, ok := r.subscriptions.Load(env.Items[1].Str); ok {
			sub.endOfStoredEvents()
		}
	case "CLOSED":
		if sub, ok := r.subscriptions.LoadAndDelete(env.Items[1].Str); ok {
			nostr.DebugLogger.Printf("[relaypool] %s closed subscription %s: %s\n", r.URL, sub.id, env.reason(2))
			sub.closedByRelay()
		}
	case "OK":
		if len(env.Items) < 3 {
			return
		}
		if cb, ok := r.okCallbacks.Load(env.Items[1].Str); ok {
			cb(env.Items[2].Type == gjson.True, env.reason(3))
		}
	case "NOTICE":
		nostr.InfoLogger.Printf("[relaypool] notice from %s: %s\n", r.URL, env.Items[1].Str)
	}
}

func (r *Relay) write(ctx context.Context, message []byte) error {
	if err := r.conn.Write(ctx, ws.MessageText, message); err != nil {
		return fmt.Errorf("failed to write to %s: %w", r.URL, err)
	}
	return nil
}

// Publish sends evt and waits for the relay's OK.
func (r *Relay) Publish(ctx context.Context, evt nostr.Event) error {
	message, err := eventMessage(evt)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	r.okCallbacks.Store(evt.ID, func(ok bool, reason string) {
		var err error
		if !ok {
			err = fmt.Errorf("%s rejected %s: %s", r.URL, evt.ID, reason)
		}
		select {
		case result <- err:
		default:
		}
	})
	defer r.okCallbacks.Delete(evt.ID)

	if err := r.write(ctx, message); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no OK from %s: %w", r.URL, context.Cause(ctx))
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}
}

// subscribe sends a REQ and hands every matching event to sink, from the read loop.
// The subscription is closed on the relay when ctx is canceled.
func (r *Relay) subscribe(ctx context.Context, filter nostr.Filter, sink func(*nostr.Event)) (*subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(strconv.FormatUint(r.serial.Add(1), 10), filter, sink)
	message, err := reqMessage(sub.id, filter)
	if err != nil {
		return nil, err
	}

	r.subscriptions.Store(sub.id, sub)
	if err := r.write(ctx, message); err != nil {
		r.subscriptions.Delete(sub.id)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.closed:
			return
		case <-r.ctx.Done():
			return
		}
		r.subscriptions.Delete(sub.id)

		wctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
		defer cancel()
		if err := r.write(wctx, closeMessage(sub.id)); err != nil {
			nostr.DebugLogger.Printf("[relaypool] %s\n", err)
		}
	}()

	return sub, nil
}
