// Package notify talks to a push-notification service over encrypted events: device
// registration and topic subscriptions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/identity"
	"github.com/nostrid/go-nostrid/kvstore"
	"github.com/nostrid/go-nostrid/nip40"
)

var json = jsoniter.ConfigFastest

const (
	DefaultValidity         = 30 * 24 * time.Hour
	DefaultRefreshThreshold = 25 * 24 * time.Hour
)

// Client sends requests on behalf of the store's current identity.
type Client struct {
	Store     *identity.Store
	Transport nostr.Transport

	ServicePublicKey string
	Relays           []string
	AppID            string

	// Validity is how long a registration or subscription lasts on the service. Defaults to DefaultValidity.
	Validity time.Duration

	// RefreshThreshold is the age after which RefreshDue renews. Defaults to DefaultRefreshThreshold.
	RefreshThreshold time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type tokenPayload struct {
	Token string `json:"token"`
}

type filterPayload struct {
	Filter jsoniter.RawMessage `json:"filter"`
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) validity() time.Duration {
	if c.Validity > 0 {
		return c.Validity
	}
	return DefaultValidity
}

func (c *Client) threshold() time.Duration {
	if c.RefreshThreshold > 0 {
		return c.RefreshThreshold
	}
	return DefaultRefreshThreshold
}

// send encrypts payload for the service, signs and publishes it. It returns the signing pubkey
// and the event timestamp once the transport has acknowledged the event.
func (c *Client) send(ctx context.Context, kind int, payload any, expires bool) (string, nostr.Timestamp, error) {
	if !nostr.IsValidPublicKey(c.ServicePublicKey) {
		return "", 0, fmt.Errorf("service public key '%s': %w", c.ServicePublicKey, nostr.ErrInvalidKeyFormat)
	}

	signer, err := c.Store.Signer(ctx)
	if err != nil {
		return "", 0, err
	}
	pubkey, err := signer.GetPublicKey(ctx)
	if err != nil {
		return "", 0, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}
	ciphertext, err := signer.Encrypt(ctx, string(plaintext), c.ServicePublicKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encrypt for service: %w", err)
	}

	now := c.now()
	evt := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.TimestampFrom(now),
		Tags:      nostr.Tags{{"p", c.ServicePublicKey}, {"app", c.AppID}},
		Content:   ciphertext,
	}
	if expires {
		evt.Tags = append(evt.Tags, nip40.ExpirationTag(nostr.TimestampFrom(now.Add(c.validity()))))
	}
	if err := signer.SignEvent(ctx, &evt); err != nil {
		return "", 0, err
	}

	if err := c.Transport.Publish(ctx, c.Relays, evt); err != nil {
		return "", 0, err
	}
	return pubkey, evt.CreatedAt, nil
}

// RegisterDevice announces a push token. State is only recorded after the service's relays took it.
func (c *Client) RegisterDevice(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("empty device token")
	}
	pubkey, ts, err := c.send(ctx, nostr.KindServiceRegisterDevice, tokenPayload{token}, true)
	if err != nil {
		return err
	}
	return c.Store.UpdateDeviceRegistration(ctx, pubkey, func(reg *identity.DeviceRegistration) error {
		*reg = identity.DeviceRegistration{Registered: true, TokenTimestamp: ts, CurrentToken: token}
		return nil
	})
}

// DeregisterDevice withdraws the registered token. Local state is kept if the service could not
// be told.
func (c *Client) DeregisterDevice(ctx context.Context) error {
	pubkey, err := c.pubkey(ctx)
	if err != nil {
		return err
	}
	reg, err := c.Store.DeviceRegistration(ctx, pubkey)
	if err != nil {
		return err
	}
	if !reg.Registered {
		return nil
	}

	if _, _, err := c.send(ctx, nostr.KindServiceDeregisterDevice, tokenPayload{reg.CurrentToken}, false); err != nil {
		return err
	}
	return c.Store.UpdateDeviceRegistration(ctx, pubkey, func(reg *identity.DeviceRegistration) error {
		*reg = identity.DeviceRegistration{}
		return nil
	})
}

// Subscribe asks the service to push events matching filter under topicID.
func (c *Client) Subscribe(ctx context.Context, topicID string, filter TopicFilter) error {
	return c.subscribe(ctx, topicID, filter.Canonical())
}

func (c *Client) subscribe(ctx context.Context, topicID string, canonical string) error {
	pubkey, err := c.pubkey(ctx)
	if err != nil {
		return err
	}
	states, err := c.Store.SubscriptionStates(ctx, pubkey)
	if err != nil {
		return err
	}

	// a topic carries one filter on the service: withdraw the previous one before replacing it
	if prev, ok := states[topicID]; ok && prev.Subscribed && prev.FilterHash != hashCanonical(canonical) {
		if _, _, err := c.send(ctx, nostr.KindServiceUnsubscribe, filterPayload{jsoniter.RawMessage(prev.Filter)}, false); err != nil {
			return fmt.Errorf("failed to withdraw previous filter of '%s': %w", topicID, err)
		}
		nostr.DebugLogger.Printf("[notify] withdrew previous filter of %s\n", topicID)
	}

	pubkey, ts, err := c.send(ctx, nostr.KindServiceSubscribe, filterPayload{jsoniter.RawMessage(canonical)}, true)
	if err != nil {
		return err
	}
	return c.Store.UpdateSubscriptions(ctx, pubkey, func(states map[string]identity.SubscriptionState) error {
		states[topicID] = identity.SubscriptionState{
			Subscribed: true,
			Since:      ts,
			FilterHash: hashCanonical(canonical),
			Filter:     canonical,
		}
		return nil
	})
}

// Unsubscribe re-sends the filter of topicID so the service can match it, then forgets it.
func (c *Client) Unsubscribe(ctx context.Context, topicID string) error {
	pubkey, err := c.pubkey(ctx)
	if err != nil {
		return err
	}
	states, err := c.Store.SubscriptionStates(ctx, pubkey)
	if err != nil {
		return err
	}
	state, ok := states[topicID]
	if !ok || !state.Subscribed {
		return nil
	}

	if _, _, err := c.send(ctx, nostr.KindServiceUnsubscribe, filterPayload{jsoniter.RawMessage(state.Filter)}, false); err != nil {
		return err
	}
	return c.Store.UpdateSubscriptions(ctx, pubkey, func(states map[string]identity.SubscriptionState) error {
		if current, ok := states[topicID]; !ok || current.FilterHash != state.FilterHash {
			// resubscribed with another filter meanwhile
			return kvstore.NoOp
		}
		delete(states, topicID)
		return nil
	})
}

// Subscriptions lists the confirmed topic states of the current identity.
func (c *Client) Subscriptions(ctx context.Context) (map[string]identity.SubscriptionState, error) {
	pubkey, err := c.pubkey(ctx)
	if err != nil {
		return nil, err
	}
	return c.Store.SubscriptionStates(ctx, pubkey)
}

func (c *Client) pubkey(ctx context.Context) (string, error) {
	id := c.Store.Current()
	if id == nil {
		return "", identity.ErrNoIdentity
	}
	return id.PublicKey(), nil
}

// Report is what one RefreshDue call did. Items are "device" or "topic:<id>".
type Report struct {
	Refreshed []string
	Failed    map[string]error
}

func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for item, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", item, err))
	}
	return errors.Join(errs...)
}

// Due lists what RefreshDue would renew right now.
func (c *Client) Due(ctx context.Context) ([]string, error) {
	pubkey, err := c.pubkey(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := nostr.TimestampFrom(c.now().Add(-c.threshold()))
	var due []string

	reg, err := c.Store.DeviceRegistration(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if reg.Registered && reg.TokenTimestamp <= cutoff {
		due = append(due, "device")
	}

	states, err := c.Store.SubscriptionStates(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	for topic, state := range states {
		if state.Subscribed && state.Since <= cutoff {
			due = append(due, "topic:"+topic)
		}
	}
	return due, nil
}

// RefreshDue renews every registration and subscription older than the refresh threshold.
func (c *Client) RefreshDue(ctx context.Context) (Report, error) {
	report := Report{Failed: make(map[string]error)}

	due, err := c.Due(ctx)
	if err != nil {
		return report, err
	}
	if len(due) == 0 {
		return report, nil
	}

	pubkey, err := c.pubkey(ctx)
	if err != nil {
		return report, err
	}
	reg, err := c.Store.DeviceRegistration(ctx, pubkey)
	if err != nil {
		return report, err
	}
	states, err := c.Store.SubscriptionStates(ctx, pubkey)
	if err != nil {
		return report, err
	}

	for _, item := range due {
		var err error
		if item == "device" {
			err = c.RegisterDevice(ctx, reg.CurrentToken)
		} else {
			topic := item[len("topic:"):]
			err = c.subscribe(ctx, topic, states[topic].Filter)
		}

		if err != nil {
			nostr.InfoLogger.Printf("[notify] failed to refresh %s: %s\n", item, err)
			report.Failed[item] = err
			if errors.Is(err, nostr.ErrEncryptionUnsupported) {
				break
			}
			continue
		}
		report.Refreshed = append(report.Refreshed, item)
	}
	return report, nil
}
