package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func (a *app) notifyClient() (*notify.Client, error) {
	if a.cfg.Notify.ServicePubkey == "" {
		return nil, errors.New("notify.service_pubkey is not configured")
	}
	if _, err := a.current(); err != nil {
		return nil, err
	}
	return &notify.Client{
		Store:            a.store,
		Transport:        a.pool,
		ServicePublicKey: a.cfg.Notify.ServicePubkey,
		Relays:           a.cfg.notifyRelays(),
		AppID:            a.cfg.Notify.AppID,
		Validity:         a.cfg.Notify.Validity,
		RefreshThreshold: a.cfg.Notify.RefreshThreshold,
	}, nil
}

// withNotify is withApp for commands talking to the notification service.
func withNotify(f func(a *app, client *notify.Client) error) error {
	return withApp(func(a *app) error {
		client, err := a.notifyClient()
		if err != nil {
			return err
		}
		return f(a, client)
	})
}

type subscribeCommand struct {
	Kinds []int    `short:"k" long:"kind" description:"Event kind, repeatable"`
	Tags  []string `short:"t" long:"tag" description:"Tag filter as name=value, repeatable (e.g. p=<hex>)"`
	JSON  string   `long:"json" description:"Filter as JSON, {\"kinds\":[...],\"tagFilters\":{...}}"`

	Args struct {
		Topic string `positional-arg-name:"topic" required:"yes"`
	} `positional-args:"yes"`
}

func (c *subscribeCommand) filter() (notify.TopicFilter, error) {
	if c.JSON != "" {
		return notify.ParseTopicFilter(c.JSON)
	}
	tf := notify.TopicFilter{Kinds: c.Kinds}
	for _, raw := range c.Tags {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return tf, fmt.Errorf("tag filter '%s' must look like name=value", raw)
		}
		if tf.TagFilters == nil {
			tf.TagFilters = make(map[string][]string)
		}
		tf.TagFilters[name] = append(tf.TagFilters[name], value)
	}
	if len(tf.Kinds) == 0 && len(tf.TagFilters) == 0 {
		return tf, errors.New("empty filter, give --kind, --tag or --json")
	}
	return tf, nil
}

func (c *subscribeCommand) Execute(args []string) error {
	tf, err := c.filter()
	if err != nil {
		return err
	}
	return withNotify(func(a *app, client *notify.Client) error {
		if err := client.Subscribe(ctx, c.Args.Topic, tf); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", c.Args.Topic, tf.Canonical())
		return nil
	})
}

type unsubscribeCommand struct {
	Args struct {
		Topic string `positional-arg-name:"topic" required:"yes"`
	} `positional-args:"yes"`
}

func (c *unsubscribeCommand) Execute(args []string) error {
	return withNotify(func(a *app, client *notify.Client) error {
		return client.Unsubscribe(ctx, c.Args.Topic)
	})
}

type registerCommand struct {
	Args struct {
		Token string `positional-arg-name:"token" required:"yes"`
	} `positional-args:"yes"`
}

func (c *registerCommand) Execute(args []string) error {
	return withNotify(func(a *app, client *notify.Client) error {
		return client.RegisterDevice(ctx, c.Args.Token)
	})
}

type deregisterCommand struct{}

func (c *deregisterCommand) Execute(args []string) error {
	return withNotify(func(a *app, client *notify.Client) error {
		return client.DeregisterDevice(ctx)
	})
}

type refreshCommand struct {
	Daemon      bool   `short:"d" long:"daemon" description:"Keep running and refresh on an interval, serving metrics"`
	MetricsAddr string `long:"metrics-addr" description:"Override metrics_addr"`
}

func (c *refreshCommand) Execute(args []string) error {
	return withNotify(func(a *app, client *notify.Client) error {
		if !c.Daemon {
			report, err := client.RefreshDue(ctx)
			if err != nil {
				return err
			}
			for _, item := range report.Refreshed {
				fmt.Printf("refreshed %s\n", item)
			}
			return report.Err()
		}

		reg := prometheus.NewRegistry()
		refresher := &notify.Refresher{
			Client:   client,
			Interval: a.cfg.Notify.RefreshInterval,
			Limiter:  rate.NewLimiter(rate.Every(a.cfg.Notify.RefreshInterval/10), 1),
			Metrics:  notify.NewMetrics(reg),
		}

		addr := a.cfg.MetricsAddr
		if c.MetricsAddr != "" {
			addr = c.MetricsAddr
		}
		if addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			server := &http.Server{Addr: addr, Handler: mux}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %s\n", err)
				}
			}()
			defer server.Close()
			nostr.InfoLogger.Printf("serving metrics on %s\n", addr)
		}

		if err := refresher.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
}
