package notify

import (
	"context"
	"errors"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

type Metrics struct {
	Refreshes *prometheus.CounterVec
	Rounds    prometheus.Counter
	LastRound prometheus.Gauge
}

// NewMetrics creates the refresher metrics and registers them on reg, if given.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostrid",
			Subsystem: "notify",
			Name:      "refreshes_total",
			Help:      "Registrations and subscriptions renewed, by result.",
		}, []string{"result"}),
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nostrid",
			Subsystem: "notify",
			Name:      "refresh_rounds_total",
			Help:      "Refresh checks performed.",
		}),
		LastRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nostrid",
			Subsystem: "notify",
			Name:      "last_refresh_round_timestamp_seconds",
			Help:      "When the last refresh check finished.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Refreshes, m.Rounds, m.LastRound)
	}
	return m
}

// Refresher renews due registrations and subscriptions in the background.
type Refresher struct {
	Client *Client

	// Interval between checks. Defaults to one hour.
	Interval time.Duration

	// Limiter spaces retries within a round. Nil retries immediately.
	Limiter *rate.Limiter

	// Attempts per round for items that keep failing with retryable errors. Defaults to 3.
	Attempts int

	Metrics *Metrics
}

// Round runs one check.
func (r *Refresher) Round(ctx context.Context) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	err := nostr.Retry(ctx, r.Limiter, attempts, func(ctx context.Context) error {
		report, err := r.Client.RefreshDue(ctx)
		if err != nil {
			return err
		}
		if r.Metrics != nil {
			r.Metrics.Refreshes.WithLabelValues("ok").Add(float64(len(report.Refreshed)))
			r.Metrics.Refreshes.WithLabelValues("failed").Add(float64(len(report.Failed)))
		}
		return report.Err()
	})

	if r.Metrics != nil {
		r.Metrics.Rounds.Inc()
		r.Metrics.LastRound.SetToCurrentTime()
	}
	return err
}

// Run checks once right away and then every Interval until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Round(ctx); err != nil && !errors.Is(err, context.Canceled) {
			nostr.InfoLogger.Printf("[notify] refresh round failed: %s\n", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
