// Package correlator collects multi-source telemetry in parallel and fuses
// it into a single CorrelatedEvent. Collection never fails: individual
// source failures are recorded per source and the aggregate is returned.
package correlator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/metrics"
	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/sources"
)

// Timeouts are the per-source soft budgets for one collection cycle.
type Timeouts struct {
	Metrics time.Duration
	Alarms  time.Duration
	Trail   time.Duration
	Anomaly time.Duration
	Health  time.Duration
}

// DefaultTimeouts returns the per-source soft budgets the engine ships with.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Metrics: 5 * time.Second,
		Alarms:  3 * time.Second,
		Trail:   6 * time.Second,
		Anomaly: 5 * time.Second,
		Health:  4 * time.Second,
	}
}

// Config configures a Correlator.
type Config struct {
	Region       string
	SoftTimeouts Timeouts
	HardTimeout  time.Duration // wall-clock budget for the whole cycle

	// Trail retries transient provider throttling so empty-trail false
	// negatives don't corrupt the recent-changes projection.
	TrailRetryAttempts int
	TrailRetryBackoff  time.Duration

	// Thresholds overrides the anomaly threshold table; nil keeps defaults.
	Thresholds map[string]float64
}

// DefaultConfig returns the stock correlator configuration for a region.
func DefaultConfig(region string) Config {
	return Config{
		Region:             region,
		SoftTimeouts:       DefaultTimeouts(),
		HardTimeout:        30 * time.Second,
		TrailRetryAttempts: 2,
		TrailRetryBackoff:  200 * time.Millisecond,
	}
}

// CollectOptions scopes one collection cycle.
type CollectOptions struct {
	Services      []string
	Lookback      time.Duration
	IncludeTrail  bool
	IncludeHealth bool
}

// DefaultCollectOptions returns the standard 15-minute full collection.
func DefaultCollectOptions() CollectOptions {
	return CollectOptions{Lookback: 15 * time.Minute, IncludeTrail: true, IncludeHealth: true}
}

// Correlator fans out to the provider's telemetry sources.
type Correlator struct {
	provider   sources.Provider
	cfg        Config
	thresholds map[string]float64
}

// New creates a Correlator. Zero-value config fields fall back to defaults.
func New(provider sources.Provider, cfg Config) *Correlator {
	def := DefaultConfig(cfg.Region)
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = def.HardTimeout
	}
	if cfg.SoftTimeouts.Metrics <= 0 {
		cfg.SoftTimeouts.Metrics = def.SoftTimeouts.Metrics
	}
	if cfg.SoftTimeouts.Alarms <= 0 {
		cfg.SoftTimeouts.Alarms = def.SoftTimeouts.Alarms
	}
	if cfg.SoftTimeouts.Trail <= 0 {
		cfg.SoftTimeouts.Trail = def.SoftTimeouts.Trail
	}
	if cfg.SoftTimeouts.Anomaly <= 0 {
		cfg.SoftTimeouts.Anomaly = def.SoftTimeouts.Anomaly
	}
	if cfg.SoftTimeouts.Health <= 0 {
		cfg.SoftTimeouts.Health = def.SoftTimeouts.Health
	}
	if cfg.TrailRetryAttempts <= 0 {
		cfg.TrailRetryAttempts = def.TrailRetryAttempts
	}
	if cfg.TrailRetryBackoff <= 0 {
		cfg.TrailRetryBackoff = def.TrailRetryBackoff
	}

	thresholds := defaultThresholds()
	for metric, v := range cfg.Thresholds {
		thresholds[metric] = v
	}

	return &Correlator{provider: provider, cfg: cfg, thresholds: thresholds}
}

type sourceResult struct {
	name   string
	status models.SourceState
	err    error
}

// Collect runs one collection cycle. It always returns an event; downstream
// components must treat absence of findings as "no signal", not "healthy".
func (c *Correlator) Collect(ctx context.Context, opts CollectOptions) *models.CorrelatedEvent {
	start := time.Now()
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HardTimeout)
	defer cancel()

	q := sources.Query{Region: c.cfg.Region, Services: opts.Services, Lookback: opts.Lookback}

	ev := &models.CorrelatedEvent{
		CollectionID:  newCollectionID(),
		Region:        c.cfg.Region,
		StartedAt:     start,
		Metrics:       []models.MetricDataPoint{},
		Alarms:        []models.AlarmInfo{},
		TrailEvents:   []models.TrailEvent{},
		HealthEvents:  []models.HealthEvent{},
		Anomalies:     []models.Anomaly{},
		RecentChanges: []models.RecentChange{},
		SourceStatus:  make(map[string]models.SourceState),
		SourceErrors:  make(map[string]string),
	}

	var mu sync.Mutex // guards ev while the fan-out is in flight
	var wg sync.WaitGroup
	results := make([]sourceResult, 0, 5)

	run := func(name string, timeout time.Duration, fetch func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, scancel := context.WithTimeout(ctx, timeout)
			defer scancel()

			err := fetch(sctx)

			res := sourceResult{name: name, status: models.SourceOK}
			if err != nil {
				res.err = err
				res.status = models.SourceError
				if errors.Is(err, context.DeadlineExceeded) {
					res.status = models.SourceTimeout
				}
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}

	var detectorFindings []models.Anomaly

	run(sources.SourceMetrics, c.cfg.SoftTimeouts.Metrics, func(sctx context.Context) error {
		points, err := c.provider.Metrics(sctx, q)
		if err != nil {
			return err
		}
		mu.Lock()
		ev.Metrics = points
		mu.Unlock()
		return nil
	})

	run(sources.SourceAlarms, c.cfg.SoftTimeouts.Alarms, func(sctx context.Context) error {
		alarms, err := c.provider.Alarms(sctx, q)
		if err != nil {
			return err
		}
		mu.Lock()
		ev.Alarms = alarms
		mu.Unlock()
		return nil
	})

	run(sources.SourceAnomaly, c.cfg.SoftTimeouts.Anomaly, func(sctx context.Context) error {
		findings, err := c.provider.DetectorFindings(sctx, q)
		if err != nil {
			return err
		}
		mu.Lock()
		detectorFindings = findings
		mu.Unlock()
		return nil
	})

	if opts.IncludeTrail {
		run(sources.SourceTrail, c.cfg.SoftTimeouts.Trail, func(sctx context.Context) error {
			events, err := c.fetchTrailWithRetry(sctx, q)
			if err != nil {
				return err
			}
			mu.Lock()
			ev.TrailEvents = events
			mu.Unlock()
			return nil
		})
	}

	if opts.IncludeHealth {
		run(sources.SourceHealth, c.cfg.SoftTimeouts.Health, func(sctx context.Context) error {
			events, err := c.provider.HealthEvents(sctx, q)
			if err != nil {
				return err
			}
			mu.Lock()
			ev.HealthEvents = events
			mu.Unlock()
			return nil
		})
	}

	wg.Wait()

	for _, res := range results {
		ev.SourceStatus[res.name] = res.status
		metrics.CollectionsTotal.WithLabelValues(res.name, string(res.status)).Inc()
		if res.err != nil {
			ev.SourceErrors[res.name] = res.err.Error()
			log.Debug().
				Str("collection_id", ev.CollectionID).
				Str("source", res.name).
				Str("status", string(res.status)).
				Err(res.err).
				Msg("Collection source failed")
		}
	}

	if ev.TrailEvents == nil {
		ev.TrailEvents = []models.TrailEvent{}
	}
	if ev.Metrics == nil {
		ev.Metrics = []models.MetricDataPoint{}
	}
	if ev.Alarms == nil {
		ev.Alarms = []models.AlarmInfo{}
	}
	if ev.HealthEvents == nil {
		ev.HealthEvents = []models.HealthEvent{}
	}

	ev.Anomalies = c.deriveAnomalies(ev, detectorFindings)
	ev.RecentChanges = deriveRecentChanges(ev.TrailEvents)
	ev.DurationMs = time.Since(start).Milliseconds()

	log.Info().
		Str("collection_id", ev.CollectionID).
		Str("region", ev.Region).
		Int("metrics", len(ev.Metrics)).
		Int("alarms", len(ev.Alarms)).
		Int("anomalies", len(ev.Anomalies)).
		Int64("duration_ms", ev.DurationMs).
		Msg("Collection cycle complete")

	return ev
}

// fetchTrailWithRetry retries transient trail failures within the source
// budget. Attempts and backoff are fixed by configuration.
func (c *Correlator) fetchTrailWithRetry(ctx context.Context, q sources.Query) ([]models.TrailEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.TrailRetryAttempts; attempt++ {
		events, err := c.provider.TrailEvents(ctx, q)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			break // no budget left, retrying is pointless
		}
		if attempt < c.cfg.TrailRetryAttempts {
			select {
			case <-time.After(c.cfg.TrailRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func deriveRecentChanges(events []models.TrailEvent) []models.RecentChange {
	changes := make([]models.RecentChange, 0, len(events))
	for _, e := range events {
		if e.ReadOnly {
			continue
		}
		changes = append(changes, models.RecentChange{
			EventName:    e.EventName,
			UserIdentity: e.UserIdentity,
			ResourceID:   e.ResourceID,
			EventTime:    e.EventTime,
			ErrorCode:    e.ErrorCode,
			ErrorMessage: e.ErrorMessage,
		})
	}
	return changes
}

func newCollectionID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(buf)
}
