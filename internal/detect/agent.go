// Package detect produces and caches detection results so the rest of the
// pipeline can reuse fresh telemetry instead of re-collecting it.
package detect

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/stratusops/stratus/internal/correlator"
	"github.com/stratusops/stratus/internal/metrics"
	"github.com/stratusops/stratus/internal/models"
)

// Collector is the collection dependency; satisfied by correlator.Correlator.
type Collector interface {
	Collect(ctx context.Context, opts correlator.CollectOptions) *models.CorrelatedEvent
}

// Config configures an Agent.
type Config struct {
	Region     string
	TTLSeconds int    // default validity window for results
	CacheDir   string // empty disables on-disk caching
	MaxCached  int    // in-memory results to retain (default 50)
}

// Agent wraps the correlator with single-flight detection and a TTL cache.
// At most one detection runs per agent; concurrent callers coalesce onto
// the in-flight call and observe the same result.
type Agent struct {
	collector Collector
	cfg       Config
	cache     *fileCache

	flight singleflight.Group

	mu         sync.RWMutex
	latest     *models.DetectResult
	byID       map[string]*models.DetectResult
	order      []string // insertion order for eviction
	collecting bool

	now func() time.Time
}

// Health is the agent's self-report.
type Health struct {
	Status           string           `json:"status"` // idle | collecting
	LatestDetectID   string           `json:"latest_detect_id,omitempty"`
	LatestAgeSeconds int64            `json:"latest_age_seconds,omitempty"`
	LatestFreshness  models.Freshness `json:"latest_freshness,omitempty"`
	CacheSize        int              `json:"cache_size"`
}

// RunOptions scopes one detection cycle. Zero values fall back to the
// standard proactive scan.
type RunOptions struct {
	Services   []string
	Lookback   time.Duration
	Source     models.DetectSource
	TTLSeconds int
}

// NewAgent creates a detect agent.
func NewAgent(collector Collector, cfg Config) *Agent {
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = int(models.DefaultDetectTTL / time.Second)
	}
	if cfg.MaxCached <= 0 {
		cfg.MaxCached = 50
	}

	a := &Agent{
		collector: collector,
		cfg:       cfg,
		byID:      make(map[string]*models.DetectResult),
		now:       time.Now,
	}
	if cfg.CacheDir != "" {
		a.cache = newFileCache(cfg.CacheDir)
	}
	return a
}

// RunDetection runs (or joins) one detection cycle and returns its result.
// Detection itself never fails; collection problems are captured on the
// result. The returned error covers only context cancellation.
func (a *Agent) RunDetection(ctx context.Context, opts RunOptions) (*models.DetectResult, error) {
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * time.Minute
	}
	if opts.Source == "" {
		opts.Source = models.DetectSourceProactive
	}
	if opts.TTLSeconds <= 0 {
		opts.TTLSeconds = a.cfg.TTLSeconds
	}

	// Coalesce concurrent callers onto one underlying collection.
	v, err, shared := a.flight.Do("detect", func() (interface{}, error) {
		return a.detect(ctx, opts), nil
	})
	if err != nil {
		return nil, err
	}
	result := v.(*models.DetectResult)
	if shared {
		log.Debug().Str("detect_id", result.DetectID).Msg("Detection call coalesced onto in-flight run")
	}
	return result, ctx.Err()
}

func (a *Agent) detect(ctx context.Context, opts RunOptions) *models.DetectResult {
	start := a.now()

	a.mu.Lock()
	a.collecting = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.collecting = false
		a.mu.Unlock()
	}()

	result := &models.DetectResult{
		DetectID:   ulid.Make().String(),
		Timestamp:  start,
		Source:     opts.Source,
		Region:     a.cfg.Region,
		TTLSeconds: opts.TTLSeconds,
	}

	ev := a.collector.Collect(ctx, correlator.CollectOptions{
		Services:      opts.Services,
		Lookback:      opts.Lookback,
		IncludeTrail:  true,
		IncludeHealth: true,
	})
	result.CorrelatedEvent = ev
	result.AnomaliesDetected = len(ev.Anomalies)
	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
	}

	a.store(result)
	metrics.DetectionsTotal.WithLabelValues(string(opts.Source), "ok").Inc()

	log.Info().
		Str("detect_id", result.DetectID).
		Str("source", string(opts.Source)).
		Int("anomalies", result.AnomaliesDetected).
		Msg("Detection cycle complete")

	// Cache-write failure is logged, never propagated.
	if a.cache != nil {
		if err := a.cache.Write(result); err != nil {
			log.Warn().Err(err).Str("detect_id", result.DetectID).Msg("Failed to persist detect result")
		}
	}

	return result
}

func (a *Agent) store(result *models.DetectResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest = result
	a.byID[result.DetectID] = result
	a.order = append(a.order, result.DetectID)
	for len(a.order) > a.cfg.MaxCached {
		evicted := a.order[0]
		a.order = a.order[1:]
		delete(a.byID, evicted)
	}
}

// Latest returns the most recent result regardless of freshness.
func (a *Agent) Latest() *models.DetectResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// LatestFresh returns the most recent result only if it has not gone stale.
func (a *Agent) LatestFresh() *models.DetectResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil || a.latest.IsStale(a.now()) {
		return nil
	}
	return a.latest
}

// GetByID returns a cached result, falling back to the on-disk cache.
func (a *Agent) GetByID(detectID string) *models.DetectResult {
	a.mu.RLock()
	result := a.byID[detectID]
	a.mu.RUnlock()
	if result != nil {
		return result
	}
	if a.cache == nil {
		return nil
	}
	result, err := a.cache.Read(detectID)
	if err != nil {
		log.Debug().Err(err).Str("detect_id", detectID).Msg("Detect result not in cache")
		return nil
	}
	return result
}

// GetHealth reports agent state for the scheduler and the status surface.
func (a *Agent) GetHealth() Health {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := Health{Status: "idle", CacheSize: len(a.byID)}
	if a.collecting {
		h.Status = "collecting"
	}
	if a.latest != nil {
		now := a.now()
		h.LatestDetectID = a.latest.DetectID
		h.LatestAgeSeconds = int64(a.latest.Age(now) / time.Second)
		h.LatestFreshness = a.latest.FreshnessAt(now)
	}
	return h
}
