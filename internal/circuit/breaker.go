// Package circuit provides the per-SOP circuit breaker used by the safety
// layer. A breaker opens after repeated execution failures inside a sliding
// window, blocks further automated runs while open, probes via half-open
// after the open interval, and closes again on the next success.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/models"
)

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens
	// the breaker.
	FailureThreshold int
	// Window is the sliding interval failures are counted over.
	Window time.Duration
	// OpenDuration is how long the breaker stays open before allowing a
	// half-open probe.
	OpenDuration time.Duration
}

// DefaultConfig returns the stock breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           10 * time.Minute,
		OpenDuration:     5 * time.Minute,
	}
}

// Breaker tracks failures for one key (an SOP ID).
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  Config

	state    models.CircuitState
	failures []time.Time // failure instants inside the window
	openedAt time.Time

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64

	now func() time.Time
}

// NewBreaker creates a breaker for the given key.
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Minute
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: models.CircuitClosed,
		now:   time.Now,
	}
}

// State returns the breaker state, applying the open -> half-open
// transition if the open interval has elapsed.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() models.CircuitState {
	if b.state == models.CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = models.CircuitHalfOpen
		log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open, next execution is a probe")
	}
	return b.state
}

// Allows reports whether an execution may proceed. Open blocks; closed and
// half-open allow (half-open executions are probes).
func (b *Breaker) Allows() bool {
	return b.State() != models.CircuitOpen
}

// RecordSuccess closes the breaker and clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.failures = b.failures[:0]
	if b.state != models.CircuitClosed {
		log.Info().Str("breaker", b.name).Msg("Circuit breaker closed after successful execution")
	}
	b.state = models.CircuitClosed
}

// RecordFailure counts a failure; at the threshold within the window the
// breaker opens. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalFailures++

	if b.stateLocked() == models.CircuitHalfOpen {
		b.trip(now)
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	if b.state != models.CircuitOpen {
		b.totalTrips++
		log.Warn().
			Str("breaker", b.name).
			Int("failures", len(b.failures)).
			Dur("open_for", b.cfg.OpenDuration).
			Msg("Circuit breaker opened")
	}
	b.state = models.CircuitOpen
	b.openedAt = now
	b.failures = b.failures[:0]
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// Reset force-closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = models.CircuitClosed
	b.failures = b.failures[:0]
	log.Info().Str("breaker", b.name).Msg("Circuit breaker reset")
}

// Status is a read-only snapshot for the stats surface.
type Status struct {
	Name           string               `json:"name"`
	State          models.CircuitState  `json:"state"`
	WindowFailures int                  `json:"window_failures"`
	TotalFailures  int64                `json:"total_failures"`
	TotalSuccesses int64                `json:"total_successes"`
	TotalTrips     int64                `json:"total_trips"`
	ReopensInMs    int64                `json:"reopens_in_ms,omitempty"`
}

// GetStatus snapshots the breaker.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:           b.name,
		State:          b.stateLocked(),
		WindowFailures: len(b.failures),
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
		TotalTrips:     b.totalTrips,
	}
	if st.State == models.CircuitOpen {
		if remain := b.cfg.OpenDuration - b.now().Sub(b.openedAt); remain > 0 {
			st.ReopensInMs = remain.Milliseconds()
		}
	}
	return st
}
