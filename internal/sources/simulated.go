package sources

import (
	"context"
	"sync"
	"time"

	"github.com/stratusops/stratus/internal/models"
)

// SimulatedProvider is a deterministic in-memory Provider used by tests and
// the demo path. Scenarios are plain data; Set* replaces the corresponding
// feed, Fail* forces a source error, and Delay adds latency to every call
// so timeout paths can be exercised.
type SimulatedProvider struct {
	mu sync.RWMutex

	metrics  []models.MetricDataPoint
	alarms   []models.AlarmInfo
	trail    []models.TrailEvent
	findings []models.Anomaly
	health   []models.HealthEvent

	failures map[string]error
	delay    time.Duration

	// TrailFailuresBeforeSuccess makes the first N trail calls fail, to
	// exercise the correlator's bounded retry.
	trailFailures int
	trailCalls    int
}

// NewSimulatedProvider returns an empty provider; all feeds start empty.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{failures: make(map[string]error)}
}

func (p *SimulatedProvider) SetMetrics(m []models.MetricDataPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

func (p *SimulatedProvider) SetAlarms(a []models.AlarmInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = a
}

func (p *SimulatedProvider) SetTrailEvents(t []models.TrailEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trail = t
}

func (p *SimulatedProvider) SetDetectorFindings(f []models.Anomaly) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findings = f
}

func (p *SimulatedProvider) SetHealthEvents(h []models.HealthEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = h
}

// Fail forces the named source to return err on every call.
func (p *SimulatedProvider) Fail(source string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, source)
		return
	}
	p.failures[source] = err
}

// SetDelay adds fixed latency to every source call.
func (p *SimulatedProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// FailTrailTimes makes the next n trail calls fail with err, then succeed.
func (p *SimulatedProvider) FailTrailTimes(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trailFailures = n
	p.trailCalls = 0
	if n > 0 {
		p.failures[SourceTrail] = err
	} else {
		delete(p.failures, SourceTrail)
	}
}

// TrailCalls reports how many times TrailEvents was invoked.
func (p *SimulatedProvider) TrailCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trailCalls
}

func (p *SimulatedProvider) wait(ctx context.Context) error {
	p.mu.RLock()
	d := p.delay
	p.mu.RUnlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SimulatedProvider) Metrics(ctx context.Context, q Query) ([]models.MetricDataPoint, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failures[SourceMetrics]; err != nil {
		return nil, err
	}
	return append([]models.MetricDataPoint(nil), p.metrics...), nil
}

func (p *SimulatedProvider) Alarms(ctx context.Context, q Query) ([]models.AlarmInfo, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failures[SourceAlarms]; err != nil {
		return nil, err
	}
	return append([]models.AlarmInfo(nil), p.alarms...), nil
}

func (p *SimulatedProvider) TrailEvents(ctx context.Context, q Query) ([]models.TrailEvent, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trailCalls++
	if err := p.failures[SourceTrail]; err != nil {
		if p.trailFailures > 0 && p.trailCalls >= p.trailFailures {
			delete(p.failures, SourceTrail)
		}
		return nil, err
	}
	return append([]models.TrailEvent(nil), p.trail...), nil
}

func (p *SimulatedProvider) DetectorFindings(ctx context.Context, q Query) ([]models.Anomaly, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failures[SourceAnomaly]; err != nil {
		return nil, err
	}
	return append([]models.Anomaly(nil), p.findings...), nil
}

func (p *SimulatedProvider) HealthEvents(ctx context.Context, q Query) ([]models.HealthEvent, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failures[SourceHealth]; err != nil {
		return nil, err
	}
	return append([]models.HealthEvent(nil), p.health...), nil
}
