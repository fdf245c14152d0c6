// Package sources defines the boundary to the cloud provider's telemetry
// APIs. The engine core only sees the Provider interface; real SDK-backed
// providers live outside this module as service plugins.
package sources

import (
	"context"
	"time"

	"github.com/stratusops/stratus/internal/models"
)

// Source names as they appear in CorrelatedEvent.SourceStatus.
const (
	SourceMetrics = "metrics"
	SourceAlarms  = "alarms"
	SourceTrail   = "trail"
	SourceAnomaly = "anomaly"
	SourceHealth  = "health"
)

// Names lists every collection source in fan-out order.
func Names() []string {
	return []string{SourceMetrics, SourceAlarms, SourceTrail, SourceAnomaly, SourceHealth}
}

// Query scopes one collection cycle.
type Query struct {
	Region   string
	Services []string // empty means all services
	Lookback time.Duration
}

// Provider fans out to the cloud telemetry APIs. Every call honors its
// context; implementations return partial data with an error rather than
// panicking on provider throttling.
type Provider interface {
	Metrics(ctx context.Context, q Query) ([]models.MetricDataPoint, error)
	Alarms(ctx context.Context, q Query) ([]models.AlarmInfo, error)
	TrailEvents(ctx context.Context, q Query) ([]models.TrailEvent, error)
	// DetectorFindings returns anomalies reported by the provider-side
	// anomaly detector; they are merged with threshold-derived anomalies.
	DetectorFindings(ctx context.Context, q Query) ([]models.Anomaly, error)
	HealthEvents(ctx context.Context, q Query) ([]models.HealthEvent, error)
}
