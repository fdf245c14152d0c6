package correlator

import (
	"fmt"

	"github.com/stratusops/stratus/internal/models"
)

// defaultThresholds is the stock anomaly threshold table, keyed by metric
// name. Values are in the metric's native unit.
func defaultThresholds() map[string]float64 {
	return map[string]float64{
		"CPUUtilization":       80,
		"MemoryUtilization":    85,
		"DiskSpaceUtilization": 90,
		"Errors":               10,
		"ThrottledRequests":    0,
	}
}

// anomalyTypes maps metric names to anomaly type labels.
var anomalyTypes = map[string]string{
	"CPUUtilization":       "cpu_spike",
	"MemoryUtilization":    "memory_pressure",
	"DiskSpaceUtilization": "disk_full",
	"Errors":               "error_surge",
	"ThrottledRequests":    "throttling",
}

// deriveAnomalies compares each metric aggregate against the threshold
// table, folds in firing alarms, and merges detector-reported findings.
func (c *Correlator) deriveAnomalies(ev *models.CorrelatedEvent, detectorFindings []models.Anomaly) []models.Anomaly {
	anomalies := make([]models.Anomaly, 0, len(detectorFindings))

	for _, point := range ev.Metrics {
		threshold, ok := c.thresholds[point.MetricName]
		if !ok {
			continue
		}
		if point.Value <= threshold {
			continue
		}
		anomalies = append(anomalies, models.Anomaly{
			Type:      anomalyType(point.MetricName),
			Resource:  point.ResourceID,
			Metric:    point.MetricName,
			Value:     point.Value,
			Threshold: threshold,
			Severity:  severityFor(point.Value, threshold),
			Description: fmt.Sprintf("%s on %s at %.1f exceeds threshold %.1f",
				point.MetricName, point.ResourceID, point.Value, threshold),
		})
	}

	for _, alarm := range ev.Alarms {
		if alarm.State != models.AlarmStateAlarm {
			continue
		}
		anomalies = append(anomalies, models.Anomaly{
			Type:        "alarm_firing",
			Resource:    alarm.ResourceID,
			Metric:      alarm.MetricName,
			Value:       alarm.Threshold,
			Threshold:   alarm.Threshold,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("alarm %s in ALARM state: %s", alarm.Name, alarm.Reason),
		})
	}

	anomalies = append(anomalies, detectorFindings...)
	return anomalies
}

// severityFor grades a threshold breach. High is reserved for values that
// clear both the saturation line and 1.1x the threshold, so a high-severity
// anomaly always carries value >= 1.1 * threshold.
func severityFor(value, threshold float64) models.Severity {
	switch {
	case value >= 95 && value >= threshold*1.1:
		return models.SeverityHigh
	case value >= threshold+10:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func anomalyType(metric string) string {
	if t, ok := anomalyTypes[metric]; ok {
		return t
	}
	return "threshold_breach"
}
