// Package ingest translates cloud-provider alarm notifications delivered
// over HTTP into incident triggers. Only the OK→ALARM edge triggers; state
// repeats and recoveries are dropped.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/orchestrator"
)

// IncidentHandler is the pipeline dependency; satisfied by
// orchestrator.Orchestrator.
type IncidentHandler interface {
	HandleIncident(ctx context.Context, req orchestrator.Request) *models.IncidentRecord
}

// Envelope is the pub/sub wrapper around an alarm notification.
type Envelope struct {
	Type         string `json:"Type,omitempty"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Message      string `json:"Message,omitempty"`
}

// AlarmMessage is the inner alarm payload.
type AlarmMessage struct {
	AlarmName       string       `json:"AlarmName"`
	NewStateValue   string       `json:"NewStateValue"`
	OldStateValue   string       `json:"OldStateValue"`
	NewStateReason  string       `json:"NewStateReason,omitempty"`
	StateChangeTime string       `json:"StateChangeTime,omitempty"`
	Region          string       `json:"Region,omitempty"`
	Trigger         AlarmTrigger `json:"Trigger"`
}

// AlarmTrigger describes what the alarm watches.
type AlarmTrigger struct {
	Namespace          string      `json:"Namespace,omitempty"`
	MetricName         string      `json:"MetricName,omitempty"`
	Threshold          float64     `json:"Threshold,omitempty"`
	ComparisonOperator string      `json:"ComparisonOperator,omitempty"`
	EvaluationPeriods  int         `json:"EvaluationPeriods,omitempty"`
	Period             int         `json:"Period,omitempty"`
	Dimensions         []Dimension `json:"Dimensions,omitempty"`
}

// Dimension is one metric dimension.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Result is the ingestor's response shape.
type Result struct {
	Status         string `json:"status"` // processed | skipped | confirmed | error
	Reason         string `json:"reason,omitempty"`
	IncidentID     string `json:"incident_id,omitempty"`
	PipelineStatus string `json:"pipeline_status,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
	RCARootCause   string `json:"rca_root_cause,omitempty"`
	SOPMatched     string `json:"sop_matched,omitempty"`
}

// namespaceService maps metric namespaces to service filters.
var namespaceService = map[string]string{
	"AWS/EC2":            "ec2",
	"AWS/RDS":            "rds",
	"AWS/Lambda":         "lambda",
	"AWS/ECS":            "ecs",
	"AWS/ELB":            "elb",
	"AWS/ApplicationELB": "elb",
	"AWS/DynamoDB":       "dynamodb",
	"AWS/SQS":            "sqs",
	"CWAgent":            "ec2",
}

// nameHints maps alarm-name substrings to services when the namespace is
// unknown.
var nameHints = []struct{ substr, service string }{
	{"rds", "rds"},
	{"database", "rds"},
	{"lambda", "lambda"},
	{"ecs", "ecs"},
	{"cpu", "ec2"},
	{"instance", "ec2"},
}

// Ingestor turns alarm payloads into pipeline triggers.
type Ingestor struct {
	handler IncidentHandler
	client  *http.Client // for subscription confirmation GETs
}

// New creates an ingestor. client may be nil; a 10s-timeout default is used.
func New(handler IncidentHandler, client *http.Client) *Ingestor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Ingestor{handler: handler, client: client}
}

// Handle processes one webhook payload.
func (g *Ingestor) Handle(ctx context.Context, payload []byte) Result {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{Status: "error", Reason: fmt.Sprintf("malformed payload: %v", err)}
	}

	if env.Type == "SubscriptionConfirmation" {
		return g.confirm(ctx, env.SubscribeURL)
	}

	raw := env.Message
	if raw == "" {
		// Some senders post the alarm JSON directly, without the envelope.
		raw = string(payload)
	}
	var alarm AlarmMessage
	if err := json.Unmarshal([]byte(raw), &alarm); err != nil {
		return Result{Status: "error", Reason: fmt.Sprintf("malformed alarm message: %v", err)}
	}
	if alarm.AlarmName == "" {
		return Result{Status: "error", Reason: "missing AlarmName"}
	}

	// Edge-only: trigger on OK→ALARM, drop repeats and recoveries.
	if alarm.NewStateValue != "ALARM" {
		log.Debug().Str("alarm", alarm.AlarmName).Str("state", alarm.NewStateValue).Msg("Alarm notification skipped")
		return Result{Status: "skipped", Reason: "State: " + alarm.NewStateValue}
	}
	if alarm.OldStateValue == "ALARM" {
		return Result{Status: "skipped", Reason: "already in ALARM"}
	}

	var services []string
	if svc := serviceFor(alarm); svc != "" {
		services = []string{svc}
	}

	triggerData, _ := json.Marshal(alarm)
	log.Info().
		Str("alarm", alarm.AlarmName).
		Str("namespace", alarm.Trigger.Namespace).
		Strs("services", services).
		Msg("Alarm notification accepted")

	rec := g.handler.HandleIncident(ctx, orchestrator.Request{
		TriggerType: models.TriggerAlarm,
		TriggerData: triggerData,
		Services:    services,
		AutoExecute: true,
		Lookback:    15 * time.Minute,
	})

	result := Result{
		Status:         "processed",
		IncidentID:     rec.IncidentID,
		PipelineStatus: string(rec.Status),
		DurationMs:     rec.DurationMs,
	}
	if rec.RCAResult != nil {
		result.RCARootCause = rec.RCAResult.RootCause
	}
	if len(rec.MatchedSOPs) > 0 {
		result.SOPMatched = rec.MatchedSOPs[0].SOPID
	}
	return result
}

func (g *Ingestor) confirm(ctx context.Context, url string) Result {
	if url == "" {
		return Result{Status: "error", Reason: "missing SubscribeURL"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Status: "error", Reason: err.Error()}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Subscription confirmation GET failed")
		return Result{Status: "error", Reason: err.Error()}
	}
	resp.Body.Close()
	log.Info().Str("url", url).Int("code", resp.StatusCode).Msg("Subscription confirmed")
	return Result{Status: "confirmed"}
}

// serviceFor resolves the service filter from the namespace table, falling
// back to substring hints in the alarm name.
func serviceFor(alarm AlarmMessage) string {
	if svc, ok := namespaceService[alarm.Trigger.Namespace]; ok {
		return svc
	}
	name := strings.ToLower(alarm.AlarmName)
	for _, hint := range nameHints {
		if strings.Contains(name, hint.substr) {
			return hint.service
		}
	}
	return ""
}
