// Package scheduler owns the process clock: a single cooperative loop that
// wakes periodically, runs due tasks one at a time, and turns detection
// findings into incident triggers.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/detect"
	"github.com/stratusops/stratus/internal/metrics"
	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/orchestrator"
)

// Built-in task names.
const (
	TaskHeartbeat    = "heartbeat"
	TaskDailyReport  = "daily_report"
	TaskSecurityScan = "security_scan"
)

// DetectRunner is the detection dependency; satisfied by detect.Agent.
type DetectRunner interface {
	RunDetection(ctx context.Context, opts detect.RunOptions) (*models.DetectResult, error)
}

// IncidentHandler is the pipeline dependency; satisfied by
// orchestrator.Orchestrator.
type IncidentHandler interface {
	HandleIncident(ctx context.Context, req orchestrator.Request) *models.IncidentRecord
}

// AlertFunc is invoked when a heartbeat scan yields findings.
type AlertFunc func(result *models.DetectResult)

// Config configures the scheduler.
type Config struct {
	WakeInterval         time.Duration // loop granularity (default 30s)
	HeartbeatInterval    time.Duration // default 300s
	DailyReportInterval  time.Duration // default 86400s
	SecurityScanInterval time.Duration // default 43200s
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{
		WakeInterval:         30 * time.Second,
		HeartbeatInterval:    300 * time.Second,
		DailyReportInterval:  86400 * time.Second,
		SecurityScanInterval: 43200 * time.Second,
	}
}

// ProactiveResult is the outcome of one task run.
type ProactiveResult struct {
	Task              string `json:"task"`
	Action            string `json:"action"`
	Findings          int    `json:"findings"`
	TriggeredIncident string `json:"triggered_incident,omitempty"`
	Error             string `json:"error,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
}

type task struct {
	name     string
	action   string
	interval time.Duration
	enabled  bool
	run      func(ctx context.Context) ProactiveResult

	lastRun           *time.Time
	runs              int64
	errors            int64
	consecutiveErrors int64
	lastError         string
}

// TaskStatus is the externally visible state of one task.
type TaskStatus struct {
	Name              string     `json:"name"`
	Action            string     `json:"action"`
	Enabled           bool       `json:"enabled"`
	IntervalSeconds   int64      `json:"interval_seconds"`
	LastRun           *time.Time `json:"last_run,omitempty"`
	Runs              int64      `json:"runs"`
	Errors            int64      `json:"errors"`
	ConsecutiveErrors int64      `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
}

// Scheduler drives the built-in tasks against the detect agent and the
// orchestrator. Tasks never overlap within one scheduler.
type Scheduler struct {
	cfg     Config
	agent   DetectRunner
	handler IncidentHandler

	mu         sync.Mutex
	tasks      map[string]*task
	taskOrder  []string
	running    bool
	lastDetect *models.DetectResult
	alerts     []AlertFunc

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup // in-flight async incident handoffs

	now func() time.Time
}

// New creates a scheduler with the built-in task set.
func New(cfg Config, agent DetectRunner, handler IncidentHandler) *Scheduler {
	def := DefaultConfig()
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = def.WakeInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DailyReportInterval <= 0 {
		cfg.DailyReportInterval = def.DailyReportInterval
	}
	if cfg.SecurityScanInterval <= 0 {
		cfg.SecurityScanInterval = def.SecurityScanInterval
	}

	s := &Scheduler{
		cfg:     cfg,
		agent:   agent,
		handler: handler,
		tasks:   make(map[string]*task),
		now:     time.Now,
	}
	s.register(TaskHeartbeat, "quick_scan", cfg.HeartbeatInterval, s.quickScan)
	s.register(TaskDailyReport, "full_report", cfg.DailyReportInterval, s.fullReport)
	s.register(TaskSecurityScan, "security_check", cfg.SecurityScanInterval, s.securityCheck)
	return s
}

func (s *Scheduler) register(name, action string, interval time.Duration, run func(ctx context.Context) ProactiveResult) {
	s.tasks[name] = &task{name: name, action: action, interval: interval, enabled: true, run: run}
	s.taskOrder = append(s.taskOrder, name)
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	log.Info().Dur("wake_interval", s.cfg.WakeInterval).Msg("Proactive scheduler started")
}

// Stop cancels the loop and in-flight task work, then waits up to 2s for a
// graceful exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn().Msg("Scheduler loop did not exit within 2s")
	}
	s.wg.Wait()
	log.Info().Msg("Proactive scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.WakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs every enabled task whose interval has elapsed. Tasks run
// sequentially so downstream provider calls stay bounded.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	for _, name := range s.dueTasks(now) {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, name)
	}
}

func (s *Scheduler) dueTasks(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for _, name := range s.taskOrder {
		t := s.tasks[name]
		if !t.enabled {
			continue
		}
		if t.lastRun == nil || now.Sub(*t.lastRun) >= t.interval {
			due = append(due, name)
		}
	}
	return due
}

func (s *Scheduler) runTask(ctx context.Context, name string) ProactiveResult {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return ProactiveResult{Task: name, Error: "unknown task"}
	}
	run := t.run
	s.mu.Unlock()

	start := s.now()
	result := run(ctx)
	result.Task = name
	result.DurationMs = s.now().Sub(start).Milliseconds()

	s.mu.Lock()
	now := s.now()
	t.lastRun = &now
	t.runs++
	outcome := "ok"
	if result.Error != "" {
		outcome = "error"
		t.errors++
		t.consecutiveErrors++
		t.lastError = result.Error
	} else {
		t.consecutiveErrors = 0
		t.lastError = ""
	}
	s.mu.Unlock()

	metrics.SchedulerTaskRuns.WithLabelValues(name, outcome).Inc()
	if result.Error != "" {
		log.Warn().Str("task", name).Str("error", result.Error).Msg("Scheduler task failed")
	} else {
		log.Debug().Str("task", name).Int("findings", result.Findings).Msg("Scheduler task complete")
	}
	return result
}

// quickScan runs a detection cycle and, when it finds anomalies, hands the
// result to the orchestrator as a proactive trigger. No findings means no
// trigger.
func (s *Scheduler) quickScan(ctx context.Context) ProactiveResult {
	result := ProactiveResult{Action: "quick_scan"}

	dr, err := s.agent.RunDetection(ctx, detect.RunOptions{Source: models.DetectSourceProactive})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Findings = dr.AnomaliesDetected

	if !dr.CorrelatedEvent.HasFindings() {
		return result // no news is no trigger
	}

	s.mu.Lock()
	s.lastDetect = dr
	alerts := make([]AlertFunc, len(s.alerts))
	copy(alerts, s.alerts)
	s.mu.Unlock()

	for _, alert := range alerts {
		alert(dr)
	}

	if s.handler != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			rec := s.handler.HandleIncident(ctx, orchestrator.Request{
				TriggerType:  models.TriggerProactive,
				DetectResult: dr,
			})
			log.Info().
				Str("incident_id", rec.IncidentID).
				Str("detect_id", dr.DetectID).
				Msg("Proactive incident triggered")
		}()
		result.TriggeredIncident = "enqueued"
	}
	return result
}

// fullReport runs a broad detection pass for the daily summary.
func (s *Scheduler) fullReport(ctx context.Context) ProactiveResult {
	result := ProactiveResult{Action: "full_report"}

	dr, err := s.agent.RunDetection(ctx, detect.RunOptions{
		Source:   models.DetectSourceProactive,
		Lookback: 24 * time.Hour,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Findings = dr.AnomaliesDetected
	log.Info().
		Str("detect_id", dr.DetectID).
		Int("anomalies", dr.AnomaliesDetected).
		Msg("Daily report detection pass complete")
	return result
}

// securityCheck scans the audit trail for failed control-plane calls.
func (s *Scheduler) securityCheck(ctx context.Context) ProactiveResult {
	result := ProactiveResult{Action: "security_check"}

	dr, err := s.agent.RunDetection(ctx, detect.RunOptions{
		Source:   models.DetectSourceProactive,
		Lookback: 12 * time.Hour,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	denied := 0
	if dr.CorrelatedEvent != nil {
		for _, ev := range dr.CorrelatedEvent.TrailEvents {
			if ev.ErrorCode != "" {
				denied++
			}
		}
	}
	result.Findings = denied
	if denied > 0 {
		log.Warn().Int("failed_calls", denied).Msg("Security scan found failed control-plane calls")
	}
	return result
}

// TriggerEvent synchronously runs a one-off event task: a detection cycle
// scoped by the event payload, handed to the orchestrator when it finds
// anything. The event type labels the result; it does not need to match a
// registered task.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, data json.RawMessage) ProactiveResult {
	start := s.now()
	result := ProactiveResult{Task: eventType, Action: "event"}

	var payload struct {
		Services        []string `json:"services,omitempty"`
		LookbackMinutes int      `json:"lookback_minutes,omitempty"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			result.Error = "malformed event data: " + err.Error()
			return s.finishEvent(result, start)
		}
	}

	dr, err := s.agent.RunDetection(ctx, detect.RunOptions{
		Source:   models.DetectSourceEvent,
		Services: payload.Services,
		Lookback: time.Duration(payload.LookbackMinutes) * time.Minute,
	})
	if err != nil {
		result.Error = err.Error()
		return s.finishEvent(result, start)
	}
	result.Findings = dr.AnomaliesDetected

	if !dr.CorrelatedEvent.HasFindings() {
		return s.finishEvent(result, start)
	}

	s.mu.Lock()
	s.lastDetect = dr
	s.mu.Unlock()

	if s.handler != nil {
		rec := s.handler.HandleIncident(ctx, orchestrator.Request{
			TriggerType:  models.TriggerAnomaly,
			TriggerData:  data,
			DetectResult: dr,
		})
		result.TriggeredIncident = rec.IncidentID
		log.Info().
			Str("event_type", eventType).
			Str("incident_id", rec.IncidentID).
			Str("detect_id", dr.DetectID).
			Msg("Event-triggered incident complete")
	}
	return s.finishEvent(result, start)
}

// finishEvent stamps duration and the task-run metric. Event runs share one
// metric label so arbitrary event types cannot grow cardinality.
func (s *Scheduler) finishEvent(result ProactiveResult, start time.Time) ProactiveResult {
	result.DurationMs = s.now().Sub(start).Milliseconds()
	outcome := "ok"
	if result.Error != "" {
		outcome = "error"
	}
	metrics.SchedulerTaskRuns.WithLabelValues("event", outcome).Inc()
	return result
}

// EnableTask toggles one task.
func (s *Scheduler) EnableTask(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.enabled = enabled
	log.Info().Str("task", name).Bool("enabled", enabled).Msg("Scheduler task toggled")
	return true
}

// SetInterval changes a task's interval.
func (s *Scheduler) SetInterval(name string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok || interval <= 0 {
		return false
	}
	t.interval = interval
	return true
}

// OnAlert registers a callback invoked when a heartbeat scan has findings.
func (s *Scheduler) OnAlert(fn AlertFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, fn)
}

// LastDetectResult returns the most recent detect result that carried
// findings.
func (s *Scheduler) LastDetectResult() *models.DetectResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDetect
}

// Status reports every task's state, including consecutive errors so a
// persistently failing heartbeat is visible as a health signal.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.taskOrder))
	for _, name := range s.taskOrder {
		t := s.tasks[name]
		out = append(out, TaskStatus{
			Name:              t.name,
			Action:            t.action,
			Enabled:           t.enabled,
			IntervalSeconds:   int64(t.interval / time.Second),
			LastRun:           t.lastRun,
			Runs:              t.runs,
			Errors:            t.errors,
			ConsecutiveErrors: t.consecutiveErrors,
			LastError:         t.lastError,
		})
	}
	return out
}
