package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratusops/stratus/internal/detect"
	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/orchestrator"
)

type stubAgent struct {
	mu        sync.Mutex
	calls     int
	anomalies []models.Anomaly
	err       error
	lastOpts  detect.RunOptions
}

func (a *stubAgent) RunDetection(ctx context.Context, opts detect.RunOptions) (*models.DetectResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.lastOpts = opts
	if a.err != nil {
		return nil, a.err
	}
	return &models.DetectResult{
		DetectID:          "det-stub",
		Timestamp:         time.Now(),
		Source:            models.DetectSourceProactive,
		TTLSeconds:        300,
		AnomaliesDetected: len(a.anomalies),
		CorrelatedEvent: &models.CorrelatedEvent{
			CollectionID: "col-stub",
			Anomalies:    a.anomalies,
		},
	}, nil
}

type stubHandler struct {
	calls atomic.Int64
	last  atomic.Pointer[orchestrator.Request]
}

func (h *stubHandler) HandleIncident(ctx context.Context, req orchestrator.Request) *models.IncidentRecord {
	h.calls.Add(1)
	h.last.Store(&req)
	return &models.IncidentRecord{IncidentID: "inc-stub", Status: models.StatusCompleted}
}

func TestQuickScan_FindingsTriggerIncident(t *testing.T) {
	agent := &stubAgent{anomalies: []models.Anomaly{{Type: "cpu_spike", Resource: "i-abc"}}}
	handler := &stubHandler{}
	s := New(DefaultConfig(), agent, handler)

	var alerted atomic.Int64
	s.OnAlert(func(result *models.DetectResult) { alerted.Add(1) })

	result := s.runTask(context.Background(), TaskHeartbeat)
	s.wg.Wait() // join the async incident handoff

	if result.Error != "" {
		t.Fatalf("result = %+v", result)
	}
	if result.Findings != 1 {
		t.Errorf("findings = %d", result.Findings)
	}
	if handler.calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", handler.calls.Load())
	}
	req := handler.last.Load()
	if req.TriggerType != models.TriggerProactive || req.DetectResult == nil || req.DetectResult.DetectID != "det-stub" {
		t.Errorf("request = %+v", req)
	}
	if alerted.Load() != 1 {
		t.Errorf("alert callbacks = %d", alerted.Load())
	}
	if got := s.LastDetectResult(); got == nil || got.DetectID != "det-stub" {
		t.Errorf("LastDetectResult = %+v", got)
	}
}

func TestQuickScan_NoFindingsNoTrigger(t *testing.T) {
	agent := &stubAgent{}
	handler := &stubHandler{}
	s := New(DefaultConfig(), agent, handler)

	result := s.runTask(context.Background(), TaskHeartbeat)
	s.wg.Wait()

	if result.Findings != 0 || result.TriggeredIncident != "" {
		t.Errorf("result = %+v", result)
	}
	if handler.calls.Load() != 0 {
		t.Error("quiet scan must not trigger an incident")
	}
	if s.LastDetectResult() != nil {
		t.Error("quiet scan must not cache a detect result")
	}
}

func TestDueTasks(t *testing.T) {
	agent := &stubAgent{}
	s := New(DefaultConfig(), agent, nil)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	// Never-run tasks are all due.
	due := s.dueTasks(base)
	if len(due) != 3 {
		t.Fatalf("due = %v, want all three built-ins", due)
	}

	s.runDue(context.Background())

	// Immediately after running, nothing is due.
	if due := s.dueTasks(s.now()); len(due) != 0 {
		t.Errorf("due = %v, want none", due)
	}

	// After the heartbeat interval only the heartbeat is due.
	s.now = func() time.Time { return base.Add(301 * time.Second) }
	due = s.dueTasks(s.now())
	if len(due) != 1 || due[0] != TaskHeartbeat {
		t.Errorf("due = %v, want [heartbeat]", due)
	}
}

func TestEnableTaskAndSetInterval(t *testing.T) {
	s := New(DefaultConfig(), &stubAgent{}, nil)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if !s.EnableTask(TaskHeartbeat, false) {
		t.Fatal("EnableTask failed for a known task")
	}
	for _, name := range s.dueTasks(base) {
		if name == TaskHeartbeat {
			t.Error("disabled task must not be due")
		}
	}

	s.EnableTask(TaskHeartbeat, true)
	s.runDue(context.Background())

	if !s.SetInterval(TaskHeartbeat, 60*time.Second) {
		t.Fatal("SetInterval failed")
	}
	s.now = func() time.Time { return base.Add(61 * time.Second) }
	due := s.dueTasks(s.now())
	found := false
	for _, name := range due {
		if name == TaskHeartbeat {
			found = true
		}
	}
	if !found {
		t.Errorf("due = %v, heartbeat must be due after shortened interval", due)
	}

	if s.EnableTask("bogus", true) || s.SetInterval("bogus", time.Minute) {
		t.Error("unknown task must not be configurable")
	}
}

func TestConsecutiveErrorsSurfacedInStatus(t *testing.T) {
	agent := &stubAgent{err: errors.New("provider down")}
	s := New(DefaultConfig(), agent, nil)

	s.runTask(context.Background(), TaskHeartbeat)
	s.runTask(context.Background(), TaskHeartbeat)

	hb := taskStatus(t, s, TaskHeartbeat)
	if hb.ConsecutiveErrors != 2 || hb.Errors != 2 || hb.LastError == "" {
		t.Errorf("status = %+v", hb)
	}

	// A success clears the consecutive counter but not the total.
	agent.mu.Lock()
	agent.err = nil
	agent.mu.Unlock()
	s.runTask(context.Background(), TaskHeartbeat)

	hb = taskStatus(t, s, TaskHeartbeat)
	if hb.ConsecutiveErrors != 0 || hb.Errors != 2 || hb.Runs != 3 {
		t.Errorf("status after recovery = %+v", hb)
	}
}

func taskStatus(t *testing.T, s *Scheduler, name string) TaskStatus {
	t.Helper()
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("task %s missing from status", name)
	return TaskStatus{}
}

func TestStartStop(t *testing.T) {
	s := New(Config{WakeInterval: 10 * time.Millisecond}, &stubAgent{}, nil)

	s.Start()
	s.Start() // idempotent

	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("Stop did not return within the grace period")
	}

	s.Stop() // stopping again is a no-op
}

func TestTriggerEvent_RunsAdHocDetection(t *testing.T) {
	agent := &stubAgent{anomalies: []models.Anomaly{{Type: "error_surge", Resource: "svc-api"}}}
	handler := &stubHandler{}
	s := New(DefaultConfig(), agent, handler)

	data := json.RawMessage(`{"services":["ec2","rds"],"lookback_minutes":30}`)
	result := s.TriggerEvent(context.Background(), "deploy_finished", data)

	if result.Error != "" {
		t.Fatalf("result = %+v", result)
	}
	if result.Task != "deploy_finished" || result.Action != "event" {
		t.Errorf("result = %+v", result)
	}
	if result.Findings != 1 {
		t.Errorf("findings = %d", result.Findings)
	}
	// Synchronous: the incident is finished before TriggerEvent returns.
	if result.TriggeredIncident != "inc-stub" {
		t.Errorf("triggered_incident = %q", result.TriggeredIncident)
	}

	agent.mu.Lock()
	opts := agent.lastOpts
	agent.mu.Unlock()
	if opts.Source != models.DetectSourceEvent {
		t.Errorf("detection source = %s, want event", opts.Source)
	}
	if len(opts.Services) != 2 || opts.Services[0] != "ec2" {
		t.Errorf("services = %v", opts.Services)
	}
	if opts.Lookback != 30*time.Minute {
		t.Errorf("lookback = %s", opts.Lookback)
	}

	req := handler.last.Load()
	if req.TriggerType != models.TriggerAnomaly || string(req.TriggerData) != string(data) {
		t.Errorf("request = %+v", req)
	}
	if req.DetectResult == nil || req.DetectResult.DetectID != "det-stub" {
		t.Errorf("detect result not handed to the orchestrator: %+v", req.DetectResult)
	}
}

func TestTriggerEvent_QuietAndMalformed(t *testing.T) {
	agent := &stubAgent{}
	handler := &stubHandler{}
	s := New(DefaultConfig(), agent, handler)

	result := s.TriggerEvent(context.Background(), "config_changed", nil)
	if result.Error != "" || result.TriggeredIncident != "" {
		t.Errorf("quiet event result = %+v", result)
	}
	if handler.calls.Load() != 0 {
		t.Error("quiet event must not trigger an incident")
	}

	result = s.TriggerEvent(context.Background(), "bad", json.RawMessage(`{broken`))
	if result.Error == "" {
		t.Error("malformed event data must report an error")
	}
	if handler.calls.Load() != 0 {
		t.Error("malformed event must not reach the orchestrator")
	}
}
