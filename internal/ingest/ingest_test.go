package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/orchestrator"
)

type stubHandler struct {
	calls atomic.Int64
	last  atomic.Pointer[orchestrator.Request]
	rec   *models.IncidentRecord
}

func (h *stubHandler) HandleIncident(ctx context.Context, req orchestrator.Request) *models.IncidentRecord {
	h.calls.Add(1)
	h.last.Store(&req)
	if h.rec != nil {
		return h.rec
	}
	return &models.IncidentRecord{
		IncidentID: "inc-1",
		Status:     models.StatusCompleted,
		DurationMs: 42,
		RCAResult:  &models.RCAResult{RootCause: "CPU saturation"},
		MatchedSOPs: []models.MatchedSOP{
			{SOPID: "scale_up_asg"},
		},
	}
}

const alarmEnvelope = `{"Message":"{\"AlarmName\":\"HighCPU\",\"NewStateValue\":\"ALARM\",\"OldStateValue\":\"OK\",\"Region\":\"us-east-1\",\"Trigger\":{\"Namespace\":\"AWS/EC2\",\"MetricName\":\"CPUUtilization\",\"Threshold\":90}}"}`

func TestHandle_AlarmProcessed(t *testing.T) {
	h := &stubHandler{}
	g := New(h, nil)

	result := g.Handle(context.Background(), []byte(alarmEnvelope))

	if result.Status != "processed" {
		t.Fatalf("result = %+v", result)
	}
	if result.IncidentID != "inc-1" || result.PipelineStatus != "completed" || result.DurationMs != 42 {
		t.Errorf("result = %+v", result)
	}
	if result.RCARootCause != "CPU saturation" || result.SOPMatched != "scale_up_asg" {
		t.Errorf("result = %+v", result)
	}

	req := h.last.Load()
	if req.TriggerType != models.TriggerAlarm || !req.AutoExecute || req.DryRun {
		t.Errorf("request = %+v", req)
	}
	if len(req.Services) != 1 || req.Services[0] != "ec2" {
		t.Errorf("services = %v, want [ec2]", req.Services)
	}

	var parsed AlarmMessage
	if err := json.Unmarshal(req.TriggerData, &parsed); err != nil || parsed.AlarmName != "HighCPU" {
		t.Errorf("trigger_data = %s (err %v)", req.TriggerData, err)
	}
}

func TestHandle_OKTransitionSkipped(t *testing.T) {
	h := &stubHandler{}
	g := New(h, nil)

	body := `{"Message":"{\"AlarmName\":\"HighCPU\",\"NewStateValue\":\"OK\",\"OldStateValue\":\"ALARM\"}"}`
	result := g.Handle(context.Background(), []byte(body))

	if result.Status != "skipped" || result.Reason != "State: OK" {
		t.Errorf("result = %+v", result)
	}
	if h.calls.Load() != 0 {
		t.Error("skipped alarm must not trigger the pipeline")
	}
}

func TestHandle_AlarmRepeatSkipped(t *testing.T) {
	h := &stubHandler{}
	g := New(h, nil)

	body := `{"Message":"{\"AlarmName\":\"HighCPU\",\"NewStateValue\":\"ALARM\",\"OldStateValue\":\"ALARM\"}"}`
	result := g.Handle(context.Background(), []byte(body))

	if result.Status != "skipped" {
		t.Errorf("result = %+v", result)
	}
	if h.calls.Load() != 0 {
		t.Error("ALARM→ALARM repeat must not trigger the pipeline")
	}
}

func TestHandle_SubscriptionConfirmation(t *testing.T) {
	var confirmed atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			confirmed.Add(1)
		}
	}))
	defer srv.Close()

	g := New(&stubHandler{}, srv.Client())
	body, _ := json.Marshal(Envelope{Type: "SubscriptionConfirmation", SubscribeURL: srv.URL + "/confirm"})

	result := g.Handle(context.Background(), body)

	if result.Status != "confirmed" {
		t.Fatalf("result = %+v", result)
	}
	if confirmed.Load() != 1 {
		t.Error("confirmation URL must be fetched exactly once")
	}
}

func TestHandle_Malformed(t *testing.T) {
	g := New(&stubHandler{}, nil)

	for _, body := range []string{`not json`, `{"Message":"not json either"}`, `{"Message":"{}"}`} {
		if result := g.Handle(context.Background(), []byte(body)); result.Status != "error" {
			t.Errorf("Handle(%q) = %+v, want error", body, result)
		}
	}
}

func TestHandle_BareAlarmWithoutEnvelope(t *testing.T) {
	h := &stubHandler{}
	g := New(h, nil)

	body := `{"AlarmName":"rds-replica-lag","NewStateValue":"ALARM","OldStateValue":"OK","Trigger":{"Namespace":"AWS/RDS"}}`
	result := g.Handle(context.Background(), []byte(body))

	if result.Status != "processed" {
		t.Fatalf("result = %+v", result)
	}
	req := h.last.Load()
	if len(req.Services) != 1 || req.Services[0] != "rds" {
		t.Errorf("services = %v", req.Services)
	}
}

func TestServiceFor_NameFallback(t *testing.T) {
	cases := []struct {
		alarm AlarmMessage
		want  string
	}{
		{AlarmMessage{Trigger: AlarmTrigger{Namespace: "CWAgent"}}, "ec2"},
		{AlarmMessage{AlarmName: "prod-database-connections"}, "rds"},
		{AlarmMessage{AlarmName: "lambda-error-rate"}, "lambda"},
		{AlarmMessage{AlarmName: "something-else"}, ""},
	}
	for _, tc := range cases {
		if got := serviceFor(tc.alarm); got != tc.want {
			t.Errorf("serviceFor(%+v) = %q, want %q", tc.alarm, got, tc.want)
		}
	}
}

func TestWebhookHandler(t *testing.T) {
	g := New(&stubHandler{}, nil)
	srv := httptest.NewServer(g.WebhookHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/alarm-webhook", "application/json", bytes.NewBufferString(alarmEnvelope))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "processed" || result.IncidentID != "inc-1" {
		t.Errorf("result = %+v", result)
	}

	// GET is rejected.
	getResp, err := http.Get(srv.URL + "/alarm-webhook")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", getResp.StatusCode)
	}

	// Malformed body yields 400.
	badResp, err := http.Post(srv.URL+"/alarm-webhook", "application/json", bytes.NewBufferString("not json"))
	if err != nil {
		t.Fatal(err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", badResp.StatusCode)
	}
}
