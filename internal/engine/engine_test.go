package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stratusops/stratus/internal/config"
	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/sources"
)

func testSystem(t *testing.T) (*System, *sources.SimulatedProvider) {
	t.Helper()

	provider := sources.NewSimulatedProvider()
	provider.SetMetrics([]models.MetricDataPoint{{
		ResourceID: "i-abc", MetricName: "CPUUtilization", Namespace: "AWS/EC2",
		Value: 85, Timestamp: time.Now(), Statistic: models.StatAverage,
	}})

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.DetectCacheDir = cfg.DataDir + "/detect-cache"

	sys, err := NewSystem(cfg, Options{Provider: provider})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sys.History != nil {
			sys.History.Close()
		}
	})
	return sys, provider
}

func TestNewSystem_Wiring(t *testing.T) {
	sys, _ := testSystem(t)

	if sys.Correlator == nil || sys.DetectAgent == nil || sys.Orchestrator == nil ||
		sys.Safety == nil || sys.Scheduler == nil || sys.Ingestor == nil {
		t.Fatal("all core components must be constructed")
	}
	if sys.History == nil {
		t.Error("history store must open under the data dir")
	}
}

func TestManualIncidentEndToEnd(t *testing.T) {
	sys, _ := testSystem(t)
	srv := httptest.NewServer(sys.Routes())
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{"auto_execute": false})
	resp, err := http.Post(srv.URL+"/incidents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var rec models.IncidentRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusCompleted {
		t.Fatalf("status = %s (error=%q)", rec.Status, rec.Error)
	}
	if rec.TriggerType != models.TriggerManual {
		t.Errorf("trigger_type = %s", rec.TriggerType)
	}
	if rec.CollectionSummary == nil || rec.CollectionSummary.Source != models.CollectionSourceFresh {
		t.Errorf("collection_summary = %+v", rec.CollectionSummary)
	}
	// The 85% CPU metric breaches the 80% threshold.
	if rec.CollectionSummary.Anomalies == 0 {
		t.Error("expected a derived anomaly")
	}
	if rec.RCAResult == nil || rec.RCAResult.PatternID != "cpu_exhaustion" {
		t.Errorf("rca_result = %+v", rec.RCAResult)
	}

	// The record is retrievable by ID.
	getResp, err := http.Get(srv.URL + "/incidents/" + rec.IncidentID)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("GET incident status = %d", getResp.StatusCode)
	}

	// And persisted to history.
	stored, err := sys.History.Get(context.Background(), rec.IncidentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Status != models.StatusCompleted {
		t.Errorf("history record = %+v", stored)
	}
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	sys, _ := testSystem(t)
	srv := httptest.NewServer(sys.Routes())
	defer srv.Close()

	for _, path := range []string{"/health", "/stats", "/scheduler/status", "/approvals"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestDetectEndpoints(t *testing.T) {
	sys, _ := testSystem(t)
	srv := httptest.NewServer(sys.Routes())
	defer srv.Close()

	// Nothing detected yet.
	resp, err := http.Get(srv.URL + "/detect/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest before any run = %d, want 404", resp.StatusCode)
	}

	postResp, err := http.Post(srv.URL+"/detect", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer postResp.Body.Close()
	var dr models.DetectResult
	if err := json.NewDecoder(postResp.Body).Decode(&dr); err != nil {
		t.Fatal(err)
	}
	if dr.DetectID == "" || dr.Source != models.DetectSourceManual {
		t.Errorf("detect result = %+v", dr)
	}

	resp2, err := http.Get(srv.URL + "/detect/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("latest after run = %d", resp2.StatusCode)
	}

	if sys.DetectAgent.GetByID(dr.DetectID) == nil {
		t.Error("detect result must be cached by id")
	}
}

func TestApprovalDecisionEndpoint(t *testing.T) {
	sys, _ := testSystem(t)
	srv := httptest.NewServer(sys.Routes())
	defer srv.Close()

	pending := sys.Safety.RequestApproval("failover_database", nil)

	body := bytes.NewBufferString(`{"actor":"oncall"}`)
	resp, err := http.Post(srv.URL+"/approvals/"+pending.ApprovalID+"/approve", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	var decided models.PendingApproval
	if err := json.NewDecoder(resp.Body).Decode(&decided); err != nil {
		t.Fatal(err)
	}
	if decided.Status != models.ApprovalApproved || decided.DecidedBy != "oncall" {
		t.Errorf("approval = %+v", decided)
	}

	// Rejecting a decided approval conflicts.
	conflict, err := http.Post(srv.URL+"/approvals/"+pending.ApprovalID+"/reject", "application/json",
		bytes.NewBufferString(`{"actor":"oncall","reason":"changed my mind"}`))
	if err != nil {
		t.Fatal(err)
	}
	conflict.Body.Close()
	if conflict.StatusCode != http.StatusConflict {
		t.Errorf("reject after approve = %d, want 409", conflict.StatusCode)
	}
}
