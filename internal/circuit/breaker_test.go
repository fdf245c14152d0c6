package circuit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stratusops/stratus/internal/models"
)

func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := NewBreaker("restart_service", cfg)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(DefaultConfig())

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != models.CircuitClosed {
		t.Fatalf("state = %s after 2 failures, want closed", b.State())
	}

	b.RecordFailure()
	if b.State() != models.CircuitOpen {
		t.Fatalf("state = %s after 3 failures, want open", b.State())
	}
	if b.Allows() {
		t.Error("open breaker must block execution")
	}
}

func TestBreaker_WindowExpiry(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Window: 10 * time.Minute, OpenDuration: 5 * time.Minute})

	b.RecordFailure()
	b.RecordFailure()

	// Old failures age out of the window before the third arrives.
	*now = now.Add(11 * time.Minute)
	b.RecordFailure()

	if b.State() != models.CircuitClosed {
		t.Errorf("state = %s, want closed: stale failures must not count", b.State())
	}
}

func TestBreaker_HalfOpenAfterOpenInterval(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 2, Window: 10 * time.Minute, OpenDuration: 5 * time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != models.CircuitOpen {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(5 * time.Minute)
	if b.State() != models.CircuitHalfOpen {
		t.Fatalf("state = %s after open interval, want half_open", b.State())
	}
	if !b.Allows() {
		t.Error("half-open breaker must allow a probe")
	}
}

func TestBreaker_HalfOpenProbeOutcomes(t *testing.T) {
	cfg := Config{FailureThreshold: 2, Window: 10 * time.Minute, OpenDuration: 5 * time.Minute}

	// Probe success closes.
	b, now := testBreaker(cfg)
	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(5 * time.Minute)
	_ = b.State() // transition to half-open
	b.RecordSuccess()
	if b.State() != models.CircuitClosed {
		t.Errorf("state = %s after probe success, want closed", b.State())
	}

	// Probe failure reopens immediately.
	b2, now2 := testBreaker(cfg)
	b2.RecordFailure()
	b2.RecordFailure()
	*now2 = now2.Add(5 * time.Minute)
	_ = b2.State()
	b2.RecordFailure()
	if b2.State() != models.CircuitOpen {
		t.Errorf("state = %s after probe failure, want open", b2.State())
	}
}

func TestBreaker_SuccessClearsWindow(t *testing.T) {
	b, _ := testBreaker(DefaultConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != models.CircuitClosed {
		t.Errorf("state = %s, want closed: success must clear the failure window", b.State())
	}
}

func TestBreaker_Status(t *testing.T) {
	b, _ := testBreaker(DefaultConfig())
	b.RecordFailure()

	st := b.GetStatus()
	if st.Name != "restart_service" || st.State != models.CircuitClosed {
		t.Errorf("status = %+v", st)
	}
	if st.WindowFailures != 1 || st.TotalFailures != 1 {
		t.Errorf("failure counts = %+v", st)
	}

	b.RecordFailure()
	b.RecordFailure()
	st = b.GetStatus()
	if st.State != models.CircuitOpen || st.TotalTrips != 1 {
		t.Errorf("status after trip = %+v", st)
	}
	if st.ReopensInMs <= 0 {
		t.Error("open breaker should report milliseconds until half-open")
	}

	// The wire value is milliseconds, matching the json tag.
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if ms, ok := decoded["reopens_in_ms"].(float64); !ok || ms != float64(st.ReopensInMs) {
		t.Errorf("reopens_in_ms = %v, want %d", decoded["reopens_in_ms"], st.ReopensInMs)
	}
}
