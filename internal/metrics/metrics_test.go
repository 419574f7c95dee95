package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWindowSummaryEmpty(t *testing.T) {
	s := NewWindow(10).Summary()
	if s != (WindowSummary{}) {
		t.Fatalf("empty window summary = %+v", s)
	}
}

func TestWindowSummary(t *testing.T) {
	w := NewWindow(100)
	for i := 1; i <= 20; i++ {
		status := 200
		if i%4 == 0 {
			status = 402
		}
		w.Add(Sample{Latency: time.Duration(i) * time.Millisecond, StatusCode: status, Paid: status == 200})
	}

	s := w.Summary()
	if s.WindowSize != 20 || s.CallsTotal != 20 {
		t.Errorf("size = %d/%d, want 20", s.WindowSize, s.CallsTotal)
	}
	if s.PaidCalls != 15 {
		t.Errorf("PaidCalls = %d, want 15", s.PaidCalls)
	}
	if s.FailureRate != 0.25 {
		t.Errorf("FailureRate = %v, want 0.25", s.FailureRate)
	}
	// ceil(20 * 0.95) = 19th value.
	if s.P95LatencyMs != 19 {
		t.Errorf("P95LatencyMs = %d, want 19", s.P95LatencyMs)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	w.Add(Sample{StatusCode: 500})
	for i := 0; i < 3; i++ {
		w.Add(Sample{StatusCode: 200})
	}

	s := w.Summary()
	if s.WindowSize != 3 {
		t.Fatalf("WindowSize = %d, want 3", s.WindowSize)
	}
	if s.FailureRate != 0 {
		t.Errorf("FailureRate = %v, the 500 should have been evicted", s.FailureRate)
	}
}

func TestFailureRateRounding(t *testing.T) {
	w := NewWindow(10)
	w.Add(Sample{StatusCode: 500})
	w.Add(Sample{StatusCode: 200})
	w.Add(Sample{StatusCode: 200})

	if got := w.Summary().FailureRate; got != 0.3333 {
		t.Errorf("FailureRate = %v, want 0.3333", got)
	}
}

func TestSummaryHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST", "/api/v1/tasks", 200, 12*time.Millisecond, true)
	m.ObserveHTTP("POST", "/api/v1/tasks", 402, 2*time.Millisecond, false)
	m.IncPaymentState("settled")
	m.IncPaymentState("required")
	m.IncIdempotency("fresh")
	m.IncIdempotency("replay")
	m.IncIdempotency("replay")
	m.IncPolicyDenial("session_cap_exceeded")
	m.ObserveTask("completed", 0.004)
	m.IncPaidCall(0.01)
	m.IncPaidCall(0.02)
	m.RegisterDBPoolCollector("sqlite", func() PoolStats { return PoolStats{Total: 1, Idle: 1} })

	rec := httptest.NewRecorder()
	m.SummaryHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CallsTotal != 2 || got.PaidCalls != 1 || got.FailureRate != 0.5 {
		t.Errorf("window = %+v", got.WindowSummary)
	}
	if got.Payments["settled"] != 1 || got.Payments["required"] != 1 {
		t.Errorf("payments = %v", got.Payments)
	}
	if got.Idempotency["replay"] != 2 {
		t.Errorf("idempotency = %v", got.Idempotency)
	}
	if got.Denials["session_cap_exceeded"] != 1 {
		t.Errorf("denials = %v", got.Denials)
	}
	if got.Tasks.Outcomes["completed"] != 1 || got.Tasks.P95Ms <= 0 {
		t.Errorf("tasks = %+v", got.Tasks)
	}
	if got.Spend.PaidCalls != 2 || got.Spend.TotalUSD != 0.03 {
		t.Errorf("spend = %+v", got.Spend)
	}
	if len(got.DB) != 1 || got.DB[0].Backend != "sqlite" || got.DB[0].TotalConns != 1 {
		t.Errorf("db = %+v", got.DB)
	}
	if got.Server.StartTime == 0 {
		t.Error("start time not set")
	}
}

func TestDBPoolCollectorPerBackend(t *testing.T) {
	m := New()
	m.RegisterDBPoolCollector("postgres", func() PoolStats { return PoolStats{Total: 4, Idle: 3, Acquired: 1} })
	m.RegisterDBPoolCollector("sqlite", func() PoolStats { return PoolStats{Total: 1} })

	s, err := m.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(s.DB) != 2 {
		t.Fatalf("db = %+v", s.DB)
	}
	if s.DB[0].Backend != "postgres" || s.DB[0].AcquiredConns != 1 || s.DB[0].IdleConns != 3 {
		t.Errorf("postgres = %+v", s.DB[0])
	}
}

func TestObserveReceiptFlush(t *testing.T) {
	m := New()
	m.ObserveReceiptFlush(3, nil)
	m.ObserveReceiptFlush(2, errors.New("db down"))

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "x402gate_receipts_flushed_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			got[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	if got["stored"] != 3 || got["dropped"] != 2 {
		t.Errorf("receipts flushed = %v", got)
	}
}
