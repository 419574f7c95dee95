package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for /metrics/summary.
type Summary struct {
	WindowSummary
	Payments    map[string]float64 `json:"payments"`
	Idempotency map[string]float64 `json:"idempotency"`
	Denials     map[string]float64 `json:"policyDenials"`
	Tasks       taskSummary        `json:"tasks"`
	Spend       spendSummary       `json:"spend"`
	DB          []dbInfo           `json:"db,omitempty"`
	Server      serverInfo         `json:"server"`
}

type taskSummary struct {
	Outcomes map[string]float64 `json:"outcomes"`
	P95Ms    float64            `json:"p95Ms"`
}

type spendSummary struct {
	PaidCalls float64 `json:"paidCalls"`
	TotalUSD  float64 `json:"totalUsd"`
}

type dbInfo struct {
	Backend       string  `json:"backend"`
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// SummaryHandler serves the recent-request window plus pipeline counters as
// JSON.
func (m *Metrics) SummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summary()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summary gathers the registry and folds it into a Summary.
func (m *Metrics) Summary() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	start := gaugeValue(fam["x402gate_server_start_time_seconds"])
	return Summary{
		WindowSummary: m.window.Summary(),
		Payments:      countersByLabel(fam["x402gate_payment_states_total"], "state"),
		Idempotency:   countersByLabel(fam["x402gate_idempotency_outcomes_total"], "outcome"),
		Denials:       countersByLabel(fam["x402gate_policy_denials_total"], "reason"),
		Tasks: taskSummary{
			Outcomes: countersByLabel(fam["x402gate_task_outcomes_total"], "outcome"),
			P95Ms:    histogramPercentile(fam["x402gate_task_duration_seconds"], 0.95) * 1000,
		},
		Spend: spendSummary{
			PaidCalls: counterValue(fam["x402gate_paid_calls_total"]),
			TotalUSD:  math.Round(counterValue(fam["x402gate_spend_usd_total"])*1e6) / 1e6,
		},
		DB: dbPools(fam),
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func dbPools(fam map[string]*dto.MetricFamily) []dbInfo {
	byBackend := make(map[string]*dbInfo)
	var order []string
	get := func(m *dto.Metric) *dbInfo {
		backend := labelValue(m, "backend")
		info, ok := byBackend[backend]
		if !ok {
			info = &dbInfo{Backend: backend}
			byBackend[backend] = info
			order = append(order, backend)
		}
		return info
	}
	for _, m := range fam["x402gate_db_pool_total_conns"].GetMetric() {
		get(m).TotalConns = m.GetGauge().GetValue()
	}
	for _, m := range fam["x402gate_db_pool_idle_conns"].GetMetric() {
		get(m).IdleConns = m.GetGauge().GetValue()
	}
	for _, m := range fam["x402gate_db_pool_acquired_conns"].GetMetric() {
		get(m).AcquiredConns = m.GetGauge().GetValue()
	}

	sort.Strings(order)
	out := make([]dbInfo, 0, len(order))
	for _, b := range order {
		out = append(out, *byBackend[b])
	}
	return out
}

// --- Prometheus metric helpers ---

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// countersByLabel sums a counter family keyed by one of its labels.
func countersByLabel(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := make(map[string]float64)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		out[labelValue(m, labelName)] += m.GetCounter().GetValue()
	}
	return out
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past every finite bucket: report the largest finite bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
