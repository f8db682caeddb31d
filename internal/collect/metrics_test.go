package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kuremedy/kuremedy/internal/models"
)

func promMatrix(values ...[2]string) string {
	var sb strings.Builder
	sb.WriteString(`{"status":"success","data":{"resultType":"matrix","result":[{"metric":{},"values":[`)
	for i, v := range values {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `[%s,%q]`, v[0], v[1])
	}
	sb.WriteString(`]}]}}`)
	return sb.String()
}

func promSingle(value string) string {
	return promMatrix([2]string{"1700000000", value})
}

// newPromServer answers each query family with a fixed current value.
func newPromServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		query := r.FormValue("query")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(query, "restarts_total"):
			fmt.Fprint(w, promMatrix([2]string{"1700000000", "2"}, [2]string{"1700000060", "NaN"}, [2]string{"1700000120", "4"}, [2]string{"1700000180", "7"}))
		case strings.Contains(query, "working_set"):
			fmt.Fprint(w, promSingle("85"))
		case strings.Contains(query, "cfs_throttled"):
			fmt.Fprint(w, promSingle("0.2"))
		case strings.Contains(query, "histogram_quantile"):
			fmt.Fprint(w, promSingle("2.5"))
		case strings.Contains(query, "horizontalpodautoscaler"):
			fmt.Fprint(w, promSingle("1"))
		case strings.Contains(query, "http_requests_total"):
			fmt.Fprint(w, promSingle("0.2"))
		default:
			t.Errorf("unmatched query %q", query)
			fmt.Fprint(w, promMatrix())
		}
	}))
}

func TestMetricsCollectorQueryFamilies(t *testing.T) {
	srv := newPromServer(t)
	defer srv.Close()

	collector, err := NewMetricsCollector(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	evs, err := collector.Collect(context.Background(), testContext(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 6 {
		t.Fatalf("expected 6 metric_sample records, got %d", len(evs))
	}

	want := map[string]struct {
		strength float64
		breach   bool
	}{
		"restart_count_delta": {0.9, true},
		"memory_usage_ratio":  {0.7, false},
		"cpu_throttle_rate":   {0.6, false},
		"http_5xx_rate":       {0.9, true},
		"p99_latency":         {0.7, false},
		"hpa_utilization":     {0.8, true},
	}
	for name, expect := range want {
		ev := findEvidence(t, evs, models.EvidenceMetricSample, name)
		if ev.Source != models.SourceMetrics {
			t.Errorf("%s: source = %s", name, ev.Source)
		}
		if ev.SignalStrength != expect.strength {
			t.Errorf("%s: strength = %v, want %v", name, ev.SignalStrength, expect.strength)
		}
		if ev.Data.MetricSample.Breach != expect.breach {
			t.Errorf("%s: breach = %v, want %v", name, ev.Data.MetricSample.Breach, expect.breach)
		}
		if ev.Data.MetricSample.Query == "" {
			t.Errorf("%s: missing query text", name)
		}
	}

	restarts := findEvidence(t, evs, models.EvidenceMetricSample, "restart_count_delta").Data.MetricSample
	if restarts.Current != 7 {
		t.Errorf("current = %v, want 7 (NaN points skipped)", restarts.Current)
	}
	if restarts.Min != 2 || restarts.Max != 7 {
		t.Errorf("min/max = %v/%v, want 2/7", restarts.Min, restarts.Max)
	}
	if restarts.Avg != 13.0/3.0 {
		t.Errorf("avg = %v, want %v", restarts.Avg, 13.0/3.0)
	}
}

func TestMetricsCollectorPartialOnQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.FormValue("query"), "horizontalpodautoscaler") {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"status":"error","errorType":"internal","error":"query engine overloaded"}`)
			return
		}
		fmt.Fprint(w, promSingle("0"))
	}))
	defer srv.Close()

	collector, err := NewMetricsCollector(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	evs, err := collector.Collect(context.Background(), testContext(), testWindow())
	if err == nil {
		t.Fatal("expected an error for the failing family")
	}
	if len(evs) != 5 {
		t.Fatalf("expected the 5 healthy families, got %d", len(evs))
	}
}

func TestMetricsCollectorSkipsEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.FormValue("query"), "cfs_throttled") {
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"matrix","result":[]}}`)
			return
		}
		fmt.Fprint(w, promSingle("0"))
	}))
	defer srv.Close()

	collector, err := NewMetricsCollector(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	evs, err := collector.Collect(context.Background(), testContext(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 5 {
		t.Fatalf("expected 5 records with one empty family, got %d", len(evs))
	}
	for _, ev := range evs {
		if ev.EntityName == "cpu_throttle_rate" {
			t.Error("empty family should produce no evidence")
		}
	}
}

func TestMetricSignalStrengthThresholds(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		want    float64
	}{
		{"restart_count_delta", 6, 0.9},
		{"restart_count_delta", 3, 0.7},
		{"restart_count_delta", 1, 0.5},
		{"restart_count_delta", 0, 0.3},
		{"memory_usage_ratio", 95, 0.9},
		{"memory_usage_ratio", 72, 0.5},
		{"cpu_throttle_rate", 0.6, 0.8},
		{"http_5xx_rate", 0.06, 0.8},
		{"http_5xx_rate", 0.005, 0.3},
		{"p99_latency", 6, 0.9},
		{"p99_latency", 1.5, 0.5},
		{"hpa_utilization", 1.0, 0.8},
		{"hpa_utilization", 0.4, 0.3},
	}
	for _, tc := range cases {
		if got := metricSignalStrength(tc.name, tc.current); got != tc.want {
			t.Errorf("%s(%v) = %v, want %v", tc.name, tc.current, got, tc.want)
		}
	}
}
