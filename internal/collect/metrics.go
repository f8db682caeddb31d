package collect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/models"
)

// MetricsCollector evaluates a fixed family of PromQL queries over the
// incident window. Queries are range evaluations so the stats capture how a
// signal moved during the window, not just its final value.
type MetricsCollector struct {
	api promv1.API
}

func NewMetricsCollector(baseURL string, client *http.Client) (*MetricsCollector, error) {
	if client == nil {
		client = NewBackendClient("prometheus", 30*time.Second)
	}
	apiClient, err := promapi.NewClient(promapi.Config{Address: baseURL, Client: client})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &MetricsCollector{api: promv1.NewAPI(apiClient)}, nil
}

// NewMetricsCollectorForAPI wires an existing API handle. Used by tests.
func NewMetricsCollectorForAPI(api promv1.API) *MetricsCollector {
	return &MetricsCollector{api: api}
}

func (c *MetricsCollector) Name() string { return "metrics" }

func (c *MetricsCollector) Collect(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	step := window.Duration() / 100
	if step < 15*time.Second {
		step = 15 * time.Second
	}
	r := promv1.Range{Start: window.Start, End: window.End, Step: step}

	var out []models.Evidence
	var errs []error
	for _, q := range metricQueries(cc, window) {
		value, warnings, err := c.api.QueryRange(ctx, q.expr, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("query %s: %w", q.name, err))
			continue
		}
		if len(warnings) > 0 {
			log.Debug().Str("query", q.name).Strs("warnings", warnings).Msg("Prometheus returned warnings")
		}
		sample, ok := summarizeMatrix(value)
		if !ok {
			continue
		}
		sample.Query = q.expr
		strength := metricSignalStrength(q.name, sample.Current)
		sample.Breach = strength > 0.7
		out = append(out, newEvidence(cc, window,
			models.EvidenceMetricSample, models.SourceMetrics,
			q.name, cc.Namespace,
			models.EvidenceData{MetricSample: &sample}, strength))
	}
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

type metricQuery struct {
	name string
	expr string
}

func metricQueries(cc CollectionContext, window models.TimeWindow) []metricQuery {
	podPattern := ".*"
	workload := ".*"
	if cc.Service != "" {
		podPattern = cc.Service + "-.*"
		workload = cc.Service
	}
	span := window.Duration().Round(time.Minute)
	if span < 5*time.Minute {
		span = 5 * time.Minute
	}
	windowSel := model.Duration(span).String()

	return []metricQuery{
		{
			name: "restart_count_delta",
			expr: fmt.Sprintf(`sum(increase(kube_pod_container_status_restarts_total{namespace=%q,pod=~%q}[%s]))`,
				cc.Namespace, podPattern, windowSel),
		},
		{
			name: "memory_usage_ratio",
			expr: fmt.Sprintf(`100 * max(container_memory_working_set_bytes{namespace=%q,pod=~%q,container!=""} / on(pod,container) (container_spec_memory_limit_bytes{namespace=%q,pod=~%q,container!=""} > 0))`,
				cc.Namespace, podPattern, cc.Namespace, podPattern),
		},
		{
			name: "cpu_throttle_rate",
			expr: fmt.Sprintf(`sum(rate(container_cpu_cfs_throttled_periods_total{namespace=%q,pod=~%q}[5m])) / sum(rate(container_cpu_cfs_periods_total{namespace=%q,pod=~%q}[5m]))`,
				cc.Namespace, podPattern, cc.Namespace, podPattern),
		},
		{
			name: "http_5xx_rate",
			expr: fmt.Sprintf(`sum(rate(http_requests_total{namespace=%q,job=~%q,code=~"5.."}[5m])) / sum(rate(http_requests_total{namespace=%q,job=~%q}[5m]))`,
				cc.Namespace, workload, cc.Namespace, workload),
		},
		{
			name: "p99_latency",
			expr: fmt.Sprintf(`histogram_quantile(0.99, sum by (le) (rate(http_request_duration_seconds_bucket{namespace=%q,job=~%q}[5m])))`,
				cc.Namespace, workload),
		},
		{
			name: "hpa_utilization",
			expr: fmt.Sprintf(`max(kube_horizontalpodautoscaler_status_current_replicas{namespace=%q} / kube_horizontalpodautoscaler_spec_max_replicas{namespace=%q})`,
				cc.Namespace, cc.Namespace),
		},
	}
}

// metricSignalStrength maps the most recent value of each query family onto
// the shared signal rubric.
func metricSignalStrength(name string, current float64) float64 {
	switch name {
	case "restart_count_delta":
		switch {
		case current > 5:
			return 0.9
		case current > 2:
			return 0.7
		case current > 0:
			return 0.5
		}
	case "memory_usage_ratio":
		switch {
		case current > 90:
			return 0.9
		case current > 80:
			return 0.7
		case current > 70:
			return 0.5
		}
	case "cpu_throttle_rate":
		switch {
		case current > 0.5:
			return 0.8
		case current > 0.1:
			return 0.6
		}
	case "http_5xx_rate":
		switch {
		case current > 0.1:
			return 0.9
		case current > 0.05:
			return 0.8
		case current > 0.01:
			return 0.6
		}
	case "p99_latency":
		switch {
		case current > 5:
			return 0.9
		case current > 2:
			return 0.7
		case current > 1:
			return 0.5
		}
	case "hpa_utilization":
		if current >= 1 {
			return 0.8
		}
	}
	return 0.3
}

// summarizeMatrix flattens a range result into current/min/max/avg stats,
// skipping NaN and Inf points that divisions over empty windows produce.
func summarizeMatrix(value model.Value) (models.MetricSampleData, bool) {
	matrix, ok := value.(model.Matrix)
	if !ok || len(matrix) == 0 {
		return models.MetricSampleData{}, false
	}

	var samples []model.SamplePair
	for _, series := range matrix {
		samples = append(samples, series.Values...)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })

	data := models.MetricSampleData{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	var count int
	for _, sample := range samples {
		v := float64(sample.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		data.Current = v
		data.Min = math.Min(data.Min, v)
		data.Max = math.Max(data.Max, v)
		sum += v
		count++
	}
	if count == 0 {
		return models.MetricSampleData{}, false
	}
	data.Avg = sum / float64(count)
	return data, true
}
