// Package verify re-checks the signals that opened an incident after a
// remediation action lands. It compares the current error rate against the
// pre-action window, confirms restarts have stopped, and requires the
// workload's pods to be ready before an action may be marked verified.
package verify

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kuremedy/kuremedy/internal/collect"
	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

const (
	// comparisonOffset is how far back the pre-action window sits. It must
	// cover the action itself plus the settle delay so the "before" sample
	// is untouched by the remediation.
	comparisonOffset = 15 * time.Minute

	// rateWindow is the instant-query rate window on both sides of the
	// comparison.
	rateWindow = 5 * time.Minute

	// minReadyRatio is the fraction of pods that must be Running and Ready.
	minReadyRatio = 0.9
)

// verificationStore is the slice of the store the verifier persists through.
type verificationStore interface {
	SaveVerification(v *models.VerificationResult) error
}

// Verifier compares pre- and post-action telemetry for a remediated workload.
type Verifier struct {
	api              promv1.API
	kube             kubernetes.Interface
	store            verificationStore
	improvementRatio float64
	errorThreshold   float64
	now              func() time.Time
}

// Option adjusts verifier construction.
type Option func(*Verifier)

// WithThresholds overrides the improvement ratio and absolute error-rate
// threshold used by the success formula.
func WithThresholds(improvement, errorThreshold float64) Option {
	return func(v *Verifier) {
		v.improvementRatio = improvement
		v.errorThreshold = errorThreshold
	}
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a verifier against a Prometheus base URL. The Kubernetes
// client is used for the pod readiness check; pass nil to fall back to
// kube-state-metrics queries.
func NewVerifier(baseURL string, client *http.Client, kube kubernetes.Interface, st verificationStore, opts ...Option) (*Verifier, error) {
	if client == nil {
		client = collect.NewBackendClient("prometheus-verify", 30*time.Second)
	}
	apiClient, err := promapi.NewClient(promapi.Config{Address: baseURL, Client: client})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return NewVerifierForAPI(promv1.NewAPI(apiClient), kube, st, opts...), nil
}

// NewVerifierForAPI wires an existing API handle. Used by tests.
func NewVerifierForAPI(api promv1.API, kube kubernetes.Interface, st verificationStore, opts ...Option) *Verifier {
	v := &Verifier{
		api:              api,
		kube:             kube,
		store:            st,
		improvementRatio: 0.5,
		errorThreshold:   0.05,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full comparison for one executed action and persists the
// result. The caller is responsible for waiting out the settle delay first;
// Verify samples whatever the current state is.
//
// An action verifies successfully when all three hold:
//   - the error rate improved past the configured ratio, or sits under the
//     absolute threshold outright;
//   - no container restarted since the action landed;
//   - at least 90% of the workload's pods are Running and Ready.
func (v *Verifier) Verify(ctx context.Context, inc *models.Incident, action *models.RemediationAction) (*models.VerificationResult, error) {
	result := &models.VerificationResult{
		ID:         models.NewActionID(),
		ActionID:   action.ID,
		IncidentID: inc.ID,
		CheckedAt:  v.now(),
	}

	var problems []string

	errBefore, errAfter, err := v.errorRates(ctx, inc)
	errRateKnown := err == nil
	if err != nil {
		problems = append(problems, fmt.Sprintf("error-rate query failed: %v", err))
	}
	result.ErrorRateBefore = errBefore
	result.ErrorRateAfter = errAfter

	latBefore, latAfter, err := v.latencies(ctx, inc)
	if err != nil {
		// Latency is advisory. Workloads without histogram buckets should
		// still be verifiable on error rate and pod health.
		log.Debug().Err(err).Str("incidentId", inc.ID).Msg("latency comparison unavailable")
	}
	result.LatencyBefore = latBefore
	result.LatencyAfter = latAfter

	restarts, err := v.restartDelta(ctx, inc)
	if err != nil {
		problems = append(problems, fmt.Sprintf("restart query failed: %v", err))
		// Treat an unanswerable restart check as not-settled.
		restarts = math.Inf(1)
	}
	result.RestartDelta = restarts

	ready, err := v.readyRatio(ctx, inc)
	if err != nil {
		problems = append(problems, fmt.Sprintf("readiness check failed: %v", err))
	}
	result.ReadyRatio = ready

	// An unanswerable error-rate check never counts as improvement.
	result.MetricsImproved = errRateKnown &&
		(errAfter < errBefore*v.improvementRatio || errAfter < v.errorThreshold)
	result.Success = result.MetricsImproved && restarts == 0 && ready >= minReadyRatio

	if !result.Success {
		if !result.MetricsImproved {
			problems = append(problems, fmt.Sprintf("error rate %.4f did not improve on %.4f", errAfter, errBefore))
		}
		if restarts > 0 {
			problems = append(problems, fmt.Sprintf("%.0f container restarts since action", restarts))
		}
		if ready < minReadyRatio {
			problems = append(problems, fmt.Sprintf("only %.0f%% of pods ready", ready*100))
		}
	}
	result.Details = strings.Join(problems, "; ")

	if v.store != nil {
		if err := v.store.SaveVerification(result); err != nil {
			return result, fmt.Errorf("save verification: %w", err)
		}
	}

	metrics.RecordVerification(result.Success)
	audit.Log(audit.EventActionVerified, inc.ID, action.ID, "verifier",
		verdict(result.Success), result.Success, result.Details)
	log.Info().
		Str("incidentId", inc.ID).
		Str("actionId", action.ID).
		Bool("success", result.Success).
		Float64("errorRateBefore", errBefore).
		Float64("errorRateAfter", errAfter).
		Float64("restartDelta", restarts).
		Float64("readyRatio", ready).
		Msg("Verification complete")

	return result, nil
}

func verdict(ok bool) string {
	if ok {
		return "verified"
	}
	return "unverified"
}

// errorRates returns the 5xx ratio now and at the comparison offset. A
// workload serving no traffic on either side reads as zero.
func (v *Verifier) errorRates(ctx context.Context, inc *models.Incident) (before, after float64, err error) {
	sel := fmt.Sprintf(`namespace=%q,job=~%q`, inc.Namespace, workloadPattern(inc))
	expr := fmt.Sprintf(`sum(rate(http_requests_total{%s,code=~"5.."}[%s])) / sum(rate(http_requests_total{%s}[%s]))`,
		sel, model.Duration(rateWindow), sel, model.Duration(rateWindow))

	after, err = v.instant(ctx, expr)
	if err != nil {
		return 0, 0, err
	}
	before, err = v.instant(ctx, expr+" offset "+model.Duration(comparisonOffset).String())
	if err != nil {
		return 0, after, err
	}
	return before, after, nil
}

// latencies returns the p99 request latency now and at the comparison offset.
func (v *Verifier) latencies(ctx context.Context, inc *models.Incident) (before, after float64, err error) {
	sel := fmt.Sprintf(`namespace=%q,job=~%q`, inc.Namespace, workloadPattern(inc))
	expr := fmt.Sprintf(`histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{%s}[%s])) by (le))`,
		sel, model.Duration(rateWindow))

	after, err = v.instant(ctx, expr)
	if err != nil {
		return 0, 0, err
	}
	before, err = v.instant(ctx, expr+" offset "+model.Duration(comparisonOffset).String())
	if err != nil {
		return 0, after, err
	}
	return before, after, nil
}

// restartDelta counts container restarts over the trailing rate window. Any
// nonzero value means the workload has not settled since the action.
func (v *Verifier) restartDelta(ctx context.Context, inc *models.Incident) (float64, error) {
	expr := fmt.Sprintf(`sum(increase(kube_pod_container_status_restarts_total{namespace=%q,pod=~%q}[%s]))`,
		inc.Namespace, podPattern(inc), model.Duration(rateWindow))
	delta, err := v.instant(ctx, expr)
	if err != nil {
		return 0, err
	}
	// increase() extrapolates fractional restarts from a single counter bump.
	return math.Round(delta), nil
}

// readyRatio reports the fraction of the workload's pods that are Running
// with all containers ready. Prefers the live API; falls back to
// kube-state-metrics when no client is wired.
func (v *Verifier) readyRatio(ctx context.Context, inc *models.Incident) (float64, error) {
	if v.kube == nil {
		return v.readyRatioFromMetrics(ctx, inc)
	}

	opts := metav1.ListOptions{}
	if inc.Service != "" {
		opts.LabelSelector = "app=" + inc.Service
	}
	list, err := v.kube.CoreV1().Pods(inc.Namespace).List(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("list pods: %w", err)
	}
	pods := list.Items
	if len(pods) == 0 && inc.Service != "" {
		all, err := v.kube.CoreV1().Pods(inc.Namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return 0, fmt.Errorf("list pods: %w", err)
		}
		for _, pod := range all.Items {
			if strings.HasPrefix(pod.Name, inc.Service) {
				pods = append(pods, pod)
			}
		}
	}
	if len(pods) == 0 {
		return 0, fmt.Errorf("no pods found for %s/%s", inc.Namespace, inc.Service)
	}

	ready := 0
	for _, pod := range pods {
		if podReady(&pod) {
			ready++
		}
	}
	return float64(ready) / float64(len(pods)), nil
}

func (v *Verifier) readyRatioFromMetrics(ctx context.Context, inc *models.Incident) (float64, error) {
	expr := fmt.Sprintf(`sum(kube_pod_status_ready{condition="true",namespace=%q,pod=~%q}) / count(kube_pod_info{namespace=%q,pod=~%q})`,
		inc.Namespace, podPattern(inc), inc.Namespace, podPattern(inc))
	return v.instant(ctx, expr)
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// instant evaluates an instant query and returns the first sample value. An
// empty result reads as zero, which is the right answer for rate ratios over
// absent series.
func (v *Verifier) instant(ctx context.Context, expr string) (float64, error) {
	value, warnings, err := v.api.Query(ctx, expr, v.now())
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		log.Debug().Strs("warnings", warnings).Msg("Prometheus returned warnings")
	}
	switch val := value.(type) {
	case model.Vector:
		if len(val) == 0 {
			return 0, nil
		}
		return sampleFloat(val[0].Value), nil
	case *model.Scalar:
		return sampleFloat(val.Value), nil
	default:
		return 0, fmt.Errorf("unexpected result type %s", value.Type())
	}
}

func sampleFloat(v model.SampleValue) float64 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func workloadPattern(inc *models.Incident) string {
	if inc.Service == "" {
		return ".*"
	}
	return inc.Service
}

func podPattern(inc *models.Incident) string {
	if inc.Service == "" {
		return ".*"
	}
	return inc.Service + "-.*"
}
