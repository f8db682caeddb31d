package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kuremedy/kuremedy/internal/approval"
	"github.com/kuremedy/kuremedy/internal/collect"
	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/execute"
	"github.com/kuremedy/kuremedy/internal/graph"
	"github.com/kuremedy/kuremedy/internal/ingest"
	"github.com/kuremedy/kuremedy/internal/logging"
	"github.com/kuremedy/kuremedy/internal/policy"
	"github.com/kuremedy/kuremedy/internal/rules"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/internal/verify"
	"github.com/kuremedy/kuremedy/internal/workflow"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a canned incident through the full pipeline",
	Long: `Simulate drives one synthetic incident end to end against a fake
cluster and canned log/metric backends: a fresh rollout of the "api"
deployment crash-looping in a dev namespace. No real cluster or backend is
touched. The run prints the hypotheses, the policy decision, and the
verification outcome.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSimulate(); err != nil {
			fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
			os.Exit(1)
		}
	},
}

const (
	simNamespace = "shop"
	simService   = "api"
)

func runSimulate() error {
	logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "kuremedy-sim"})
	defer logging.Shutdown()

	dataDir, err := os.MkdirTemp("", "kuremedy-sim-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dataDir)

	now := time.Now().UTC()
	kube := fake.NewSimpleClientset(simClusterObjects(now)...)

	prom := httptest.NewServer(simPrometheus())
	defer prom.Close()
	loki := httptest.NewServer(simLoki(now))
	defer loki.Close()

	cfg := simConfig(dataDir, prom.URL, loki.URL)

	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	g, err := graph.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open graph: %w", err)
	}
	defer g.Close()

	registry := collect.NewRegistry()
	for _, c := range []collect.Collector{
		collect.NewClusterCollector(kube),
		collect.NewDeployCollector(kube, cfg.DeployLookback),
		collect.NewLogsCollector(cfg.LokiURL, nil, 0),
	} {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	metricsCollector, err := collect.NewMetricsCollector(cfg.PrometheusURL, nil)
	if err != nil {
		return fmt.Errorf("build metrics collector: %w", err)
	}
	if err := registry.Register(metricsCollector); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	// No kube client here: readiness comes from the canned
	// kube-state-metrics queries, which report the rolled-back workload
	// healthy. The fake cluster keeps its crash-looping pod forever.
	verifier, err := verify.NewVerifier(cfg.PrometheusURL, nil, nil, st,
		verify.WithThresholds(cfg.VerificationImprovement, cfg.VerificationErrorThreshold))
	if err != nil {
		return fmt.Errorf("build verifier: %w", err)
	}

	apStore, err := approval.NewStore(approval.StoreConfig{
		DataDir:            dataDir,
		DefaultTimeout:     cfg.ApprovalTimeout,
		DisablePersistence: true,
	})
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	broker := approval.NewBroker(apStore, nil, approval.WithAutoApprove(true))

	driver := workflow.NewDriver(workflow.Deps{
		Store:      st,
		Graph:      g,
		Collectors: registry,
		Rules:      rules.NewEngine(),
		Gate:       policy.NewGate(cfg),
		Executor:   execute.NewExecutor(kube, st, execute.NewLeaseTable()),
		Verifier:   verifier,
		Approvals:  broker,
		Config:     cfg,
	}, workflow.WithSleep(fastSleep))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	driver.Start(ctx)

	inc, err := ingest.NewNormalizer().Normalize(ingest.AlertPayload{
		Title:     "KubePodCrashLooping: api",
		Severity:  "critical",
		Source:    "simulator",
		Cluster:   "sim",
		Namespace: simNamespace,
		Service:   simService,
		Labels: map[string]string{
			"alertname": "KubePodCrashLooping",
			"namespace": simNamespace,
			"pod":       "api-7f9d8b6c4-qx2lk",
		},
		Annotations: map[string]string{
			"summary": "Pod shop/api-7f9d8b6c4-qx2lk is restarting repeatedly",
		},
		StartedAt: now.Add(-2 * time.Minute),
	})
	if err != nil {
		return fmt.Errorf("normalize alert: %w", err)
	}
	if err := st.CreateIncident(inc); err != nil {
		return fmt.Errorf("persist incident: %w", err)
	}

	fmt.Println("Scenario: bad deploy (CrashLoopBackOff minutes after a rollout, dev cluster)")
	fmt.Printf("Incident %s  %q\n\n", inc.ID, inc.Title)

	done, err := driver.Dispatch(inc)
	if err != nil {
		return fmt.Errorf("dispatch workflow: %w", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("workflow did not finish within 2 minutes")
	}

	if err := printOutcome(st, inc.ID); err != nil {
		return err
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return driver.Stop(stopCtx)
}

// fastSleep compresses the workflow's real suspension delays (verification
// settle, retry backoff) so the demo finishes in seconds.
func fastSleep(ctx context.Context, d time.Duration) error {
	const maxDelay = 150 * time.Millisecond
	if d > maxDelay {
		d = maxDelay
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func simConfig(dataDir, promURL, lokiURL string) *config.Config {
	return &config.Config{
		Environment: config.EnvDev,
		Cluster:     "sim",
		DataDir:     dataDir,
		LogLevel:    "warn",
		LogFormat:   "auto",

		PrometheusURL: promURL,
		LokiURL:       lokiURL,

		CollectionDeadlineTotal:     time.Minute,
		CollectionDeadlinePerSource: 20 * time.Second,
		DeployLookback:              30 * time.Minute,

		VerificationDelay:          2 * time.Second,
		VerificationImprovement:    0.5,
		VerificationErrorThreshold: 0.05,

		ApprovalTimeout: time.Minute,
		AutoApproveDev:  true,

		RetryBudget:      1,
		WorkerCount:      1,
		WorkflowDeadline: 5 * time.Minute,

		FreezeHoursStart: 22,
		FreezeHoursEnd:   6,

		ProtectedNamespaces: []string{
			"kube-system", "kube-public", "kube-node-lease",
			"istio-system", "cert-manager", "monitoring",
		},
		HighRiskActions: []string{
			"drain_node", "delete_pvc", "update_resource_limits",
			"delete_namespace", "update_configmap", "uncordon_node",
		},

		DedupTTL:        4 * time.Hour,
		AlertRateWindow: time.Minute,
	}
}

func printOutcome(st *store.Store, incidentID string) error {
	inc, err := st.GetIncident(incidentID)
	if err != nil {
		return fmt.Errorf("reload incident: %w", err)
	}
	hyps, err := st.HypothesesForIncident(incidentID)
	if err != nil {
		return fmt.Errorf("load hypotheses: %w", err)
	}
	actions, err := st.ActionsForIncident(incidentID)
	if err != nil {
		return fmt.Errorf("load actions: %w", err)
	}

	fmt.Println("Hypotheses:")
	for _, h := range hyps {
		fmt.Printf("  %d. %-20s confidence %.3f  %s\n", h.Rank, h.Category, h.Confidence, h.Title)
	}

	fmt.Println("\nActions:")
	for _, a := range actions {
		fmt.Printf("  %-22s %s/%s  blast %.2f  -> %s\n",
			a.ActionType, a.TargetNamespace, a.TargetResource, a.BlastRadiusScore, a.Status)
		vs, err := st.VerificationsForAction(a.ID)
		if err != nil {
			return fmt.Errorf("load verifications: %w", err)
		}
		for _, v := range vs {
			fmt.Printf("      verification: success=%v  error rate %.3f -> %.3f  restarts %+.0f  ready %.0f%%\n",
				v.Success, v.ErrorRateBefore, v.ErrorRateAfter, v.RestartDelta, v.ReadyRatio*100)
		}
	}

	fmt.Printf("\nFinal status: %s\n", inc.Status)
	return nil
}

// simClusterObjects is the fake cluster: the "api" deployment rolled out to
// revision 42 two minutes ago, its new pod crash-looping, the prior
// ReplicaSet still holding the revision 41 template a rollback can restore.
func simClusterObjects(now time.Time) []runtime.Object {
	replicas := int32(3)
	controller := true
	podLabels := map[string]string{"app": simService}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:              simService,
			Namespace:         simNamespace,
			Labels:            podLabels,
			Annotations:       map[string]string{"deployment.kubernetes.io/revision": "42"},
			CreationTimestamp: metav1.NewTime(now.Add(-45 * 24 * time.Hour)),
			Generation:        7,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: podLabels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{Containers: []corev1.Container{
					{Name: simService, Image: "registry.local/shop/api:1.7.0"},
				}},
			},
		},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 7,
			Replicas:           3,
			UpdatedReplicas:    3,
			ReadyReplicas:      1,
		},
	}

	currentRS := simReplicaSet("api-7f9d8b6c4", "42", "7f9d8b6c4",
		"registry.local/shop/api:1.7.0", now.Add(-2*time.Minute), replicas)
	priorRS := simReplicaSet("api-5c6f7d9b8", "41", "5c6f7d9b8",
		"registry.local/shop/api:1.6.3", now.Add(-3*24*time.Hour), 0)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "api-7f9d8b6c4-qx2lk",
			Namespace: simNamespace,
			Labels: map[string]string{
				"app":               simService,
				"pod-template-hash": "7f9d8b6c4",
			},
			CreationTimestamp: metav1.NewTime(now.Add(-2 * time.Minute)),
			OwnerReferences: []metav1.OwnerReference{{
				Kind:       "ReplicaSet",
				Name:       "api-7f9d8b6c4",
				Controller: &controller,
			}},
		},
		Spec: corev1.PodSpec{
			NodeName: "sim-node-1",
			Containers: []corev1.Container{
				{Name: simService, Image: "registry.local/shop/api:1.7.0"},
			},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionFalse},
			},
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         simService,
				RestartCount: 15,
				Ready:        false,
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{
						Reason:  "CrashLoopBackOff",
						Message: "back-off 5m0s restarting failed container",
					},
				},
				LastTerminationState: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{
						ExitCode:   1,
						Reason:     "Error",
						FinishedAt: metav1.NewTime(now.Add(-30 * time.Second)),
					},
				},
			}},
		},
	}

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "sim-node-1"},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
		}},
	}

	return []runtime.Object{deployment, currentRS, priorRS, pod, node}
}

func simReplicaSet(name, revision, hash, image string, created time.Time, replicas int32) *appsv1.ReplicaSet {
	controller := true
	labels := map[string]string{"app": simService, "pod-template-hash": hash}
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         simNamespace,
			Labels:            labels,
			Annotations:       map[string]string{"deployment.kubernetes.io/revision": revision},
			CreationTimestamp: metav1.NewTime(created),
			OwnerReferences: []metav1.OwnerReference{{
				Kind:       "Deployment",
				Name:       simService,
				Controller: &controller,
			}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{Containers: []corev1.Container{
					{Name: simService, Image: image},
				}},
			},
		},
	}
}

// simPrometheus cans both phases of the run. Range queries serve the
// investigation window: restarts spiking and a high 5xx ratio. Instant
// queries serve verification: offset (pre-action) samples stay bad, current
// samples read recovered.
func simPrometheus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := r.Form.Get("query")
		w.Header().Set("Content-Type", "application/json")

		if strings.HasSuffix(r.URL.Path, "/query_range") {
			writeMatrix(w, rangeSample(query))
			return
		}
		writeVector(w, instantSample(query))
	})
}

func rangeSample(query string) float64 {
	switch {
	case strings.Contains(query, "restarts_total"):
		return 15
	case strings.Contains(query, "memory_working_set"):
		return 62
	case strings.Contains(query, "throttled_periods"):
		return 0.04
	case strings.Contains(query, "http_requests_total"):
		return 0.35
	case strings.Contains(query, "duration_seconds_bucket"):
		return 2.4
	case strings.Contains(query, "horizontalpodautoscaler"):
		return 0.4
	}
	return 0
}

func instantSample(query string) float64 {
	if strings.Contains(query, "offset") {
		switch {
		case strings.Contains(query, "http_requests_total"):
			return 0.35
		case strings.Contains(query, "duration_seconds_bucket"):
			return 2.4
		}
		return 0
	}
	switch {
	case strings.Contains(query, "restarts_total"):
		return 0
	case strings.Contains(query, "kube_pod_status_ready"):
		return 1
	case strings.Contains(query, "http_requests_total"):
		return 0.004
	case strings.Contains(query, "duration_seconds_bucket"):
		return 0.12
	}
	return 0
}

func writeMatrix(w http.ResponseWriter, value float64) {
	ts := time.Now().Unix()
	fmt.Fprintf(w, `{"status":"success","data":{"resultType":"matrix","result":[{"metric":{},"values":[[%d,"%g"],[%d,"%g"]]}]}}`,
		ts-60, value, ts, value)
}

func writeVector(w http.ResponseWriter, value float64) {
	fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[%d,"%g"]}]}}`,
		time.Now().Unix(), value)
}

// simLoki replays the crash-looping service's log tail: repeated database
// connection failures with one Go panic trace.
func simLoki(now time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var values []string
		ts := now.Add(-2 * time.Minute)
		for i := 0; i < 40; i++ {
			line := "Error: cannot connect to database shop-db.shop.svc:5432: connection refused"
			if i%10 == 9 {
				line = "panic: database handle is nil\n\ngoroutine 1 [running]:\nmain.mustDB(0x0)\n\t/app/db.go:42"
			}
			values = append(values, fmt.Sprintf(`["%s",%s]`,
				strconv.FormatInt(ts.Add(time.Duration(i)*3*time.Second).UnixNano(), 10),
				strconv.Quote(line)))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"streams","result":[{"stream":{"namespace":%q,"app":%q},"values":[%s]}]}}`,
			simNamespace, simService, strings.Join(values, ","))
	})
}
