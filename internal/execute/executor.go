// Package execute performs remediation actions against the cluster.
//
// Every action carries an idempotency key derived from the incident, action
// type, target, and parameters. Execute consults the action store before
// touching the cluster and replays the recorded result when a run with the
// same key already completed, so a workflow resuming from its journal never
// mutates the cluster twice. Transient API errors retry on a fixed backoff
// schedule; NotFound and Forbidden fail immediately.
package execute

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

const (
	defaultAttemptTimeout = 60 * time.Second
	defaultOverallTimeout = 5 * time.Minute
	maxRetries            = 3
)

var backoffSchedule = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

// Outcome tokens recorded on ExecutionResult and the execution metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeNotFound  = "not_found"
	OutcomeForbidden = "forbidden"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

const (
	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
	revisionAnnotation    = "deployment.kubernetes.io/revision"
	refreshedAtAnnotation = "kuremedy.io/refreshed-at"
)

var (
	// ErrLeaseHeld reports that another action is already operating on the
	// same target.
	ErrLeaseHeld = errors.New("target lease held by another action")

	// ErrUnsupportedAction reports an action type the executor cannot
	// perform.
	ErrUnsupportedAction = errors.New("unsupported action type")
)

// actionStore is the slice of the persistence layer the executor needs.
type actionStore interface {
	GetActionByKey(idempotencyKey string) (*models.RemediationAction, error)
	UpdateAction(action *models.RemediationAction) error
}

// Executor applies remediation actions to the cluster with retries, leases,
// and idempotent replay.
type Executor struct {
	client  kubernetes.Interface
	actions actionStore
	leases  *LeaseTable

	attemptTimeout time.Duration
	overallTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeouts overrides the per-attempt and overall execution deadlines.
func WithTimeouts(attempt, overall time.Duration) Option {
	return func(e *Executor) {
		if attempt > 0 {
			e.attemptTimeout = attempt
		}
		if overall > 0 {
			e.overallTimeout = overall
		}
	}
}

// NewExecutor builds an executor over the given cluster client and action
// store. A nil lease table gets a fresh one.
func NewExecutor(client kubernetes.Interface, actions actionStore, leases *LeaseTable, opts ...Option) *Executor {
	e := &Executor{
		client:         client,
		actions:        actions,
		leases:         leases,
		attemptTimeout: defaultAttemptTimeout,
		overallTimeout: defaultOverallTimeout,
		sleep:          sleepCtx,
	}
	if e.leases == nil {
		e.leases = NewLeaseTable()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the action against the cluster and persists the outcome on
// the action record. A prior completed run with the same idempotency key is
// answered from the store without any cluster calls. The target lease is
// acquired here and kept while the action stays non-terminal; the workflow
// frees it through ReleaseLease once verification settles the final status.
func (e *Executor) Execute(ctx context.Context, action *models.RemediationAction) (*models.ExecutionResult, error) {
	prior, err := e.actions.GetActionByKey(action.IdempotencyKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if prior != nil && prior.Result != nil {
		replay := *prior.Result
		replay.Replayed = true
		metrics.RecordActionReplay()
		log.Info().
			Str("actionId", prior.ID).
			Str("actionType", string(prior.ActionType)).
			Str("outcome", replay.Outcome).
			Msg("Action already completed, replaying recorded result")
		return &replay, nil
	}
	if action.Status.Terminal() {
		return nil, fmt.Errorf("action %s is already %s", action.ID, action.Status)
	}

	if !e.leases.Acquire(action.TargetNamespace, action.TargetResource, action.ID) {
		holder, _ := e.leases.Holder(action.TargetNamespace, action.TargetResource)
		return nil, fmt.Errorf("%w: %s/%s held by %s",
			ErrLeaseHeld, action.TargetNamespace, action.TargetResource, holder)
	}

	started := time.Now().UTC()
	action.Status = models.ActionExecuting
	action.ExecutedAt = &started
	if err := e.actions.UpdateAction(action); err != nil {
		e.leases.Release(action.TargetNamespace, action.TargetResource, action.ID)
		return nil, fmt.Errorf("mark action executing: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.overallTimeout)
	defer cancel()

	result := e.run(runCtx, action)
	finished := time.Now().UTC()
	result.StartedAt = started
	result.FinishedAt = finished

	if result.Outcome == OutcomeSucceeded {
		action.Status = models.ActionSucceeded
	} else {
		action.Status = models.ActionFailed
	}
	action.CompletedAt = &finished
	action.Result = result
	if err := e.actions.UpdateAction(action); err != nil {
		e.leases.Release(action.TargetNamespace, action.TargetResource, action.ID)
		return nil, fmt.Errorf("record action result: %w", err)
	}
	if action.Status.Terminal() {
		e.leases.Release(action.TargetNamespace, action.TargetResource, action.ID)
	}

	metrics.RecordActionExecuted(action.ActionType, result.Outcome)
	audit.Log(audit.EventActionExecuted, action.IncidentID, action.ID, "executor",
		result.Outcome, result.Outcome == OutcomeSucceeded,
		fmt.Sprintf("%s on %s/%s: %s",
			action.ActionType, action.TargetNamespace, action.TargetResource, result.Detail))
	log.Info().
		Str("incidentId", action.IncidentID).
		Str("actionId", action.ID).
		Str("actionType", string(action.ActionType)).
		Str("outcome", result.Outcome).
		Int("attempts", result.Attempts).
		Msg("Action execution finished")

	return result, nil
}

// ReleaseLease frees the action's target lease. Call once the action reaches
// a terminal status.
func (e *Executor) ReleaseLease(action *models.RemediationAction) {
	e.leases.Release(action.TargetNamespace, action.TargetResource, action.ID)
}

func (e *Executor) run(ctx context.Context, action *models.RemediationAction) *models.ExecutionResult {
	res := &models.ExecutionResult{}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		detail, err := e.apply(attemptCtx, action)
		cancel()

		if err == nil {
			res.Outcome = OutcomeSucceeded
			res.Detail = detail
			return res
		}

		outcome, retryable := classify(ctx, err)
		if !retryable || attempt > maxRetries {
			res.Outcome = outcome
			res.Detail = err.Error()
			return res
		}

		metrics.RecordActionRetry(action.ActionType)
		backoff := withJitter(backoffSchedule[attempt-1])
		log.Warn().Err(err).
			Str("actionId", action.ID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Transient error executing action, backing off")
		if err := e.sleep(ctx, backoff); err != nil {
			res.Outcome = contextOutcome(ctx)
			res.Detail = err.Error()
			return res
		}
	}
}

func (e *Executor) apply(ctx context.Context, action *models.RemediationAction) (string, error) {
	switch action.ActionType {
	case models.ActionRestartPod, models.ActionDeletePod:
		return e.deletePod(ctx, action)
	case models.ActionRestartDeployment:
		return e.restartDeployment(ctx, action)
	case models.ActionRollbackDeployment:
		return e.rollbackDeployment(ctx, action)
	case models.ActionScaleReplicas:
		return e.scaleReplicas(ctx, action)
	case models.ActionCordonNode:
		return e.setUnschedulable(ctx, action.TargetResource, true)
	case models.ActionUncordonNode:
		return e.setUnschedulable(ctx, action.TargetResource, false)
	case models.ActionDrainNode:
		return e.drainNode(ctx, action)
	case models.ActionUpdateResourceLimits:
		return e.updateResourceLimits(ctx, action)
	case models.ActionUpdateConfigMap:
		return e.touchConfigMap(ctx, action)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAction, action.ActionType)
	}
}

// deletePod removes one pod of the target workload so its controller
// reschedules it. The unhealthiest pod goes first.
func (e *Executor) deletePod(ctx context.Context, action *models.RemediationAction) (string, error) {
	ns := action.TargetNamespace
	name, err := e.resolvePod(ctx, ns, action.TargetResource)
	if err != nil {
		return "", err
	}

	opts := metav1.DeleteOptions{}
	if action.Parameters != nil && action.Parameters.GracePeriodSeconds != nil {
		opts.GracePeriodSeconds = action.Parameters.GracePeriodSeconds
	}
	if err := e.client.CoreV1().Pods(ns).Delete(ctx, name, opts); err != nil {
		return "", fmt.Errorf("delete pod %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("deleted pod %s/%s", ns, name), nil
}

// resolvePod picks the pod to act on: first non-Running, then not-ready,
// then the first by name. A target that matches no workload label is tried
// as a literal pod name.
func (e *Executor) resolvePod(ctx context.Context, namespace, workload string) (string, error) {
	pods, err := e.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + workload,
	})
	if err != nil {
		return "", fmt.Errorf("list pods for %s/%s: %w", namespace, workload, err)
	}
	if len(pods.Items) == 0 {
		if _, err := e.client.CoreV1().Pods(namespace).Get(ctx, workload, metav1.GetOptions{}); err != nil {
			return "", fmt.Errorf("no pods for %s/%s: %w", namespace, workload, err)
		}
		return workload, nil
	}

	sort.Slice(pods.Items, func(i, j int) bool { return pods.Items[i].Name < pods.Items[j].Name })
	for i := range pods.Items {
		if pods.Items[i].Status.Phase != corev1.PodRunning {
			return pods.Items[i].Name, nil
		}
	}
	for i := range pods.Items {
		for _, cs := range pods.Items[i].Status.ContainerStatuses {
			if !cs.Ready {
				return pods.Items[i].Name, nil
			}
		}
	}
	return pods.Items[0].Name, nil
}

func (e *Executor) restartDeployment(ctx context.Context, action *models.RemediationAction) (string, error) {
	ns, name := action.TargetNamespace, action.TargetResource
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, time.Now().UTC().Format(time.RFC3339))
	_, err := e.client.AppsV1().Deployments(ns).Patch(ctx, name,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("restart deployment %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("patched restart annotation on deployment %s/%s", ns, name), nil
}

// rollbackDeployment copies the pod template of an earlier ReplicaSet back
// onto the deployment, the same thing kubectl rollout undo does. Without an
// explicit revision parameter the next-newest revision wins.
func (e *Executor) rollbackDeployment(ctx context.Context, action *models.RemediationAction) (string, error) {
	ns, name := action.TargetNamespace, action.TargetResource
	deploy, err := e.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", ns, name, err)
	}

	rsList, err := e.client.AppsV1().ReplicaSets(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list replicasets in %s: %w", ns, err)
	}

	var owned []*appsv1.ReplicaSet
	for i := range rsList.Items {
		rs := &rsList.Items[i]
		if ownedByDeployment(rs, name) {
			owned = append(owned, rs)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return rsRevision(owned[i]) > rsRevision(owned[j]) })

	var want int64
	if action.Parameters != nil {
		want = action.Parameters.Revision
	}

	var target *appsv1.ReplicaSet
	if want > 0 {
		for _, rs := range owned {
			if rsRevision(rs) == want {
				target = rs
				break
			}
		}
		if target == nil {
			return "", fmt.Errorf("revision %d not found for deployment %s/%s", want, ns, name)
		}
	} else {
		if len(owned) < 2 {
			return "", fmt.Errorf("no prior revision for deployment %s/%s", ns, name)
		}
		target = owned[1]
	}

	template := target.Spec.Template.DeepCopy()
	delete(template.Labels, "pod-template-hash")
	deploy.Spec.Template = *template

	if _, err := e.client.AppsV1().Deployments(ns).Update(ctx, deploy, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("update deployment %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("rolled back deployment %s/%s to revision %d", ns, name, rsRevision(target)), nil
}

func ownedByDeployment(rs *appsv1.ReplicaSet, name string) bool {
	for _, ref := range rs.OwnerReferences {
		if ref.Kind == "Deployment" && ref.Name == name {
			return true
		}
	}
	return false
}

func rsRevision(rs *appsv1.ReplicaSet) int64 {
	rev, _ := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
	return rev
}

// scaleReplicas patches spec.replicas. Without an explicit count the
// deployment grows by one.
func (e *Executor) scaleReplicas(ctx context.Context, action *models.RemediationAction) (string, error) {
	ns, name := action.TargetNamespace, action.TargetResource

	var replicas int32
	if action.Parameters != nil && action.Parameters.Replicas != nil {
		replicas = *action.Parameters.Replicas
	} else {
		deploy, err := e.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", fmt.Errorf("get deployment %s/%s: %w", ns, name, err)
		}
		replicas = 1
		if deploy.Spec.Replicas != nil {
			replicas = *deploy.Spec.Replicas + 1
		}
	}
	if replicas < 1 {
		replicas = 1
	}

	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := e.client.AppsV1().Deployments(ns).Patch(ctx, name,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("scale deployment %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("scaled deployment %s/%s to %d replicas", ns, name, replicas), nil
}

func (e *Executor) setUnschedulable(ctx context.Context, node string, unschedulable bool) (string, error) {
	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	_, err := e.client.CoreV1().Nodes().Patch(ctx, node,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("patch node %s: %w", node, err)
	}
	if unschedulable {
		return fmt.Sprintf("cordoned node %s", node), nil
	}
	return fmt.Sprintf("uncordoned node %s", node), nil
}

// drainNode cordons the node and deletes its pods, skipping DaemonSet-owned
// and mirror pods, which either reschedule nowhere else or belong to the
// kubelet.
func (e *Executor) drainNode(ctx context.Context, action *models.RemediationAction) (string, error) {
	node := action.TargetResource
	if _, err := e.setUnschedulable(ctx, node, true); err != nil {
		return "", err
	}

	pods, err := e.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + node,
	})
	if err != nil {
		return "", fmt.Errorf("list pods on node %s: %w", node, err)
	}

	opts := metav1.DeleteOptions{}
	if action.Parameters != nil && action.Parameters.GracePeriodSeconds != nil {
		opts.GracePeriodSeconds = action.Parameters.GracePeriodSeconds
	}

	evicted := 0
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Spec.NodeName != node || skipDuringDrain(pod) {
			continue
		}
		if err := e.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, opts); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return "", fmt.Errorf("evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		evicted++
	}
	return fmt.Sprintf("cordoned node %s and evicted %d pods", node, evicted), nil
}

func skipDuringDrain(pod *corev1.Pod) bool {
	if _, mirror := pod.Annotations[corev1.MirrorPodAnnotationKey]; mirror {
		return true
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

// updateResourceLimits raises the memory limit of one container in the
// target deployment. Without explicit parameters the current limit grows by
// half.
func (e *Executor) updateResourceLimits(ctx context.Context, action *models.RemediationAction) (string, error) {
	ns, name := action.TargetNamespace, action.TargetResource
	deploy, err := e.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", ns, name, err)
	}
	if len(deploy.Spec.Template.Spec.Containers) == 0 {
		return "", fmt.Errorf("deployment %s/%s has no containers", ns, name)
	}

	idx := 0
	if action.Parameters != nil && action.Parameters.Container != "" {
		idx = -1
		for i := range deploy.Spec.Template.Spec.Containers {
			if deploy.Spec.Template.Spec.Containers[i].Name == action.Parameters.Container {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("container %s not found in deployment %s/%s",
				action.Parameters.Container, ns, name)
		}
	}
	container := &deploy.Spec.Template.Spec.Containers[idx]
	if container.Resources.Limits == nil {
		container.Resources.Limits = corev1.ResourceList{}
	}

	var memory resource.Quantity
	if action.Parameters != nil && action.Parameters.MemoryLimit != "" {
		memory, err = resource.ParseQuantity(action.Parameters.MemoryLimit)
		if err != nil {
			return "", fmt.Errorf("parse memory limit %q: %w", action.Parameters.MemoryLimit, err)
		}
	} else {
		current, ok := container.Resources.Limits[corev1.ResourceMemory]
		if !ok {
			return "", fmt.Errorf("container %s in %s/%s has no memory limit to raise",
				container.Name, ns, name)
		}
		memory = *resource.NewQuantity(current.Value()*3/2, current.Format)
	}
	container.Resources.Limits[corev1.ResourceMemory] = memory

	if action.Parameters != nil && action.Parameters.CPULimit != "" {
		cpu, err := resource.ParseQuantity(action.Parameters.CPULimit)
		if err != nil {
			return "", fmt.Errorf("parse cpu limit %q: %w", action.Parameters.CPULimit, err)
		}
		container.Resources.Limits[corev1.ResourceCPU] = cpu
	}

	if _, err := e.client.AppsV1().Deployments(ns).Update(ctx, deploy, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("update deployment %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("set memory limit %s on container %s of deployment %s/%s",
		memory.String(), container.Name, ns, name), nil
}

// touchConfigMap stamps a refresh annotation so watchers and mounts pick the
// ConfigMap up again.
func (e *Executor) touchConfigMap(ctx context.Context, action *models.RemediationAction) (string, error) {
	ns, name := action.TargetNamespace, action.TargetResource
	patch := fmt.Sprintf(`{"metadata":{"annotations":{%q:%q}}}`,
		refreshedAtAnnotation, time.Now().UTC().Format(time.RFC3339))
	_, err := e.client.CoreV1().ConfigMaps(ns).Patch(ctx, name,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("patch configmap %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("stamped refresh annotation on configmap %s/%s", ns, name), nil
}

// classify maps an execution error to an outcome token and whether another
// attempt may succeed. The parent context distinguishes the exhausted
// overall budget from a single attempt timing out.
func classify(ctx context.Context, err error) (string, bool) {
	switch {
	case apierrors.IsNotFound(err):
		return OutcomeNotFound, false
	case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
		return OutcomeForbidden, false
	}

	if ctx.Err() != nil {
		return contextOutcome(ctx), false
	}

	switch {
	case apierrors.IsConflict(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsInternalError(err),
		apierrors.IsServiceUnavailable(err):
		return OutcomeError, true
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeError, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeError, true
	}
	return OutcomeError, false
}

func contextOutcome(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return OutcomeCancelled
	}
	return OutcomeTimeout
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
