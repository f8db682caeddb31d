package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kuremedy/kuremedy/internal/models"
)

const (
	maxEventList    = 100
	maxEventSamples = 5
)

// crashWaitingReasons are the waiting states that indicate a pod cannot make
// progress on its own.
var crashWaitingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"CreateContainerConfigError": true,
}

var criticalEventReasons = map[string]bool{
	"FailedScheduling": true,
	"FailedMount":      true,
	"BackOff":          true,
	"Unhealthy":        true,
	"Failed":           true,
}

// ClusterCollector reads live pod, event, node, and autoscaler state for the
// incident's namespace through the Kubernetes API.
type ClusterCollector struct {
	client kubernetes.Interface
}

func NewClusterCollector(client kubernetes.Interface) *ClusterCollector {
	return &ClusterCollector{client: client}
}

func (c *ClusterCollector) Name() string { return "cluster" }

// Collect gathers each resource kind independently so a single failing list
// call does not throw away the rest of the cluster picture.
func (c *ClusterCollector) Collect(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	var out []models.Evidence
	var errs []error

	podEvidence, pods, err := c.collectPods(ctx, cc, window)
	if err != nil {
		errs = append(errs, err)
	}
	out = append(out, podEvidence...)

	if evs, err := c.collectEvents(ctx, cc, window); err != nil {
		errs = append(errs, err)
	} else {
		out = append(out, evs...)
	}

	if evs, err := c.collectNodes(ctx, cc, window, pods); err != nil {
		errs = append(errs, err)
	} else {
		out = append(out, evs...)
	}

	if evs, err := c.collectHPAs(ctx, cc, window); err != nil {
		errs = append(errs, err)
	} else {
		out = append(out, evs...)
	}

	sortEvidence(out)
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (c *ClusterCollector) collectPods(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, []corev1.Pod, error) {
	opts := metav1.ListOptions{}
	if cc.Service != "" {
		opts.LabelSelector = "app=" + cc.Service
	}
	list, err := c.client.CoreV1().Pods(cc.Namespace).List(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("list pods: %w", err)
	}

	pods := list.Items
	if len(pods) == 0 && cc.Service != "" {
		// Not every workload labels its pods app=<service>; fall back to a
		// name prefix match across the namespace.
		all, err := c.client.CoreV1().Pods(cc.Namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("list pods: %w", err)
		}
		for _, pod := range all.Items {
			if strings.HasPrefix(pod.Name, cc.Service) {
				pods = append(pods, pod)
			}
		}
	}

	var out []models.Evidence
	for i := range pods {
		out = append(out, c.podEvidence(cc, window, &pods[i])...)
	}
	return out, pods, nil
}

// podEvidence emits one pod_state record per pod plus a container_state
// record for every container stuck in a crash or pull loop.
func (c *ClusterCollector) podEvidence(cc CollectionContext, window models.TimeWindow, pod *corev1.Pod) []models.Evidence {
	var restarts int32
	var waiting, terminated string
	var out []models.Evidence

	for _, cs := range pod.Status.ContainerStatuses {
		restarts += cs.RestartCount

		data := models.ContainerStateData{
			Container:    cs.Name,
			State:        "running",
			RestartCount: cs.RestartCount,
		}
		interesting := false
		switch {
		case cs.State.Waiting != nil:
			data.State = "waiting"
			data.Reason = cs.State.Waiting.Reason
			data.Message = cs.State.Waiting.Message
			waiting = data.Reason
			interesting = crashWaitingReasons[data.Reason]
		case cs.State.Terminated != nil:
			data.State = "terminated"
			data.Reason = cs.State.Terminated.Reason
			data.Message = cs.State.Terminated.Message
			data.ExitCode = cs.State.Terminated.ExitCode
			terminated = data.Reason
			interesting = data.Reason == "OOMKilled" || data.Reason == "Error"
		}
		if last := cs.LastTerminationState.Terminated; last != nil {
			data.TerminatedReason = last.Reason
			if !last.FinishedAt.IsZero() {
				data.LastTerminated = last.FinishedAt.UTC().Format(time.RFC3339)
			}
			if last.Reason == "OOMKilled" {
				interesting = true
			}
		}
		if interesting {
			out = append(out, newEvidence(cc, window,
				models.EvidenceContainerState, models.SourceK8s,
				pod.Name+"/"+cs.Name, pod.Namespace,
				models.EvidenceData{ContainerState: &data},
				containerSignalStrength(data)))
		}
	}

	ownerKind, ownerName := controllerRef(pod.OwnerReferences)
	state := models.PodStateData{
		Phase:        string(pod.Status.Phase),
		Ready:        isPodReady(pod),
		RestartCount: restarts,
		NodeName:     pod.Spec.NodeName,
		OwnerKind:    ownerKind,
		OwnerName:    ownerName,
		Message:      pod.Status.Message,
	}
	out = append(out, newEvidence(cc, window,
		models.EvidencePodState, models.SourceK8s,
		pod.Name, pod.Namespace,
		models.EvidenceData{PodState: &state},
		podSignalStrength(waiting, terminated, restarts, pod.Status.Phase)))
	return out
}

func podSignalStrength(waiting, terminated string, restarts int32, phase corev1.PodPhase) float64 {
	switch {
	case crashWaitingReasons[waiting]:
		return 0.95
	case terminated == "OOMKilled":
		return 0.95
	case restarts > 3:
		return 0.8
	case phase != corev1.PodRunning:
		return 0.7
	}
	return 0.3
}

func containerSignalStrength(data models.ContainerStateData) float64 {
	switch {
	case crashWaitingReasons[data.Reason]:
		return 0.95
	case data.Reason == "OOMKilled" || data.TerminatedReason == "OOMKilled":
		return 0.95
	case data.Reason == "Error":
		return 0.7
	}
	return 0.5
}

// collectEvents aggregates recent warning events for the namespace into a
// single evidence record.
func (c *ClusterCollector) collectEvents(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	list, err := c.client.CoreV1().Events(cc.Namespace).List(ctx, metav1.ListOptions{Limit: maxEventList})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	data := models.EventsData{Reasons: make(map[string]int)}
	critical := false
	for i := range list.Items {
		ev := &list.Items[i]
		if ev.Type != corev1.EventTypeWarning {
			continue
		}
		lastSeen := ev.LastTimestamp.Time
		if lastSeen.IsZero() {
			lastSeen = ev.EventTime.Time
		}
		if lastSeen.Before(window.Start) {
			continue
		}
		data.Count++
		data.Reasons[ev.Reason]++
		if criticalEventReasons[ev.Reason] {
			critical = true
		}
		if len(data.Samples) < maxEventSamples {
			data.Samples = append(data.Samples, models.EventSample{
				Reason:   ev.Reason,
				Object:   ev.InvolvedObject.Kind + "/" + ev.InvolvedObject.Name,
				Message:  ev.Message,
				Count:    ev.Count,
				LastSeen: lastSeen.UTC(),
			})
		}
	}
	if data.Count == 0 {
		return nil, nil
	}

	strength := 0.7
	if critical {
		strength = 0.9
	}
	return []models.Evidence{newEvidence(cc, window,
		models.EvidenceEvents, models.SourceK8s,
		cc.Namespace, cc.Namespace,
		models.EvidenceData{Events: &data}, strength)}, nil
}

// collectNodes reports only unhealthy nodes. A healthy fleet produces no
// node evidence at all, which keeps infrastructure hypotheses quiet unless
// something is actually wrong.
func (c *ClusterCollector) collectNodes(ctx context.Context, cc CollectionContext, window models.TimeWindow, pods []corev1.Pod) ([]models.Evidence, error) {
	list, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	var out []models.Evidence
	for i := range list.Items {
		node := &list.Items[i]
		ready := true
		var pressure []string
		for _, cond := range node.Status.Conditions {
			switch cond.Type {
			case corev1.NodeReady:
				ready = cond.Status == corev1.ConditionTrue
			case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
				if cond.Status == corev1.ConditionTrue {
					pressure = append(pressure, string(cond.Type))
				}
			}
		}
		if ready && len(pressure) == 0 && !node.Spec.Unschedulable {
			continue
		}

		failures := 0
		for j := range pods {
			pod := &pods[j]
			if pod.Spec.NodeName != node.Name {
				continue
			}
			if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodPending || !isPodReady(pod) {
				failures++
			}
		}

		data := models.NodeStateData{
			Node:           node.Name,
			Ready:          ready,
			Pressure:       pressure,
			Unschedulable:  node.Spec.Unschedulable,
			PodFailures:    failures,
			KubeletVersion: node.Status.NodeInfo.KubeletVersion,
		}
		out = append(out, newEvidence(cc, window,
			models.EvidenceNodeState, models.SourceK8s,
			node.Name, "",
			models.EvidenceData{NodeState: &data}, 0.9))
	}
	return out, nil
}

func (c *ClusterCollector) collectHPAs(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	list, err := c.client.AutoscalingV1().HorizontalPodAutoscalers(cc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list hpas: %w", err)
	}

	var out []models.Evidence
	for i := range list.Items {
		hpa := &list.Items[i]
		data := models.HPAStateData{
			Name:            hpa.Name,
			ScaleTargetKind: hpa.Spec.ScaleTargetRef.Kind,
			ScaleTargetName: hpa.Spec.ScaleTargetRef.Name,
			CurrentReplicas: hpa.Status.CurrentReplicas,
			DesiredReplicas: hpa.Status.DesiredReplicas,
			MaxReplicas:     hpa.Spec.MaxReplicas,
			AtMax:           hpa.Spec.MaxReplicas > 0 && hpa.Status.CurrentReplicas >= hpa.Spec.MaxReplicas,
		}
		strength := 0.3
		if data.AtMax {
			strength = 0.8
		}
		out = append(out, newEvidence(cc, window,
			models.EvidenceHPAState, models.SourceK8s,
			hpa.Name, cc.Namespace,
			models.EvidenceData{HPAState: &data}, strength))
	}
	return out, nil
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func controllerRef(refs []metav1.OwnerReference) (kind, name string) {
	for _, ref := range refs {
		if ref.Controller != nil && *ref.Controller {
			return ref.Kind, ref.Name
		}
	}
	if len(refs) > 0 {
		return refs[0].Kind, refs[0].Name
	}
	return "", ""
}
