package rules

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/models"
)

// BuildPlan resolves a hypothesis's action templates into concrete
// remediation proposals for the incident's workload, in template order.
// Templates that cannot be bound to a target are skipped rather than emitted
// half-resolved.
func BuildPlan(inc *models.Incident, hyp models.Hypothesis, signals Signals) []models.RemediationAction {
	workload := signals.DeploymentName
	if workload == "" {
		workload = inc.Service
	}

	var plan []models.RemediationAction
	for _, tmpl := range hyp.RecommendedActions {
		target := workload
		params := cloneParameters(tmpl.Parameters)

		switch tmpl.ActionType {
		case models.ActionCordonNode, models.ActionDrainNode, models.ActionUncordonNode:
			target = signals.WorstNode
		case models.ActionScaleReplicas:
			if params == nil || params.Replicas == nil {
				if signals.HPAMaxReplicas == 0 {
					target = ""
					break
				}
				// Scale two past the autoscaler ceiling to restore headroom.
				replicas := signals.HPAMaxReplicas + 2
				if params == nil {
					params = &models.ActionParameters{}
				}
				params.Replicas = &replicas
			}
		case models.ActionRollbackDeployment:
			if params == nil && signals.PriorRevision > 0 {
				params = &models.ActionParameters{Revision: signals.PriorRevision}
			}
		}

		if target == "" {
			log.Debug().
				Str("incidentId", inc.ID).
				Str("actionType", string(tmpl.ActionType)).
				Msg("Skipping action template with no resolvable target")
			continue
		}

		plan = append(plan, models.RemediationAction{
			ID:              models.NewActionID(),
			IncidentID:      inc.ID,
			HypothesisID:    hyp.ID,
			IdempotencyKey:  models.IdempotencyKey(inc.ID, tmpl.ActionType, target, params),
			ActionType:      tmpl.ActionType,
			TargetResource:  target,
			TargetNamespace: inc.Namespace,
			Parameters:      params,
			RiskLevel:       tmpl.ActionType.Risk(),
			Status:          models.ActionProposed,
		})
	}
	return plan
}

func cloneParameters(p *models.ActionParameters) *models.ActionParameters {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Replicas != nil {
		v := *p.Replicas
		cp.Replicas = &v
	}
	if p.GracePeriodSeconds != nil {
		v := *p.GracePeriodSeconds
		cp.GracePeriodSeconds = &v
	}
	return &cp
}

// Runbook is the operator-facing investigation document generated alongside
// a remediation plan. It is advisory; nothing in the pipeline executes it.
type Runbook struct {
	IncidentID    string           `json:"incidentId"`
	Title         string           `json:"title"`
	Summary       string           `json:"summary"`
	TopHypothesis string           `json:"topHypothesis"`
	Commands      []RunbookCommand `json:"commands,omitempty"`
	Queries       []RunbookQuery   `json:"queries,omitempty"`
	Links         []RunbookLink    `json:"links,omitempty"`
	Steps         []string         `json:"steps,omitempty"`
	GeneratedAt   time.Time        `json:"generatedAt"`
}

// RunbookCommand is one suggested shell command with its purpose.
type RunbookCommand struct {
	Description string `json:"description"`
	Command     string `json:"command"`
}

// RunbookQuery is one observability query worth running.
type RunbookQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// RunbookLink points at a dashboard scoped to the incident.
type RunbookLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// BuildRunbook assembles the investigation document for an incident from its
// ranked hypotheses. grafanaURL may be empty, in which case no dashboard
// links are emitted.
func BuildRunbook(inc *models.Incident, hyps []models.Hypothesis, grafanaURL string) Runbook {
	rb := Runbook{
		IncidentID:  inc.ID,
		Title:       fmt.Sprintf("Runbook: %s", inc.Title),
		GeneratedAt: time.Now().UTC(),
	}
	if len(hyps) == 0 {
		rb.Summary = "No hypotheses were generated for this incident."
		return rb
	}

	top := hyps[0]
	rb.TopHypothesis = top.Title
	rb.Summary = fmt.Sprintf(
		"%s in %s/%s on cluster %s. Top hypothesis (%.0f%% confidence): %s",
		inc.Title, inc.Namespace, workloadName(inc), inc.Cluster,
		top.Confidence*100, top.Description,
	)

	rb.Commands = append(rb.Commands, investigationCommands(inc)...)
	for _, tmpl := range top.RecommendedActions {
		if cmd, ok := actionCommand(inc, tmpl); ok {
			rb.Commands = append(rb.Commands, cmd)
		}
	}
	rb.Queries = categoryQueries(inc, top.Category)
	rb.Links = dashboardLinks(inc, grafanaURL)
	rb.Steps = investigationSteps(inc, top)
	return rb
}

func workloadName(inc *models.Incident) string {
	if inc.Service != "" {
		return inc.Service
	}
	return inc.Namespace
}

func investigationCommands(inc *models.Incident) []RunbookCommand {
	ns, svc := inc.Namespace, workloadName(inc)
	return []RunbookCommand{
		{
			Description: "Check pod status and placement",
			Command:     fmt.Sprintf("kubectl -n %s get pods -l app=%s -o wide", ns, svc),
		},
		{
			Description: "Inspect recent logs including the previous container",
			Command:     fmt.Sprintf("kubectl -n %s logs -l app=%s --tail=100 --previous", ns, svc),
		},
		{
			Description: "Review warning events in arrival order",
			Command:     fmt.Sprintf("kubectl -n %s get events --field-selector type=Warning --sort-by=.lastTimestamp", ns),
		},
		{
			Description: "Check rollout history",
			Command:     fmt.Sprintf("kubectl -n %s rollout history deployment/%s", ns, svc),
		},
	}
}

func actionCommand(inc *models.Incident, tmpl models.ActionTemplate) (RunbookCommand, bool) {
	ns, svc := inc.Namespace, workloadName(inc)
	switch tmpl.ActionType {
	case models.ActionRestartPod, models.ActionDeletePod:
		return RunbookCommand{
			Description: "Restart the affected pods",
			Command:     fmt.Sprintf("kubectl -n %s delete pod -l app=%s", ns, svc),
		}, true
	case models.ActionRestartDeployment:
		return RunbookCommand{
			Description: "Roll the deployment",
			Command:     fmt.Sprintf("kubectl -n %s rollout restart deployment/%s", ns, svc),
		}, true
	case models.ActionRollbackDeployment:
		return RunbookCommand{
			Description: "Roll back to the previous revision",
			Command:     fmt.Sprintf("kubectl -n %s rollout undo deployment/%s", ns, svc),
		}, true
	case models.ActionScaleReplicas:
		return RunbookCommand{
			Description: "Scale the deployment past the autoscaler ceiling",
			Command:     fmt.Sprintf("kubectl -n %s scale deployment/%s --replicas=<target>", ns, svc),
		}, true
	case models.ActionUpdateResourceLimits:
		return RunbookCommand{
			Description: "Raise the memory limit",
			Command:     fmt.Sprintf("kubectl -n %s set resources deployment/%s --limits=memory=<new-limit>", ns, svc),
		}, true
	case models.ActionCordonNode:
		return RunbookCommand{
			Description: "Cordon the failing node",
			Command:     "kubectl cordon <node>",
		}, true
	case models.ActionDrainNode:
		return RunbookCommand{
			Description: "Drain the failing node",
			Command:     "kubectl drain <node> --ignore-daemonsets --delete-emptydir-data",
		}, true
	case models.ActionUpdateConfigMap:
		return RunbookCommand{
			Description: "Inspect the configuration the containers reference",
			Command:     fmt.Sprintf("kubectl -n %s get configmap,secret -o name", ns),
		}, true
	}
	return RunbookCommand{}, false
}

func categoryQueries(inc *models.Incident, category models.HypothesisCategory) []RunbookQuery {
	ns, svc := inc.Namespace, workloadName(inc)
	workload := fmt.Sprintf(`namespace=%q, pod=~"%s-.*"`, ns, svc)
	switch category {
	case models.CategoryMemoryExhaustion:
		return []RunbookQuery{
			{Name: "Memory vs limit", Query: fmt.Sprintf(`container_memory_working_set_bytes{%s} / container_spec_memory_limit_bytes{%s}`, workload, workload)},
			{Name: "OOM log lines", Query: fmt.Sprintf(`{namespace=%q, app=%q} |~ "(?i)oomkilled|out of memory"`, ns, svc)},
		}
	case models.CategoryBadDeploy, models.CategoryExternalDependency:
		return []RunbookQuery{
			{Name: "Restart rate", Query: fmt.Sprintf(`increase(kube_pod_container_status_restarts_total{%s}[30m])`, workload)},
			{Name: "Error log lines", Query: fmt.Sprintf(`{namespace=%q, app=%q} |~ "(?i)error|exception|panic"`, ns, svc)},
		}
	case models.CategoryScalingLimit:
		return []RunbookQuery{
			{Name: "p99 latency", Query: fmt.Sprintf(`histogram_quantile(0.99, sum by (le) (rate(http_request_duration_seconds_bucket{%s}[5m])))`, workload)},
			{Name: "HPA saturation", Query: fmt.Sprintf(`kube_horizontalpodautoscaler_status_current_replicas{namespace=%q} / kube_horizontalpodautoscaler_spec_max_replicas{namespace=%q}`, ns, ns)},
		}
	case models.CategoryNetwork:
		return []RunbookQuery{
			{Name: "5xx ratio", Query: fmt.Sprintf(`sum(rate(http_requests_total{%s, code=~"5.."}[5m])) / sum(rate(http_requests_total{%s}[5m]))`, workload, workload)},
			{Name: "Connection failures", Query: fmt.Sprintf(`{namespace=%q, app=%q} |~ "(?i)connection refused|timeout"`, ns, svc)},
		}
	case models.CategoryInfrastructure:
		return []RunbookQuery{
			{Name: "Node conditions", Query: `kube_node_status_condition{condition=~"Ready|MemoryPressure|DiskPressure", status="true"}`},
		}
	default:
		return []RunbookQuery{
			{Name: "Restart rate", Query: fmt.Sprintf(`increase(kube_pod_container_status_restarts_total{%s}[30m])`, workload)},
		}
	}
}

func dashboardLinks(inc *models.Incident, grafanaURL string) []RunbookLink {
	if grafanaURL == "" {
		return nil
	}
	return []RunbookLink{
		{
			Name: "Workload overview",
			URL:  fmt.Sprintf("%s/d/k8s-workload?var-namespace=%s&var-workload=%s", grafanaURL, inc.Namespace, workloadName(inc)),
		},
		{
			Name: "Logs",
			URL:  fmt.Sprintf("%s/explore?left=%%7B%%22queries%%22:%%5B%%7B%%22expr%%22:%%22%%7Bnamespace%%3D%%5C%%22%s%%5C%%22%%7D%%22%%7D%%5D%%7D", grafanaURL, inc.Namespace),
		},
	}
}

func investigationSteps(inc *models.Incident, top models.Hypothesis) []string {
	steps := []string{
		fmt.Sprintf("Confirm the top hypothesis (%s) against the supporting evidence.", top.Category),
		"Run the investigation commands and compare against the evidence timestamps.",
	}
	for _, tmpl := range top.RecommendedActions {
		steps = append(steps, fmt.Sprintf("If confirmed: %s (%s).", tmpl.Reason, tmpl.ActionType))
	}
	steps = append(steps,
		"Watch error rate and restart counts for ten minutes after any action.",
		fmt.Sprintf("If the service does not recover, escalate with incident %s attached.", inc.ID),
	)
	return steps
}
