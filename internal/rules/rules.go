package rules

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
)

// Supporting evidence lists are capped so one noisy collector cannot pump a
// hypothesis past its base confidence.
const maxSupportingEvidence = 5

// EvidenceRole classifies one evidence record relative to a fired rule.
type EvidenceRole int

const (
	RoleNeutral EvidenceRole = iota
	RoleSupports
	RoleContradicts
)

// Rule pairs a predicate over the signal view with the hypothesis it emits.
// Matches must depend only on the signals so generation stays deterministic.
type Rule struct {
	ID          string
	Category    models.HypothesisCategory
	Title       string
	Description string
	Base        float64
	Matches     func(s Signals) bool
	Classify    func(ev models.Evidence, s Signals) EvidenceRole
	Actions     []models.ActionTemplate
}

// Engine evaluates the rule library against collected evidence.
type Engine struct {
	rules   []Rule
	weights map[models.HypothesisCategory]float64
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithCategoryWeight overrides the confidence weight for one category.
func WithCategoryWeight(category models.HypothesisCategory, weight float64) Option {
	return func(e *Engine) {
		e.weights[category] = weight
	}
}

// WithRule appends an extra rule to the library.
func WithRule(r Rule) Option {
	return func(e *Engine) {
		e.rules = append(e.rules, r)
	}
}

// NewEngine returns an engine loaded with the builtin rule library.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:   builtinRules(),
		weights: defaultCategoryWeights(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate runs every rule over the evidence set and returns hypotheses
// ranked strongest first. At least one hypothesis is always returned; when
// nothing matches it is a low-confidence unknown.
func (e *Engine) Generate(inc *models.Incident, evidence []models.Evidence) []models.Hypothesis {
	signals := ExtractSignals(evidence)
	now := time.Now().UTC()

	var out []models.Hypothesis
	for _, rule := range e.rules {
		if !rule.Matches(signals) {
			continue
		}
		supporting, contradicting := classifyEvidence(rule, evidence, signals)
		out = append(out, models.Hypothesis{
			ID:                    uuid.New().String(),
			IncidentID:            inc.ID,
			Category:              rule.Category,
			Title:                 rule.Title,
			Description:           rule.Description,
			Confidence:            Confidence(rule.Base, e.weight(rule.Category), len(supporting), len(contradicting)),
			SupportingEvidence:    supporting,
			ContradictingEvidence: contradicting,
			RecommendedActions:    append([]models.ActionTemplate(nil), rule.Actions...),
			GeneratedBy:           models.GeneratedByRules,
			CreatedAt:             now,
		})
		metrics.RecordHypothesis(rule.Category)
		log.Debug().
			Str("incidentId", inc.ID).
			Str("rule", rule.ID).
			Int("supporting", len(supporting)).
			Int("contradicting", len(contradicting)).
			Msg("Rule matched")
	}

	if len(out) == 0 {
		out = append(out, unknownHypothesis(inc, evidence, now))
		metrics.RecordHypothesis(models.CategoryUnknown)
	}

	Rank(out)
	log.Info().
		Str("incidentId", inc.ID).
		Int("hypotheses", len(out)).
		Str("topCategory", string(out[0].Category)).
		Float64("topConfidence", out[0].Confidence).
		Msg("Generated hypotheses")
	return out
}

// classifyEvidence collects supporting and contradicting evidence IDs for a
// fired rule, preserving evidence order. Supporting IDs are capped.
func classifyEvidence(rule Rule, evidence []models.Evidence, s Signals) (supporting, contradicting []string) {
	if rule.Classify == nil {
		return nil, nil
	}
	for _, ev := range evidence {
		switch rule.Classify(ev, s) {
		case RoleSupports:
			if len(supporting) < maxSupportingEvidence {
				supporting = append(supporting, ev.ID)
			}
		case RoleContradicts:
			contradicting = append(contradicting, ev.ID)
		}
	}
	return supporting, contradicting
}

// unknownHypothesis is the fallback when no rule fires. Confidence is fixed
// low so downstream automation treats it as investigation-only.
func unknownHypothesis(inc *models.Incident, evidence []models.Evidence, now time.Time) models.Hypothesis {
	var ids []string
	for _, ev := range evidence {
		if len(ids) == maxSupportingEvidence {
			break
		}
		ids = append(ids, ev.ID)
	}
	return models.Hypothesis{
		ID:                 uuid.New().String(),
		IncidentID:         inc.ID,
		Category:           models.CategoryUnknown,
		Title:              "No known failure pattern matched",
		Description:        "The collected evidence does not fit any rule in the library. Manual investigation is required before remediation.",
		Confidence:         unknownConfidence,
		SupportingEvidence: ids,
		GeneratedBy:        models.GeneratedByRules,
		CreatedAt:          now,
	}
}

func builtinRules() []Rule {
	return []Rule{
		{
			ID:          "bad_deploy",
			Category:    models.CategoryBadDeploy,
			Title:       "Recent deployment is crash looping",
			Description: "The workload entered a crash loop right after a rollout. The new revision most likely ships a bug or broken startup configuration.",
			Base:        0.90,
			Matches: func(s Signals) bool {
				return s.WaitingReasons["CrashLoopBackOff"] && s.HasRecentDeploy
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case containerWaiting(ev, "CrashLoopBackOff"),
					troubledPod(ev),
					recentDeploy(ev),
					errorLogs(ev),
					warningEvents(ev, "BackOff"),
					metricBreach(ev, "restart_count_delta"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRollbackDeployment, Reason: "revert to the last revision that ran cleanly"},
				{ActionType: models.ActionRestartDeployment, Reason: "re-roll the pods if no rollback target exists"},
			},
		},
		{
			ID:          "external_dependency",
			Category:    models.CategoryExternalDependency,
			Title:       "Crash loop without a recent rollout",
			Description: "The workload is crash looping but nothing was deployed recently. A failing external dependency or upstream outage is the likely trigger.",
			Base:        0.75,
			Matches: func(s Signals) bool {
				return s.WaitingReasons["CrashLoopBackOff"] && !s.HasRecentDeploy &&
					s.ErrorLogRate > errorRateThreshold
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case containerWaiting(ev, "CrashLoopBackOff"),
					troubledPod(ev),
					errorLogs(ev),
					logsWithClass(ev, "connection_refused", "timeout"),
					warningEvents(ev, "BackOff", "Unhealthy"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod, Reason: "clear wedged connections once the dependency recovers"},
			},
		},
		{
			ID:          "oom",
			Category:    models.CategoryMemoryExhaustion,
			Title:       "Containers killed at the memory limit",
			Description: "Containers are being OOM killed or are running against the memory ceiling. This points to a leak, an undersized limit, or a traffic spike.",
			Base:        0.95,
			Matches: func(s Signals) bool {
				return s.TerminatedReasons["OOMKilled"] || s.MemoryUsageRatio >= memoryRatioThreshold
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case containerOOM(ev),
					troubledPod(ev),
					metricBreach(ev, "memory_usage_ratio"),
					metricBreach(ev, "restart_count_delta"),
					logsWithClass(ev, "oom"):
					return RoleSupports
				case lowMemoryMetric(ev):
					return RoleContradicts
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod, Reason: "recover the killed replicas immediately"},
				{ActionType: models.ActionUpdateResourceLimits, Reason: "raise the memory limit to break the kill loop"},
			},
		},
		{
			ID:          "image_issue",
			Category:    models.CategoryImageIssue,
			Title:       "Image cannot be pulled",
			Description: "Pods cannot pull their container image. The referenced tag is missing, the registry is unreachable, or pull credentials are wrong.",
			Base:        0.95,
			Matches: func(s Signals) bool {
				return s.WaitingReasons["ImagePullBackOff"] || s.WaitingReasons["ErrImagePull"]
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case containerWaiting(ev, "ImagePullBackOff", "ErrImagePull"),
					troubledPod(ev),
					imageChangedDeploy(ev),
					warningEvents(ev, "Failed", "BackOff"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRollbackDeployment, Reason: "point the workload back at a pullable image"},
			},
		},
		{
			ID:          "scaling_limit",
			Category:    models.CategoryScalingLimit,
			Title:       "Autoscaler saturated and latency degraded",
			Description: "The HPA is pinned at its maximum replica count while tail latency is over budget. The workload has run out of scaling headroom.",
			Base:        0.80,
			Matches: func(s Signals) bool {
				return s.HPAAtMax && s.LatencyP99 > latencyThresholdSecs
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case hpaSaturated(ev),
					metricBreach(ev, "p99_latency"),
					metricBreach(ev, "hpa_utilization"),
					metricBreach(ev, "http_5xx_rate"),
					logsWithClass(ev, "timeout"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionScaleReplicas, Reason: "add replicas beyond the autoscaler ceiling"},
			},
		},
		{
			ID:          "infrastructure",
			Category:    models.CategoryInfrastructure,
			Title:       "Unhealthy node is failing pods",
			Description: "A node is reporting NotReady or resource pressure and multiple pods on it are failing. The node, not the workload, is the problem.",
			Base:        0.85,
			Matches: func(s Signals) bool {
				return s.NodeUnhealthy && s.PodFailuresOnNode > 1
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case ev.Type == models.EvidenceNodeState,
					troubledPod(ev),
					warningEvents(ev, "FailedScheduling", "FailedMount"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionCordonNode, Reason: "stop scheduling onto the failing node"},
				{ActionType: models.ActionDrainNode, Reason: "evict the remaining pods once cordoned"},
			},
		},
		{
			ID:          "config_error",
			Category:    models.CategoryConfigDrift,
			Title:       "Container configuration is invalid",
			Description: "Containers fail before start because a referenced ConfigMap, Secret, or command is invalid. The workload cannot run until the configuration is fixed.",
			Base:        0.85,
			Matches: func(s Signals) bool {
				return s.WaitingReasons["CreateContainerConfigError"] ||
					s.TerminatedReasons["ContainerCannotRun"]
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case containerWaiting(ev, "CreateContainerConfigError"),
					containerTerminated(ev, "ContainerCannotRun"),
					troubledPod(ev),
					warningEvents(ev, "Failed", "FailedMount"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionUpdateConfigMap, Reason: "restore the referenced configuration object"},
			},
		},
		{
			ID:          "network_error",
			Category:    models.CategoryNetwork,
			Title:       "Connection failures dominate the logs",
			Description: "Log errors are dominated by refused connections and timeouts with no recent rollout. DNS, a network policy, or a peer service is the likely cause.",
			Base:        0.70,
			Matches: func(s Signals) bool {
				noise := s.networkNoise()
				return noise > networkNoiseMinimum && noise > s.hardErrorLines() &&
					!s.HasRecentDeploy
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case logsWithClass(ev, "connection_refused", "timeout"),
					metricBreach(ev, "http_5xx_rate"),
					warningEvents(ev, "Unhealthy"):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod, Reason: "re-resolve endpoints after the network recovers"},
			},
		},
		{
			ID:          "readiness_probe",
			Category:    models.CategoryConfigDrift,
			Title:       "Pods failing readiness without crashing",
			Description: "Most pods are running but not passing readiness checks, and restart counts are low. The probe target or its dependency is unhealthy rather than the process.",
			Base:        0.65,
			Matches: func(s Signals) bool {
				return s.PodsTotal > 0 && s.readyRatio() < 0.5 &&
					s.RestartCount <= lowRestartCeiling
			},
			Classify: func(ev models.Evidence, s Signals) EvidenceRole {
				switch {
				case notReadyPod(ev),
					warningEvents(ev, "Unhealthy"),
					errorLogs(ev):
					return RoleSupports
				}
				return RoleNeutral
			},
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod, Reason: "restart probing after the dependency is reachable"},
			},
		},
	}
}

// troubledPod reports pod evidence whose collector marked it degraded.
func troubledPod(ev models.Evidence) bool {
	return ev.Type == models.EvidencePodState && ev.SignalStrength >= 0.7
}

// notReadyPod reports pod evidence for a pod failing readiness.
func notReadyPod(ev models.Evidence) bool {
	return ev.Type == models.EvidencePodState && ev.Data.PodState != nil &&
		!ev.Data.PodState.Ready
}

func containerWaiting(ev models.Evidence, reasons ...string) bool {
	d := ev.Data.ContainerState
	if ev.Type != models.EvidenceContainerState || d == nil || d.State != "waiting" {
		return false
	}
	for _, r := range reasons {
		if d.Reason == r {
			return true
		}
	}
	return false
}

func containerTerminated(ev models.Evidence, reasons ...string) bool {
	d := ev.Data.ContainerState
	if ev.Type != models.EvidenceContainerState || d == nil {
		return false
	}
	for _, r := range reasons {
		if (d.State == "terminated" && d.Reason == r) || d.TerminatedReason == r {
			return true
		}
	}
	return false
}

// containerOOM matches a container OOM killed now or on its last restart.
func containerOOM(ev models.Evidence) bool {
	return containerTerminated(ev, "OOMKilled")
}

func recentDeploy(ev models.Evidence) bool {
	return ev.Type == models.EvidenceDeployHistory && ev.Data.DeployHistory != nil &&
		ev.Data.DeployHistory.RecentDeploy
}

func imageChangedDeploy(ev models.Evidence) bool {
	return ev.Type == models.EvidenceDeployHistory && ev.Data.DeployHistory != nil &&
		ev.Data.DeployHistory.ImageChanged
}

func errorLogs(ev models.Evidence) bool {
	return ev.Type == models.EvidenceLogsPattern && ev.Data.LogsPattern != nil &&
		ev.Data.LogsPattern.ErrorRate > 0
}

func logsWithClass(ev models.Evidence, classes ...string) bool {
	if ev.Type != models.EvidenceLogsPattern || ev.Data.LogsPattern == nil {
		return false
	}
	for _, class := range classes {
		if ev.Data.LogsPattern.ClassCounts[class] > 0 {
			return true
		}
	}
	return false
}

func warningEvents(ev models.Evidence, reasons ...string) bool {
	if ev.Type != models.EvidenceEvents || ev.Data.Events == nil {
		return false
	}
	for _, r := range reasons {
		if ev.Data.Events.Reasons[r] > 0 {
			return true
		}
	}
	return false
}

func metricBreach(ev models.Evidence, family string) bool {
	return ev.Type == models.EvidenceMetricSample && ev.EntityName == family &&
		ev.Data.MetricSample != nil && ev.Data.MetricSample.Breach
}

func hpaSaturated(ev models.Evidence) bool {
	return ev.Type == models.EvidenceHPAState && ev.Data.HPAState != nil &&
		ev.Data.HPAState.AtMax
}

// lowMemoryMetric matches live memory readings that argue against memory
// exhaustion.
func lowMemoryMetric(ev models.Evidence) bool {
	return ev.Type == models.EvidenceMetricSample && ev.EntityName == "memory_usage_ratio" &&
		ev.Data.MetricSample != nil && ev.Data.MetricSample.Current < 70
}
