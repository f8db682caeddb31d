// Package rules turns an incident's evidence set into ranked root-cause
// hypotheses with recommended remediations. Generation is deterministic:
// rules match a flat signal view extracted from the evidence, so the same
// evidence always yields the same hypotheses regardless of input order.
package rules

import (
	"github.com/kuremedy/kuremedy/internal/models"
)

// Predicate thresholds. Rates are fractions, memory is percent of limit,
// latency is seconds.
const (
	errorRateThreshold   = 0.05
	latencyThresholdSecs = 1.0
	memoryRatioThreshold = 95.0
	networkNoiseMinimum  = 10
	lowRestartCeiling    = 3
)

// Signals is the flattened view of an incident's evidence that rule
// predicates match against.
type Signals struct {
	WaitingReasons    map[string]bool
	TerminatedReasons map[string]bool
	RestartCount      int32
	PodsTotal         int
	PodsNotReady      int

	HasRecentDeploy   bool
	ImageChanged      bool
	RolloutInProgress bool
	DeploymentName    string
	CurrentRevision   int64
	PriorRevision     int64

	ErrorLogRate   float64
	LogClassCounts map[string]int

	MemoryUsageRatio float64
	LatencyP99       float64
	CPUThrottled     bool

	HPAAtMax       bool
	HPAMaxReplicas int32

	NodeUnhealthy     bool
	PodFailuresOnNode int
	WorstNode         string
}

// ExtractSignals folds the evidence set into a Signals value. Counters take
// the maximum across records, sets and class counts merge.
func ExtractSignals(evidence []models.Evidence) Signals {
	s := Signals{
		WaitingReasons:    make(map[string]bool),
		TerminatedReasons: make(map[string]bool),
		LogClassCounts:    make(map[string]int),
	}
	for _, ev := range evidence {
		switch ev.Type {
		case models.EvidencePodState:
			d := ev.Data.PodState
			if d == nil {
				continue
			}
			s.PodsTotal++
			if !d.Ready {
				s.PodsNotReady++
			}
			if d.RestartCount > s.RestartCount {
				s.RestartCount = d.RestartCount
			}
		case models.EvidenceContainerState:
			d := ev.Data.ContainerState
			if d == nil {
				continue
			}
			switch d.State {
			case "waiting":
				if d.Reason != "" {
					s.WaitingReasons[d.Reason] = true
				}
			case "terminated":
				if d.Reason != "" {
					s.TerminatedReasons[d.Reason] = true
				}
			}
			if d.TerminatedReason != "" {
				s.TerminatedReasons[d.TerminatedReason] = true
			}
			if d.RestartCount > s.RestartCount {
				s.RestartCount = d.RestartCount
			}
		case models.EvidenceDeployHistory:
			d := ev.Data.DeployHistory
			if d == nil {
				continue
			}
			s.HasRecentDeploy = s.HasRecentDeploy || d.RecentDeploy
			s.ImageChanged = s.ImageChanged || d.ImageChanged
			s.RolloutInProgress = s.RolloutInProgress || d.RolloutInProgress
			// Prefer the deployment that actually rolled out recently when
			// several match the service name.
			if s.DeploymentName == "" || d.RecentDeploy {
				s.DeploymentName = d.Deployment
				s.CurrentRevision = d.CurrentRevision
				s.PriorRevision = d.PriorRevision
			}
		case models.EvidenceLogsPattern:
			d := ev.Data.LogsPattern
			if d == nil {
				continue
			}
			if d.ErrorRate > s.ErrorLogRate {
				s.ErrorLogRate = d.ErrorRate
			}
			for class, count := range d.ClassCounts {
				s.LogClassCounts[class] += count
			}
		case models.EvidenceMetricSample:
			d := ev.Data.MetricSample
			if d == nil {
				continue
			}
			switch ev.EntityName {
			case "memory_usage_ratio":
				if d.Current > s.MemoryUsageRatio {
					s.MemoryUsageRatio = d.Current
				}
			case "p99_latency":
				if d.Current > s.LatencyP99 {
					s.LatencyP99 = d.Current
				}
			case "cpu_throttle_rate":
				s.CPUThrottled = s.CPUThrottled || d.Breach
			case "hpa_utilization":
				s.HPAAtMax = s.HPAAtMax || d.Current >= 1
			case "restart_count_delta":
				if delta := int32(d.Current); delta > s.RestartCount {
					s.RestartCount = delta
				}
			}
		case models.EvidenceNodeState:
			d := ev.Data.NodeState
			if d == nil {
				continue
			}
			s.NodeUnhealthy = true
			if d.PodFailures > s.PodFailuresOnNode || s.WorstNode == "" {
				s.PodFailuresOnNode = d.PodFailures
				s.WorstNode = d.Node
			}
		case models.EvidenceHPAState:
			d := ev.Data.HPAState
			if d == nil {
				continue
			}
			s.HPAAtMax = s.HPAAtMax || d.AtMax
			if d.MaxReplicas > s.HPAMaxReplicas {
				s.HPAMaxReplicas = d.MaxReplicas
			}
		}
	}
	return s
}

// networkNoise counts log lines in the connection-level classes.
func (s Signals) networkNoise() int {
	return s.LogClassCounts["connection_refused"] + s.LogClassCounts["timeout"]
}

// hardErrorLines counts log lines in the application-failure classes.
func (s Signals) hardErrorLines() int {
	return s.LogClassCounts["error"] + s.LogClassCounts["panic"] +
		s.LogClassCounts["oom"] + s.LogClassCounts["5xx"]
}

// readyRatio is the fraction of observed pods passing readiness. With no pod
// evidence it reports healthy.
func (s Signals) readyRatio() float64 {
	if s.PodsTotal == 0 {
		return 1
	}
	return float64(s.PodsTotal-s.PodsNotReady) / float64(s.PodsTotal)
}
