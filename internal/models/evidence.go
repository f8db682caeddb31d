package models

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceType identifies the structured payload carried by a piece of
// evidence.
type EvidenceType string

const (
	EvidencePodState       EvidenceType = "pod_state"
	EvidenceContainerState EvidenceType = "container_state"
	EvidenceDeployHistory  EvidenceType = "deploy_history"
	EvidenceLogsPattern    EvidenceType = "logs_pattern"
	EvidenceMetricSample   EvidenceType = "metric_sample"
	EvidenceNodeState      EvidenceType = "node_state"
	EvidenceHPAState       EvidenceType = "hpa_state"
	EvidenceEvents         EvidenceType = "events"
)

// EvidenceSource identifies which collector produced a piece of evidence.
type EvidenceSource string

const (
	SourceK8s     EvidenceSource = "k8s"
	SourceLogs    EvidenceSource = "logs"
	SourceMetrics EvidenceSource = "metrics"
	SourceDeploy  EvidenceSource = "deploy"
)

// TimeWindow bounds the interval a collector examined.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Evidence is a single observation relevant to an incident. Signal strength
// is assigned by the collector and never mutated downstream.
type Evidence struct {
	ID              string         `json:"id"`
	IncidentID      string         `json:"incidentId"`
	Type            EvidenceType   `json:"type"`
	Source          EvidenceSource `json:"source"`
	EntityName      string         `json:"entityName"`
	EntityNamespace string         `json:"entityNamespace"`
	Data            EvidenceData   `json:"data"`
	SignalStrength  float64        `json:"signalStrength"`
	CollectedAt     time.Time      `json:"collectedAt"`
	Window          TimeWindow     `json:"window"`
	Partial         bool           `json:"partial,omitempty"`
}

// NewEvidenceID returns a fresh evidence ID.
func NewEvidenceID() string {
	return uuid.New().String()
}

// EvidenceData is a tagged variant keyed by Evidence.Type. Exactly one field
// is populated for a given evidence record.
type EvidenceData struct {
	PodState       *PodStateData       `json:"podState,omitempty"`
	ContainerState *ContainerStateData `json:"containerState,omitempty"`
	DeployHistory  *DeployHistoryData  `json:"deployHistory,omitempty"`
	LogsPattern    *LogsPatternData    `json:"logsPattern,omitempty"`
	MetricSample   *MetricSampleData   `json:"metricSample,omitempty"`
	NodeState      *NodeStateData      `json:"nodeState,omitempty"`
	HPAState       *HPAStateData       `json:"hpaState,omitempty"`
	Events         *EventsData         `json:"events,omitempty"`
}

// PodStateData summarizes one pod's observed condition.
type PodStateData struct {
	Phase        string `json:"phase"`
	Ready        bool   `json:"ready"`
	RestartCount int32  `json:"restartCount"`
	NodeName     string `json:"nodeName,omitempty"`
	OwnerKind    string `json:"ownerKind,omitempty"`
	OwnerName    string `json:"ownerName,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ContainerStateData captures a single container's waiting or terminated
// state inside a pod.
type ContainerStateData struct {
	Container        string `json:"container"`
	State            string `json:"state"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	ExitCode         int32  `json:"exitCode,omitempty"`
	RestartCount     int32  `json:"restartCount"`
	LastTerminated   string `json:"lastTerminated,omitempty"`
	TerminatedReason string `json:"terminatedReason,omitempty"`
}

// DeployHistoryData describes recent rollout activity for a workload.
type DeployHistoryData struct {
	Deployment        string    `json:"deployment"`
	CurrentRevision   int64     `json:"currentRevision"`
	PriorRevision     int64     `json:"priorRevision,omitempty"`
	DeployedAt        time.Time `json:"deployedAt"`
	RecentDeploy      bool      `json:"recentDeploy"`
	ImageChanged      bool      `json:"imageChanged"`
	CurrentImage      string    `json:"currentImage,omitempty"`
	PriorImage        string    `json:"priorImage,omitempty"`
	TemplateChanged   bool      `json:"templateChanged"`
	DesiredReplicas   int32     `json:"desiredReplicas"`
	ReadyReplicas     int32     `json:"readyReplicas"`
	RolloutInProgress bool      `json:"rolloutInProgress,omitempty"`
}

// LogsPatternData aggregates pattern matches over a log window.
type LogsPatternData struct {
	TotalLines   int            `json:"totalLines"`
	ClassCounts  map[string]int `json:"classCounts"`
	ErrorRate    float64        `json:"errorRate"`
	SampleErrors []string       `json:"sampleErrors,omitempty"`
	StackTraces  []string       `json:"stackTraces,omitempty"`
}

// MetricSampleData carries one evaluated query with summary statistics.
type MetricSampleData struct {
	Query   string  `json:"query"`
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	Avg     float64 `json:"avg"`
	Breach  bool    `json:"breach"`
}

// NodeStateData summarizes node conditions relevant to scheduling health.
type NodeStateData struct {
	Node           string   `json:"node"`
	Ready          bool     `json:"ready"`
	Pressure       []string `json:"pressure,omitempty"`
	Unschedulable  bool     `json:"unschedulable,omitempty"`
	PodFailures    int      `json:"podFailures"`
	KubeletVersion string   `json:"kubeletVersion,omitempty"`
}

// HPAStateData reports autoscaler saturation and the workload it scales.
type HPAStateData struct {
	Name            string `json:"name"`
	ScaleTargetKind string `json:"scaleTargetKind,omitempty"`
	ScaleTargetName string `json:"scaleTargetName,omitempty"`
	CurrentReplicas int32  `json:"currentReplicas"`
	DesiredReplicas int32  `json:"desiredReplicas"`
	MaxReplicas     int32  `json:"maxReplicas"`
	AtMax           bool   `json:"atMax"`
}

// EventsData groups warning events observed in the namespace.
type EventsData struct {
	Count   int            `json:"count"`
	Reasons map[string]int `json:"reasons"`
	Samples []EventSample  `json:"samples,omitempty"`
}

// EventSample is one retained cluster event.
type EventSample struct {
	Reason   string    `json:"reason"`
	Object   string    `json:"object"`
	Message  string    `json:"message"`
	Count    int32     `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}
