// Package ingest turns raw monitoring alerts into deduplicated incidents.
//
// Webhook payloads from Alertmanager or Grafana are normalized into a
// single AlertPayload shape, fingerprinted for identity, checked against
// the Redis dedup window, and persisted as incidents. Ingestion never
// mutates an existing incident: a duplicate alert only refreshes the
// dedup window of the live one.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kuremedy/kuremedy/internal/models"
)

// AlertPayload is the normalized inbound alert. External webhook formats
// are converted into this shape before any other processing. Field names
// follow the wire contract of the ingestion API.
type AlertPayload struct {
	Fingerprint string            `json:"fingerprint,omitempty"`
	Title       string            `json:"title,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Source      string            `json:"source" validate:"required"`
	Cluster     string            `json:"cluster,omitempty"`
	Namespace   string            `json:"namespace,omitempty"`
	Service     string            `json:"service,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
}

// WebhookAlert is a single alert inside an Alertmanager-compatible
// webhook payload.
type WebhookAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// WebhookPayload is the envelope Alertmanager and Grafana POST to their
// webhook receivers.
type WebhookPayload struct {
	Receiver          string            `json:"receiver,omitempty"`
	Status            string            `json:"status"`
	Alerts            []WebhookAlert    `json:"alerts"`
	GroupLabels       map[string]string `json:"groupLabels,omitempty"`
	CommonLabels      map[string]string `json:"commonLabels,omitempty"`
	CommonAnnotations map[string]string `json:"commonAnnotations,omitempty"`
	ExternalURL       string            `json:"externalURL,omitempty"`
}

// severityMap folds the severity vocabularies of the supported alert
// sources onto the incident severity scale.
var severityMap = map[string]models.Severity{
	// Alertmanager/Prometheus
	"critical": models.SeverityCritical,
	"high":     models.SeverityCritical,
	"warning":  models.SeverityWarning,
	"info":     models.SeverityInfo,
	"low":      models.SeverityInfo,
	"none":     models.SeverityInfo,
	// Grafana
	"alerting": models.SeverityCritical,
	"error":    models.SeverityCritical,
	"warn":     models.SeverityWarning,
	"medium":   models.SeverityWarning,
	// Paging integrations
	"page": models.SeverityPage,
	"p1":   models.SeverityPage,
}

// MapSeverity maps a source severity string onto the incident scale.
// Unknown values default to warning.
func MapSeverity(s string) models.Severity {
	if sev, ok := severityMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sev
	}
	return models.SeverityWarning
}

// Fingerprint derives the stable identity of an alert from its
// alertname, location, and full label set. Two alerts with the same
// fingerprint describe the same ongoing issue.
func Fingerprint(alertname, cluster, namespace, service string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	io.WriteString(h, alertname)
	io.WriteString(h, "\x00")
	io.WriteString(h, cluster)
	io.WriteString(h, "\x00")
	io.WriteString(h, namespace)
	io.WriteString(h, "\x00")
	io.WriteString(h, service)
	for _, k := range keys {
		io.WriteString(h, "\x00")
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, labels[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Normalizer converts alert payloads into incidents.
type Normalizer struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		validate: validator.New(),
		now:      time.Now,
	}
}

// Normalize validates a payload and builds the incident it describes.
// The incident is not yet persisted and starts in status open.
func (n *Normalizer) Normalize(payload AlertPayload) (*models.Incident, error) {
	if err := n.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid alert payload: %w", err)
	}

	alertname := payload.Labels["alertname"]
	if alertname == "" {
		alertname = payload.Title
	}
	if alertname == "" {
		alertname = "Unknown Alert"
	}

	cluster := firstNonEmpty(payload.Cluster, payload.Labels["cluster"], payload.Labels["kubernetes_cluster"], "default-cluster")
	namespace := firstNonEmpty(payload.Namespace, payload.Labels["namespace"], "default")
	service := firstNonEmpty(payload.Service, payload.Labels["service"], payload.Labels["job"], payload.Labels["deployment"])

	title := payload.Title
	if title == "" {
		if pod := payload.Labels["pod"]; pod != "" {
			title = fmt.Sprintf("%s: %s", alertname, pod)
		} else if service != "" {
			title = fmt.Sprintf("%s: %s", alertname, service)
		} else {
			title = alertname
		}
	}

	startedAt := payload.StartedAt
	if startedAt.IsZero() {
		startedAt = n.now().UTC()
	}

	fingerprint := payload.Fingerprint
	if fingerprint == "" {
		fingerprint = Fingerprint(alertname, cluster, namespace, service, payload.Labels)
	}

	return &models.Incident{
		ID:          models.NewIncidentID(),
		Fingerprint: fingerprint,
		Title:       title,
		Severity:    MapSeverity(payload.Severity),
		Status:      models.StatusOpen,
		Source:      payload.Source,
		Cluster:     cluster,
		Namespace:   namespace,
		Service:     service,
		Labels:      cloneMap(payload.Labels),
		Annotations: cloneMap(payload.Annotations),
		StartedAt:   startedAt.UTC(),
	}, nil
}

// FromAlertmanager converts one firing Alertmanager alert into the
// normalized payload.
func FromAlertmanager(alert WebhookAlert, payload WebhookPayload) AlertPayload {
	labels := mergeMaps(payload.CommonLabels, alert.Labels)
	annotations := mergeMaps(payload.CommonAnnotations, alert.Annotations)

	return AlertPayload{
		Severity:    labels["severity"],
		Source:      "alertmanager",
		Labels:      labels,
		Annotations: annotations,
		StartedAt:   alert.StartsAt,
	}
}

// FromGrafana converts one firing Grafana alert into the normalized
// payload. Grafana puts the summary in annotations rather than labels.
func FromGrafana(alert WebhookAlert, payload WebhookPayload) AlertPayload {
	labels := mergeMaps(payload.CommonLabels, alert.Labels)
	annotations := mergeMaps(payload.CommonAnnotations, alert.Annotations)

	title := annotations["summary"]
	service := firstNonEmpty(labels["service"], labels["grafana_folder"])

	return AlertPayload{
		Title:       title,
		Severity:    labels["severity"],
		Source:      "grafana",
		Service:     service,
		Labels:      labels,
		Annotations: annotations,
		StartedAt:   alert.StartsAt,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeMaps(base, overlay map[string]string) map[string]string {
	if base == nil && overlay == nil {
		return nil
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
