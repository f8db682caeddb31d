package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

var (
	// ErrDuplicateAlert marks an alert dropped because a live incident
	// already covers its fingerprint.
	ErrDuplicateAlert = errors.New("ingest: duplicate alert")

	// ErrRateLimited marks an alert rejected by per-source rate limiting.
	ErrRateLimited = errors.New("ingest: rate limit exceeded")
)

// Launcher starts the incident workflow for a freshly created incident.
type Launcher interface {
	Launch(ctx context.Context, inc *models.Incident) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, inc *models.Incident) error

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, inc *models.Incident) error {
	return f(ctx, inc)
}

// IntakeOptions tunes the intake pipeline.
type IntakeOptions struct {
	// RateLimit is the number of alerts each source may submit per
	// window. Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Intake runs the ingestion pipeline: rate limit, normalize,
// deduplicate, persist, launch workflow.
type Intake struct {
	store    *store.Store
	dedup    *Deduplicator
	limiter  *RateLimiter
	launcher Launcher
	norm     *Normalizer
	opts     IntakeOptions
}

// NewIntake wires the ingestion pipeline. limiter may be nil when rate
// limiting is disabled; launcher may be nil in tools that only persist.
func NewIntake(st *store.Store, dedup *Deduplicator, limiter *RateLimiter, launcher Launcher, opts IntakeOptions) *Intake {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Intake{
		store:    st,
		dedup:    dedup,
		limiter:  limiter,
		launcher: launcher,
		norm:     NewNormalizer(),
		opts:     opts,
	}
}

// Submit processes one normalized alert. It returns the created
// incident, or ErrDuplicateAlert / ErrRateLimited when the alert is
// dropped.
func (in *Intake) Submit(ctx context.Context, payload AlertPayload) (*models.Incident, error) {
	metrics.RecordAlertReceived(payload.Source, MapSeverity(payload.Severity))

	if in.limiter != nil && in.opts.RateLimit > 0 {
		allowed, _ := in.limiter.Allow(ctx, payload.Source, in.opts.RateLimit, in.opts.RateWindow)
		if !allowed {
			metrics.RecordAlertRateLimited(payload.Source)
			return nil, fmt.Errorf("%w: source %s", ErrRateLimited, payload.Source)
		}
	}

	inc, err := in.norm.Normalize(payload)
	if err != nil {
		return nil, err
	}

	if dup, existingID := in.dedup.CheckDuplicate(ctx, inc.Fingerprint); dup {
		in.dedup.Extend(ctx, inc.Fingerprint)
		metrics.RecordAlertDeduplicated()
		log.Debug().
			Str("fingerprint", inc.Fingerprint).
			Str("existingId", existingID).
			Msg("Alert deduplicated")
		return nil, fmt.Errorf("%w: incident %s", ErrDuplicateAlert, existingID)
	}

	if err := in.store.CreateIncident(inc); err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			// Redis missed the window but the store still holds an
			// incident for this fingerprint.
			metrics.RecordAlertDeduplicated()
			if existing, lookupErr := in.store.GetIncidentByFingerprint(inc.Fingerprint); lookupErr == nil {
				if existing.Status.Terminal() {
					log.Warn().
						Str("fingerprint", inc.Fingerprint).
						Str("incidentId", existing.ID).
						Str("status", string(existing.Status)).
						Msg("Alert recurrence maps to closed incident")
				} else {
					in.dedup.Register(ctx, inc.Fingerprint, existing.ID)
				}
			}
			return nil, fmt.Errorf("%w: fingerprint %s", ErrDuplicateAlert, inc.Fingerprint)
		}
		return nil, fmt.Errorf("failed to persist incident: %w", err)
	}

	in.dedup.Register(ctx, inc.Fingerprint, inc.ID)
	metrics.RecordIncidentCreated(inc.Severity)
	audit.Log(audit.EventIncidentOpened, inc.ID, "", "system", string(inc.Severity), true, inc.Title)

	log.Info().
		Str("incidentId", inc.ID).
		Str("title", inc.Title).
		Str("severity", string(inc.Severity)).
		Str("namespace", inc.Namespace).
		Msg("Created incident")

	if in.launcher != nil {
		if err := in.launcher.Launch(ctx, inc); err != nil {
			// The workflow driver re-adopts open incidents at startup,
			// so a failed launch is retried rather than lost.
			log.Error().Err(err).Str("incidentId", inc.ID).Msg("Failed to start incident workflow")
		}
	}

	return inc, nil
}

// SubmitWebhook processes an Alertmanager-compatible batch, skipping
// alerts that are not firing. It returns the incidents created.
func (in *Intake) SubmitWebhook(ctx context.Context, payload WebhookPayload, source string) ([]*models.Incident, error) {
	var created []*models.Incident
	for _, alert := range payload.Alerts {
		if alert.Status != "firing" {
			continue
		}

		var normalized AlertPayload
		switch source {
		case "grafana":
			normalized = FromGrafana(alert, payload)
		default:
			normalized = FromAlertmanager(alert, payload)
		}

		inc, err := in.Submit(ctx, normalized)
		if err != nil {
			if errors.Is(err, ErrDuplicateAlert) {
				continue
			}
			return created, err
		}
		created = append(created, inc)
	}
	return created, nil
}

// Release drops the dedup window for a resolved incident so that a
// recurrence of the same alert opens a fresh incident window.
func (in *Intake) Release(ctx context.Context, fingerprint string) {
	in.dedup.Remove(ctx, fingerprint)
}
