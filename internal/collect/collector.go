// Package collect gathers evidence for an incident from the cluster API,
// log and metric backends, and rollout history. Collectors are registered by
// source name and run in parallel under independent deadlines; a slow or
// failing source degrades to partial evidence instead of blocking the
// investigation.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
)

// DefaultSourceTimeout bounds a single collector run.
const DefaultSourceTimeout = 60 * time.Second

// CollectionContext carries the incident fields collectors select on.
type CollectionContext struct {
	IncidentID string
	Cluster    string
	Namespace  string
	Service    string
	Labels     map[string]string
}

// ContextFor builds a CollectionContext from an incident.
func ContextFor(inc *models.Incident) CollectionContext {
	cc := CollectionContext{
		IncidentID: inc.ID,
		Cluster:    inc.Cluster,
		Namespace:  inc.Namespace,
		Service:    inc.Service,
	}
	if len(inc.Labels) > 0 {
		cc.Labels = make(map[string]string, len(inc.Labels))
		for k, v := range inc.Labels {
			cc.Labels[k] = v
		}
	}
	return cc
}

// Collector is one evidence source. Implementations assign signal strength
// at creation time and swallow errors on individual lookups, returning
// whatever evidence they managed to gather alongside a joined error.
type Collector interface {
	Name() string
	Collect(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error)
}

// Registry holds collectors keyed by source name.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	collectors map[string]Collector
}

// NewRegistry returns an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds a collector. Registering two collectors under the same name
// is a wiring mistake and fails loudly.
func (r *Registry) Register(c Collector) error {
	name := c.Name()
	if name == "" {
		return errors.New("collect: collector has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collectors[name]; exists {
		return fmt.Errorf("collect: collector %q already registered", name)
	}
	r.collectors[name] = c
	r.order = append(r.order, name)
	return nil
}

// Collector returns the named collector.
func (r *Registry) Collector(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	return c, ok
}

// Names returns the registered source names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// RunResult is the join of one parallel collection pass.
type RunResult struct {
	// Evidence from all sources, ordered by registration order.
	Evidence []models.Evidence
	// Partial is true when at least one source timed out or failed.
	Partial bool
	// Failures maps source name to the error that degraded it.
	Failures map[string]error
}

// RunAll runs every registered collector in parallel, each under its own
// deadline. Collector errors never fail the pass: evidence gathered before a
// timeout or failure is kept, flagged Partial, and the source is reported in
// Failures. RunAll itself only errors when ctx is done.
func (r *Registry) RunAll(ctx context.Context, cc CollectionContext, window models.TimeWindow, perSource time.Duration) (RunResult, error) {
	if perSource <= 0 {
		perSource = DefaultSourceTimeout
	}

	r.mu.RLock()
	names := append([]string(nil), r.order...)
	collectors := make([]Collector, 0, len(names))
	for _, name := range names {
		collectors = append(collectors, r.collectors[name])
	}
	r.mu.RUnlock()

	gathered := make([][]models.Evidence, len(collectors))
	failures := make([]error, len(collectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range collectors {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, perSource)
			defer cancel()

			start := time.Now()
			evs, err := c.Collect(cctx, cc, window)
			metrics.ObserveCollectorRun(c.Name(), time.Since(start))

			if err != nil {
				reason := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					reason = "timeout"
				}
				metrics.RecordCollectorFailure(c.Name(), reason)
				log.Warn().
					Err(err).
					Str("collector", c.Name()).
					Str("incidentId", cc.IncidentID).
					Int("evidence", len(evs)).
					Msg("Collector degraded to partial evidence")
				for j := range evs {
					evs[j].Partial = true
				}
				failures[i] = err
			}

			metrics.RecordEvidenceCollected(c.Name(), len(evs))
			gathered[i] = evs
			return nil
		})
	}
	// Collector errors are swallowed above; Wait only reflects gctx.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}

	result := RunResult{Failures: make(map[string]error)}
	for i, evs := range gathered {
		result.Evidence = append(result.Evidence, evs...)
		if failures[i] != nil {
			result.Partial = true
			result.Failures[names[i]] = failures[i]
		}
	}
	return result, nil
}

// newEvidence stamps the shared envelope fields. EntityNamespace is passed
// explicitly because node evidence is cluster scoped.
func newEvidence(cc CollectionContext, window models.TimeWindow, typ models.EvidenceType, source models.EvidenceSource, entity, entityNamespace string, data models.EvidenceData, strength float64) models.Evidence {
	return models.Evidence{
		ID:              models.NewEvidenceID(),
		IncidentID:      cc.IncidentID,
		Type:            typ,
		Source:          source,
		EntityName:      entity,
		EntityNamespace: entityNamespace,
		Data:            data,
		SignalStrength:  strength,
		CollectedAt:     time.Now().UTC(),
		Window:          window,
	}
}

// sortEvidence orders evidence deterministically for stable test assertions
// and journal payloads.
func sortEvidence(evs []models.Evidence) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Type != evs[j].Type {
			return evs[i].Type < evs[j].Type
		}
		return evs[i].EntityName < evs[j].EntityName
	})
}
