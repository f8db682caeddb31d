package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/approval"
	"github.com/kuremedy/kuremedy/internal/collect"
	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/execute"
	"github.com/kuremedy/kuremedy/internal/graph"
	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/policy"
	"github.com/kuremedy/kuremedy/internal/rules"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/internal/verify"
)

// ErrNotStarted is returned by Launch before Start has been called or after
// Stop.
var ErrNotStarted = errors.New("workflow: driver not started")

// Deps bundles the components a workflow drives. All fields except Enricher
// are required.
type Deps struct {
	Store      *store.Store
	Graph      *graph.Graph
	Collectors *collect.Registry
	Rules      *rules.Engine
	Enricher   rules.Enricher
	Gate       *policy.Gate
	Executor   *execute.Executor
	Verifier   *verify.Verifier
	Approvals  *approval.Broker
	Config     *config.Config
}

// instance is one live workflow's bookkeeping entry.
type instance struct {
	incidentID  string
	fingerprint string
	cancel      context.CancelFunc
	// cancelled distinguishes an explicit operator cancel (escalate to
	// failed) from process shutdown (leave the incident for journal resume).
	cancelled atomic.Bool
	done      chan struct{}
}

// Driver runs incident workflows. Each incident gets one driver goroutine,
// pinned by fingerprint so a duplicate launch reattaches instead of racing;
// actual execution is bounded by a worker-pool semaphore. Durability lives in
// the journal, so the driver itself holds no workflow state worth preserving.
type Driver struct {
	st         *store.Store
	graph      *graph.Graph
	collectors *collect.Registry
	rules      *rules.Engine
	enricher   rules.Enricher
	gate       *policy.Gate
	exec       *execute.Executor
	verifier   *verify.Verifier
	approvals  *approval.Broker
	cfg        *config.Config

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	finished func(*models.Incident)

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	started bool
	byFP    map[string]*instance
	byID    map[string]*instance
	slots   chan struct{}
	wg      sync.WaitGroup
}

// DriverOption adjusts driver construction.
type DriverOption func(*Driver)

// WithClock overrides the driver's time source.
func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

// WithSleep overrides the cancellable sleep used at suspension points. Tests
// use it to skip verification delays and retry backoffs.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) DriverOption {
	return func(d *Driver) { d.sleep = sleep }
}

// WithFinished registers a callback invoked once a workflow lands on a
// terminal status. The ingest layer uses it to clear the dedup window early.
func WithFinished(fn func(*models.Incident)) DriverOption {
	return func(d *Driver) { d.finished = fn }
}

// NewDriver wires a workflow driver. Call Start before launching incidents.
func NewDriver(deps Deps, opts ...DriverOption) *Driver {
	workers := deps.Config.WorkerCount
	if workers < 1 {
		workers = 1
	}
	d := &Driver{
		st:         deps.Store,
		graph:      deps.Graph,
		collectors: deps.Collectors,
		rules:      deps.Rules,
		enricher:   deps.Enricher,
		gate:       deps.Gate,
		exec:       deps.Executor,
		verifier:   deps.Verifier,
		approvals:  deps.Approvals,
		cfg:        deps.Config,
		now:        time.Now,
		sleep:      sleepContext,
		byFP:       make(map[string]*instance),
		byID:       make(map[string]*instance),
		slots:      make(chan struct{}, workers),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start arms the driver. Workflows launched afterwards live under ctx; when
// ctx ends they stop at their next suspension point and stay resumable.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.base, d.stop = context.WithCancel(ctx)
	d.started = true
	log.Info().
		Int("workers", cap(d.slots)).
		Dur("softDeadline", d.cfg.WorkflowDeadline).
		Msg("Workflow driver started")
}

// Launch starts (or reattaches to) the workflow for an incident. It satisfies
// the ingest launch hook and never blocks on workflow execution; the caller's
// ctx only covers the launch itself.
func (d *Driver) Launch(_ context.Context, inc *models.Incident) error {
	_, err := d.Dispatch(inc)
	return err
}

// Dispatch is Launch with a completion channel, closed when the workflow
// goroutine finishes. Launching a fingerprint that is already running returns
// the running instance's channel.
func (d *Driver) Dispatch(inc *models.Incident) (<-chan struct{}, error) {
	if inc == nil {
		return nil, errors.New("workflow: nil incident")
	}

	d.mu.Lock()
	if !d.started || d.base.Err() != nil {
		d.mu.Unlock()
		return nil, ErrNotStarted
	}
	if existing, ok := d.byFP[inc.Fingerprint]; ok {
		d.mu.Unlock()
		log.Debug().
			Str("incidentId", existing.incidentID).
			Str("fingerprint", inc.Fingerprint).
			Msg("Workflow already running for fingerprint")
		return existing.done, nil
	}

	runCtx, cancel := context.WithCancel(d.base)
	if d.cfg.WorkflowDeadline > 0 {
		runCtx, cancel = context.WithTimeout(d.base, d.cfg.WorkflowDeadline)
	}
	inst := &instance{
		incidentID:  inc.ID,
		fingerprint: inc.Fingerprint,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	d.byFP[inc.Fingerprint] = inst
	d.byID[inc.ID] = inst
	d.wg.Add(1)
	d.mu.Unlock()

	go d.runIncident(runCtx, inst, inc.Clone())
	return inst.done, nil
}

// Resume re-adopts every non-terminal incident from the store. Called once at
// startup, after Start; the journal carries each workflow to where it left
// off.
func (d *Driver) Resume() (int, error) {
	open, err := d.st.ListIncidentsByStatus(
		models.StatusOpen,
		models.StatusInvestigating,
		models.StatusRemediating,
		models.StatusAwaitingApproval,
		models.StatusVerifying,
	)
	if err != nil {
		return 0, fmt.Errorf("list resumable incidents: %w", err)
	}

	resumed := 0
	for _, inc := range open {
		if _, err := d.Dispatch(inc); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		log.Info().Int("incidents", resumed).Msg("Resumed interrupted workflows")
	}
	return resumed, nil
}

// Cancel asks the incident's workflow to stop at its next suspension point
// and fail the incident. Reports whether a live workflow was found.
func (d *Driver) Cancel(incidentID string) bool {
	d.mu.Lock()
	inst, ok := d.byID[incidentID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	inst.cancelled.Store(true)
	inst.cancel()
	log.Info().Str("incidentId", incidentID).Msg("Workflow cancellation requested")
	return true
}

// Running returns the number of live workflow instances.
func (d *Driver) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}

// Stop ends all workflows at their next suspension point and waits for the
// pool to drain, bounded by ctx. Incidents stay non-terminal and resume from
// their journals on the next start.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.stop()
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Msg("Workflow driver stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow driver drain: %w", ctx.Err())
	}
}

// runIncident is the per-incident goroutine: acquire a pool slot, drive the
// workflow, and settle interruptions.
func (d *Driver) runIncident(ctx context.Context, inst *instance, inc *models.Incident) {
	// The run works on its own copy; terminal detection and the finished
	// callback must read that copy, not the dispatch-time snapshot.
	wf := newRun(d, inc)
	defer func() {
		inst.cancel()
		d.mu.Lock()
		delete(d.byFP, inst.fingerprint)
		delete(d.byID, inst.incidentID)
		d.mu.Unlock()
		if d.finished != nil && wf.inc.Status.Terminal() {
			d.finished(wf.inc)
		}
		close(inst.done)
		d.wg.Done()
	}()

	select {
	case d.slots <- struct{}{}:
		defer func() { <-d.slots }()
	case <-ctx.Done():
		d.settleInterrupt(inst, inc, wf, ctx.Err())
		return
	}

	metrics.RecordWorkflowStarted()
	defer metrics.RecordWorkflowFinished()

	log.Info().
		Str("incidentId", inc.ID).
		Str("fingerprint", inc.Fingerprint).
		Str("severity", string(inc.Severity)).
		Msg("Workflow started")

	if err := wf.execute(ctx); err != nil {
		d.settleInterrupt(inst, inc, wf, err)
	}
}

// settleInterrupt maps an interrupted workflow onto its terminal handling.
// Explicit cancels and blown soft deadlines escalate the incident to failed;
// anything stemming from driver shutdown is left alone for journal resume;
// unexpected errors are logged and likewise left resumable.
func (d *Driver) settleInterrupt(inst *instance, inc *models.Incident, wf *run, err error) {
	shuttingDown := d.base.Err() != nil

	switch {
	case inst.cancelled.Load():
		log.Warn().Str("incidentId", inc.ID).Msg("Workflow cancelled")
		wf.escalate(reasonCancelled)
	case errors.Is(err, context.DeadlineExceeded) && !shuttingDown:
		log.Warn().
			Str("incidentId", inc.ID).
			Dur("deadline", d.cfg.WorkflowDeadline).
			Msg("Workflow exceeded its soft deadline")
		wf.escalate(reasonDeadlineExceeded)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info().Str("incidentId", inc.ID).Msg("Workflow suspended by shutdown, will resume from journal")
	default:
		log.Error().Err(err).
			Str("incidentId", inc.ID).
			Msg("Workflow stopped on unrecoverable activity error, incident remains open for resume")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
