package collect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kuremedy/kuremedy/internal/models"
)

type stubCollector struct {
	name  string
	evs   []models.Evidence
	err   error
	delay time.Duration
}

func (s *stubCollector) Name() string { return s.name }

func (s *stubCollector) Collect(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return s.evs, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.evs, s.err
}

func testWindow() models.TimeWindow {
	end := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	return models.TimeWindow{Start: end.Add(-30 * time.Minute), End: end}
}

func testContext() CollectionContext {
	return CollectionContext{
		IncidentID: "inc-1",
		Cluster:    "prod-east",
		Namespace:  "shop",
		Service:    "payments",
	}
}

func mustRegister(t *testing.T, reg *Registry, c Collector) {
	t.Helper()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register %s: %v", c.Name(), err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &stubCollector{name: "cluster"})
	if err := reg.Register(&stubCollector{name: "cluster"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := reg.Register(&stubCollector{}); err == nil {
		t.Fatal("expected registration without a name to fail")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "cluster" {
		t.Errorf("unexpected names: %v", got)
	}
}

func TestRunAllPreservesRegistrationOrder(t *testing.T) {
	cc := testContext()
	window := testWindow()
	podEv := newEvidence(cc, window, models.EvidencePodState, models.SourceK8s,
		"payments-6f7-aaa", "shop",
		models.EvidenceData{PodState: &models.PodStateData{Phase: "Running"}}, 0.3)
	logEv := newEvidence(cc, window, models.EvidenceLogsPattern, models.SourceLogs,
		"payments", "shop",
		models.EvidenceData{LogsPattern: &models.LogsPatternData{TotalLines: 10}}, 0.6)

	reg := NewRegistry()
	mustRegister(t, reg, &stubCollector{name: "cluster", evs: []models.Evidence{podEv}})
	mustRegister(t, reg, &stubCollector{name: "logs", evs: []models.Evidence{logEv}})

	result, err := reg.RunAll(context.Background(), cc, window, time.Second)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if result.Partial {
		t.Error("expected a full result")
	}
	if len(result.Failures) != 0 {
		t.Errorf("unexpected failures: %v", result.Failures)
	}
	if len(result.Evidence) != 2 {
		t.Fatalf("expected 2 evidence records, got %d", len(result.Evidence))
	}
	if result.Evidence[0].EntityName != "payments-6f7-aaa" || result.Evidence[1].EntityName != "payments" {
		t.Errorf("unexpected order: %s then %s", result.Evidence[0].EntityName, result.Evidence[1].EntityName)
	}
	for _, ev := range result.Evidence {
		if ev.Partial {
			t.Errorf("evidence %s should not be partial", ev.EntityName)
		}
	}
}

func TestRunAllKeepsPartialEvidenceOnFailure(t *testing.T) {
	cc := testContext()
	window := testWindow()
	okEv := newEvidence(cc, window, models.EvidencePodState, models.SourceK8s,
		"payments-6f7-aaa", "shop",
		models.EvidenceData{PodState: &models.PodStateData{Phase: "Running"}}, 0.3)
	degradedEv := newEvidence(cc, window, models.EvidenceLogsPattern, models.SourceLogs,
		"payments", "shop",
		models.EvidenceData{LogsPattern: &models.LogsPatternData{TotalLines: 4}}, 0.6)

	boom := errors.New("loki unreachable")
	reg := NewRegistry()
	mustRegister(t, reg, &stubCollector{name: "cluster", evs: []models.Evidence{okEv}})
	mustRegister(t, reg, &stubCollector{name: "logs", evs: []models.Evidence{degradedEv}, err: boom})

	result, err := reg.RunAll(context.Background(), cc, window, time.Second)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !result.Partial {
		t.Error("expected partial result")
	}
	if !errors.Is(result.Failures["logs"], boom) {
		t.Errorf("expected logs failure, got %v", result.Failures)
	}
	if len(result.Evidence) != 2 {
		t.Fatalf("expected evidence from both collectors, got %d", len(result.Evidence))
	}
	for _, ev := range result.Evidence {
		switch ev.Source {
		case models.SourceLogs:
			if !ev.Partial {
				t.Error("degraded collector's evidence should be flagged partial")
			}
		case models.SourceK8s:
			if ev.Partial {
				t.Error("healthy collector's evidence should not be flagged partial")
			}
		}
	}
}

func TestRunAllFlagsTimeouts(t *testing.T) {
	reg := NewRegistry()
	mustRegister(t, reg, &stubCollector{name: "metrics", delay: 500 * time.Millisecond})

	result, err := reg.RunAll(context.Background(), testContext(), testWindow(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !result.Partial {
		t.Error("expected partial result after timeout")
	}
	if !errors.Is(result.Failures["metrics"], context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", result.Failures["metrics"])
	}
}

func TestRunAllReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reg := NewRegistry()
	mustRegister(t, reg, &stubCollector{name: "cluster"})

	if _, err := reg.RunAll(ctx, testContext(), testWindow(), time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestContextForClonesLabels(t *testing.T) {
	inc := &models.Incident{
		ID:        "inc-9",
		Cluster:   "prod-east",
		Namespace: "shop",
		Service:   "payments",
		Labels:    map[string]string{"team": "payments"},
	}
	cc := ContextFor(inc)
	if cc.IncidentID != "inc-9" || cc.Namespace != "shop" || cc.Service != "payments" {
		t.Errorf("unexpected context: %+v", cc)
	}
	cc.Labels["team"] = "changed"
	if inc.Labels["team"] != "payments" {
		t.Error("labels should be copied, not shared")
	}
}
