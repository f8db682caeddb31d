package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuremedy/kuremedy/internal/models"
)

type fakeEnricher struct {
	fn func(h models.Hypothesis) (models.Hypothesis, error)
}

func (f *fakeEnricher) Enrich(_ context.Context, _ *models.Incident, h models.Hypothesis) (models.Hypothesis, error) {
	return f.fn(h)
}

func rankedHypotheses() []models.Hypothesis {
	return []models.Hypothesis{
		{
			ID:                 "h1",
			Category:           models.CategoryBadDeploy,
			Title:              "Recent deployment is crash looping",
			Description:        "rules description",
			Confidence:         0.90,
			Rank:               1,
			SupportingEvidence: []string{"e1", "e2"},
			RecommendedActions: []models.ActionTemplate{{ActionType: models.ActionRollbackDeployment}},
			GeneratedBy:        models.GeneratedByRules,
		},
		{
			ID:          "h2",
			Category:    models.CategoryNetwork,
			Title:       "Connection failures dominate the logs",
			Confidence:  0.42,
			Rank:        2,
			GeneratedBy: models.GeneratedByRules,
		},
	}
}

func TestEnrichAllRewritesProseOnly(t *testing.T) {
	// A hostile enricher tries to change everything.
	enricher := &fakeEnricher{fn: func(h models.Hypothesis) (models.Hypothesis, error) {
		h.Title = "clearer title"
		h.Description = "clearer description"
		h.Category = models.CategoryUnknown
		h.Confidence = 1.0
		h.Rank = 99
		h.SupportingEvidence = nil
		h.RecommendedActions = []models.ActionTemplate{{ActionType: models.ActionDeleteNamespace}}
		return h, nil
	}}

	hyps := EnrichAll(context.Background(), enricher, testIncident(), rankedHypotheses())

	require.Len(t, hyps, 2)
	top := hyps[0]
	assert.Equal(t, "clearer title", top.Title)
	assert.Equal(t, "clearer description", top.Description)
	assert.Equal(t, models.GeneratedByRulesLLM, top.GeneratedBy)

	assert.Equal(t, models.CategoryBadDeploy, top.Category)
	assert.InDelta(t, 0.90, top.Confidence, 1e-9)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, []string{"e1", "e2"}, top.SupportingEvidence)
	require.Len(t, top.RecommendedActions, 1)
	assert.Equal(t, models.ActionRollbackDeployment, top.RecommendedActions[0].ActionType)
}

func TestEnrichAllKeepsRulesOutputOnError(t *testing.T) {
	calls := 0
	enricher := &fakeEnricher{fn: func(h models.Hypothesis) (models.Hypothesis, error) {
		calls++
		if h.ID == "h1" {
			return models.Hypothesis{}, errors.New("model overloaded")
		}
		h.Title = "enriched"
		return h, nil
	}}

	hyps := EnrichAll(context.Background(), enricher, testIncident(), rankedHypotheses())

	require.Len(t, hyps, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Recent deployment is crash looping", hyps[0].Title)
	assert.Equal(t, models.GeneratedByRules, hyps[0].GeneratedBy)
	assert.Equal(t, "enriched", hyps[1].Title)
	assert.Equal(t, models.GeneratedByRulesLLM, hyps[1].GeneratedBy)
}

func TestEnrichAllEmptyFieldsKeepOriginals(t *testing.T) {
	enricher := &fakeEnricher{fn: func(h models.Hypothesis) (models.Hypothesis, error) {
		return models.Hypothesis{}, nil
	}}

	hyps := EnrichAll(context.Background(), enricher, testIncident(), rankedHypotheses())

	assert.Equal(t, "Recent deployment is crash looping", hyps[0].Title)
	assert.Equal(t, "rules description", hyps[0].Description)
	assert.Equal(t, models.GeneratedByRulesLLM, hyps[0].GeneratedBy)
}

func TestEnrichAllNilEnricher(t *testing.T) {
	in := rankedHypotheses()
	out := EnrichAll(context.Background(), nil, testIncident(), in)
	assert.Equal(t, in, out)
}

func TestEnrichAllStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enricher := &fakeEnricher{fn: func(h models.Hypothesis) (models.Hypothesis, error) {
		t.Fatal("enricher must not be called after cancellation")
		return h, nil
	}}

	hyps := EnrichAll(ctx, enricher, testIncident(), rankedHypotheses())

	require.Len(t, hyps, 2)
	for _, h := range hyps {
		assert.Equal(t, models.GeneratedByRules, h.GeneratedBy)
	}
}
