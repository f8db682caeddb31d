package rules

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/models"
)

// Enricher rewrites hypothesis prose for operators, typically backed by a
// language model. Implementations may take as long as their context allows
// and may fail freely; the pipeline never depends on them.
type Enricher interface {
	Enrich(ctx context.Context, inc *models.Incident, h models.Hypothesis) (models.Hypothesis, error)
}

// EnrichAll runs the enricher over each hypothesis and merges the results.
// Only Title and Description are taken from the enricher's output; category,
// confidence, rank, evidence, and actions always keep the rules engine's
// values, so a misbehaving enricher cannot change what gets remediated. Any
// enrichment failure leaves that hypothesis as generated.
func EnrichAll(ctx context.Context, enricher Enricher, inc *models.Incident, hyps []models.Hypothesis) []models.Hypothesis {
	if enricher == nil {
		return hyps
	}
	for i := range hyps {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Str("incidentId", inc.ID).Msg("Enrichment cut short, keeping rules output")
			break
		}
		enriched, err := enricher.Enrich(ctx, inc, hyps[i])
		if err != nil {
			log.Warn().Err(err).
				Str("incidentId", inc.ID).
				Str("category", string(hyps[i].Category)).
				Msg("Hypothesis enrichment failed, keeping rules output")
			continue
		}
		if enriched.Title != "" {
			hyps[i].Title = enriched.Title
		}
		if enriched.Description != "" {
			hyps[i].Description = enriched.Description
		}
		hyps[i].GeneratedBy = models.GeneratedByRulesLLM
	}
	return hyps
}
