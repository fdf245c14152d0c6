package rca

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/models"
)

// InferenceModel is the external LLM deep path. Hints are historical
// patterns retrieved from the knowledge base to enrich the prompt.
type InferenceModel interface {
	Infer(ctx context.Context, event *models.CorrelatedEvent, hints []KnownPattern) (*models.RCAResult, error)
	ModelID() string
}

// EscalatingAnalyzer runs the fast path first and falls through to model
// inference when confidence is below the acceptable band, escalating once
// more to a higher-reasoning model if the first model is still unsure.
type EscalatingAnalyzer struct {
	fast      Analyzer
	primary   InferenceModel
	escalated InferenceModel
	kb        KnowledgeBase

	// EscalateBelow is the confidence under which the next tier is tried.
	EscalateBelow float64
}

// NewEscalatingAnalyzer wires the tiers. primary, escalated, and kb may each
// be nil; missing tiers are skipped.
func NewEscalatingAnalyzer(fast Analyzer, primary, escalated InferenceModel, kb KnowledgeBase) *EscalatingAnalyzer {
	if fast == nil {
		fast = NewPatternAnalyzer()
	}
	return &EscalatingAnalyzer{
		fast:          fast,
		primary:       primary,
		escalated:     escalated,
		kb:            kb,
		EscalateBelow: models.ConfidenceAcceptable,
	}
}

// Analyze never fails; the worst case is the unknown result from the last
// tier that produced anything.
func (a *EscalatingAnalyzer) Analyze(ctx context.Context, event *models.CorrelatedEvent) *models.RCAResult {
	best := a.fast.Analyze(ctx, event)
	if best.Confidence >= a.EscalateBelow {
		return best
	}

	hints := a.searchHints(ctx, best)

	for _, model := range []InferenceModel{a.primary, a.escalated} {
		if model == nil {
			continue
		}
		result, err := model.Infer(ctx, event, hints)
		if err != nil || result == nil {
			log.Warn().
				Err(err).
				Str("model_id", model.ModelID()).
				Msg("RCA inference failed, keeping previous tier's result")
			continue
		}
		result.ModelID = model.ModelID()
		if result.Confidence > best.Confidence {
			best = result
		}
		if best.Confidence >= a.EscalateBelow {
			break
		}
		log.Info().
			Str("model_id", model.ModelID()).
			Float64("confidence", best.Confidence).
			Msg("RCA confidence below acceptable band, escalating")
	}
	return best
}

// Learn indexes a confirmed pattern back into the knowledge base. Patterns
// below the acceptable quality band are rejected so low-confidence guesses
// do not pollute retrieval.
func (a *EscalatingAnalyzer) Learn(ctx context.Context, p KnownPattern) error {
	if a.kb == nil {
		return nil
	}
	if p.Quality < models.ConfidenceAcceptable {
		log.Debug().Str("pattern_id", p.PatternID).Float64("quality", p.Quality).Msg("Pattern below quality bar, not indexed")
		return nil
	}
	return a.kb.Index(ctx, p)
}

func (a *EscalatingAnalyzer) searchHints(ctx context.Context, seed *models.RCAResult) []KnownPattern {
	if a.kb == nil {
		return nil
	}
	query := seed.RootCause
	if len(seed.MatchedSymptoms) > 0 {
		query = seed.MatchedSymptoms[0]
	}
	hints, err := a.kb.Search(ctx, query, "auto")
	if err != nil {
		log.Warn().Err(err).Msg("Knowledge base search failed, inferring without hints")
		return nil
	}
	return hints
}
