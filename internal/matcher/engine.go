package matcher

import (
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// Weights are the fixed signal weights combined into one confidence
// value. They sum to 1 so the result stays in [0,1].
type Weights struct {
	Name     float64
	Email    float64
	Postcode float64
	Amount   float64
}

// Config holds the matching thresholds.
type Config struct {
	MinConfidence  float64
	MaxSuggestions int
	Weights        Weights
}

// DefaultConfig returns the documented weights and limits.
func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.35,
		MaxSuggestions: 5,
		Weights: Weights{
			Name:     0.40,
			Email:    0.25,
			Amount:   0.20,
			Postcode: 0.15,
		},
	}
}

// Engine scores one payment against a candidate contact set.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New builds an engine. A nil logger disables logging.
func New(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = DefaultConfig().MaxSuggestions
	}
	return &Engine{cfg: cfg, log: log}
}

// FindMatches returns ranked, threshold-filtered, capped suggestions
// for one payment. Contacts in excluded (reconciled within the trailing
// exclusion window) are removed before scoring. The function is
// deterministic for identical inputs and never fails outward: scoring
// problems for a candidate degrade to a zero score for that candidate.
func (e *Engine) FindMatches(payment models.ParsedPayment, candidates []*models.Contact, excluded map[string]bool) models.MatchResult {
	start := time.Now()
	result := models.MatchResult{Suggestions: []models.MatchSuggestion{}}

	for _, contact := range candidates {
		if contact == nil || excluded[contact.ID] {
			continue
		}
		result.TotalEvaluated++

		reasoning := models.MatchReasoning{
			Name:     scoreName(payment, contact),
			Email:    scoreEmail(payment.CustomerEmail, contact.Email),
			Postcode: scorePostcode(payment.BillingPostcode, contact.Postcode),
			Amount:   scoreAmount(payment.Amount, contact.MembershipType),
		}

		confidence := e.cfg.Weights.Name*reasoning.Name.Score +
			e.cfg.Weights.Email*reasoning.Email.Score +
			e.cfg.Weights.Postcode*reasoning.Postcode.Score +
			e.cfg.Weights.Amount*reasoning.Amount.Score

		if confidence < e.cfg.MinConfidence {
			continue
		}

		result.Suggestions = append(result.Suggestions, models.MatchSuggestion{
			Contact:    contact,
			Confidence: confidence,
			Reasoning:  reasoning,
		})
	}

	// Stable order: confidence descending, contact ID as tiebreak so
	// identical inputs always produce identical rankings.
	sort.SliceStable(result.Suggestions, func(i, j int) bool {
		if result.Suggestions[i].Confidence != result.Suggestions[j].Confidence {
			return result.Suggestions[i].Confidence > result.Suggestions[j].Confidence
		}
		return result.Suggestions[i].Contact.ID < result.Suggestions[j].Contact.ID
	})

	if len(result.Suggestions) > e.cfg.MaxSuggestions {
		result.Suggestions = result.Suggestions[:e.cfg.MaxSuggestions]
	}

	result.ElapsedMs = time.Since(start).Milliseconds()
	e.log.Debug("matched payment",
		"fingerprint", payment.Fingerprint,
		"evaluated", result.TotalEvaluated,
		"suggestions", len(result.Suggestions))
	return result
}
