package validator

import (
	"context"
	"sync"
	"time"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// Candidate is an artifact awaiting validation: the assembled fragments
// plus the intent they were generated against.
type Candidate struct {
	Fragments map[models.Modality]*models.Fragment `json:"fragments"`
	Intent    *models.ContentIntent                `json:"intent"`
}

// Validator scores candidates across independent dimensions and proposes
// auto-fixes for low-severity issues. It is stateless per validation pass;
// every pass produces a fresh report.
type Validator struct {
	mu              sync.RWMutex
	weights         map[models.Dimension]float64
	autoFixSeverity models.IssueSeverity
	scorers         map[models.Dimension]scorer
	timeout         time.Duration
}

type scorer func(cand *Candidate, constraints models.Constraints) (float64, []models.Issue)

// New creates a validator with the configured dimension weights. Missing
// weights default to equal weighting.
func New(cfg config.ValidatorConfig) *Validator {
	v := &Validator{
		weights:         make(map[models.Dimension]float64, len(cfg.Weights)),
		autoFixSeverity: models.IssueSeverity(cfg.AutoFixSeverity),
		timeout:         cfg.DimensionTimeout,
	}
	for d, w := range cfg.Weights {
		v.weights[d] = w
	}
	if v.autoFixSeverity == "" {
		v.autoFixSeverity = models.SeverityMinor
	}
	v.scorers = map[models.Dimension]scorer{
		models.DimensionEducationalValue:     scoreEducationalValue,
		models.DimensionTechnicalCorrectness: scoreTechnicalCorrectness,
		models.DimensionSafety:               scoreSafety,
		models.DimensionEngagement:           scoreEngagement,
		models.DimensionAccessibility:        scoreAccessibility,
		models.DimensionPerformance:          scorePerformance,
	}
	return v
}

// SetWeights swaps dimension weights at runtime (hot reload).
func (v *Validator) SetWeights(weights map[models.Dimension]float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.weights = make(map[models.Dimension]float64, len(weights))
	for d, w := range weights {
		v.weights[d] = w
	}
}

// Validate scores all dimensions concurrently and assembles the report.
// Overall is always the declared weighted function of the dimension
// scores; it is never set independently.
func (v *Validator) Validate(ctx context.Context, cand *Candidate, constraints models.Constraints) (*models.QualityReport, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	type dimResult struct {
		dim    models.Dimension
		score  float64
		issues []models.Issue
	}

	results := make(chan dimResult, len(v.scorers))
	var wg sync.WaitGroup
	for dim, fn := range v.scorers {
		wg.Add(1)
		go func(dim models.Dimension, fn scorer) {
			defer wg.Done()
			score, issues := fn(cand, constraints)
			select {
			case results <- dimResult{dim: dim, score: score, issues: issues}:
			case <-ctx.Done():
			}
		}(dim, fn)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	report := &models.QualityReport{
		Scores:      make(map[models.Dimension]float64, len(v.scorers)),
		GeneratedAt: time.Now(),
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-results:
			if !ok {
				v.finalize(report)
				return report, nil
			}
			report.Scores[res.dim] = res.score
			report.Issues = append(report.Issues, res.issues...)
		}
	}
}

func (v *Validator) finalize(report *models.QualityReport) {
	v.mu.RLock()
	weights := v.weights
	fixCeiling := v.autoFixSeverity
	v.mu.RUnlock()

	for i := range report.Issues {
		issue := &report.Issues[i]
		// Safety issues are never auto-fixed away.
		if issue.Dimension == models.DimensionSafety {
			issue.AutoFixable = false
			continue
		}
		issue.AutoFixable = severityRank(issue.Severity) <= severityRank(fixCeiling)
	}
	report.Overall = models.ComputeOverall(report.Scores, weights)
}

func severityRank(s models.IssueSeverity) int {
	switch s {
	case models.SeverityInfo:
		return 0
	case models.SeverityMinor:
		return 1
	case models.SeverityMajor:
		return 2
	case models.SeverityCritical:
		return 3
	default:
		return 3
	}
}
