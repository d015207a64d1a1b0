package models

import "time"

// Dimension is one independently scored quality axis.
type Dimension string

const (
	DimensionEducationalValue     Dimension = "educational_value"
	DimensionTechnicalCorrectness Dimension = "technical_correctness"
	DimensionSafety               Dimension = "safety"
	DimensionEngagement           Dimension = "engagement"
	DimensionAccessibility        Dimension = "accessibility"
	DimensionPerformance          Dimension = "performance"
)

// Dimensions lists every scored axis in a stable order.
var Dimensions = []Dimension{
	DimensionEducationalValue,
	DimensionTechnicalCorrectness,
	DimensionSafety,
	DimensionEngagement,
	DimensionAccessibility,
	DimensionPerformance,
}

// IssueSeverity orders issues from cosmetic to blocking.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityMinor    IssueSeverity = "minor"
	SeverityMajor    IssueSeverity = "major"
	SeverityCritical IssueSeverity = "critical"
)

// Issue is one problem the validator found in a candidate.
type Issue struct {
	Severity    IssueSeverity `json:"severity"`
	Dimension   Dimension     `json:"dimension"`
	Description string        `json:"description"`
	AutoFixable bool          `json:"auto_fixable"`
}

// QualityReport scores a candidate across all dimensions. Reports are
// produced fresh per validation pass and never mutated, only superseded.
type QualityReport struct {
	Scores      map[Dimension]float64 `json:"scores"` // each in [0,1]
	Overall     float64               `json:"overall"`
	Issues      []Issue               `json:"issues,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// ComputeOverall returns the declared weighted sum of the dimension scores.
// Overall is never set independently of this function. Missing weights fall
// back to equal weighting; weights are normalized so they sum to 1.
func ComputeOverall(scores map[Dimension]float64, weights map[Dimension]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var total, sum float64
	for _, d := range Dimensions {
		score, ok := scores[d]
		if !ok {
			continue
		}
		w := weights[d]
		if w <= 0 {
			w = 1.0 / float64(len(Dimensions))
		}
		total += w
		sum += w * score
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// SafetyVetoed reports whether the safety dimension is a hard zero, which
// blocks acceptance regardless of every other score.
func (r *QualityReport) SafetyVetoed() bool {
	score, ok := r.Scores[DimensionSafety]
	return ok && score == 0
}

// Clone copies the report so snapshots cannot alias validator state.
func (r *QualityReport) Clone() *QualityReport {
	cp := *r
	cp.Scores = make(map[Dimension]float64, len(r.Scores))
	for d, s := range r.Scores {
		cp.Scores[d] = s
	}
	cp.Issues = append([]Issue(nil), r.Issues...)
	return &cp
}
