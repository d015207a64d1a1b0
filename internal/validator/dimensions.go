package validator

import (
	"fmt"
	"strings"

	"github.com/edforge/edforge/pkg/models"
)

// hardBlockTerms trip the safety hard veto: a safety score of exactly 0.
var hardBlockTerms = []string{
	"how to make a weapon",
	"self-harm instructions",
	"explicit content",
}

// softFlagTerms lower the safety score without vetoing.
var softFlagTerms = []string{
	"violence",
	"gambling",
	"weapon",
}

const maxFragmentBytes = 64 * 1024

func scoreEducationalValue(cand *Candidate, constraints models.Constraints) (float64, []models.Issue) {
	var issues []models.Issue
	score := 1.0

	topic := strings.ToLower(cand.Intent.Topic)
	mentioned := false
	for _, frag := range cand.Fragments {
		if strings.Contains(strings.ToLower(frag.Content), topic) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		score -= 0.4
		issues = append(issues, models.Issue{
			Severity:    models.SeverityMajor,
			Dimension:   models.DimensionEducationalValue,
			Description: fmt.Sprintf("no fragment mentions the topic %q", cand.Intent.Topic),
		})
	}

	if frag, ok := cand.Fragments[models.ModalityNarrative]; ok {
		words := len(strings.Fields(frag.Content))
		if words < 30 {
			score -= 0.3
			issues = append(issues, models.Issue{
				Severity:    models.SeverityMajor,
				Dimension:   models.DimensionEducationalValue,
				Description: fmt.Sprintf("narrative too short to teach (%d words)", words),
			})
		}
	}

	return clampScore(score), issues
}

func scoreTechnicalCorrectness(cand *Candidate, constraints models.Constraints) (float64, []models.Issue) {
	var issues []models.Issue
	score := 1.0

	for modality, frag := range cand.Fragments {
		if strings.TrimSpace(frag.Content) == "" {
			score -= 0.5
			issues = append(issues, models.Issue{
				Severity:    models.SeverityCritical,
				Dimension:   models.DimensionTechnicalCorrectness,
				Description: fmt.Sprintf("%s fragment is empty", modality),
			})
		}
	}

	if frag, ok := cand.Fragments[models.ModalityLogicScript]; ok {
		if !balanced(frag.Content) {
			score -= 0.4
			issues = append(issues, models.Issue{
				Severity:    models.SeverityMajor,
				Dimension:   models.DimensionTechnicalCorrectness,
				Description: "logic script has unbalanced brackets",
			})
		}
	}

	for _, required := range constraints.RequiredModalities {
		if _, ok := cand.Fragments[required]; !ok {
			score -= 0.3
			issues = append(issues, models.Issue{
				Severity:    models.SeverityMajor,
				Dimension:   models.DimensionTechnicalCorrectness,
				Description: fmt.Sprintf("required modality %s is missing", required),
			})
		}
	}

	return clampScore(score), issues
}

func scoreSafety(cand *Candidate, constraints models.Constraints) (float64, []models.Issue) {
	var issues []models.Issue
	score := 1.0

	for modality, frag := range cand.Fragments {
		content := strings.ToLower(frag.Content)
		for _, term := range hardBlockTerms {
			if strings.Contains(content, term) {
				issues = append(issues, models.Issue{
					Severity:    models.SeverityCritical,
					Dimension:   models.DimensionSafety,
					Description: fmt.Sprintf("%s fragment contains blocked content %q", modality, term),
				})
				return 0, issues // hard veto
			}
		}
		for _, term := range softFlagTerms {
			if strings.Contains(content, term) {
				score -= 0.25
				issues = append(issues, models.Issue{
					Severity:    models.SeverityMajor,
					Dimension:   models.DimensionSafety,
					Description: fmt.Sprintf("%s fragment flagged for %q", modality, term),
				})
			}
		}
	}

	// Hard zero is reserved for the veto; flagged content floors at 0.1.
	if score < 0.1 {
		score = 0.1
	}
	return score, issues
}

func scoreEngagement(cand *Candidate, constraints models.Constraints) (float64, []models.Issue) {
	var issues []models.Issue
	score := 0.5

	if frag, ok := cand.Fragments[models.ModalityNarrative]; ok {
		if strings.Contains(frag.Content, "?") {
			score += 0.2 // asks the learner something
		}
		lower := strings.ToLower(frag.Content)
		for _, marker := range []string{"try", "imagine", "explore", "what if", "you"} {
			if strings.Contains(lower, marker) {
				score += 0.1
			}
		}
	}
	if len(cand.Fragments) > 1 {
		score += 0.1 // multi-modal content engages more channels
	}

	score = clampScore(score)
	if score < 0.5 {
		issues = append(issues, models.Issue{
			Severity:    models.SeverityMinor,
			Dimension:   models.DimensionEngagement,
			Description: "content lacks interactive prompts",
		})
	}
	return score, issues
}

func scoreAccessibility(cand *Candidate, constraints models.Constraints) (float64, []models.Issue) {
	var issues []models.Issue
	score := 1.0

	if frag, ok := cand.Fragments[models.ModalityVisualSpec]; ok {
		if frag.Metadata["alt_text"] == "" {
			score -= 0.3
			issues = append(issues, models.Issue{
				Severity:    models.SeverityMinor,
				Dimension:   models.DimensionAccessibility,
				Description: "visual spec missing alt text",
			})
		}
	}

	for _, flag := range constraints.AccessibilityFlags {
		switch flag {
		case "captions":
			if frag, ok := cand.Fragments[models.ModalityAudioSpec]; ok && frag.Metadata["captions"] == "" {
				score -= 0.3
				issues = append(issues, models.Issue{
					Severity:    models.SeverityMinor,
					Dimension:   models.DimensionAccessibility,
					Description: "captions required but audio spec has none",
				})
			}
		case "plain_language":
			if frag, ok := cand.Fragments[models.ModalityNarrative]; ok && avgSentenceLength(frag.Content) > 22 {
				score -= 0.2
				issues = append(issues, models.Issue{
					Severity:    models.SeverityMinor,
					Dimension:   models.DimensionAccessibility,
					Description: "plain language requested but sentences run long",
				})
			}
		}
	}

	return clampScore(score), issues
}

func scorePerformance(cand *Candidate, constraints models.Constraints) (float64, []models.Issue) {
	var issues []models.Issue
	score := 1.0

	for modality, frag := range cand.Fragments {
		if len(frag.Content) > maxFragmentBytes {
			score -= 0.3
			issues = append(issues, models.Issue{
				Severity:    models.SeverityMinor,
				Dimension:   models.DimensionPerformance,
				Description: fmt.Sprintf("%s fragment exceeds %d bytes", modality, maxFragmentBytes),
			})
		}
	}

	return clampScore(score), issues
}

func balanced(s string) bool {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	for _, r := range s {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func avgSentenceLength(s string) float64 {
	sentences := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	return float64(len(strings.Fields(s))) / float64(sentences)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
