package validator

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

const goodNarrative = "Fractions are a way to share things fairly. Imagine you " +
	"cut a pizza into four equal slices and take one. You now hold one fourth " +
	"of the pizza. What happens if you take two slices instead? Try drawing " +
	"your own pizza and explore how the pieces compare to the whole."

func testValidator() *Validator {
	return New(config.ValidatorConfig{
		AutoFixSeverity:  "minor",
		DimensionTimeout: 5 * time.Second,
	})
}

func goodCandidate() *Candidate {
	return &Candidate{
		Fragments: map[models.Modality]*models.Fragment{
			models.ModalityNarrative: {
				Modality: models.ModalityNarrative,
				Content:  goodNarrative,
			},
		},
		Intent: &models.ContentIntent{Subject: "math", Topic: "fractions", GradeLevel: 4},
	}
}

func TestValidateGoodContentPassesGate(t *testing.T) {
	v := testValidator()
	report, err := v.Validate(context.Background(), goodCandidate(), models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if len(report.Scores) != len(models.Dimensions) {
		t.Errorf("scored %d dimensions, want %d", len(report.Scores), len(models.Dimensions))
	}
	if report.Overall < 0.7 {
		t.Errorf("Overall = %v for good content, want >= 0.7", report.Overall)
	}
	if report.SafetyVetoed() {
		t.Error("good content flagged as safety veto")
	}
}

func TestValidateOverallIsWeightedFunction(t *testing.T) {
	v := testValidator()
	report, err := v.Validate(context.Background(), goodCandidate(), models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	want := models.ComputeOverall(report.Scores, nil)
	if diff := report.Overall - want; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("Overall = %v, recomputed = %v: overall must be the declared function of the scores", report.Overall, want)
	}
}

func TestValidateSafetyHardVeto(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	cand.Fragments[models.ModalityNarrative].Content += " explicit content"

	report, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.Scores[models.DimensionSafety] != 0 {
		t.Fatalf("safety score = %v, want hard 0", report.Scores[models.DimensionSafety])
	}
	if !report.SafetyVetoed() {
		t.Fatal("SafetyVetoed() = false for hard-blocked content")
	}
	for _, issue := range report.Issues {
		if issue.Dimension == models.DimensionSafety && issue.AutoFixable {
			t.Error("safety issue marked auto-fixable")
		}
	}
}

func TestValidateSoftFlagsLowerNotZero(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	cand.Fragments[models.ModalityNarrative].Content += " the story mentions violence briefly"

	report, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	safety := report.Scores[models.DimensionSafety]
	if safety <= 0 || safety >= 1 {
		t.Errorf("soft-flagged safety = %v, want in (0,1)", safety)
	}
	if report.SafetyVetoed() {
		t.Error("soft flags must not trigger the veto")
	}
}

func TestValidateMissingRequiredModality(t *testing.T) {
	v := testValidator()
	report, err := v.Validate(context.Background(), goodCandidate(), models.Constraints{
		RequiredModalities: []models.Modality{models.ModalityVisualSpec},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.Scores[models.DimensionTechnicalCorrectness] >= 1.0 {
		t.Error("missing required modality did not lower technical correctness")
	}
}

func TestAutoFixAppliesOnlyDeclaredFixes(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	cand.Fragments[models.ModalityVisualSpec] = &models.Fragment{
		Modality: models.ModalityVisualSpec,
		Content:  "a pizza cut into four equal slices about fractions",
		Metadata: map[string]string{},
	}

	report, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	fixed := v.AutoFix(cand, report)

	// The original candidate is untouched.
	if cand.Fragments[models.ModalityVisualSpec].Metadata["alt_text"] != "" {
		t.Error("AutoFix mutated the original candidate")
	}
	// Missing alt text is a declared fix.
	if fixed.Fragments[models.ModalityVisualSpec].Metadata["alt_text"] == "" {
		t.Error("AutoFix did not insert alt text")
	}
	// Narrative content is not a declared fix target.
	if fixed.Fragments[models.ModalityNarrative].Content != goodNarrative {
		t.Error("AutoFix changed semantic content")
	}
}

func TestAutoFixNeverTouchesSafety(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	cand.Fragments[models.ModalityNarrative].Content += " explicit content"

	report, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	fixed := v.AutoFix(cand, report)
	refreshed, err := v.Validate(context.Background(), fixed, models.Constraints{})
	if err != nil {
		t.Fatalf("re-validate failed: %v", err)
	}
	if !refreshed.SafetyVetoed() {
		t.Error("AutoFix must not clear a safety veto")
	}
}

func TestAutoFixTruncatesOversizedFragments(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	cand.Fragments[models.ModalityNarrative].Content = goodNarrative + strings.Repeat(" padding", 20000)

	report, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	fixed := v.AutoFix(cand, report)
	if len(fixed.Fragments[models.ModalityNarrative].Content) > maxFragmentBytes {
		t.Errorf("fragment still %d bytes after AutoFix, want <= %d",
			len(fixed.Fragments[models.ModalityNarrative].Content), maxFragmentBytes)
	}
}

func TestAutoFixTruncatesOnRuneBoundary(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	// Multi-byte runes arranged so a naive byte cut at the size limit
	// would land mid-rune.
	cand.Fragments[models.ModalityNarrative].Content = strings.Repeat("€", maxFragmentBytes/3+100)

	report, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	fixed := v.AutoFix(cand, report)
	content := fixed.Fragments[models.ModalityNarrative].Content
	if len(content) > maxFragmentBytes {
		t.Errorf("fragment still %d bytes after AutoFix, want <= %d", len(content), maxFragmentBytes)
	}
	if !utf8.ValidString(content) {
		t.Error("truncation split a UTF-8 sequence")
	}
	if len(content)%3 != 0 {
		t.Errorf("truncated length %d is not a whole number of runes", len(content))
	}
}

func TestValidateEachPassIsFresh(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()

	first, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	second, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if first.Overall != second.Overall {
		t.Errorf("same candidate scored %v then %v", first.Overall, second.Overall)
	}
	if len(first.Issues) != len(second.Issues) {
		t.Errorf("issue count drifted between passes: %d vs %d", len(first.Issues), len(second.Issues))
	}
}

func TestSetWeightsChangesOverall(t *testing.T) {
	v := testValidator()
	cand := goodCandidate()
	cand.Fragments[models.ModalityNarrative].Content += " it mentions violence once"

	base, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	v.SetWeights(map[models.Dimension]float64{models.DimensionSafety: 1.0})
	weighted, err := v.Validate(context.Background(), cand, models.Constraints{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if weighted.Overall >= base.Overall {
		t.Errorf("safety-only weighting should drop overall for flagged content: %v vs %v", weighted.Overall, base.Overall)
	}
}
