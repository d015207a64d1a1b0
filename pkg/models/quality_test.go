package models

import (
	"math/rand"
	"testing"
)

func TestComputeOverallEqualWeights(t *testing.T) {
	scores := map[Dimension]float64{}
	for _, d := range Dimensions {
		scores[d] = 0.6
	}
	if got := ComputeOverall(scores, nil); got < 0.599 || got > 0.601 {
		t.Errorf("ComputeOverall(uniform 0.6) = %v, want 0.6", got)
	}
}

func TestComputeOverallStaysInScoreRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		scores := map[Dimension]float64{}
		weights := map[Dimension]float64{}
		min, max := 1.0, 0.0
		for _, d := range Dimensions {
			s := rng.Float64()
			scores[d] = s
			if s < min {
				min = s
			}
			if s > max {
				max = s
			}
			if rng.Intn(2) == 0 {
				weights[d] = rng.Float64()
			}
		}
		got := ComputeOverall(scores, weights)
		if got < min-0.0001 || got > max+0.0001 {
			t.Fatalf("ComputeOverall = %v outside score range [%v, %v]", got, min, max)
		}
	}
}

func TestComputeOverallWeightsFavorWeightedDimension(t *testing.T) {
	scores := map[Dimension]float64{
		DimensionSafety:           0.1,
		DimensionEducationalValue: 0.9,
	}
	balanced := ComputeOverall(scores, nil)
	safetyHeavy := ComputeOverall(scores, map[Dimension]float64{DimensionSafety: 10})
	if safetyHeavy >= balanced {
		t.Errorf("safety-weighted overall %v should be below balanced %v", safetyHeavy, balanced)
	}
}

func TestComputeOverallEmpty(t *testing.T) {
	if got := ComputeOverall(nil, nil); got != 0 {
		t.Errorf("ComputeOverall(nil) = %v, want 0", got)
	}
}

func TestSafetyVetoedOnlyOnHardZero(t *testing.T) {
	r := &QualityReport{Scores: map[Dimension]float64{DimensionSafety: 0}}
	if !r.SafetyVetoed() {
		t.Error("hard zero safety should veto")
	}

	r = &QualityReport{Scores: map[Dimension]float64{DimensionSafety: 0.01}}
	if r.SafetyVetoed() {
		t.Error("near-zero safety must not veto")
	}

	r = &QualityReport{Scores: map[Dimension]float64{}}
	if r.SafetyVetoed() {
		t.Error("missing safety score must not veto")
	}
}

func TestQualityReportCloneIndependent(t *testing.T) {
	orig := &QualityReport{
		Scores:  map[Dimension]float64{DimensionSafety: 1.0},
		Overall: 0.8,
		Issues:  []Issue{{Severity: SeverityMinor, Dimension: DimensionEngagement}},
	}
	cp := orig.Clone()
	cp.Scores[DimensionSafety] = 0
	cp.Issues[0].Severity = SeverityCritical

	if orig.Scores[DimensionSafety] != 1.0 {
		t.Error("clone shares score map with original")
	}
	if orig.Issues[0].Severity != SeverityMinor {
		t.Error("clone shares issue slice with original")
	}
}

func TestExecutionStateTerminal(t *testing.T) {
	for state, want := range map[ExecutionState]bool{
		StateQueued:        false,
		StateGenerating:    false,
		StateValidating:    false,
		StateRemediating:   false,
		StatePersonalizing: false,
		StateCompleted:     true,
		StateFailed:        true,
		StateCancelled:     true,
	} {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestArtifactCloneIndependent(t *testing.T) {
	orig := &ContentArtifact{
		ID: "a-1",
		Fragments: map[Modality]*Fragment{
			ModalityNarrative: {Modality: ModalityNarrative, Content: "text", Metadata: map[string]string{"k": "v"}},
		},
		Report: &QualityReport{Scores: map[Dimension]float64{DimensionSafety: 1}},
	}
	cp := orig.Clone()
	cp.Fragments[ModalityNarrative].Content = "changed"
	cp.Fragments[ModalityNarrative].Metadata["k"] = "changed"

	if orig.Fragments[ModalityNarrative].Content != "text" {
		t.Error("clone shares fragment with original")
	}
	if orig.Fragments[ModalityNarrative].Metadata["k"] != "v" {
		t.Error("clone shares fragment metadata with original")
	}
}
