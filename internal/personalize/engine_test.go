package personalize

import (
	"context"
	"strings"
	"testing"

	"github.com/edforge/edforge/internal/storage"
	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

func testEngine(store storage.ProfileStore) *Engine {
	return NewEngine(config.PersonalizationConfig{
		StretchFactor: 0.15,
		MaxStretch:    0.25,
		EngagementEMA: 0.2,
	}, store)
}

func profileWith(mastery float64, engagement map[models.Modality]float64) *models.LearnerProfile {
	return &models.LearnerProfile{
		LearnerID:  "learner-1",
		Mastery:    mastery,
		Engagement: engagement,
	}
}

func artifactWithNarrative(content string) *models.ContentArtifact {
	return &models.ContentArtifact{
		ID:          "a-1",
		ExecutionID: "exec-1",
		Fragments: map[models.Modality]*models.Fragment{
			models.ModalityNarrative: {Modality: models.ModalityNarrative, Content: content},
		},
		Report: &models.QualityReport{
			Scores: map[models.Dimension]float64{models.DimensionEngagement: 0.9},
		},
	}
}

func TestTargetEnvelopeLowerTracksMastery(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())

	env := e.TargetEnvelope(profileWith(0.4, nil))
	if env.Lower != 0.4 {
		t.Errorf("Lower = %v, want mastery 0.4", env.Lower)
	}
	if env.Upper <= env.Lower {
		t.Errorf("Upper %v must exceed Lower %v", env.Upper, env.Lower)
	}
	// 0.15 * (1 + 0.4) = 0.21, under the 0.25 cap.
	if got := env.Upper - env.Lower; got < 0.209 || got > 0.211 {
		t.Errorf("stretch = %v, want 0.21", got)
	}
}

func TestTargetEnvelopeStretchIsCapped(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())

	env := e.TargetEnvelope(profileWith(0.9, nil))
	if env.Upper > 1 {
		t.Errorf("Upper = %v, must not exceed 1", env.Upper)
	}

	env = e.TargetEnvelope(profileWith(0.7, nil))
	// 0.15 * 1.7 = 0.255 caps at 0.25.
	if got := env.Upper - env.Lower; got > 0.2501 {
		t.Errorf("stretch = %v, want capped at 0.25", got)
	}
}

func TestTargetEnvelopeWeightsNormalizedWithNeutralPrior(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())

	env := e.TargetEnvelope(profileWith(0.3, map[models.Modality]float64{
		models.ModalityNarrative: 0.8,
	}))

	var total float64
	for _, w := range env.ModalityWeights {
		total += w
	}
	if total < 0.999 || total > 1.001 {
		t.Errorf("modality weights sum to %v, want 1", total)
	}
	if env.ModalityWeights[models.ModalityNarrative] <= env.ModalityWeights[models.ModalityVisualSpec] {
		t.Error("historically engaging modality should outweigh the neutral prior")
	}
}

func TestPersonalizeSimplifiesAboveEnvelope(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())
	// Dense multisyllabic words push estimated difficulty past a low band.
	artifact := artifactWithNarrative(strings.Repeat("photosynthesis respiration equilibrium ", 10))

	out := e.Personalize(context.Background(), artifact, models.DifficultyEnvelope{
		Lower: 0.1, Upper: 0.3,
		ModalityWeights: map[models.Modality]float64{models.ModalityNarrative: 1},
	}, nil)

	if out.Fragments[models.ModalityNarrative].Metadata["adjustment"] != "simplified" {
		t.Error("over-difficulty content was not simplified")
	}
	if artifact.Fragments[models.ModalityNarrative].Metadata["adjustment"] != "" {
		t.Error("Personalize mutated its input artifact")
	}
}

func TestPersonalizeEnrichesBelowEnvelope(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())
	artifact := artifactWithNarrative("the cat sat on the mat and saw a dog run by it")

	out := e.Personalize(context.Background(), artifact, models.DifficultyEnvelope{
		Lower: 0.6, Upper: 0.9,
		ModalityWeights: map[models.Modality]float64{models.ModalityNarrative: 1},
	}, nil)

	if out.Fragments[models.ModalityNarrative].Metadata["adjustment"] != "enriched" {
		t.Error("under-difficulty content was not enriched")
	}
}

func TestPersonalizeKeepsMandatedModalities(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())
	artifact := artifactWithNarrative("a lesson")
	artifact.Fragments[models.ModalityVisualSpec] = &models.Fragment{
		Modality: models.ModalityVisualSpec, Content: "a diagram",
	}

	out := e.Personalize(context.Background(), artifact, models.DifficultyEnvelope{
		Lower: 0, Upper: 1,
		ModalityWeights: map[models.Modality]float64{
			models.ModalityNarrative:  0.95,
			models.ModalityVisualSpec: 0.05,
		},
	}, []models.Modality{models.ModalityVisualSpec})

	visual := out.Fragments[models.ModalityVisualSpec]
	if visual == nil {
		t.Fatal("mandated modality was dropped")
	}
	// Mandated modalities keep at least the floor emphasis.
	if got := visual.Metadata["emphasis"]; got != "0.25" {
		t.Errorf("mandated emphasis = %q, want the 0.25 floor", got)
	}
	if got := out.Fragments[models.ModalityNarrative].Metadata["emphasis"]; got != "0.95" {
		t.Errorf("narrative emphasis = %q, want 0.95", got)
	}
}

func TestRecordAcceptanceCreatesAndUpdatesProfile(t *testing.T) {
	store := storage.NewMemoryStore()
	e := testEngine(store)
	artifact := artifactWithNarrative("a lesson")

	if err := e.RecordAcceptance(context.Background(), "learner-1", artifact); err != nil {
		t.Fatalf("RecordAcceptance failed: %v", err)
	}

	profile, err := store.LoadLearnerProfile(context.Background(), "learner-1")
	if err != nil {
		t.Fatalf("profile not persisted: %v", err)
	}
	if profile.ArtifactsSeen != 1 {
		t.Errorf("ArtifactsSeen = %d, want 1", profile.ArtifactsSeen)
	}
	if profile.ProficiencyBand != "novice" {
		t.Errorf("ProficiencyBand = %q, want novice for default mastery", profile.ProficiencyBand)
	}
	// EMA from the 0.25 prior toward the 0.9 engagement score.
	got := profile.Engagement[models.ModalityNarrative]
	want := 0.25*0.8 + 0.9*0.2
	if got < want-0.001 || got > want+0.001 {
		t.Errorf("narrative engagement = %v, want %v", got, want)
	}

	if err := e.RecordAcceptance(context.Background(), "learner-1", artifact); err != nil {
		t.Fatalf("second RecordAcceptance failed: %v", err)
	}
	profile, _ = store.LoadLearnerProfile(context.Background(), "learner-1")
	if profile.ArtifactsSeen != 2 {
		t.Errorf("ArtifactsSeen = %d, want 2", profile.ArtifactsSeen)
	}
	if profile.Engagement[models.ModalityNarrative] <= got {
		t.Error("engagement should keep moving toward the observed score")
	}
}

func TestRecordAcceptanceAnonymousIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	e := testEngine(store)

	if err := e.RecordAcceptance(context.Background(), "", artifactWithNarrative("a lesson")); err != nil {
		t.Fatalf("anonymous acceptance errored: %v", err)
	}
}

func TestLoadProfileDefaultsForUnknownLearner(t *testing.T) {
	e := testEngine(storage.NewMemoryStore())

	profile := e.LoadProfile(context.Background(), "nobody")
	if profile == nil {
		t.Fatal("LoadProfile returned nil")
	}
	if profile.Mastery != 0.2 {
		t.Errorf("default mastery = %v, want 0.2", profile.Mastery)
	}
}
