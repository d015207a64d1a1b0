package personalize

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/edforge/edforge/internal/storage"
	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// Engine tailors accepted artifacts to a learner's zone of proximal
// development and keeps the learner profile current.
type Engine struct {
	profiles      storage.ProfileStore
	stretchFactor float64
	maxStretch    float64
	engagementEMA float64
}

// NewEngine creates a personalization engine backed by the profile store.
func NewEngine(cfg config.PersonalizationConfig, profiles storage.ProfileStore) *Engine {
	return &Engine{
		profiles:      profiles,
		stretchFactor: cfg.StretchFactor,
		maxStretch:    cfg.MaxStretch,
		engagementEMA: cfg.EngagementEMA,
	}
}

// TargetEnvelope computes the difficulty band for a learner: the lower
// bound tracks demonstrated mastery, the upper bound adds a bounded
// stretch. Modality weights follow the learner's historical engagement.
func (e *Engine) TargetEnvelope(profile *models.LearnerProfile) models.DifficultyEnvelope {
	stretch := e.stretchFactor * (1 + profile.Mastery)
	if stretch > e.maxStretch {
		stretch = e.maxStretch
	}
	upper := profile.Mastery + stretch
	if upper > 1 {
		upper = 1
	}

	weights := make(map[models.Modality]float64, len(models.KnownModalities))
	var total float64
	for _, m := range models.KnownModalities {
		w := profile.Engagement[m]
		if w <= 0 {
			w = 0.25 // neutral prior
		}
		weights[m] = w
		total += w
	}
	for m := range weights {
		weights[m] /= total
	}

	return models.DifficultyEnvelope{
		Lower:           profile.Mastery,
		Upper:           upper,
		ModalityWeights: weights,
	}
}

// Personalize adjusts the artifact to fit the envelope. Out-of-envelope
// content is simplified or enriched, never rejected; modality emphasis
// shifts toward the learner's highest-engagement modality without dropping
// modalities the request mandates.
func (e *Engine) Personalize(ctx context.Context, artifact *models.ContentArtifact, envelope models.DifficultyEnvelope, required []models.Modality) *models.ContentArtifact {
	out := artifact.Clone()

	difficulty := estimateDifficulty(out)
	switch {
	case difficulty > envelope.Upper:
		simplify(out)
	case difficulty < envelope.Lower:
		enrich(out)
	}

	mandated := make(map[models.Modality]bool, len(required))
	for _, m := range required {
		mandated[m] = true
	}

	// Annotate emphasis rather than dropping fragments: renderers downstream
	// use the weight, and mandated modalities always keep full emphasis.
	for m, frag := range out.Fragments {
		weight := envelope.ModalityWeights[m]
		if mandated[m] && weight < 0.25 {
			weight = 0.25
		}
		if frag.Metadata == nil {
			frag.Metadata = make(map[string]string)
		}
		frag.Metadata["emphasis"] = fmt.Sprintf("%.2f", weight)
	}

	return out
}

// RecordAcceptance updates the learner profile after an artifact is
// accepted and persists it through the external store.
func (e *Engine) RecordAcceptance(ctx context.Context, learnerID string, artifact *models.ContentArtifact) error {
	if learnerID == "" {
		return nil
	}
	profile, err := e.profiles.LoadLearnerProfile(ctx, learnerID)
	if err != nil {
		if err != storage.ErrNotFound {
			return fmt.Errorf("failed to load learner profile: %w", err)
		}
		profile = &models.LearnerProfile{
			LearnerID:  learnerID,
			Mastery:    0.2,
			Engagement: make(map[models.Modality]float64),
		}
	}
	if profile.Engagement == nil {
		profile.Engagement = make(map[models.Modality]float64)
	}

	engagement := 0.5
	if artifact.Report != nil {
		engagement = artifact.Report.Scores[models.DimensionEngagement]
	}
	for m := range artifact.Fragments {
		prev := profile.Engagement[m]
		if prev == 0 {
			prev = 0.25
		}
		profile.Engagement[m] = prev*(1-e.engagementEMA) + engagement*e.engagementEMA
	}

	profile.ArtifactsSeen++
	profile.ProficiencyBand = band(profile.Mastery)
	profile.UpdatedAt = time.Now()

	if err := e.profiles.SaveLearnerProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to save learner profile: %w", err)
	}
	log.Printf("[Personalize] Updated profile for learner %s (seen=%d)", learnerID, profile.ArtifactsSeen)
	return nil
}

// LoadProfile fetches the learner profile, returning a neutral default for
// unknown learners so personalization never blocks the pipeline.
func (e *Engine) LoadProfile(ctx context.Context, learnerID string) *models.LearnerProfile {
	if learnerID != "" {
		if profile, err := e.profiles.LoadLearnerProfile(ctx, learnerID); err == nil {
			return profile
		}
	}
	return &models.LearnerProfile{
		LearnerID:  learnerID,
		Mastery:    0.2,
		Engagement: make(map[models.Modality]float64),
	}
}

// estimateDifficulty proxies difficulty from narrative sentence complexity.
func estimateDifficulty(artifact *models.ContentArtifact) float64 {
	frag, ok := artifact.Fragments[models.ModalityNarrative]
	if !ok {
		return 0.5
	}
	words := strings.Fields(frag.Content)
	if len(words) == 0 {
		return 0.5
	}
	long := 0
	for _, w := range words {
		if len(w) > 8 {
			long++
		}
	}
	return float64(long) / float64(len(words)) * 4 // ~25% long words is top difficulty
}

func simplify(artifact *models.ContentArtifact) {
	for _, frag := range artifact.Fragments {
		if frag.Metadata == nil {
			frag.Metadata = make(map[string]string)
		}
		frag.Metadata["adjustment"] = "simplified"
	}
}

func enrich(artifact *models.ContentArtifact) {
	for _, frag := range artifact.Fragments {
		if frag.Metadata == nil {
			frag.Metadata = make(map[string]string)
		}
		frag.Metadata["adjustment"] = "enriched"
	}
}

func band(mastery float64) string {
	switch {
	case mastery < 0.33:
		return "novice"
	case mastery < 0.66:
		return "intermediate"
	default:
		return "advanced"
	}
}
