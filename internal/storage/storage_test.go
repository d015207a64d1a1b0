package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

func testArtifact(id string) *models.ContentArtifact {
	return &models.ContentArtifact{
		ID:          id,
		ExecutionID: "exec-1",
		Fragments: map[models.Modality]*models.Fragment{
			models.ModalityNarrative: {
				Modality: models.ModalityNarrative,
				Content:  "a lesson about fractions",
				Metadata: map[string]string{"worker_id": "narrative-1"},
			},
		},
		Report: &models.QualityReport{
			Scores:  map[models.Dimension]float64{models.DimensionSafety: 1},
			Overall: 0.9,
		},
	}
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := New(config.DatabaseConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("New(memory) failed: %v", err)
	}
	store.Close()

	store, err = New(config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("New(default) failed: %v", err)
	}
	store.Close()

	if _, err := New(config.DatabaseConfig{Type: "cassandra"}); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.StoreArtifact(ctx, testArtifact("a-1"))
	if err != nil {
		t.Fatalf("StoreArtifact failed: %v", err)
	}
	if id != "a-1" {
		t.Errorf("stored ID = %q, want a-1", id)
	}

	got, err := s.GetArtifact(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if got.Fragments[models.ModalityNarrative].Content != "a lesson about fractions" {
		t.Error("artifact content did not round-trip")
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetArtifact(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetArtifact(missing) = %v, want ErrNotFound", err)
	}
}

func TestStoredArtifactIsIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	artifact := testArtifact("a-1")
	if _, err := s.StoreArtifact(ctx, artifact); err != nil {
		t.Fatalf("StoreArtifact failed: %v", err)
	}

	// Mutating the caller's copy after storing must not leak in.
	artifact.Fragments[models.ModalityNarrative].Content = "tampered"
	artifact.Report.Overall = 0

	first, err := s.GetArtifact(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if first.Fragments[models.ModalityNarrative].Content != "a lesson about fractions" {
		t.Error("store shares fragment state with the caller")
	}
	if first.Report.Overall != 0.9 {
		t.Error("store shares report state with the caller")
	}

	// Mutating a returned copy must not affect later reads.
	first.Fragments[models.ModalityNarrative].Metadata["worker_id"] = "evil"
	second, _ := s.GetArtifact(ctx, "a-1")
	if second.Fragments[models.ModalityNarrative].Metadata["worker_id"] != "narrative-1" {
		t.Error("store shares fragment metadata between reads")
	}
}

func TestProfileRoundTripAndIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LoadLearnerProfile(ctx, "learner-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadLearnerProfile(unknown) = %v, want ErrNotFound", err)
	}

	profile := &models.LearnerProfile{
		LearnerID:  "learner-1",
		Mastery:    0.4,
		Engagement: map[models.Modality]float64{models.ModalityNarrative: 0.6},
	}
	if err := s.SaveLearnerProfile(ctx, profile); err != nil {
		t.Fatalf("SaveLearnerProfile failed: %v", err)
	}
	profile.Engagement[models.ModalityNarrative] = 0

	got, err := s.LoadLearnerProfile(ctx, "learner-1")
	if err != nil {
		t.Fatalf("LoadLearnerProfile failed: %v", err)
	}
	if got.Mastery != 0.4 {
		t.Errorf("Mastery = %v, want 0.4", got.Mastery)
	}
	if got.Engagement[models.ModalityNarrative] != 0.6 {
		t.Error("store shares engagement map with the caller")
	}

	// Upsert replaces.
	got.Mastery = 0.7
	if err := s.SaveLearnerProfile(ctx, got); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	again, _ := s.LoadLearnerProfile(ctx, "learner-1")
	if again.Mastery != 0.7 {
		t.Errorf("upserted Mastery = %v, want 0.7", again.Mastery)
	}
}
