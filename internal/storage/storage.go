package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ArtifactStore persists accepted content artifacts.
type ArtifactStore interface {
	StoreArtifact(ctx context.Context, artifact *models.ContentArtifact) (string, error)
	GetArtifact(ctx context.Context, id string) (*models.ContentArtifact, error)
}

// ProfileStore persists learner profiles.
type ProfileStore interface {
	LoadLearnerProfile(ctx context.Context, learnerID string) (*models.LearnerProfile, error)
	SaveLearnerProfile(ctx context.Context, profile *models.LearnerProfile) error
}

// Store is the full persistence surface the core consumes.
type Store interface {
	ArtifactStore
	ProfileStore
	Close() error
}

// New builds a store from config: "postgres" or "memory".
func New(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// MemoryStore is the in-process store used in tests and single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*models.ContentArtifact
	profiles  map[string]*models.LearnerProfile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]*models.ContentArtifact),
		profiles:  make(map[string]*models.LearnerProfile),
	}
}

// StoreArtifact saves an immutable copy of the artifact.
func (s *MemoryStore) StoreArtifact(_ context.Context, artifact *models.ContentArtifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = artifact.Clone()
	return artifact.ID, nil
}

// GetArtifact returns a copy of the stored artifact.
func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*models.ContentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return artifact.Clone(), nil
}

// LoadLearnerProfile returns the profile or ErrNotFound.
func (s *MemoryStore) LoadLearnerProfile(_ context.Context, learnerID string) (*models.LearnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[learnerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *profile
	cp.Engagement = make(map[models.Modality]float64, len(profile.Engagement))
	for m, e := range profile.Engagement {
		cp.Engagement[m] = e
	}
	return &cp, nil
}

// SaveLearnerProfile upserts the profile.
func (s *MemoryStore) SaveLearnerProfile(_ context.Context, profile *models.LearnerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *profile
	cp.Engagement = make(map[models.Modality]float64, len(profile.Engagement))
	for m, e := range profile.Engagement {
		cp.Engagement[m] = e
	}
	s.profiles[profile.LearnerID] = &cp
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
