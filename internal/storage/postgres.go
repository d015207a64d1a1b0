package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/edforge/edforge/pkg/models"
)

// PostgresStore persists artifacts and learner profiles in PostgreSQL.
// Payloads are stored as JSONB so the schema survives model evolution.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[Storage] Connected to PostgreSQL")
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS content_artifacts (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		human_review_required BOOLEAN NOT NULL DEFAULT FALSE,
		accepted_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON content_artifacts(execution_id);

	CREATE TABLE IF NOT EXISTS learner_profiles (
		learner_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// StoreArtifact inserts the artifact. Artifacts are immutable; superseding
// one means inserting a new row, never updating.
func (s *PostgresStore) StoreArtifact(ctx context.Context, artifact *models.ContentArtifact) (string, error) {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_artifacts (id, execution_id, payload, human_review_required, accepted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		artifact.ID, artifact.ExecutionID, payload, artifact.HumanReviewRequired, artifact.AcceptedAt)
	if err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	return artifact.ID, nil
}

// GetArtifact loads one artifact by ID.
func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*models.ContentArtifact, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM content_artifacts WHERE id = $1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	var artifact models.ContentArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &artifact, nil
}

// LoadLearnerProfile loads one profile by learner ID.
func (s *PostgresStore) LoadLearnerProfile(ctx context.Context, learnerID string) (*models.LearnerProfile, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM learner_profiles WHERE learner_id = $1`, learnerID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load learner profile: %w", err)
	}
	var profile models.LearnerProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal learner profile: %w", err)
	}
	return &profile, nil
}

// SaveLearnerProfile upserts the profile.
func (s *PostgresStore) SaveLearnerProfile(ctx context.Context, profile *models.LearnerProfile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal learner profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learner_profiles (learner_id, payload, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (learner_id) DO UPDATE SET payload = $2, updated_at = $3`,
		profile.LearnerID, payload, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save learner profile: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
