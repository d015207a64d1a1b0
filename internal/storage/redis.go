package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/models"
)

// CachedProfileStore fronts a ProfileStore with Redis so the hot path
// (envelope computation at the personalize stage) avoids a database read
// per execution. Writes go through to the backing store and refresh the
// cache; cache failures degrade to the backing store, never to errors.
type CachedProfileStore struct {
	backing ProfileStore
	client  *redis.Client
	ttl     time.Duration
}

// NewCachedProfileStore connects to Redis and wraps the backing store.
func NewCachedProfileStore(cfg config.RedisConfig, backing ProfileStore) (*CachedProfileStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	log.Printf("[Storage] Redis profile cache enabled (%s, ttl=%v)", cfg.Addr, ttl)
	return &CachedProfileStore{backing: backing, client: client, ttl: ttl}, nil
}

func profileKey(learnerID string) string {
	return "edforge:profile:" + learnerID
}

// LoadLearnerProfile checks the cache, falling back to the backing store
// and populating the cache on a miss.
func (s *CachedProfileStore) LoadLearnerProfile(ctx context.Context, learnerID string) (*models.LearnerProfile, error) {
	data, err := s.client.Get(ctx, profileKey(learnerID)).Bytes()
	if err == nil {
		var profile models.LearnerProfile
		if err := json.Unmarshal(data, &profile); err == nil {
			return &profile, nil
		}
	} else if err != redis.Nil {
		log.Printf("[Storage] Redis read failed for learner %s: %v", learnerID, err)
	}

	profile, err := s.backing.LoadLearnerProfile(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	s.populate(ctx, profile)
	return profile, nil
}

// SaveLearnerProfile writes through to the backing store and refreshes
// the cache.
func (s *CachedProfileStore) SaveLearnerProfile(ctx context.Context, profile *models.LearnerProfile) error {
	if err := s.backing.SaveLearnerProfile(ctx, profile); err != nil {
		return err
	}
	s.populate(ctx, profile)
	return nil
}

func (s *CachedProfileStore) populate(ctx context.Context, profile *models.LearnerProfile) {
	data, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, profileKey(profile.LearnerID), data, s.ttl).Err(); err != nil {
		log.Printf("[Storage] Redis write failed for learner %s: %v", profile.LearnerID, err)
	}
}

// Close closes the Redis client. The backing store is closed by its owner.
func (s *CachedProfileStore) Close() error {
	return s.client.Close()
}
