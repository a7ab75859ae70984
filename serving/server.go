package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/recsyslab/recommender-backend/cache"
	"github.com/recsyslab/recommender-backend/models"
	"github.com/recsyslab/recommender-backend/recommender"
	"github.com/recsyslab/recommender-backend/registry"
	"github.com/recsyslab/recommender-backend/store"
)

// Options configures the recommendation server.
type Options struct {
	// ResultTTL bounds cached recommendation lists. The effective TTL is
	// clamped below the config's retrain cadence so cached results cannot
	// outlive the model that produced them.
	ResultTTL time.Duration
	// ArtifactTTL bounds cached model checkpoints.
	ArtifactTTL time.Duration
	// Restore overrides checkpoint restoration (tests inject fakes).
	Restore func(payload []byte) (recommender.Model, error)
}

// Server answers recommendation and similarity queries against the
// currently active model version, reading through the cache and falling
// back to the artifact store. It never writes artifacts.
type Server struct {
	store       *store.Store
	cache       cache.Cache
	resultTTL   time.Duration
	artifactTTL time.Duration
	restore     func(payload []byte) (recommender.Model, error)
}

// NewServer creates a recommendation server with explicit dependencies.
func NewServer(s *store.Store, c cache.Cache, opts Options) *Server {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}
	if opts.ArtifactTTL <= 0 {
		opts.ArtifactTTL = 15 * time.Minute
	}
	if opts.Restore == nil {
		opts.Restore = recommender.Restore
	}
	return &Server{
		store:       s,
		cache:       c,
		resultTTL:   opts.ResultTTL,
		artifactTTL: opts.ArtifactTTL,
		restore:     opts.Restore,
	}
}

// RecommendForUser returns up to k recommendations for a user, serving
// from the cache when possible. Fails with ErrModelNotLoaded when the
// config has no active model artifact.
func (s *Server) RecommendForUser(ctx context.Context, cfg *registry.ModelConfig, userID int64, k int) ([]models.Recommendation, error) {
	key := cache.Key(cache.OpRecommend, cfg.ConfigID, strconv.FormatInt(userID, 10), strconv.Itoa(k))
	if recs, ok := s.cachedResult(ctx, key); ok {
		return recs, nil
	}

	model, err := s.loadActiveModel(ctx, cfg.ConfigID)
	if err != nil {
		return nil, err
	}
	recs, err := model.RecommendForUser(userID, k)
	if err != nil {
		return nil, err
	}

	s.cacheResult(ctx, cfg, key, recs)
	return recs, nil
}

// SimilarItems returns up to k items similar to itemID, with its own
// cache namespace.
func (s *Server) SimilarItems(ctx context.Context, cfg *registry.ModelConfig, itemID int64, k int) ([]models.Recommendation, error) {
	key := cache.Key(cache.OpSimilar, cfg.ConfigID, strconv.FormatInt(itemID, 10), strconv.Itoa(k))
	if recs, ok := s.cachedResult(ctx, key); ok {
		return recs, nil
	}

	model, err := s.loadActiveModel(ctx, cfg.ConfigID)
	if err != nil {
		return nil, err
	}
	recs, err := model.SimilarItems(itemID, k)
	if err != nil {
		return nil, err
	}

	s.cacheResult(ctx, cfg, key, recs)
	return recs, nil
}

// loadActiveModel resolves the active version pointer and the checkpoint
// payload, cache first then store, and restores the model.
func (s *Server) loadActiveModel(ctx context.Context, configID string) (recommender.Model, error) {
	version := ""
	pointerKey := cache.Key(cache.OpArtifact, configID, "active")
	if data, ok, err := s.cache.Get(ctx, pointerKey); err != nil {
		log.Printf("Cache read for %s degraded to store: %v", configID, err)
	} else if ok {
		version = string(data)
	}

	var payload []byte
	if version != "" {
		payloadKey := cache.Key(cache.OpArtifact, configID, version)
		if data, ok, err := s.cache.Get(ctx, payloadKey); err == nil && ok {
			payload = data
		}
	}

	if payload == nil {
		artifact, data, err := s.store.GetActive(ctx, configID, store.KindModel)
		if err != nil {
			return nil, err
		}
		version = artifact.Version
		payload = data

		if err := s.cache.Set(ctx, pointerKey, []byte(version), s.artifactTTL); err != nil {
			log.Printf("Cache write for %s failed: %v", configID, err)
		}
		payloadKey := cache.Key(cache.OpArtifact, configID, version)
		if err := s.cache.Set(ctx, payloadKey, payload, s.artifactTTL); err != nil {
			log.Printf("Cache write for %s failed: %v", configID, err)
		}
	}

	model, err := s.restore(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to restore model %s/%s: %w", configID, version, err)
	}
	return model, nil
}

// cachedResult reads a scored list from the cache. Cache failures are
// treated as misses.
func (s *Server) cachedResult(ctx context.Context, key string) ([]models.Recommendation, bool) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Printf("Cache read %s degraded to store: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var recs []models.Recommendation
	if err := json.Unmarshal(data, &recs); err != nil {
		log.Printf("Dropping undecodable cache entry %s: %v", key, err)
		return nil, false
	}
	return recs, true
}

// cacheResult stores a scored list with a TTL strictly below the config's
// retrain cadence.
func (s *Server) cacheResult(ctx context.Context, cfg *registry.ModelConfig, key string, recs []models.Recommendation) {
	ttl := s.resultTTL
	if cadence := cfg.Cadence(); cadence > 0 && ttl >= cadence {
		ttl = cadence / 2
	}
	data, err := json.Marshal(recs)
	if err != nil {
		log.Printf("Failed to encode cache entry %s: %v", key, err)
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		log.Printf("Cache write %s failed: %v", key, err)
	}
}
