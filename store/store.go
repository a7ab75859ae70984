package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/apperr"
)

// Store persists artifact metadata in the database and artifact payloads
// in object storage. The active-version pointer lives only here; the cache
// layer is derived data on top of it.
type Store struct {
	db      *gorm.DB
	objects ObjectStore
}

// NewStore creates a new artifact store instance
func NewStore(db *gorm.DB, objects ObjectStore) *Store {
	return &Store{db: db, objects: objects}
}

// ObjectPath returns the addressable payload location for an artifact.
func ObjectPath(configID, version, kind string) string {
	return fmt.Sprintf("%s/%s/%s", configID, version, kind)
}

// Put uploads the payload and records the metadata row. The payload is
// written first so a metadata row never points at a missing object.
func (s *Store) Put(ctx context.Context, artifact *Artifact, payload []byte) error {
	if artifact.ObjectPath == "" {
		artifact.ObjectPath = ObjectPath(artifact.ConfigID, artifact.Version, artifact.Kind)
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	if err := s.objects.Put(ctx, artifact.ObjectPath, payload); err != nil {
		return fmt.Errorf("%w: payload upload for %s/%s: %v",
			apperr.ErrStoreWriteFailed, artifact.ConfigID, artifact.Version, err)
	}
	if err := s.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("%w: metadata for %s/%s: %v",
			apperr.ErrStoreWriteFailed, artifact.ConfigID, artifact.Version, err)
	}
	return nil
}

// Get loads an artifact and its payload by (config, version, kind).
func (s *Store) Get(ctx context.Context, configID, version, kind string) (*Artifact, []byte, error) {
	var artifact Artifact
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND version = ? AND kind = ?", configID, version, kind).
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("artifact %s/%s/%s not found", configID, version, kind)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load artifact %s/%s: %w", configID, version, err)
	}

	payload, err := s.objects.Get(ctx, artifact.ObjectPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payload for %s/%s: %w", configID, version, err)
	}
	return &artifact, payload, nil
}

// GetActiveMeta returns the metadata of the active artifact for a config
// and kind, without fetching the payload.
func (s *Store) GetActiveMeta(ctx context.Context, configID, kind string) (*Artifact, error) {
	var artifact Artifact
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND kind = ? AND is_active = ?", configID, kind, true).
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrModelNotLoaded, configID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active artifact for %s: %w", configID, err)
	}
	return &artifact, nil
}

// GetActive returns the active artifact and its payload.
func (s *Store) GetActive(ctx context.Context, configID, kind string) (*Artifact, []byte, error) {
	artifact, err := s.GetActiveMeta(ctx, configID, kind)
	if err != nil {
		return nil, nil, err
	}
	payload, err := s.objects.Get(ctx, artifact.ObjectPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active payload for %s: %w", configID, err)
	}
	return artifact, payload, nil
}

// ListVersions lists all artifact records for a config, oldest first.
func (s *Store) ListVersions(ctx context.Context, configID string) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("created_at, id").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", configID, err)
	}
	return artifacts, nil
}

// Activate promotes the named version and demotes the prior active version
// in a single transaction. Readers observe either the old pointer or the
// new one, never an intermediate state. Returns ErrStoreWriteFailed if the
// version does not exist, leaving the prior version active.
func (s *Store) Activate(ctx context.Context, configID, version string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Artifact{}).
			Where("config_id = ? AND version = ?", configID, version).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("version %s not found for config %s", version, configID)
		}

		if err := tx.Model(&Artifact{}).
			Where("config_id = ? AND is_active = ?", configID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&Artifact{}).
			Where("config_id = ? AND version = ?", configID, version).
			Update("is_active", true).Error
	})
	if err != nil {
		return fmt.Errorf("%w: activate %s/%s: %v", apperr.ErrStoreWriteFailed, configID, version, err)
	}
	return nil
}

// SweepRetired deletes superseded artifacts for a config. An artifact is
// eligible iff it is inactive, its version is not in keep, and it is older
// than the retention window. Payloads are removed before metadata so a
// partial failure converges on the next sweep.
func (s *Store) SweepRetired(ctx context.Context, configID string, keep map[string]bool, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)

	var retired []Artifact
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND is_active = ? AND created_at < ?", configID, false, cutoff).
		Find(&retired).Error
	if err != nil {
		return fmt.Errorf("failed to list retired artifacts for %s: %w", configID, err)
	}

	var firstErr error
	deleted := 0
	for _, artifact := range retired {
		if keep[artifact.Version] {
			continue
		}
		if err := s.objects.Delete(ctx, artifact.ObjectPath); err != nil {
			log.Printf("Retention: failed to delete payload %s: %v", artifact.ObjectPath, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.db.WithContext(ctx).Delete(&Artifact{}, artifact.ID).Error; err != nil {
			log.Printf("Retention: failed to delete metadata for %s/%s: %v", artifact.ConfigID, artifact.Version, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Printf("Retention: deleted %d retired artifacts for config %s", deleted, configID)
	}
	return firstErr
}

// CreateRun inserts a training run in status running.
func (s *Store) CreateRun(ctx context.Context, run *TrainingRun) error {
	run.Status = RunStatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create training run for %s: %w", run.ConfigID, err)
	}
	return nil
}

// FinishRun moves a run from running to a terminal status. The guard on
// the current status makes the terminal transition happen exactly once.
func (s *Store) FinishRun(ctx context.Context, runID, status, errDetail string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&TrainingRun{}).
		Where("run_id = ? AND status = ?", runID, RunStatusRunning).
		Updates(map[string]interface{}{
			"status":      status,
			"error":       errDetail,
			"finished_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s is not running", runID)
	}
	return nil
}

// GetRun loads a training run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*TrainingRun, error) {
	var run TrainingRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns lists training runs for a config, newest first.
func (s *Store) ListRuns(ctx context.Context, configID string) ([]TrainingRun, error) {
	var runs []TrainingRun
	err := s.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("started_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", configID, err)
	}
	return runs, nil
}

// SaveMetrics records named metric values for a model version.
func (s *Store) SaveMetrics(ctx context.Context, configID, version string, values map[string]float64) error {
	now := time.Now().UTC()
	for name, value := range values {
		metric := Metric{
			ConfigID:  configID,
			Version:   version,
			Name:      name,
			Value:     value,
			Timestamp: now,
		}
		if err := s.db.WithContext(ctx).Create(&metric).Error; err != nil {
			return fmt.Errorf("failed to save metric %s for %s/%s: %w", name, configID, version, err)
		}
	}
	return nil
}

// ListMetrics lists metrics for a config, optionally filtered by version.
func (s *Store) ListMetrics(ctx context.Context, configID, version string) ([]Metric, error) {
	query := s.db.WithContext(ctx).Where("config_id = ?", configID)
	if version != "" {
		query = query.Where("version = ?", version)
	}
	var metrics []Metric
	if err := query.Order("timestamp DESC, name").Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("failed to list metrics for %s: %w", configID, err)
	}
	return metrics, nil
}
