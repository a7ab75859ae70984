package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/apperr"
	"github.com/recsyslab/recommender-backend/models"
)

// ModelConfig is a model configuration record. Configurations are owned by
// an external admin surface; this service only reads them. A training run
// binds to a JSON snapshot of the record so later edits cannot change a
// run's parameters retroactively.
type ModelConfig struct {
	ConfigID        string `gorm:"primaryKey;column:config_id"`
	Name            string
	Description     string `gorm:"type:text"`
	SiteIDs         string `gorm:"type:text"` // JSON array of site ids
	ModelParams     string `gorm:"type:text"` // JSON map of hyperparameters
	RetrainInterval int64  // seconds between retrains
	TrainSchedule   string // optional cron expression, overrides interval
	Active          bool   `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName overrides the table name
func (ModelConfig) TableName() string {
	return "model_configs"
}

// Cadence returns the retrain interval as a duration. Intervals are stored
// in seconds end-to-end.
func (c *ModelConfig) Cadence() time.Duration {
	return time.Duration(c.RetrainInterval) * time.Second
}

// NextRetrain returns when the next training is due, given the completion
// time of the last successful run. A cron schedule takes precedence over
// the interval when both are set.
func (c *ModelConfig) NextRetrain(lastFinished time.Time) (time.Time, error) {
	if c.TrainSchedule != "" {
		sched, err := cron.ParseStandard(c.TrainSchedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid train schedule for %s: %w", c.ConfigID, err)
		}
		return sched.Next(lastFinished), nil
	}
	return lastFinished.Add(c.Cadence()), nil
}

// Snapshot serializes the configuration for binding to a training run.
func (c *ModelConfig) Snapshot() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot config %s: %w", c.ConfigID, err)
	}
	return string(data), nil
}

// Params decodes the hyperparameter map.
func (c *ModelConfig) Params() (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if c.ModelParams == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(c.ModelParams), &params); err != nil {
		return nil, fmt.Errorf("failed to decode model params for %s: %w", c.ConfigID, err)
	}
	return params, nil
}

// ToResponse converts a configuration to its API representation.
func (c *ModelConfig) ToResponse() (*models.ConfigResponse, error) {
	var siteIDs []int64
	if c.SiteIDs != "" {
		if err := json.Unmarshal([]byte(c.SiteIDs), &siteIDs); err != nil {
			return nil, fmt.Errorf("failed to decode site ids for %s: %w", c.ConfigID, err)
		}
	}
	return &models.ConfigResponse{
		ConfigID:        c.ConfigID,
		Name:            c.Name,
		Description:     c.Description,
		SiteIDs:         siteIDs,
		RetrainInterval: c.RetrainInterval,
		TrainSchedule:   c.TrainSchedule,
		Active:          c.Active,
		UpdatedAt:       c.UpdatedAt,
	}, nil
}

// Registry reads model configurations from the database.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a new registry instance
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Get retrieves a configuration by id.
func (r *Registry) Get(ctx context.Context, configID string) (*ModelConfig, error) {
	var cfg ModelConfig
	err := r.db.WithContext(ctx).Where("config_id = ?", configID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrConfigNotFound, configID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configID, err)
	}
	return &cfg, nil
}

// ListActive lists all configurations with the active flag set.
func (r *Registry) ListActive(ctx context.Context) ([]ModelConfig, error) {
	var configs []ModelConfig
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("config_id").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active configs: %w", err)
	}
	return configs, nil
}
