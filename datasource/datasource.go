package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/registry"
)

// Interaction is a single user/item interaction row, written by the
// upstream ETL pipeline and read-only here.
type Interaction struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	UserID     int64 `gorm:"index"`
	ItemID     int64 `gorm:"index"`
	SiteID     int64 `gorm:"index"`
	Weight     float64
	OccurredAt time.Time
}

// TableName overrides the table name
func (Interaction) TableName() string {
	return "interactions"
}

// Source supplies interaction data for training and scoring.
type Source interface {
	FetchInteractions(ctx context.Context, cfg *registry.ModelConfig) ([]Interaction, error)
}

// DBSource reads interactions from the database, scoped to the sites the
// configuration covers.
type DBSource struct {
	db *gorm.DB
}

// NewDBSource creates a new database-backed interaction source
func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

// FetchInteractions loads all interactions for the configuration's sites.
// An empty site list means the configuration covers all sites.
func (s *DBSource) FetchInteractions(ctx context.Context, cfg *registry.ModelConfig) ([]Interaction, error) {
	var siteIDs []int64
	if cfg.SiteIDs != "" {
		if err := json.Unmarshal([]byte(cfg.SiteIDs), &siteIDs); err != nil {
			return nil, fmt.Errorf("failed to decode site ids for %s: %w", cfg.ConfigID, err)
		}
	}

	query := s.db.WithContext(ctx).Order("occurred_at")
	if len(siteIDs) > 0 {
		query = query.Where("site_id IN (?)", siteIDs)
	}

	var interactions []Interaction
	if err := query.Find(&interactions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch interactions for %s: %w", cfg.ConfigID, err)
	}
	return interactions, nil
}
