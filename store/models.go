package store

import "time"

// Artifact kinds persisted per training run.
const (
	KindModel   = "model"
	KindDataset = "dataset"
)

// Training run statuses. A run moves from running to exactly one terminal
// status and is never mutated afterwards.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Artifact is the metadata record for a persisted training output. The
// payload itself lives in object storage under ObjectPath.
type Artifact struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ConfigID   string `gorm:"uniqueIndex:idx_config_version_kind;index"`
	Version    string `gorm:"uniqueIndex:idx_config_version_kind"`
	Kind       string `gorm:"uniqueIndex:idx_config_version_kind"`
	RunID      string `gorm:"index"`
	ObjectPath string
	IsActive   bool `gorm:"index"`
	CreatedAt  time.Time
}

// TableName overrides the table name
func (Artifact) TableName() string {
	return "model_artifacts"
}

// TrainingRun records one training execution for a configuration.
type TrainingRun struct {
	RunID          string `gorm:"primaryKey"`
	ConfigID       string `gorm:"index"`
	Status         string `gorm:"index"`
	Error          string `gorm:"type:text"`
	ParamsSnapshot string `gorm:"type:text"`
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// TableName overrides the table name
func (TrainingRun) TableName() string {
	return "training_runs"
}

// Metric is a single named training metric for a model version.
type Metric struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ConfigID  string `gorm:"index"`
	Version   string `gorm:"index"`
	Name      string
	Value     float64
	Timestamp time.Time
}

// TableName overrides the table name
func (Metric) TableName() string {
	return "model_metrics"
}
