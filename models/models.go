package models

import "time"

// Recommendation is a single scored item returned by the serving layer.
type Recommendation struct {
	ItemID int64   `json:"itemId"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// TrainTriggerResponse is returned by POST /api/v1/configs/:id/train.
type TrainTriggerResponse struct {
	RunID   string `json:"runId,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TrainingRunResponse represents a training run in API responses.
type TrainingRunResponse struct {
	RunID      string     `json:"runId"`
	ConfigID   string     `json:"configId"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// MetricResponse is a single recorded metric value for a model version.
type MetricResponse struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigResponse is the read-only view of a model configuration.
type ConfigResponse struct {
	ConfigID        string    `json:"configId"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	SiteIDs         []int64   `json:"siteIds"`
	RetrainInterval int64     `json:"retrainIntervalSeconds"`
	TrainSchedule   string    `json:"trainSchedule,omitempty"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
