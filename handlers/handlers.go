package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recsyslab/recommender-backend/apperr"
	"github.com/recsyslab/recommender-backend/lifecycle"
	"github.com/recsyslab/recommender-backend/middleware"
	"github.com/recsyslab/recommender-backend/models"
	"github.com/recsyslab/recommender-backend/registry"
	"github.com/recsyslab/recommender-backend/serving"
	"github.com/recsyslab/recommender-backend/store"
)

const defaultLimit = 10

// Handler handles HTTP requests
type Handler struct {
	registry *registry.Registry
	server   *serving.Server
	manager  *lifecycle.Manager
	store    *store.Store
}

// NewHandler creates a new handler instance
func NewHandler(reg *registry.Registry, srv *serving.Server, mgr *lifecycle.Manager, st *store.Store) *Handler {
	return &Handler{
		registry: reg,
		server:   srv,
		manager:  mgr,
		store:    st,
	}
}

// ListConfigs handles GET /api/v1/configs
func (h *Handler) ListConfigs(c *gin.Context) {
	configs, err := h.registry.ListActive(c.Request.Context())
	if err != nil {
		log.Printf("Failed to list configs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list configurations"})
		return
	}

	responses := make([]*models.ConfigResponse, 0, len(configs))
	for i := range configs {
		resp, err := configs[i].ToResponse()
		if err != nil {
			log.Printf("Skipping undecodable config %s: %v", configs[i].ConfigID, err)
			continue
		}
		responses = append(responses, resp)
	}
	c.JSON(http.StatusOK, responses)
}

// GetUserRecommendations handles GET /api/v1/configs/:id/recommendations/:user_id
func (h *Handler) GetUserRecommendations(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}
	userID, ok := pathInt64(c, "user_id")
	if !ok {
		return
	}
	limit := queryLimit(c)

	recs, err := h.server.RecommendForUser(c.Request.Context(), cfg, userID, limit)
	if err != nil {
		h.writeError(c, err, "Failed to get recommendations")
		return
	}
	c.JSON(http.StatusOK, recs)
}

// GetSimilarItems handles GET /api/v1/configs/:id/similar/:item_id
func (h *Handler) GetSimilarItems(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}
	itemID, ok := pathInt64(c, "item_id")
	if !ok {
		return
	}
	limit := queryLimit(c)

	recs, err := h.server.SimilarItems(c.Request.Context(), cfg, itemID, limit)
	if err != nil {
		h.writeError(c, err, "Failed to get similar items")
		return
	}
	c.JSON(http.StatusOK, recs)
}

// TriggerTraining handles POST /api/v1/configs/:id/train
func (h *Handler) TriggerTraining(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}

	user := middleware.GetRequestUser(c)
	log.Printf("User %s triggered training for config %s", user, cfg.ConfigID)

	result, started, err := h.manager.TrainIfNeededAsync(c.Request.Context(), cfg)
	if err != nil {
		h.writeError(c, err, "Training failed")
		return
	}

	switch {
	case started:
		c.JSON(http.StatusAccepted, models.TrainTriggerResponse{
			RunID:   result.RunID,
			Status:  store.RunStatusRunning,
			Message: "Training started",
		})
	case result != nil:
		c.JSON(http.StatusOK, models.TrainTriggerResponse{
			RunID:   result.RunID,
			Status:  store.RunStatusRunning,
			Message: "Training already in progress",
		})
	default:
		c.JSON(http.StatusOK, models.TrainTriggerResponse{
			Status:  "skipped",
			Message: "Active model is within its retrain cadence",
		})
	}
}

// ListTrainingRuns handles GET /api/v1/configs/:id/runs
func (h *Handler) ListTrainingRuns(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}

	runs, err := h.store.ListRuns(c.Request.Context(), cfg.ConfigID)
	if err != nil {
		log.Printf("Failed to list runs for %s: %v", cfg.ConfigID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list training runs"})
		return
	}

	responses := make([]models.TrainingRunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, models.TrainingRunResponse{
			RunID:      run.RunID,
			ConfigID:   run.ConfigID,
			Status:     run.Status,
			Error:      run.Error,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
	}
	c.JSON(http.StatusOK, responses)
}

// GetMetrics handles GET /api/v1/configs/:id/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}
	version := c.Query("version")

	metrics, err := h.store.ListMetrics(c.Request.Context(), cfg.ConfigID, version)
	if err != nil {
		log.Printf("Failed to list metrics for %s: %v", cfg.ConfigID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list metrics"})
		return
	}

	responses := make([]models.MetricResponse, 0, len(metrics))
	for _, m := range metrics {
		responses = append(responses, models.MetricResponse{
			Name:      m.Name,
			Value:     m.Value,
			Version:   m.Version,
			Timestamp: m.Timestamp,
		})
	}
	c.JSON(http.StatusOK, responses)
}

// loadConfig resolves the :id path parameter against the registry and
// writes the error response itself on failure.
func (h *Handler) loadConfig(c *gin.Context) (*registry.ModelConfig, bool) {
	configID := c.Param("id")
	cfg, err := h.registry.Get(c.Request.Context(), configID)
	if err != nil {
		h.writeError(c, err, "Failed to load configuration")
		return nil, false
	}
	return cfg, true
}

// writeError maps error kinds to HTTP status codes so the front-end never
// sees a bare internal error.
func (h *Handler) writeError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch apperr.Kind(err) {
	case apperr.ErrConfigNotFound:
		status = http.StatusNotFound
	case apperr.ErrModelNotLoaded:
		status = http.StatusConflict
	case apperr.ErrDataUnavailable:
		status = http.StatusUnprocessableEntity
	case apperr.ErrTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Printf("%s: %v", message, err)
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return value, true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return limit
}
