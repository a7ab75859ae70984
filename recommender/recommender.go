package recommender

import (
	"context"

	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/models"
)

// Model is the trainable-model capability consumed by the lifecycle and
// serving layers. Implementations must be safe for concurrent scoring
// after Fit has returned.
type Model interface {
	// Fit trains the model on the interaction table.
	Fit(ctx context.Context, interactions []datasource.Interaction) error

	// RecommendForUser returns up to k items ranked by score, excluding
	// items the user has already interacted with.
	RecommendForUser(userID int64, k int) ([]models.Recommendation, error)

	// SimilarItems returns up to k items ranked by similarity to itemID.
	SimilarItems(itemID int64, k int) ([]models.Recommendation, error)

	// Metrics reports training statistics recorded alongside the artifact.
	Metrics() map[string]float64

	// Marshal serializes the trained state for persistence.
	Marshal() ([]byte, error)
}

// New constructs a fresh, untrained model for the given hyperparameters.
func New(params map[string]interface{}) Model {
	return newPopularModel(params)
}

// Restore rebuilds a trained model from a persisted checkpoint payload.
func Restore(payload []byte) (Model, error) {
	return restorePopularModel(payload)
}
