package recommender

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/recsyslab/recommender-backend/apperr"
	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/models"
)

// popularModel ranks items by aggregate interaction weight, filters items
// the user has already seen, and answers item similarity by co-occurrence
// within user histories.
type popularModel struct {
	state popularState

	// filterSeen controls whether a user's own history is excluded from
	// recommendations. Defaults to true.
	filterSeen bool
}

type popularState struct {
	// ItemWeights is the aggregate interaction weight per item.
	ItemWeights map[int64]float64 `json:"itemWeights"`
	// Seen maps user id to the items in that user's history.
	Seen map[int64][]int64 `json:"seen"`
	// CoCounts maps item id to co-occurrence weight with other items.
	CoCounts map[int64]map[int64]float64 `json:"coCounts"`
	// FilterSeen travels with the checkpoint so a restored model keeps the
	// behavior it was trained with.
	FilterSeen bool `json:"filterSeen"`

	Users        int `json:"users"`
	Items        int `json:"items"`
	Interactions int `json:"interactions"`
}

func newPopularModel(params map[string]interface{}) *popularModel {
	m := &popularModel{filterSeen: true}
	if v, ok := params["filter_seen"].(bool); ok {
		m.filterSeen = v
	}
	return m
}

func restorePopularModel(payload []byte) (*popularModel, error) {
	m := newPopularModel(nil)
	if err := json.Unmarshal(payload, &m.state); err != nil {
		return nil, fmt.Errorf("failed to restore model checkpoint: %w", err)
	}
	m.filterSeen = m.state.FilterSeen
	return m, nil
}

// Fit aggregates interaction weights per item, records per-user histories
// and accumulates item co-occurrence counts.
func (m *popularModel) Fit(ctx context.Context, interactions []datasource.Interaction) error {
	if len(interactions) == 0 {
		return apperr.ErrDataUnavailable
	}

	state := popularState{
		ItemWeights:  make(map[int64]float64),
		Seen:         make(map[int64][]int64),
		CoCounts:     make(map[int64]map[int64]float64),
		FilterSeen:   m.filterSeen,
		Interactions: len(interactions),
	}

	byUser := make(map[int64][]datasource.Interaction)
	for _, in := range interactions {
		if err := ctx.Err(); err != nil {
			return err
		}
		weight := in.Weight
		if weight <= 0 {
			weight = 1
		}
		state.ItemWeights[in.ItemID] += weight
		byUser[in.UserID] = append(byUser[in.UserID], in)
	}

	for userID, history := range byUser {
		items := make([]int64, 0, len(history))
		for _, in := range history {
			items = append(items, in.ItemID)
		}
		state.Seen[userID] = items

		// Items sharing a user history co-occur pairwise.
		for i := 0; i < len(items); i++ {
			for j := 0; j < len(items); j++ {
				if i == j || items[i] == items[j] {
					continue
				}
				if state.CoCounts[items[i]] == nil {
					state.CoCounts[items[i]] = make(map[int64]float64)
				}
				state.CoCounts[items[i]][items[j]]++
			}
		}
	}

	state.Users = len(byUser)
	state.Items = len(state.ItemWeights)
	m.state = state
	return nil
}

// RecommendForUser ranks items by popularity, skipping the user's history
// when filtering is enabled. Unknown users receive the global ranking.
func (m *popularModel) RecommendForUser(userID int64, k int) ([]models.Recommendation, error) {
	if len(m.state.ItemWeights) == 0 {
		return nil, apperr.ErrModelNotLoaded
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	seen := make(map[int64]bool)
	if m.filterSeen {
		for _, itemID := range m.state.Seen[userID] {
			seen[itemID] = true
		}
	}

	ranked := rankScores(m.state.ItemWeights, seen, k)
	return ranked, nil
}

// SimilarItems ranks items by co-occurrence weight with the given item.
func (m *popularModel) SimilarItems(itemID int64, k int) ([]models.Recommendation, error) {
	if len(m.state.ItemWeights) == 0 {
		return nil, apperr.ErrModelNotLoaded
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	coCounts := m.state.CoCounts[itemID]
	if len(coCounts) == 0 {
		return []models.Recommendation{}, nil
	}
	return rankScores(coCounts, map[int64]bool{itemID: true}, k), nil
}

// Metrics reports training statistics for the metrics table.
func (m *popularModel) Metrics() map[string]float64 {
	return map[string]float64{
		"interactions": float64(m.state.Interactions),
		"users":        float64(m.state.Users),
		"items":        float64(m.state.Items),
	}
}

// Marshal serializes the trained state as a JSON checkpoint.
func (m *popularModel) Marshal() ([]byte, error) {
	data, err := json.Marshal(m.state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model checkpoint: %w", err)
	}
	return data, nil
}

// rankScores returns the top-k entries of scores, excluding given ids.
// Ties break on item id so rankings are deterministic.
func rankScores(scores map[int64]float64, exclude map[int64]bool, k int) []models.Recommendation {
	ranked := make([]models.Recommendation, 0, len(scores))
	for itemID, score := range scores {
		if exclude[itemID] {
			continue
		}
		ranked = append(ranked, models.Recommendation{ItemID: itemID, Score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ItemID < ranked[j].ItemID
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}
