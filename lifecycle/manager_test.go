package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/apperr"
	"github.com/recsyslab/recommender-backend/cache"
	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/recommender"
	"github.com/recsyslab/recommender-backend/registry"
	"github.com/recsyslab/recommender-backend/serving"
	"github.com/recsyslab/recommender-backend/store"
)

func newTestStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&store.Artifact{}, &store.TrainingRun{}, &store.Metric{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return store.NewStore(db, store.NewMemoryObjectStore()), db
}

// fakeSource serves a fixed interaction table, swappable between runs.
type fakeSource struct {
	mu   sync.Mutex
	rows []datasource.Interaction
	err  error
}

func (s *fakeSource) FetchInteractions(_ context.Context, _ *registry.ModelConfig) ([]datasource.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.err
}

func (s *fakeSource) set(rows []datasource.Interaction) {
	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
}

func interactionRows(n int) []datasource.Interaction {
	rows := make([]datasource.Interaction, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, datasource.Interaction{
			UserID:     int64(i%5 + 1),
			ItemID:     int64(i%7 + 1),
			Weight:     1,
			OccurredAt: time.Now(),
		})
	}
	return rows
}

// slowModel wraps the real model and counts Fit calls, optionally blocking
// until the context dies.
type slowModel struct {
	recommender.Model
	fits       *atomic.Int64
	fitDelay   time.Duration
	fitForever bool
}

func (m *slowModel) Fit(ctx context.Context, rows []datasource.Interaction) error {
	m.fits.Add(1)
	if m.fitForever {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.fitDelay > 0 {
		select {
		case <-time.After(m.fitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.Model.Fit(ctx, rows)
}

func testConfig(id string) *registry.ModelConfig {
	return &registry.ModelConfig{
		ConfigID:        id,
		Name:            "test " + id,
		RetrainInterval: 3600,
		Active:          true,
	}
}

func TestTrainLifecycleScenario(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}
	mgr := NewManager(s, c, source, Options{})
	ctx := context.Background()
	cfg := testConfig("cfg-1")

	// No artifacts yet: retraining is required.
	if !mgr.ShouldRetrain(ctx, cfg) {
		t.Fatal("expected ShouldRetrain to be true with no artifacts")
	}

	result, err := mgr.Train(ctx, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if result.Version == "" {
		t.Fatal("expected a version token")
	}

	active, _, err := s.GetActive(ctx, "cfg-1", store.KindModel)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != result.Version {
		t.Errorf("expected %s active, got %s", result.Version, active.Version)
	}

	// The derived dataset artifact is persisted alongside the model.
	if _, _, err := s.Get(ctx, "cfg-1", result.Version, store.KindDataset); err != nil {
		t.Errorf("dataset artifact missing: %v", err)
	}

	run, err := s.GetRun(ctx, result.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	if run.ParamsSnapshot == "" {
		t.Error("run is not bound to a config snapshot")
	}

	// Fresh version inside the cadence: no retrain needed.
	if mgr.ShouldRetrain(ctx, cfg) {
		t.Error("expected ShouldRetrain to be false right after training")
	}

	metrics, err := s.ListMetrics(ctx, "cfg-1", result.Version)
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(metrics) == 0 {
		t.Error("expected training metrics to be recorded")
	}
}

func TestShouldRetrainStaleActiveVersion(t *testing.T) {
	s, db := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}
	mgr := NewManager(s, c, source, Options{})
	ctx := context.Background()
	cfg := testConfig("cfg-1")

	result, err := mgr.Train(ctx, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if mgr.ShouldRetrain(ctx, cfg) {
		t.Fatal("expected a fresh model to be within its cadence")
	}

	// Age the run past the retrain cadence.
	stale := time.Now().UTC().Add(-2 * cfg.Cadence())
	err = db.Model(&store.TrainingRun{}).
		Where("run_id = ?", result.RunID).
		Update("finished_at", &stale).Error
	if err != nil {
		t.Fatalf("failed to backdate run: %v", err)
	}

	if !mgr.ShouldRetrain(ctx, cfg) {
		t.Error("expected ShouldRetrain to be true once the cadence elapsed")
	}
}

func TestTrainDataUnavailableKeepsActiveVersion(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}
	mgr := NewManager(s, c, source, Options{})
	ctx := context.Background()
	cfg := testConfig("cfg-1")

	first, err := mgr.Train(ctx, cfg)
	if err != nil {
		t.Fatalf("first Train failed: %v", err)
	}

	source.set(nil)
	result, err := mgr.Train(ctx, cfg)
	if !errors.Is(err, apperr.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}

	run, err := s.GetRun(ctx, result.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != store.RunStatusFailed {
		t.Errorf("expected failed run, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "interaction data unavailable") {
		t.Errorf("run error lacks the failure kind: %s", run.Error)
	}

	// The previously active version is untouched.
	active, _, err := s.GetActive(ctx, "cfg-1", store.KindModel)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != first.Version {
		t.Errorf("active version changed on a failed run: %s", active.Version)
	}
}

func TestTrainTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(10)}

	fits := &atomic.Int64{}
	mgr := NewManager(s, c, source, Options{
		TrainTimeout: 30 * time.Millisecond,
		NewModel: func(params map[string]interface{}) recommender.Model {
			return &slowModel{Model: recommender.New(params), fits: fits, fitForever: true}
		},
	})

	result, err := mgr.Train(context.Background(), testConfig("cfg-1"))
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	run, err := s.GetRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != store.RunStatusFailed {
		t.Errorf("expected failed run, got %s", run.Status)
	}
}

func TestTrainIfNeededSingleFlight(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}

	fits := &atomic.Int64{}
	mgr := NewManager(s, c, source, Options{
		NewModel: func(params map[string]interface{}) recommender.Model {
			return &slowModel{Model: recommender.New(params), fits: fits, fitDelay: 50 * time.Millisecond}
		},
	})
	cfg := testConfig("cfg-2")

	const callers = 8
	var started atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, didTrain, err := mgr.TrainIfNeeded(context.Background(), cfg)
			if err != nil {
				t.Errorf("TrainIfNeeded failed: %v", err)
			}
			if didTrain {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Errorf("expected exactly one training to start, got %d", got)
	}
	if got := fits.Load(); got != 1 {
		t.Errorf("expected exactly one Fit call, got %d", got)
	}

	runs, err := s.ListRuns(context.Background(), "cfg-2")
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected exactly one training run, got %d", len(runs))
	}
}

func TestTrainIfNeededAsyncSurvivesCallerCancel(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}

	fits := &atomic.Int64{}
	mgr := NewManager(s, c, source, Options{
		NewModel: func(params map[string]interface{}) recommender.Model {
			return &slowModel{Model: recommender.New(params), fits: fits, fitDelay: 30 * time.Millisecond}
		},
	})
	cfg := testConfig("cfg-1")

	ctx, cancel := context.WithCancel(context.Background())
	result, started, err := mgr.TrainIfNeededAsync(ctx, cfg)
	if err != nil {
		t.Fatalf("TrainIfNeededAsync failed: %v", err)
	}
	if !started || result.RunID == "" {
		t.Fatalf("expected a dispatched run, got result=%+v started=%v", result, started)
	}

	// The trigger's caller goes away mid-training. The run must still
	// reach a terminal status, and it must be completed, not cancelled.
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := s.GetRun(context.Background(), result.RunID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status != store.RunStatusRunning {
			if run.Status != store.RunStatusCompleted {
				t.Fatalf("expected completed run, got %s (%s)", run.Status, run.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("training did not reach a terminal status")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, _, err := s.GetActive(context.Background(), "cfg-1", store.KindModel); err != nil {
		t.Errorf("expected an active model after the background run: %v", err)
	}
}

func TestTrainIfNeededAsyncReportsInFlightRun(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}

	fits := &atomic.Int64{}
	mgr := NewManager(s, c, source, Options{
		NewModel: func(params map[string]interface{}) recommender.Model {
			return &slowModel{Model: recommender.New(params), fits: fits, fitDelay: 100 * time.Millisecond}
		},
	})
	cfg := testConfig("cfg-1")
	ctx := context.Background()

	first, started, err := mgr.TrainIfNeededAsync(ctx, cfg)
	if err != nil || !started {
		t.Fatalf("first dispatch failed: result=%+v started=%v err=%v", first, started, err)
	}

	second, started, err := mgr.TrainIfNeededAsync(ctx, cfg)
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if started {
		t.Error("expected the second trigger to observe the in-flight run")
	}
	if second.RunID != first.RunID {
		t.Errorf("expected the in-flight run id %s, got %s", first.RunID, second.RunID)
	}

	// Wait for the background run to finish before counting Fit calls;
	// the goroutine races the dispatch otherwise.
	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := s.GetRun(ctx, first.RunID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status != store.RunStatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("training did not reach a terminal status")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := fits.Load(); got != 1 {
		t.Errorf("expected exactly one Fit call, got %d", got)
	}
}

func TestShouldRetrainFailsOpenOnLookupError(t *testing.T) {
	s, db := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}
	mgr := NewManager(s, c, source, Options{})
	ctx := context.Background()
	cfg := testConfig("cfg-1")

	if _, err := mgr.Train(ctx, cfg); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if mgr.ShouldRetrain(ctx, cfg) {
		t.Fatal("expected a fresh model to be within its cadence")
	}

	// Break the metadata table so the active lookup fails outright.
	if err := db.Migrator().DropTable(&store.Artifact{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	if !mgr.ShouldRetrain(ctx, cfg) {
		t.Error("expected ShouldRetrain to fail open when the store lookup errors")
	}
}

func TestTrainIfNeededSkipsFreshModel(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	source := &fakeSource{rows: interactionRows(50)}
	mgr := NewManager(s, c, source, Options{})
	ctx := context.Background()
	cfg := testConfig("cfg-1")

	if _, _, err := mgr.TrainIfNeeded(ctx, cfg); err != nil {
		t.Fatalf("first TrainIfNeeded failed: %v", err)
	}

	result, didTrain, err := mgr.TrainIfNeeded(ctx, cfg)
	if err != nil {
		t.Fatalf("second TrainIfNeeded failed: %v", err)
	}
	if didTrain || result != nil {
		t.Errorf("expected a no-op for a fresh model, got result=%+v didTrain=%v", result, didTrain)
	}
}

func TestActivationInvalidatesServedResults(t *testing.T) {
	s, _ := newTestStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()

	// Interactions where item 1 dominates.
	rowsA := []datasource.Interaction{
		{UserID: 1, ItemID: 1, Weight: 10},
		{UserID: 2, ItemID: 1, Weight: 10},
		{UserID: 2, ItemID: 2, Weight: 1},
	}
	// Interactions where item 3 dominates.
	rowsB := []datasource.Interaction{
		{UserID: 1, ItemID: 3, Weight: 10},
		{UserID: 2, ItemID: 3, Weight: 10},
		{UserID: 2, ItemID: 2, Weight: 1},
	}

	source := &fakeSource{rows: rowsA}
	mgr := NewManager(s, c, source, Options{})
	srv := serving.NewServer(s, c, serving.Options{ResultTTL: time.Hour, ArtifactTTL: time.Hour})
	ctx := context.Background()
	cfg := testConfig("cfg-1")

	if _, err := mgr.Train(ctx, cfg); err != nil {
		t.Fatalf("first Train failed: %v", err)
	}

	recs, err := srv.RecommendForUser(ctx, cfg, 5, 1)
	if err != nil {
		t.Fatalf("RecommendForUser failed: %v", err)
	}
	if recs[0].ItemID != 1 {
		t.Fatalf("expected item 1 on the old model, got %+v", recs[0])
	}

	// Retrain on new data. Even though the old cache entries have a long
	// TTL, activation must invalidate them.
	source.set(rowsB)
	if _, err := mgr.Train(ctx, cfg); err != nil {
		t.Fatalf("second Train failed: %v", err)
	}

	recs, err = srv.RecommendForUser(ctx, cfg, 5, 1)
	if err != nil {
		t.Fatalf("RecommendForUser after retrain failed: %v", err)
	}
	if recs[0].ItemID != 3 {
		t.Errorf("served stale result after activation: %+v", recs[0])
	}
}
