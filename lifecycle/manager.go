package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/recsyslab/recommender-backend/apperr"
	"github.com/recsyslab/recommender-backend/cache"
	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/recommender"
	"github.com/recsyslab/recommender-backend/registry"
	"github.com/recsyslab/recommender-backend/store"
)

// ModelFactory builds a fresh model for a configuration's hyperparameters.
type ModelFactory func(params map[string]interface{}) recommender.Model

// Options configures the lifecycle manager.
type Options struct {
	// TrainTimeout bounds a single training run end to end.
	TrainTimeout time.Duration
	// Retention is how long superseded artifacts are kept before the
	// sweep deletes them.
	Retention time.Duration
	// MaxConcurrentTrainings caps trainings across all configs.
	MaxConcurrentTrainings int64
	// NewModel overrides the default model factory (tests inject fakes).
	NewModel ModelFactory
}

// Result identifies the run and version produced by a training.
type Result struct {
	RunID   string
	Version string
}

// inflight tracks one claimed training per config id.
type inflight struct {
	runID string
	done  chan struct{}
}

// Manager owns the model lifecycle: it decides when a configuration is
// stale, trains, versions, activates and retires artifacts. At most one
// training is in flight per config id at any time.
type Manager struct {
	store    *store.Store
	cache    cache.Cache
	source   datasource.Source
	newModel ModelFactory

	trainTimeout time.Duration
	retention    time.Duration
	sem          *semaphore.Weighted

	mu      sync.Mutex
	running map[string]*inflight
}

// NewManager creates a lifecycle manager with explicit dependencies.
func NewManager(s *store.Store, c cache.Cache, src datasource.Source, opts Options) *Manager {
	if opts.TrainTimeout <= 0 {
		opts.TrainTimeout = 10 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.MaxConcurrentTrainings <= 0 {
		opts.MaxConcurrentTrainings = 2
	}
	if opts.NewModel == nil {
		opts.NewModel = recommender.New
	}
	return &Manager{
		store:        s,
		cache:        c,
		source:       src,
		newModel:     opts.NewModel,
		trainTimeout: opts.TrainTimeout,
		retention:    opts.Retention,
		sem:          semaphore.NewWeighted(opts.MaxConcurrentTrainings),
		running:      make(map[string]*inflight),
	}
}

// ShouldRetrain reports whether the configuration needs a new model:
// no active artifact, no completed run behind the active version, or the
// active version is older than the retrain cadence. Any lookup failure
// answers true so the system never silently serves a stale model.
func (m *Manager) ShouldRetrain(ctx context.Context, cfg *registry.ModelConfig) bool {
	active, err := m.store.GetActiveMeta(ctx, cfg.ConfigID, store.KindModel)
	if err != nil {
		if !errors.Is(err, apperr.ErrModelNotLoaded) {
			log.Printf("Retrain check for %s: active lookup failed, retraining: %v", cfg.ConfigID, err)
		}
		return true
	}

	run, err := m.store.GetRun(ctx, active.RunID)
	if err != nil || run.Status != store.RunStatusCompleted || run.FinishedAt == nil {
		return true
	}

	due, err := cfg.NextRetrain(*run.FinishedAt)
	if err != nil {
		log.Printf("Retrain check for %s: bad schedule, retraining: %v", cfg.ConfigID, err)
		return true
	}
	return !time.Now().Before(due)
}

// Train executes one full training run for the configuration: record the
// run, fetch interactions, fit, persist model and dataset artifacts,
// activate the new version, invalidate the cache and sweep retired
// artifacts. Any failure marks the run failed and leaves the previously
// active version untouched.
func (m *Manager) Train(ctx context.Context, cfg *registry.ModelConfig) (*Result, error) {
	run, err := m.beginRun(ctx, cfg)
	if err != nil {
		return nil, err
	}

	version, err := m.finishTraining(ctx, cfg, run.RunID)
	if err != nil {
		return &Result{RunID: run.RunID}, err
	}
	return &Result{RunID: run.RunID, Version: version}, nil
}

// beginRun records a new training run bound to a config snapshot.
func (m *Manager) beginRun(ctx context.Context, cfg *registry.ModelConfig) (*store.TrainingRun, error) {
	snapshot, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}

	run := &store.TrainingRun{
		RunID:          uuid.New().String(),
		ConfigID:       cfg.ConfigID,
		ParamsSnapshot: snapshot,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	log.Printf("Training started for config %s (run %s)", cfg.ConfigID, run.RunID)
	return run, nil
}

// finishTraining executes a recorded run under the training deadline and
// drives it to its terminal status.
func (m *Manager) finishTraining(ctx context.Context, cfg *registry.ModelConfig, runID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.trainTimeout)
	defer cancel()

	version, err := m.executeRun(ctx, cfg, runID)
	if err != nil {
		err = m.classifyTimeout(ctx, err)
		m.failRun(runID, err)
		return "", err
	}

	if err := m.store.FinishRun(context.WithoutCancel(ctx), runID, store.RunStatusCompleted, ""); err != nil {
		log.Printf("Failed to mark run %s completed: %v", runID, err)
	}
	log.Printf("Training completed for config %s: version %s active", cfg.ConfigID, version)
	return version, nil
}

// executeRun performs the data/fit/persist/activate sequence.
func (m *Manager) executeRun(ctx context.Context, cfg *registry.ModelConfig, runID string) (string, error) {
	interactions, err := m.source.FetchInteractions(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrDataUnavailable, err)
	}
	if len(interactions) == 0 {
		return "", fmt.Errorf("%w: no interactions for config %s", apperr.ErrDataUnavailable, cfg.ConfigID)
	}

	params, err := cfg.Params()
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrTrainingFailed, err)
	}

	model := m.newModel(params)
	if err := model.Fit(ctx, interactions); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrTrainingFailed, err)
	}

	checkpoint, err := model.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrTrainingFailed, err)
	}
	dataset, err := json.Marshal(interactions)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrTrainingFailed, err)
	}

	version := uuid.New().String()

	// Remember the prior active version so retention keeps it around for
	// rollback.
	var prevVersion string
	if prev, err := m.store.GetActiveMeta(ctx, cfg.ConfigID, store.KindModel); err == nil {
		prevVersion = prev.Version
	}

	modelArtifact := &store.Artifact{
		ConfigID: cfg.ConfigID,
		Version:  version,
		Kind:     store.KindModel,
		RunID:    runID,
	}
	if err := m.store.Put(ctx, modelArtifact, checkpoint); err != nil {
		return "", err
	}
	datasetArtifact := &store.Artifact{
		ConfigID: cfg.ConfigID,
		Version:  version,
		Kind:     store.KindDataset,
		RunID:    runID,
	}
	if err := m.store.Put(ctx, datasetArtifact, dataset); err != nil {
		return "", err
	}

	if err := m.store.Activate(ctx, cfg.ConfigID, version); err != nil {
		return "", err
	}

	// Invalidation runs strictly after the activation committed, so a
	// racing reader that misses the cache reads the new store state.
	if err := m.cache.InvalidateConfig(context.WithoutCancel(ctx), cfg.ConfigID); err != nil {
		log.Printf("Cache invalidation for %s failed, entries expire by TTL: %v", cfg.ConfigID, err)
	}

	if err := m.store.SaveMetrics(ctx, cfg.ConfigID, version, model.Metrics()); err != nil {
		log.Printf("Failed to save metrics for %s/%s: %v", cfg.ConfigID, version, err)
	}

	keep := map[string]bool{version: true}
	if prevVersion != "" {
		keep[prevVersion] = true
	}
	if err := m.store.SweepRetired(context.WithoutCancel(ctx), cfg.ConfigID, keep, m.retention); err != nil {
		log.Printf("Retention sweep for %s failed, retried next sweep: %v", cfg.ConfigID, err)
	}

	return version, nil
}

// TrainIfNeeded composes ShouldRetrain and Train under a per-config claim:
// the claim is taken before the staleness check so the check and the
// training are one atomic unit. A concurrent caller observes the in-flight
// run and returns without starting a duplicate. started reports whether
// this call performed a training.
func (m *Manager) TrainIfNeeded(ctx context.Context, cfg *registry.ModelConfig) (*Result, bool, error) {
	m.mu.Lock()
	if fl, ok := m.running[cfg.ConfigID]; ok {
		runID := fl.runID
		m.mu.Unlock()
		return &Result{RunID: runID}, false, nil
	}
	fl := &inflight{done: make(chan struct{})}
	m.running[cfg.ConfigID] = fl
	m.mu.Unlock()

	// The claim is released on every exit path.
	defer func() {
		m.mu.Lock()
		delete(m.running, cfg.ConfigID)
		m.mu.Unlock()
		close(fl.done)
	}()

	if !m.ShouldRetrain(ctx, cfg) {
		return nil, false, nil
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, false, fmt.Errorf("%w: waiting for training slot: %v", apperr.ErrTimeout, err)
	}
	defer m.sem.Release(1)

	result, err := m.Train(ctx, cfg)
	if result != nil {
		m.mu.Lock()
		fl.runID = result.RunID
		m.mu.Unlock()
	}
	return result, err == nil, err
}

// TrainIfNeededAsync is the manual-trigger variant of TrainIfNeeded: it
// claims the config, checks staleness and records the run on the caller's
// context, then executes the training on a background context so the run
// outlives the triggering request. It returns as soon as the run is
// recorded; the result carries the run id but no version.
func (m *Manager) TrainIfNeededAsync(ctx context.Context, cfg *registry.ModelConfig) (*Result, bool, error) {
	m.mu.Lock()
	if fl, ok := m.running[cfg.ConfigID]; ok {
		runID := fl.runID
		m.mu.Unlock()
		return &Result{RunID: runID}, false, nil
	}
	fl := &inflight{done: make(chan struct{})}
	m.running[cfg.ConfigID] = fl
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.running, cfg.ConfigID)
		m.mu.Unlock()
		close(fl.done)
	}

	if !m.ShouldRetrain(ctx, cfg) {
		release()
		return nil, false, nil
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		release()
		return nil, false, fmt.Errorf("%w: waiting for training slot: %v", apperr.ErrTimeout, err)
	}

	run, err := m.beginRun(ctx, cfg)
	if err != nil {
		m.sem.Release(1)
		release()
		return nil, false, err
	}
	m.mu.Lock()
	fl.runID = run.RunID
	m.mu.Unlock()

	go func() {
		defer release()
		defer m.sem.Release(1)
		if _, err := m.finishTraining(context.Background(), cfg, run.RunID); err != nil {
			log.Printf("Background training for config %s failed: %v", cfg.ConfigID, err)
		}
	}()

	return &Result{RunID: run.RunID}, true, nil
}

// classifyTimeout rewrites a failure as a timeout when the run deadline
// elapsed, so the run records the real cause.
func (m *Manager) classifyTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperr.ErrTimeout, err)
	}
	return err
}

// failRun records a terminal failure. Bookkeeping uses a fresh context so
// it still succeeds when the run's own context is already dead.
func (m *Manager) failRun(runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.FinishRun(ctx, runID, store.RunStatusFailed, cause.Error()); err != nil {
		log.Printf("Failed to mark run %s failed: %v", runID, err)
	}
	log.Printf("Training run %s failed: %v", runID, cause)
}
