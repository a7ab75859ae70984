package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/recsyslab/recommender-backend/lifecycle"
	"github.com/recsyslab/recommender-backend/registry"
)

// ConfigLister supplies the active configurations evaluated on each tick.
type ConfigLister interface {
	ListActive(ctx context.Context) ([]registry.ModelConfig, error)
}

// Trainer is the slice of the lifecycle manager the scheduler drives.
type Trainer interface {
	TrainIfNeeded(ctx context.Context, cfg *registry.ModelConfig) (*lifecycle.Result, bool, error)
}

// Scheduler periodically evaluates every active configuration's retrain
// schedule. Per-config work is dispatched asynchronously so one stuck or
// slow config never delays the others, and per-config failures are logged
// without aborting the tick.
type Scheduler struct {
	registry ConfigLister
	manager  Trainer
	interval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a retrain scheduler polling at the given interval.
func NewScheduler(reg ConfigLister, mgr Trainer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		registry: reg,
		manager:  mgr,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	log.Printf("Retrain scheduler started - polling every %s", s.interval)
}

// Stop stops the scheduler and waits for the loop to exit. In-flight
// trainings finish on their own deadlines.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	log.Println("Retrain scheduler stopped")
}

// loop runs ticks until stopped or the context is cancelled.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every active configuration once. Work is collected with a
// bounded wait: configs still training when the wait elapses keep running
// in the background, and the per-config claim in the lifecycle manager
// prevents the next tick from duplicating them.
func (s *Scheduler) Tick(ctx context.Context) {
	configs, err := s.registry.ListActive(ctx)
	if err != nil {
		log.Printf("Scheduler: failed to list active configs: %v", err)
		return
	}
	if len(configs) == 0 {
		return
	}

	var tickWG sync.WaitGroup
	for i := range configs {
		cfg := configs[i]
		tickWG.Add(1)
		go func() {
			defer tickWG.Done()
			s.evaluate(ctx, &cfg)
		}()
	}

	done := make(chan struct{})
	go func() {
		tickWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.interval):
		log.Println("Scheduler: tick wait elapsed with trainings still in flight")
	case <-ctx.Done():
	}
}

// evaluate runs TrainIfNeeded for one config, recording the outcome.
func (s *Scheduler) evaluate(ctx context.Context, cfg *registry.ModelConfig) {
	result, started, err := s.manager.TrainIfNeeded(ctx, cfg)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Printf("Scheduler: training for config %s failed: %v", cfg.ConfigID, err)
	case started:
		log.Printf("Scheduler: config %s trained, version %s (run %s)", cfg.ConfigID, result.Version, result.RunID)
	}
}
