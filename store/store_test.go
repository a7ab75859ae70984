package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database handle: %v", err)
	}
	// A single connection keeps the in-memory database shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Artifact{}, &TrainingRun{}, &Metric{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewStore(db, NewMemoryObjectStore())
}

func putArtifact(t *testing.T, s *Store, configID, version, kind string, payload []byte, age time.Duration) *Artifact {
	t.Helper()
	artifact := &Artifact{
		ConfigID:  configID,
		Version:   version,
		Kind:      kind,
		RunID:     "run-" + version,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	if err := s.Put(context.Background(), artifact, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return artifact
}

func activeCount(t *testing.T, s *Store, configID string) int {
	t.Helper()
	artifacts, err := s.ListVersions(context.Background(), configID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	count := 0
	for _, a := range artifacts {
		if a.IsActive {
			count++
		}
	}
	return count
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'm', 'o', 'd', 'e', 'l'}
	putArtifact(t, s, "cfg-1", "v1", KindModel, payload, 0)

	artifact, got, err := s.Get(ctx, "cfg-1", "v1", KindModel)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload not byte-identical: got %v, want %v", got, payload)
	}
	if artifact.ConfigID != "cfg-1" || artifact.Version != "v1" || artifact.Kind != KindModel {
		t.Errorf("unexpected metadata: %+v", artifact)
	}
	if artifact.ObjectPath != "cfg-1/v1/model" {
		t.Errorf("unexpected object path: %s", artifact.ObjectPath)
	}
}

func TestGetActiveAbsent(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.GetActive(context.Background(), "cfg-1", KindModel)
	if !errors.Is(err, apperr.ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestActivateSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putArtifact(t, s, "cfg-1", "v1", KindModel, []byte("m1"), 0)
	putArtifact(t, s, "cfg-1", "v1", KindDataset, []byte("d1"), 0)

	if err := s.Activate(ctx, "cfg-1", "v1"); err != nil {
		t.Fatalf("Activate v1 failed: %v", err)
	}
	if got := activeCount(t, s, "cfg-1"); got != 2 {
		t.Fatalf("expected both kinds of v1 active, got %d", got)
	}

	putArtifact(t, s, "cfg-1", "v2", KindModel, []byte("m2"), 0)
	if err := s.Activate(ctx, "cfg-1", "v2"); err != nil {
		t.Fatalf("Activate v2 failed: %v", err)
	}

	active, payload, err := s.GetActive(ctx, "cfg-1", KindModel)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != "v2" {
		t.Errorf("expected v2 active, got %s", active.Version)
	}
	if string(payload) != "m2" {
		t.Errorf("unexpected active payload: %s", payload)
	}
	if got := activeCount(t, s, "cfg-1"); got != 1 {
		t.Errorf("expected exactly one active artifact, got %d", got)
	}
}

func TestActivateUnknownVersionLeavesPointerIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putArtifact(t, s, "cfg-1", "v1", KindModel, []byte("m1"), 0)
	if err := s.Activate(ctx, "cfg-1", "v1"); err != nil {
		t.Fatalf("Activate v1 failed: %v", err)
	}

	err := s.Activate(ctx, "cfg-1", "ghost")
	if !errors.Is(err, apperr.ErrStoreWriteFailed) {
		t.Fatalf("expected ErrStoreWriteFailed, got %v", err)
	}

	// The failed swap must not demote the prior active version.
	active, _, err := s.GetActive(ctx, "cfg-1", KindModel)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != "v1" {
		t.Errorf("expected v1 to stay active, got %s", active.Version)
	}
}

func TestActivateIsScopedPerConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putArtifact(t, s, "cfg-1", "v1", KindModel, []byte("m1"), 0)
	putArtifact(t, s, "cfg-2", "v9", KindModel, []byte("m9"), 0)

	if err := s.Activate(ctx, "cfg-1", "v1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := s.Activate(ctx, "cfg-2", "v9"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	active, _, err := s.GetActive(ctx, "cfg-1", KindModel)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != "v1" {
		t.Errorf("cfg-2 activation must not touch cfg-1, got %s", active.Version)
	}
}

func TestSweepRetired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := 48 * time.Hour
	putArtifact(t, s, "cfg-1", "v1", KindModel, []byte("m1"), old)
	putArtifact(t, s, "cfg-1", "v2", KindModel, []byte("m2"), old)
	putArtifact(t, s, "cfg-1", "v3", KindModel, []byte("m3"), old)
	fresh := putArtifact(t, s, "cfg-1", "v4", KindModel, []byte("m4"), time.Hour)

	if err := s.Activate(ctx, "cfg-1", "v3"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	keep := map[string]bool{"v2": true, "v3": true}
	if err := s.SweepRetired(ctx, "cfg-1", keep, 24*time.Hour); err != nil {
		t.Fatalf("SweepRetired failed: %v", err)
	}

	versions := listVersionSet(t, s, "cfg-1")
	if versions["v1"] {
		t.Error("v1 should have been swept")
	}
	if !versions["v2"] || !versions["v3"] {
		t.Error("kept versions must survive the sweep")
	}
	if !versions["v4"] {
		t.Error("artifacts inside the retention window must survive")
	}

	// The payload must be gone along with the metadata.
	if _, err := s.objects.Get(ctx, "cfg-1/v1/model"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected v1 payload to be deleted, got %v", err)
	}
	if _, err := s.objects.Get(ctx, fresh.ObjectPath); err != nil {
		t.Errorf("expected v4 payload to survive: %v", err)
	}
}

func TestSweepRetiredIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putArtifact(t, s, "cfg-1", "v1", KindModel, []byte("m1"), 48*time.Hour)
	putArtifact(t, s, "cfg-1", "v2", KindModel, []byte("m2"), 48*time.Hour)
	if err := s.Activate(ctx, "cfg-1", "v2"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	keep := map[string]bool{"v2": true}
	if err := s.SweepRetired(ctx, "cfg-1", keep, 24*time.Hour); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	first := listVersionSet(t, s, "cfg-1")

	if err := s.SweepRetired(ctx, "cfg-1", keep, 24*time.Hour); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	second := listVersionSet(t, s, "cfg-1")

	if len(first) != len(second) {
		t.Errorf("sweep is not idempotent: %v vs %v", first, second)
	}
	for v := range first {
		if !second[v] {
			t.Errorf("version %s disappeared on the second sweep", v)
		}
	}
}

func listVersionSet(t *testing.T, s *Store, configID string) map[string]bool {
	t.Helper()
	artifacts, err := s.ListVersions(context.Background(), configID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	versions := make(map[string]bool)
	for _, a := range artifacts {
		versions[a.Version] = true
	}
	return versions
}

func TestFinishRunTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &TrainingRun{RunID: "run-1", ConfigID: "cfg-1"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.FinishRun(ctx, "run-1", RunStatusCompleted, ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	// A second terminal transition must be rejected.
	if err := s.FinishRun(ctx, "run-1", RunStatusFailed, "late failure"); err == nil {
		t.Fatal("expected second FinishRun to fail")
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("terminal status was mutated: %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestSaveAndListMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	values := map[string]float64{"users": 3, "items": 7}
	if err := s.SaveMetrics(ctx, "cfg-1", "v1", values); err != nil {
		t.Fatalf("SaveMetrics failed: %v", err)
	}
	if err := s.SaveMetrics(ctx, "cfg-1", "v2", map[string]float64{"users": 4}); err != nil {
		t.Fatalf("SaveMetrics failed: %v", err)
	}

	metrics, err := s.ListMetrics(ctx, "cfg-1", "v1")
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics for v1, got %d", len(metrics))
	}

	all, err := s.ListMetrics(ctx, "cfg-1", "")
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 metrics in total, got %d", len(all))
	}
}
