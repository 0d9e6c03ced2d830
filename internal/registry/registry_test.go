package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/model"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs := coord.NewWithClient(client)
	return New(cs, 60*time.Second, 10*time.Second), mr
}

func TestRegisterAndSnapshotRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	w := model.Worker{
		ID:           "worker-1",
		Endpoint:     "http://worker-1:9000",
		Capabilities: []model.Capability{model.CapabilityWebScraping, model.CapabilityDataAnalysis},
		Available:    true,
	}
	if err := reg.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "worker-1" {
		t.Fatalf("expected 1 worker, got %+v", snap)
	}
	if !snap[0].Available {
		t.Fatalf("expected available worker")
	}
}

func TestLivenessFilterExcludesExpiredWorker(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	w := model.Worker{ID: "worker-2", Endpoint: "http://worker-2:9000", Capabilities: []model.Capability{model.CapabilityCodeGeneration}, Available: true}
	if err := reg.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	mr.FastForward(61 * time.Second)

	snap, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, got := range snap {
		if got.ID == "worker-2" {
			t.Fatalf("expired worker must not appear in snapshot")
		}
	}

	avail, err := reg.AvailableFor(ctx, model.NewCapabilitySet([]model.Capability{model.CapabilityCodeGeneration}), model.PolicyIntersects)
	if err != nil {
		t.Fatalf("available_for: %v", err)
	}
	if len(avail) != 0 {
		t.Fatalf("expired worker must not be returned by available_for, got %+v", avail)
	}
}

func TestAvailableForRespectsSelectionPolicy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	partial := model.Worker{ID: "partial", Endpoint: "http://partial:9000", Capabilities: []model.Capability{model.CapabilityWebScraping}, Available: true}
	full := model.Worker{ID: "full", Endpoint: "http://full:9000", Capabilities: []model.Capability{model.CapabilityWebScraping, model.CapabilityDataAnalysis}, Available: true}
	if err := reg.Register(ctx, partial); err != nil {
		t.Fatalf("register partial: %v", err)
	}
	if err := reg.Register(ctx, full); err != nil {
		t.Fatalf("register full: %v", err)
	}

	required := model.NewCapabilitySet([]model.Capability{model.CapabilityWebScraping, model.CapabilityDataAnalysis})

	intersects, err := reg.AvailableFor(ctx, required, model.PolicyIntersects)
	if err != nil {
		t.Fatalf("available_for intersects: %v", err)
	}
	if len(intersects) != 2 {
		t.Fatalf("expected both workers under INTERSECTS, got %d", len(intersects))
	}

	covers, err := reg.AvailableFor(ctx, required, model.PolicyCovers)
	if err != nil {
		t.Fatalf("available_for covers: %v", err)
	}
	if len(covers) != 1 || covers[0].ID != "full" {
		t.Fatalf("expected only full-coverage worker under COVERS, got %+v", covers)
	}
}

func TestMarkBusyAndAvailableToggleStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	w := model.Worker{ID: "worker-3", Endpoint: "http://worker-3:9000", Capabilities: []model.Capability{model.CapabilityFileProcessing}, Available: true}
	if err := reg.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.MarkBusy(ctx, "worker-3", "subtask-a"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	avail, err := reg.AvailableFor(ctx, model.NewCapabilitySet([]model.Capability{model.CapabilityFileProcessing}), model.PolicyIntersects)
	if err != nil {
		t.Fatalf("available_for: %v", err)
	}
	if len(avail) != 0 {
		t.Fatalf("busy worker must not be available, got %+v", avail)
	}

	if err := reg.MarkAvailable(ctx, "worker-3"); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	avail, err = reg.AvailableFor(ctx, model.NewCapabilitySet([]model.Capability{model.CapabilityFileProcessing}), model.PolicyIntersects)
	if err != nil {
		t.Fatalf("available_for: %v", err)
	}
	if len(avail) != 1 {
		t.Fatalf("worker should be available again, got %+v", avail)
	}
}
