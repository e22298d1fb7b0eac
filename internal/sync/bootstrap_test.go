package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/appunture/offlinesync/internal/model"
)

func TestBootstrap_RequeuesInterruptedAndLoadsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := model.Point{ID: "p1", Name: "Hegu"}
	if err := env.store.UpsertPoint(ctx, &seed, true); err != nil {
		t.Fatalf("UpsertPoint: %v", err)
	}
	if err := env.store.UpdateSyncStatus(ctx, tableLastSync, model.SyncStatusSuccess); err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}
	lastSync := env.clock.Now()
	env.clock.Advance(time.Hour)

	entry := env.enqueue(t, model.OpCreate, favoriteAdd("p1", timePtr(env.clock.Now())))
	if ok, err := env.store.MarkOperationInProgress(ctx, entry.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	// The process holding the claim died long ago.
	env.clock.Advance(time.Minute)

	ran, err := env.engine.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("first sync should not run on a populated store")
	}
	if env.remote.callCount("GetPoints") != 0 {
		t.Error("no pull expected on a populated store")
	}

	op := env.operation(t, entry.ID)
	if op.Status != model.StatusRetry {
		t.Errorf("status = %s, want retry", op.Status)
	}
	s := env.engine.State().Snapshot()
	if s.PendingOperations != 1 {
		t.Errorf("PendingOperations = %d, want 1", s.PendingOperations)
	}
	if !s.LastSync.Equal(lastSync) {
		t.Errorf("LastSync = %v, want %v", s.LastSync, lastSync)
	}
}

func TestBootstrap_FirstSyncOnEmptyStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.remote.putPoint(model.Point{ID: "p1", Name: "Hegu"})
	env.remote.putPoint(model.Point{ID: "p2", Name: "Zusanli"})

	ran, err := env.engine.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("first sync should run on an empty store")
	}
	if n, _ := env.store.CountPoints(ctx); n != 2 {
		t.Errorf("points = %d, want 2", n)
	}
}

func TestBootstrap_EmptyStoreOffline(t *testing.T) {
	env := newTestEnv(t)
	env.probe.Set(false)

	ran, err := env.engine.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("first sync should wait for a connection")
	}
	if env.engine.State().Snapshot().IsOnline {
		t.Error("IsOnline should be false")
	}
}

func TestBootstrap_LeavesAnotherProcessClaimAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedPoint(t, env, "Hegu", nil)
	entry := env.enqueue(t, model.OpCreate, favoriteAdd("p1", timePtr(env.clock.Now())))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once gosync.Once
	env.remote.setHook(func(method string) {
		if method == "AddFavorite" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.ProcessSyncQueue(ctx)
		done <- err
	}()
	<-entered

	// A second process starts while the first is mid-replay.
	other := env.newEngine(env.openSecondStore(t))
	if _, err := other.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	stats, err := other.ProcessSyncQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessSyncQueue: %v", err)
	}
	if stats.Synced != 0 {
		t.Errorf("second process synced %d entries, want 0", stats.Synced)
	}
	if op := env.operation(t, entry.ID); op == nil || op.Status != model.StatusInProgress {
		t.Errorf("entry = %+v, want still in_progress", op)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if got := env.remote.callCount("AddFavorite"); got != 1 {
		t.Errorf("AddFavorite called %d times, want 1", got)
	}
	if op := env.operation(t, entry.ID); op != nil {
		t.Errorf("entry still queued: %+v", op)
	}
}
