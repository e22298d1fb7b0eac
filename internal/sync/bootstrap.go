package sync

import (
	"context"
	"fmt"
)

// Bootstrap rebuilds the state after a restart. Entries left in_progress by
// a crash go back to retry once their claim is older than Options.StaleClaim;
// younger claims may belong to another running process. The persisted last
// sync time is loaded and the counts are refreshed. On an empty store it runs a first full sync when the
// server is reachable. Returns true if that first sync ran.
func (e *Engine) Bootstrap(ctx context.Context) (bool, error) {
	n, err := e.store.RequeueInterrupted(ctx, e.opts.StaleClaim)
	if err != nil {
		return false, fmt.Errorf("requeueing interrupted entries: %w", err)
	}
	if n > 0 {
		e.log.Info("requeued entries interrupted by shutdown", "count", n)
	}

	st, err := e.store.GetSyncStatus(ctx, tableLastSync)
	if err != nil {
		return false, fmt.Errorf("reading last sync: %w", err)
	}
	if st != nil {
		e.state.update(func(s *SyncState) { s.LastSync = st.LastSync })
	}
	e.RefreshPendingOperations(ctx)
	e.RefreshFailedOperations(ctx)

	points, err := e.store.CountPoints(ctx)
	if err != nil {
		return false, fmt.Errorf("counting points: %w", err)
	}
	if points > 0 {
		e.log.Debug("local store populated, skipping first sync", "points", points)
		return false, nil
	}
	if !e.CheckConnection(ctx) {
		e.log.Info("empty local store but server unreachable, first sync deferred")
		return false, nil
	}

	e.log.Info("empty local store detected, running first sync")
	if err := e.SyncAll(ctx); err != nil {
		return false, fmt.Errorf("first sync: %w", err)
	}
	return true, nil
}
