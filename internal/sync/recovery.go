package sync

import (
	"context"
	"fmt"
)

// RefreshPendingOperations re-reads the queue sizes into the state. Store
// errors are logged and the previous values kept.
func (e *Engine) RefreshPendingOperations(ctx context.Context) {
	ops, err := e.store.CountPendingOperations(ctx)
	if err != nil {
		e.log.Warn("counting pending operations", "error", err)
		return
	}
	imgs, err := e.store.CountPendingImages(ctx)
	if err != nil {
		e.log.Warn("counting pending images", "error", err)
		return
	}
	e.state.update(func(s *SyncState) {
		s.PendingOperations = ops
		s.PendingImages = imgs
	})
}

// RefreshFailedOperations re-reads the failed entries into the state. Store
// errors are logged and the previous list kept.
func (e *Engine) RefreshFailedOperations(ctx context.Context) {
	failed, err := e.store.GetFailedOperations(ctx)
	if err != nil {
		e.log.Warn("loading failed operations", "error", err)
		return
	}
	e.state.update(func(s *SyncState) { s.FailedOperations = failed })
}

// AcknowledgeNotification clears the last notification message.
func (e *Engine) AcknowledgeNotification() {
	e.state.update(func(s *SyncState) { s.NotificationMessage = "" })
}

// RetryFailedOperation resets one failed entry to pending with a fresh retry
// budget, then drains when online with auto-sync on. Entries that have not
// failed return [store.ErrNotFound].
func (e *Engine) RetryFailedOperation(ctx context.Context, id string) error {
	if err := e.store.ResetOperation(ctx, id); err != nil {
		return fmt.Errorf("retrying operation %s: %w", id, err)
	}
	e.log.Info("operation reset for retry", "op_id", id)
	e.afterRecovery(ctx)
	return nil
}

// RetryAllFailed resets every failed entry. It returns how many were reset.
func (e *Engine) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := e.store.GetFailedOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading failed operations: %w", err)
	}
	n := 0
	for _, op := range failed {
		if err := e.store.ResetOperation(ctx, op.ID); err != nil {
			e.afterRecovery(ctx)
			return n, fmt.Errorf("retrying operation %s: %w", op.ID, err)
		}
		n++
	}
	e.log.Info("failed operations reset for retry", "count", n)
	e.afterRecovery(ctx)
	return n, nil
}

// ClearFailedOperation deletes one failed entry without retrying it. Entries
// that have not failed return [store.ErrNotFound].
func (e *Engine) ClearFailedOperation(ctx context.Context, id string) error {
	if err := e.store.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("clearing operation %s: %w", id, err)
	}
	e.log.Info("operation cleared", "op_id", id)
	e.RefreshFailedOperations(ctx)
	e.RefreshPendingOperations(ctx)
	return nil
}

// ClearAllFailedOperations deletes every failed entry.
func (e *Engine) ClearAllFailedOperations(ctx context.Context) (int64, error) {
	n, err := e.store.ClearFailedOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing failed operations: %w", err)
	}
	e.log.Info("failed operations cleared", "count", n)
	e.RefreshFailedOperations(ctx)
	e.RefreshPendingOperations(ctx)
	return n, nil
}

// RetryFailedImages resets every failed image upload.
func (e *Engine) RetryFailedImages(ctx context.Context) (int, error) {
	failed, err := e.store.GetFailedImages(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading failed images: %w", err)
	}
	n := 0
	for _, img := range failed {
		if err := e.store.ResetImageSync(ctx, img.ID); err != nil {
			e.afterRecovery(ctx)
			return n, fmt.Errorf("retrying image %d: %w", img.ID, err)
		}
		n++
	}
	e.afterRecovery(ctx)
	return n, nil
}

// ClearFailedImages deletes every failed image upload.
func (e *Engine) ClearFailedImages(ctx context.Context) (int64, error) {
	n, err := e.store.ClearFailedImages(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing failed images: %w", err)
	}
	e.RefreshPendingOperations(ctx)
	return n, nil
}

func (e *Engine) afterRecovery(ctx context.Context) {
	e.RefreshFailedOperations(ctx)
	e.RefreshPendingOperations(ctx)
	e.drainIfAllowed(ctx)
}
