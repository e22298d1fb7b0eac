package sync

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/appunture/offlinesync/internal/model"
)

// QueueStats summarizes one [Engine.ProcessSyncQueue] pass.
type QueueStats struct {
	Synced   int
	Failed   int
	Deferred int
	Invalid  int
}

// ProcessSyncQueue replays queued operations oldest first. It returns
// immediately, without touching the store, when offline or when another pass
// is running. One entry failing never stops the pass; entries sharing a
// reference with a failed or deferred entry wait for the next pass so a
// resource's operations stay in order.
func (e *Engine) ProcessSyncQueue(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	if !e.state.Snapshot().IsOnline {
		return stats, nil
	}
	if !e.state.tryBeginQueue() {
		e.log.Debug("queue pass already running, skipping")
		return stats, nil
	}
	defer e.state.endQueue()

	ctx, span := e.tracer.Start(ctx, spanQueue)
	defer span.End()
	defer e.finishQueuePass(ctx, &stats)

	ops, err := e.store.GetQueuedOperations(ctx, e.opts.QueueBatch)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("loading queued operations: %w", err)
	}

	now := e.now()
	blocked := make(map[string]bool)
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		log := e.log.With("op_id", op.ID, "entity_type", op.EntityType, "operation", op.Operation)

		if blocked[op.Reference] {
			stats.Deferred++
			continue
		}
		if !e.opts.Backoff.Ready(op.RetryCount, op.LastAttempt, now) {
			log.Debug("operation in backoff", "retry_count", op.RetryCount,
				"next_attempt", op.LastAttempt.Add(e.opts.Backoff.Delay(op.RetryCount)))
			blocked[op.Reference] = true
			stats.Deferred++
			continue
		}

		claimed, err := e.store.MarkOperationInProgress(ctx, op.ID)
		if err != nil {
			log.Error("claiming operation", "error", err)
			blocked[op.Reference] = true
			continue
		}
		if !claimed {
			log.Debug("operation claimed elsewhere")
			continue
		}

		err = e.processOperation(ctx, op)

		// The entry is claimed; record the outcome even if ctx was cancelled.
		sctx := context.WithoutCancel(ctx)
		switch {
		case err == nil:
			if err := e.store.MarkOperationCompleted(sctx, op.ID); err != nil {
				log.Error("completing operation", "error", err)
			}
			stats.Synced++
			log.Debug("operation synced")

		case errors.Is(err, model.ErrInvalidPayload):
			if err := e.store.MarkOperationInvalid(sctx, op.ID, err.Error()); err != nil {
				log.Error("marking operation invalid", "error", err)
			}
			stats.Invalid++
			log.Warn("operation rejected", "error", err)

		default:
			if err := e.store.MarkOperationFailed(sctx, op.ID, err.Error()); err != nil {
				log.Error("marking operation failed", "error", err)
			}
			blocked[op.Reference] = true
			stats.Failed++
			log.Warn("operation failed", "retry_count", op.RetryCount+1, "error", err)
		}
	}
	return stats, nil
}

// finishQueuePass refreshes the projection and publishes the notification.
func (e *Engine) finishQueuePass(ctx context.Context, stats *QueueStats) {
	ctx = context.WithoutCancel(ctx)
	e.RefreshPendingOperations(ctx)
	e.RefreshFailedOperations(ctx)

	if stats.Synced > 0 {
		e.state.update(func(s *SyncState) { s.NotificationMessage = syncedMessage(stats.Synced) })
		e.cntSynced.Add(ctx, int64(stats.Synced))
	}
	if stats.Failed > 0 {
		e.cntFailed.Add(ctx, int64(stats.Failed))
	}
	if stats.Deferred > 0 {
		e.cntDeferred.Add(ctx, int64(stats.Deferred))
	}

	trace.SpanFromContext(ctx).SetAttributes(queueAttrs(*stats)...)
	e.log.Info("queue pass complete",
		"synced", stats.Synced, "failed", stats.Failed,
		"deferred", stats.Deferred, "invalid", stats.Invalid)
}

func syncedMessage(n int) string {
	if n == 1 {
		return "1 operação sincronizada"
	}
	return fmt.Sprintf("%d operações sincronizadas", n)
}

// processOperation decodes an entry and dispatches it by payload variant.
// Decode failures wrap [model.ErrInvalidPayload].
func (e *Engine) processOperation(ctx context.Context, op *model.SyncOperation) error {
	p, err := model.DecodePayload(op.EntityType, op.Operation, op.Data)
	if err != nil {
		return err
	}

	switch v := p.(type) {
	case *model.FavoritePayload:
		return e.syncFavorite(ctx, v)
	case *model.PointPayload:
		if op.Operation == model.OpCreate {
			return e.syncPointCreate(ctx, v)
		}
		return e.syncPointUpdate(ctx, v)
	case *model.NotePayload:
		return e.syncNote(ctx, op.Operation, v)
	case *model.SearchPayload:
		return e.syncSearch(ctx, v)
	default:
		return fmt.Errorf("%w: %s entries belong to the image queue", model.ErrInvalidPayload, op.EntityType)
	}
}

func (e *Engine) syncNote(ctx context.Context, op model.Operation, p *model.NotePayload) error {
	sctx := context.WithoutCancel(ctx)
	switch op {
	case model.OpCreate:
		n, err := callValue(ctx, e, func(c context.Context) (*model.Note, error) {
			return e.remote.CreateNote(c, p.PointID, p.Content)
		})
		if err != nil {
			return err
		}
		var remoteID string
		if n != nil {
			remoteID = n.RemoteID
		}
		return e.store.MarkNoteSynced(sctx, p.LocalID, remoteID)

	case model.OpDelete:
		err := e.call(ctx, func(c context.Context) error { return e.remote.DeleteNote(c, p.RemoteID) })
		if err != nil && !isNotFound(err) {
			return err
		}
		return e.store.DeleteNote(sctx, p.LocalID)

	default:
		err := e.call(ctx, func(c context.Context) error {
			_, err := e.remote.UpdateNote(c, p.RemoteID, p.Content)
			return err
		})
		if err != nil {
			return err
		}
		return e.store.MarkNoteSynced(sctx, p.LocalID, p.RemoteID)
	}
}

// syncSearch is best effort: a failure is logged and the entry completes.
func (e *Engine) syncSearch(ctx context.Context, p *model.SearchPayload) error {
	err := e.call(ctx, func(c context.Context) error { return e.remote.LogSearchHistory(c, p.Query, p.Type) })
	if err != nil {
		e.log.Warn("logging search history failed, dropping", "query", p.Query, "error", err)
	}
	return nil
}

// isNotFound reports whether err carries a 404 from the backend.
func isNotFound(err error) bool {
	var nf interface{ NotFound() bool }
	return errors.As(err, &nf) && nf.NotFound()
}

func queueAttrs(stats QueueStats) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("queue.synced", stats.Synced),
		attribute.Int("queue.failed", stats.Failed),
		attribute.Int("queue.deferred", stats.Deferred),
		attribute.Int("queue.invalid", stats.Invalid),
	}
}
