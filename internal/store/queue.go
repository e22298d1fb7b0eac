package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/appunture/offlinesync/internal/model"
)

// EnqueueOperation serializes p and appends it to the operation queue.
// Older entries for the same reference that are not currently in progress
// are superseded, so the queue holds the latest intent per resource.
func (s *Store) EnqueueOperation(ctx context.Context, op model.Operation, p model.Payload) (*model.SyncOperation, error) {
	data, err := model.EncodePayload(op, p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Entity(), err)
	}

	now := s.now().UTC()
	entry := &model.SyncOperation{
		ID:         uuid.NewString(),
		EntityType: p.Entity(),
		Operation:  op,
		Data:       data,
		Reference:  p.Reference(),
		Timestamp:  now,
		Status:     model.StatusPending,
		CreatedAt:  now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		const del = `DELETE FROM sync_queue WHERE reference = ? AND status != 'in_progress'`
		if _, err := tx.ExecContext(ctx, del, entry.Reference); err != nil {
			return fmt.Errorf("superseding queued %s: %w", entry.Reference, err)
		}
		const ins = `
			INSERT INTO sync_queue
			    (id, entity_type, operation, data, reference, timestamp, retry_count, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 'pending', ?)`
		if _, err := tx.ExecContext(ctx, ins,
			entry.ID, string(entry.EntityType), string(entry.Operation), string(entry.Data),
			entry.Reference, toMillis(entry.Timestamp), toMillis(entry.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting queued %s: %w", entry.Reference, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const selectOperation = `
	SELECT id, entity_type, operation, data, reference, timestamp,
	       retry_count, status, last_attempt, last_error, created_at
	FROM sync_queue`

// GetQueuedOperations returns up to limit entries eligible for processing
// (pending or retry), oldest first. Completed entries are deleted on
// completion and therefore never returned.
func (s *Store) GetQueuedOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	q := selectOperation + `
		WHERE status IN ('pending', 'retry')
		ORDER BY timestamp ASC, created_at ASC, rowid ASC
		LIMIT ?`
	return s.queryOperations(ctx, q, limit)
}

// GetFailedOperations returns entries that exhausted their retries or were
// rejected as invalid, most recently attempted first.
func (s *Store) GetFailedOperations(ctx context.Context) ([]*model.SyncOperation, error) {
	q := selectOperation + `
		WHERE status = 'failed'
		ORDER BY last_attempt DESC, rowid DESC`
	return s.queryOperations(ctx, q)
}

// GetOperation returns a single entry, or (nil, nil) if absent.
func (s *Store) GetOperation(ctx context.Context, id string) (*model.SyncOperation, error) {
	return scanOperation(s.db.QueryRowContext(ctx, selectOperation+` WHERE id = ?`, id))
}

// CountPendingOperations counts entries not yet settled: pending, retry, or
// in progress.
func (s *Store) CountPendingOperations(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'retry', 'in_progress')`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending operations: %w", err)
	}
	return n, nil
}

// MarkOperationInProgress claims an entry for processing. It reports false
// when the entry is gone or not claimable (already in progress or failed).
func (s *Store) MarkOperationInProgress(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE sync_queue SET status = 'in_progress', last_attempt = ?
		WHERE id = ? AND status IN ('pending', 'retry')`
	res, err := s.db.ExecContext(ctx, q, toMillis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("claiming operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming operation %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkOperationCompleted removes a successfully replayed entry.
func (s *Store) MarkOperationCompleted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("completing operation %s: %w", id, err)
	}
	return nil
}

// MarkOperationFailed records a failed attempt. The entry goes back to retry
// until its retry count reaches the store's max retries, then becomes failed.
func (s *Store) MarkOperationFailed(ctx context.Context, id, msg string) error {
	const q = `
		UPDATE sync_queue SET
		    retry_count  = retry_count + 1,
		    status       = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'retry' END,
		    last_error   = ?,
		    last_attempt = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, s.maxRetries, msg, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failing operation %s: %w", id, err)
	}
	return requireRow(res, "operation "+id)
}

// MarkOperationInvalid moves an entry straight to failed without consuming a
// retry. Used for payloads that can never succeed.
func (s *Store) MarkOperationInvalid(ctx context.Context, id, msg string) error {
	const q = `
		UPDATE sync_queue SET status = 'failed', last_error = ?, last_attempt = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, msg, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("invalidating operation %s: %w", id, err)
	}
	return requireRow(res, "operation "+id)
}

// ResetOperation puts a failed entry back to pending with a clean retry
// history. Entries in any other state return [ErrNotFound].
func (s *Store) ResetOperation(ctx context.Context, id string) error {
	const q = `
		UPDATE sync_queue SET status = 'pending', retry_count = 0, last_error = '', last_attempt = 0
		WHERE id = ? AND status = 'failed'`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("resetting operation %s: %w", id, err)
	}
	return requireRow(res, "operation "+id)
}

// DeleteOperation discards a single failed entry. Live work (pending, retry
// or in progress) is never deleted and returns [ErrNotFound].
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("deleting operation %s: %w", id, err)
	}
	return requireRow(res, "operation "+id)
}

// DeleteOperationsByReference discards queued entries for a resource that
// no longer needs syncing.
func (s *Store) DeleteOperationsByReference(ctx context.Context, ref string) error {
	const q = `DELETE FROM sync_queue WHERE reference = ? AND status != 'in_progress'`
	if _, err := s.db.ExecContext(ctx, q, ref); err != nil {
		return fmt.Errorf("deleting operations for %s: %w", ref, err)
	}
	return nil
}

// ClearFailedOperations discards every failed entry and returns how many were
// removed.
func (s *Store) ClearFailedOperations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("clearing failed operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RequeueInterrupted returns stale claims in both queues to retry: entries
// left in_progress whose last attempt is at least staleAfter old. A fresh
// claim may belong to another process still working on it, so it is left
// alone. Returns the number of entries requeued.
func (s *Store) RequeueInterrupted(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := toMillis(s.now().Add(-staleAfter))
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"sync_queue", "image_sync_queue"} {
			q := `UPDATE ` + table + ` SET status = 'retry' WHERE status = 'in_progress' AND last_attempt <= ?`
			res, err := tx.ExecContext(ctx, q, cutoff)
			if err != nil {
				return fmt.Errorf("requeueing %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

func (s *Store) queryOperations(ctx context.Context, q string, args ...any) ([]*model.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*model.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(sc scanner) (*model.SyncOperation, error) {
	var op model.SyncOperation
	var entity, verb, data, status string
	var ts, lastAttempt, created int64

	err := sc.Scan(
		&op.ID, &entity, &verb, &data, &op.Reference, &ts,
		&op.RetryCount, &status, &lastAttempt, &op.LastError, &created,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operation row: %w", err)
	}

	op.EntityType = model.EntityType(entity)
	op.Operation = model.Operation(verb)
	op.Data = []byte(data)
	op.Status = model.Status(status)
	op.Timestamp = fromMillis(ts)
	op.LastAttempt = fromMillis(lastAttempt)
	op.CreatedAt = fromMillis(created)
	return &op, nil
}
