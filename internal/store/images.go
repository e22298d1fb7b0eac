package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/appunture/offlinesync/internal/model"
)

// EnqueueImageSync queues a local image for upload and attachment to a
// point. Older queued images for the same point that are not in progress
// are superseded.
func (s *Store) EnqueueImageSync(ctx context.Context, pointID, imageURI string) (*model.ImageSyncOperation, error) {
	payload, err := model.EncodePayload(model.OpCreate, &model.ImagePayload{PointID: pointID, ImageURI: imageURI})
	if err != nil {
		return nil, fmt.Errorf("encoding image payload: %w", err)
	}

	entry := &model.ImageSyncOperation{
		PointID:   pointID,
		ImageURI:  imageURI,
		Payload:   payload,
		Status:    model.StatusPending,
		CreatedAt: s.now().UTC(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		const del = `DELETE FROM image_sync_queue WHERE point_id = ? AND status != 'in_progress'`
		if _, err := tx.ExecContext(ctx, del, pointID); err != nil {
			return fmt.Errorf("superseding queued images for %q: %w", pointID, err)
		}
		const ins = `
			INSERT INTO image_sync_queue (point_id, image_uri, payload, status, created_at)
			VALUES (?, ?, ?, 'pending', ?)`
		res, err := tx.ExecContext(ctx, ins, pointID, imageURI, string(payload), toMillis(entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("queueing image for %q: %w", pointID, err)
		}
		entry.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const selectImage = `
	SELECT id, point_id, image_uri, payload, status, retry_count, last_attempt, last_error, created_at
	FROM image_sync_queue`

// GetPendingImages returns up to limit image entries eligible for upload,
// oldest first.
func (s *Store) GetPendingImages(ctx context.Context, limit int) ([]*model.ImageSyncOperation, error) {
	q := selectImage + `
		WHERE status IN ('pending', 'retry')
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
	return s.queryImages(ctx, q, limit)
}

// GetFailedImages returns image entries that stopped retrying.
func (s *Store) GetFailedImages(ctx context.Context) ([]*model.ImageSyncOperation, error) {
	q := selectImage + ` WHERE status = 'failed' ORDER BY last_attempt DESC, id DESC`
	return s.queryImages(ctx, q)
}

// CountPendingImages counts image entries not yet settled.
func (s *Store) CountPendingImages(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM image_sync_queue WHERE status IN ('pending', 'retry', 'in_progress')`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending images: %w", err)
	}
	return n, nil
}

// MarkImageSyncInProgress claims an image entry. It reports false when the
// entry is not claimable.
func (s *Store) MarkImageSyncInProgress(ctx context.Context, id int64) (bool, error) {
	const q = `
		UPDATE image_sync_queue SET status = 'in_progress', last_attempt = ?
		WHERE id = ? AND status IN ('pending', 'retry')`
	res, err := s.db.ExecContext(ctx, q, toMillis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("claiming image %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming image %d: %w", id, err)
	}
	return n == 1, nil
}

// MarkImageSyncCompleted removes an uploaded image entry.
func (s *Store) MarkImageSyncCompleted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM image_sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("completing image %d: %w", id, err)
	}
	return nil
}

// MarkImageSyncFailed records a failed upload with the same retry policy as
// the operation queue.
func (s *Store) MarkImageSyncFailed(ctx context.Context, id int64, msg string) error {
	const q = `
		UPDATE image_sync_queue SET
		    retry_count  = retry_count + 1,
		    status       = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'retry' END,
		    last_error   = ?,
		    last_attempt = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, s.maxRetries, msg, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failing image %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("image %d", id))
}

// MarkImageSyncInvalid moves an image entry straight to failed.
func (s *Store) MarkImageSyncInvalid(ctx context.Context, id int64, msg string) error {
	const q = `UPDATE image_sync_queue SET status = 'failed', last_error = ?, last_attempt = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, msg, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("invalidating image %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("image %d", id))
}

// ResetImageSync puts a failed image entry back to pending. Entries in any
// other state return [ErrNotFound].
func (s *Store) ResetImageSync(ctx context.Context, id int64) error {
	const q = `
		UPDATE image_sync_queue SET status = 'pending', retry_count = 0, last_error = '', last_attempt = 0
		WHERE id = ? AND status = 'failed'`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("resetting image %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("image %d", id))
}

// ClearFailedImages discards every failed image entry.
func (s *Store) ClearFailedImages(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM image_sync_queue WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("clearing failed images: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// repointImages moves queued images from a temporary local point id to the
// id the server assigned.
func repointImages(ctx context.Context, ex execer, fromID, toID string) error {
	const q = `UPDATE image_sync_queue SET point_id = ? WHERE point_id = ? AND status != 'in_progress'`
	if _, err := ex.ExecContext(ctx, q, toID, fromID); err != nil {
		return fmt.Errorf("repointing images from %q to %q: %w", fromID, toID, err)
	}
	return nil
}

func (s *Store) queryImages(ctx context.Context, q string, args ...any) ([]*model.ImageSyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ImageSyncOperation
	for rows.Next() {
		var img model.ImageSyncOperation
		var payload, status string
		var lastAttempt, created int64
		if err := rows.Scan(
			&img.ID, &img.PointID, &img.ImageURI, &payload, &status,
			&img.RetryCount, &lastAttempt, &img.LastError, &created,
		); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		img.Payload = []byte(payload)
		img.Status = model.Status(status)
		img.LastAttempt = fromMillis(lastAttempt)
		img.CreatedAt = fromMillis(created)
		out = append(out, &img)
	}
	return out, rows.Err()
}
