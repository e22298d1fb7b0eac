package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/appunture/offlinesync/internal/model"
)

// ImageStats summarizes one [Engine.SyncImages] pass.
type ImageStats struct {
	Uploaded int
	Failed   int
	Deferred int
	Invalid  int
}

// SyncImages uploads queued images and attaches them to their points. It
// needs a signed-in user and a connection, and never overlaps itself. Each
// entry succeeds or fails on its own.
func (e *Engine) SyncImages(ctx context.Context) (ImageStats, error) {
	var stats ImageStats
	if _, ok := e.session.CurrentUser(); !ok {
		return stats, nil
	}
	if !e.state.Snapshot().IsOnline {
		return stats, nil
	}
	if !e.imagesRunning.CompareAndSwap(false, true) {
		e.log.Debug("image pass already running, skipping")
		return stats, nil
	}
	defer e.imagesRunning.Store(false)

	ctx, span := e.tracer.Start(ctx, spanImages)
	defer span.End()
	defer e.RefreshPendingOperations(context.WithoutCancel(ctx))

	imgs, err := e.store.GetPendingImages(ctx, e.opts.ImageBatch)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("loading queued images: %w", err)
	}

	now := e.now()
	for _, img := range imgs {
		if ctx.Err() != nil {
			break
		}
		log := e.log.With("image_id", img.ID, "point_id", img.PointID)
		sctx := context.WithoutCancel(ctx)

		if img.ImageURI == "" {
			if err := e.store.MarkImageSyncInvalid(sctx, img.ID, "missing image uri"); err != nil {
				log.Error("marking image invalid", "error", err)
			}
			stats.Invalid++
			log.Warn("image entry has no uri")
			continue
		}
		if model.IsLocalID(img.PointID) {
			// Waits for the point create to sync and repoint the entry.
			stats.Deferred++
			continue
		}
		if !e.opts.Backoff.Ready(img.RetryCount, img.LastAttempt, now) {
			stats.Deferred++
			continue
		}

		claimed, err := e.store.MarkImageSyncInProgress(ctx, img.ID)
		if err != nil {
			log.Error("claiming image", "error", err)
			continue
		}
		if !claimed {
			continue
		}

		if err := e.uploadImage(ctx, img); err != nil {
			if merr := e.store.MarkImageSyncFailed(sctx, img.ID, err.Error()); merr != nil {
				log.Error("marking image failed", "error", merr)
			}
			stats.Failed++
			log.Warn("image upload failed", "retry_count", img.RetryCount+1, "error", err)
			continue
		}
		if err := e.store.MarkImageSyncCompleted(sctx, img.ID); err != nil {
			log.Error("completing image", "error", err)
		}
		stats.Uploaded++
	}

	if stats.Uploaded > 0 {
		e.cntImagesOK.Add(ctx, int64(stats.Uploaded))
	}
	if stats.Failed > 0 {
		e.cntImagesError.Add(ctx, int64(stats.Failed))
	}
	span.SetAttributes(
		attribute.Int("images.uploaded", stats.Uploaded),
		attribute.Int("images.failed", stats.Failed),
		attribute.Int("images.deferred", stats.Deferred),
	)
	if len(imgs) > 0 {
		e.log.Info("image pass complete", "uploaded", stats.Uploaded, "failed", stats.Failed,
			"deferred", stats.Deferred, "invalid", stats.Invalid)
	}
	return stats, nil
}

// uploadImage sends the file and attaches the resulting URL. Once the upload
// succeeds the entry is done; a failed attach is only logged since retrying
// would upload the file again.
func (e *Engine) uploadImage(ctx context.Context, img *model.ImageSyncOperation) error {
	url, err := callValue(ctx, e, func(c context.Context) (string, error) {
		return e.media.Upload(c, img.ImageURI)
	})
	if err != nil {
		return err
	}

	point, err := callValue(ctx, e, func(c context.Context) (*model.Point, error) {
		return e.remote.AddImageToPoint(c, img.PointID, url)
	})
	if err != nil {
		e.log.Warn("attaching uploaded image", "point_id", img.PointID, "url", url, "error", err)
		return nil
	}
	if point != nil {
		if err := e.store.UpsertPoint(context.WithoutCancel(ctx), point, true); err != nil {
			e.log.Warn("storing point after image attach", "point_id", img.PointID, "error", err)
		}
	}
	return nil
}
