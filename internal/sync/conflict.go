package sync

import (
	"context"
	"time"

	"github.com/appunture/offlinesync/internal/model"
)

// localWins is the last-write-wins rule for point edits: without a local
// timestamp the server wins, without a remote timestamp the device wins,
// otherwise the device wins only when strictly newer. Ties go to the server.
func localWins(local, remote *time.Time) bool {
	switch {
	case local == nil || local.IsZero():
		return false
	case remote == nil || remote.IsZero():
		return true
	default:
		return local.After(*remote)
	}
}

// serverWinsFavorite reports whether a disagreeing server favorite state
// overrides the device. The server only wins with both timestamps present
// and the device not strictly newer; with nothing to compare the device's
// toggle goes through.
func serverWinsFavorite(local, remote *time.Time) bool {
	if local == nil || local.IsZero() || remote == nil || remote.IsZero() {
		return false
	}
	return !local.After(*remote)
}

// syncFavorite replays a favorite toggle. When the server's state differs
// from what the device intends and the server's change is newer, the server
// state is adopted locally without calling the backend. Otherwise the
// mutation is sent, even when the server already agrees.
func (e *Engine) syncFavorite(ctx context.Context, p *model.FavoritePayload) error {
	intended := p.Action == model.FavoriteAdd
	sctx := context.WithoutCancel(ctx)
	log := e.log.With("point_id", p.PointID, "user_id", p.UserID, "action", p.Action)

	remote, err := callValue(ctx, e, e.remote.GetFavorites)
	switch {
	case err != nil:
		log.Warn("favorite conflict check failed, applying local change", "error", err)
	case containsPoint(remote, p.PointID) == intended:
		log.Debug("server already matches local favorite state")
	case serverWinsFavorite(p.Timestamp, p.RemoteTimestamp):
		e.cntRemoteWins.Add(ctx, 1)
		log.Info("favorite conflict resolved in favor of server", "remote_is_favorite", !intended)
		return e.store.SetFavoriteStatus(sctx, p.PointID, p.UserID, !intended, true)
	default:
		e.cntLocalWins.Add(ctx, 1)
		log.Info("favorite conflict resolved in favor of device")
	}

	if intended {
		err = e.call(ctx, func(c context.Context) error { return e.remote.AddFavorite(c, p.PointID) })
	} else {
		err = e.call(ctx, func(c context.Context) error { return e.remote.RemoveFavorite(c, p.PointID) })
	}
	if err != nil {
		return err
	}
	return e.store.SetFavoriteStatus(sctx, p.PointID, p.UserID, intended, true)
}

func containsPoint(points []model.Point, id string) bool {
	for i := range points {
		if points[i].ID == id {
			return true
		}
	}
	return false
}

// syncPointCreate sends an offline-created point and swaps the temporary
// local id for the server id, including in queued images.
func (e *Engine) syncPointCreate(ctx context.Context, p *model.PointPayload) error {
	body := p.Point
	body.ID = ""
	created, err := callValue(ctx, e, func(c context.Context) (*model.Point, error) {
		return e.remote.CreatePoint(c, &body)
	})
	if err != nil {
		return err
	}

	if err := e.store.ReplacePoint(context.WithoutCancel(ctx), p.LocalID, created); err != nil {
		return err
	}
	e.log.Info("offline point created on server", "local_id", p.LocalID, "point_id", created.ID)
	return nil
}

// syncPointUpdate applies a local edit only if it is newer than the server's
// copy; otherwise the server copy replaces the local one. A point deleted on
// the server is deleted locally.
func (e *Engine) syncPointUpdate(ctx context.Context, p *model.PointPayload) error {
	sctx := context.WithoutCancel(ctx)
	log := e.log.With("point_id", p.ID)

	remote, err := callValue(ctx, e, func(c context.Context) (*model.Point, error) {
		return e.remote.GetPoint(c, p.ID)
	})
	if err != nil {
		if isNotFound(err) {
			log.Info("point deleted on server, dropping local edit")
			return e.store.DeletePointByID(sctx, p.ID)
		}
		return err
	}

	var remoteUpdated *time.Time
	if remote != nil {
		remoteUpdated = remote.UpdatedAt
	}
	if remote != nil && !localWins(p.Timestamp, remoteUpdated) {
		e.cntRemoteWins.Add(ctx, 1)
		log.Info("point conflict resolved in favor of server")
		return e.store.UpsertPoint(sctx, remote, true)
	}

	e.cntLocalWins.Add(ctx, 1)
	body := p.Point
	body.ID = p.ID
	updated, err := callValue(ctx, e, func(c context.Context) (*model.Point, error) {
		return e.remote.UpdatePoint(c, p.ID, &body)
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return e.store.MarkPointSynced(sctx, p.ID)
	}
	return e.store.UpsertPoint(sctx, updated, true)
}
