package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/appunture/offlinesync/internal/model"
)

// Local mutations: each writes the store first, records its intent in the
// queue, then refreshes the state and drains when online with auto-sync on.

// ToggleFavorite flips the favorite state of a point for the signed-in user
// and returns the new state.
func (e *Engine) ToggleFavorite(ctx context.Context, pointID string) (bool, error) {
	user, ok := e.session.CurrentUser()
	if !ok {
		return false, ErrNotSignedIn
	}
	current, err := e.store.IsFavorite(ctx, pointID, user.ID)
	if err != nil {
		return false, err
	}
	next := !current

	if err := e.store.SetFavoriteStatus(ctx, pointID, user.ID, next, false); err != nil {
		return false, err
	}

	now := e.now().UTC()
	p := &model.FavoritePayload{
		UserID:    user.ID,
		PointID:   pointID,
		Action:    model.FavoriteRemove,
		Timestamp: &now,
	}
	op := model.OpDelete
	if next {
		p.Action = model.FavoriteAdd
		op = model.OpCreate
	}
	if st, err := e.store.GetSyncStatus(ctx, tableFavorites); err != nil {
		e.log.Warn("reading favorites sync status", "error", err)
	} else if st != nil && !st.LastSync.IsZero() {
		seen := st.LastSync
		p.RemoteTimestamp = &seen
	}

	if _, err := e.store.EnqueueOperation(ctx, op, p); err != nil {
		return false, fmt.Errorf("queueing favorite %s: %w", pointID, err)
	}
	e.log.Debug("favorite toggled", "point_id", pointID, "is_favorite", next)
	e.afterMutation(ctx)
	return next, nil
}

// CreatePointOffline stores a new point under a temporary local id and
// queues its creation. The returned point carries that id until the create
// syncs.
func (e *Engine) CreatePointOffline(ctx context.Context, p model.Point) (*model.Point, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: point needs a name", model.ErrInvalidPayload)
	}
	p.ID = model.LocalIDPrefix + uuid.NewString()
	p.UpdatedAt = nil
	if err := e.store.UpsertPoint(ctx, &p, false); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	payload := &model.PointPayload{LocalID: p.ID, Point: p, Timestamp: &now}
	if _, err := e.store.EnqueueOperation(ctx, model.OpCreate, payload); err != nil {
		return nil, fmt.Errorf("queueing point create: %w", err)
	}
	e.log.Info("point created offline", "local_id", p.ID)
	e.afterMutation(ctx)
	return &p, nil
}

// UpdatePointOffline stores an edit and queues it. Editing a point that has
// not reached the server yet replaces its pending create.
func (e *Engine) UpdatePointOffline(ctx context.Context, p model.Point) error {
	if p.ID == "" {
		return fmt.Errorf("%w: point update needs id", model.ErrInvalidPayload)
	}
	if err := e.store.UpsertPoint(ctx, &p, false); err != nil {
		return err
	}

	now := e.now().UTC()
	var err error
	if model.IsLocalID(p.ID) {
		_, err = e.store.EnqueueOperation(ctx, model.OpCreate,
			&model.PointPayload{LocalID: p.ID, Point: p, Timestamp: &now})
	} else {
		_, err = e.store.EnqueueOperation(ctx, model.OpUpdate,
			&model.PointPayload{ID: p.ID, Point: p, Timestamp: &now})
	}
	if err != nil {
		return fmt.Errorf("queueing point %s update: %w", p.ID, err)
	}
	e.afterMutation(ctx)
	return nil
}

// SaveNote stores a note and queues it. A note without a server id is
// queued as a create, otherwise as an update.
func (e *Engine) SaveNote(ctx context.Context, n *model.Note) error {
	if n.UserID == "" {
		if user, ok := e.session.CurrentUser(); ok {
			n.UserID = user.ID
		}
	}
	if err := e.store.SaveNote(ctx, n); err != nil {
		return err
	}

	now := e.now().UTC()
	op := model.OpUpdate
	if n.RemoteID == "" {
		op = model.OpCreate
	}
	p := &model.NotePayload{
		LocalID:   n.LocalID,
		RemoteID:  n.RemoteID,
		PointID:   n.PointID,
		Content:   n.Content,
		Timestamp: &now,
	}
	if _, err := e.store.EnqueueOperation(ctx, op, p); err != nil {
		return fmt.Errorf("queueing note %d: %w", n.LocalID, err)
	}
	e.afterMutation(ctx)
	return nil
}

// DeleteNote removes a note locally. A note the server never saw only has
// its pending entries dropped; otherwise the delete is queued.
func (e *Engine) DeleteNote(ctx context.Context, localID int64) error {
	n, err := e.store.GetNote(ctx, localID)
	if err != nil {
		return err
	}
	if n == nil {
		return nil
	}

	p := &model.NotePayload{LocalID: n.LocalID, RemoteID: n.RemoteID, PointID: n.PointID}
	if n.RemoteID == "" {
		if err := e.store.DeleteOperationsByReference(ctx, p.Reference()); err != nil {
			return err
		}
	} else {
		now := e.now().UTC()
		p.Timestamp = &now
		if _, err := e.store.EnqueueOperation(ctx, model.OpDelete, p); err != nil {
			return fmt.Errorf("queueing note %d delete: %w", localID, err)
		}
	}
	if err := e.store.DeleteNote(ctx, localID); err != nil {
		return err
	}
	e.afterMutation(ctx)
	return nil
}

// RecordSearch adds a query to local history and, when signed in, queues it
// for the server's history.
func (e *Engine) RecordSearch(ctx context.Context, query string, typ model.SearchType) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if typ == "" {
		typ = model.SearchGeneral
	}
	if err := e.store.AddSearchHistory(ctx, query, typ); err != nil {
		return err
	}
	if _, ok := e.session.CurrentUser(); !ok {
		return nil
	}
	if _, err := e.store.EnqueueOperation(ctx, model.OpCreate, &model.SearchPayload{Query: query, Type: typ}); err != nil {
		return fmt.Errorf("queueing search %q: %w", query, err)
	}
	e.afterMutation(ctx)
	return nil
}

// QueueImage queues a local image for upload to a point.
func (e *Engine) QueueImage(ctx context.Context, pointID, uri string) error {
	if pointID == "" {
		return errors.New("queueing image: empty point id")
	}
	if _, err := e.store.EnqueueImageSync(ctx, pointID, uri); err != nil {
		return fmt.Errorf("queueing image for point %s: %w", pointID, err)
	}
	e.afterMutation(ctx)
	return nil
}

func (e *Engine) afterMutation(ctx context.Context) {
	e.RefreshPendingOperations(ctx)
	e.drainIfAllowed(ctx)
}
