// Package sync implements the offline-first synchronization engine. Local
// mutations are written to the store and recorded in a durable queue; the
// engine replays them against the backend when connectivity allows, resolves
// conflicts with last-write-wins, pulls reference data, and uploads queued
// images.
//
// The package contains:
//
//   - [Engine] with [Engine.SyncAll], [Engine.ProcessSyncQueue] and
//     [Engine.SyncImages], the mutation entry points, recovery actions, and
//     the [Engine.Run] daemon loop.
//   - [StateHolder], the observable [SyncState] projection.
//   - [BackoffPolicy], shared by both queues.
package sync

import (
	"context"
	"time"

	"github.com/appunture/offlinesync/internal/model"
)

// QueueStore is the durable operation queue. Implemented by [store.Store].
type QueueStore interface {
	EnqueueOperation(ctx context.Context, op model.Operation, p model.Payload) (*model.SyncOperation, error)
	GetQueuedOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error)
	GetFailedOperations(ctx context.Context) ([]*model.SyncOperation, error)
	CountPendingOperations(ctx context.Context) (int, error)
	MarkOperationInProgress(ctx context.Context, id string) (bool, error)
	MarkOperationCompleted(ctx context.Context, id string) error
	MarkOperationFailed(ctx context.Context, id, msg string) error
	MarkOperationInvalid(ctx context.Context, id, msg string) error
	ResetOperation(ctx context.Context, id string) error
	DeleteOperation(ctx context.Context, id string) error
	DeleteOperationsByReference(ctx context.Context, ref string) error
	ClearFailedOperations(ctx context.Context) (int64, error)
	RequeueInterrupted(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// ImageStore is the durable image upload queue. Implemented by [store.Store].
type ImageStore interface {
	EnqueueImageSync(ctx context.Context, pointID, imageURI string) (*model.ImageSyncOperation, error)
	GetPendingImages(ctx context.Context, limit int) ([]*model.ImageSyncOperation, error)
	GetFailedImages(ctx context.Context) ([]*model.ImageSyncOperation, error)
	CountPendingImages(ctx context.Context) (int, error)
	MarkImageSyncInProgress(ctx context.Context, id int64) (bool, error)
	MarkImageSyncCompleted(ctx context.Context, id int64) error
	MarkImageSyncFailed(ctx context.Context, id int64, msg string) error
	MarkImageSyncInvalid(ctx context.Context, id int64, msg string) error
	ResetImageSync(ctx context.Context, id int64) error
	ClearFailedImages(ctx context.Context) (int64, error)
}

// EntityStore holds the local copies of server data. Implemented by
// [store.Store].
type EntityStore interface {
	UpsertPoint(ctx context.Context, p *model.Point, synced bool) error
	UpsertPoints(ctx context.Context, points []model.Point) error
	GetPoint(ctx context.Context, id string) (*model.Point, error)
	DeletePointByID(ctx context.Context, id string) error
	ReplacePoint(ctx context.Context, localID string, p *model.Point) error
	MarkPointSynced(ctx context.Context, id string) error
	RemovePointsNotIn(ctx context.Context, keep []string) (int64, error)
	CountPoints(ctx context.Context) (int, error)

	UpsertSymptoms(ctx context.Context, symptoms []model.Symptom) error

	IsFavorite(ctx context.Context, pointID, userID string) (bool, error)
	SetFavoriteStatus(ctx context.Context, pointID, userID string, isFavorite, synced bool) error
	ReplaceFavorites(ctx context.Context, userID string, pointIDs []string) error

	SaveNote(ctx context.Context, n *model.Note) error
	GetNote(ctx context.Context, localID int64) (*model.Note, error)
	MarkNoteSynced(ctx context.Context, localID int64, remoteID string) error
	DeleteNote(ctx context.Context, localID int64) error

	AddSearchHistory(ctx context.Context, query string, typ model.SearchType) error

	UpdateSyncStatus(ctx context.Context, table, status string) error
	GetSyncStatus(ctx context.Context, table string) (*model.SyncStatus, error)
}

// LocalStore is everything the engine needs from the on-device database.
type LocalStore interface {
	QueueStore
	ImageStore
	EntityStore
}

// RemoteService is the backend API. Implemented by [api.Client].
type RemoteService interface {
	HealthCheck(ctx context.Context) error

	GetFavorites(ctx context.Context) ([]model.Point, error)
	AddFavorite(ctx context.Context, pointID string) error
	RemoveFavorite(ctx context.Context, pointID string) error

	GetPoints(ctx context.Context, q model.PointQuery) ([]model.Point, error)
	GetPoint(ctx context.Context, id string) (*model.Point, error)
	CreatePoint(ctx context.Context, p *model.Point) (*model.Point, error)
	UpdatePoint(ctx context.Context, id string, p *model.Point) (*model.Point, error)
	AddImageToPoint(ctx context.Context, pointID, imageURL string) (*model.Point, error)

	GetSymptoms(ctx context.Context) ([]model.Symptom, error)

	CreateNote(ctx context.Context, pointID, content string) (*model.Note, error)
	UpdateNote(ctx context.Context, remoteID, content string) (*model.Note, error)
	DeleteNote(ctx context.Context, remoteID string) error

	LogSearchHistory(ctx context.Context, query string, typ model.SearchType) error
}

// Connectivity reports device-level reachability. Implemented by
// [connectivity.Monitor].
type Connectivity interface {
	IsOnline(ctx context.Context) bool
	OnChange(listener func(online bool)) (unsubscribe func())
}

// Session exposes the signed-in user. Implemented by [auth.Session].
type Session interface {
	CurrentUser() (*model.User, bool)
}

// MediaUploader turns a local image URI into a remote URL. Implemented by
// [media.Uploader].
type MediaUploader interface {
	Upload(ctx context.Context, uri string) (string, error)
}
