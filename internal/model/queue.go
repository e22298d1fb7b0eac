package model

import "time"

// EntityType identifies what kind of resource a queued operation mutates.
type EntityType string

const (
	EntityFavorite      EntityType = "favorite"
	EntityPoint         EntityType = "point"
	EntitySymptom       EntityType = "symptom"
	EntityNote          EntityType = "note"
	EntitySearchHistory EntityType = "search_history"
	EntityImage         EntityType = "image"
)

// Operation is the mutation verb of a queued operation.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpUpsert Operation = "UPSERT"
)

// Valid reports whether o is a known verb.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpUpsert:
		return true
	}
	return false
}

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// SyncOperation is a durable record of one pending mutation.
type SyncOperation struct {
	ID         string
	EntityType EntityType
	Operation  Operation

	// Data is the JSON payload. Decode it with [DecodePayload].
	Data []byte

	// Reference is the logical resource key used for dedup and per-resource
	// ordering (see [Payload.Reference]).
	Reference string

	Timestamp  time.Time
	RetryCount int
	Status     Status

	// LastAttempt is zero until the first processing attempt.
	LastAttempt time.Time
	LastError   string
	CreatedAt   time.Time
}

// ImageSyncOperation is a durable record of one pending image upload for a
// point.
type ImageSyncOperation struct {
	ID          int64
	PointID     string
	ImageURI    string
	Payload     []byte
	Status      Status
	RetryCount  int
	LastAttempt time.Time
	LastError   string
	CreatedAt   time.Time
}
