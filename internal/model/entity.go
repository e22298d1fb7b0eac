// Package model defines the domain types shared by the local store, the
// remote API client, and the sync engine.
package model

import (
	"strings"
	"time"
)

// LocalIDPrefix marks points created offline that the server has not yet
// assigned an id to.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was generated on the device.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Coordinates locate a point on the body chart image.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Point is an acupuncture point as exchanged with the backend.
type Point struct {
	ID                string       `json:"id"`
	Code              string       `json:"code,omitempty"`
	Name              string       `json:"name"`
	ChineseName       string       `json:"chinese_name,omitempty"`
	Meridian          string       `json:"meridian"`
	Location          string       `json:"location"`
	Functions         string       `json:"functions,omitempty"`
	Indications       string       `json:"indications,omitempty"`
	Contraindications string       `json:"contraindications,omitempty"`
	ImageURL          string       `json:"image_url,omitempty"`
	Coordinates       *Coordinates `json:"coordinates,omitempty"`
	FavoriteCount     int          `json:"favorite_count,omitempty"`

	// UpdatedAt is the server's last modification time. Nil for records
	// that never reached the server. Used for last-write-wins.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// PointQuery filters a bulk point fetch.
type PointQuery struct {
	Limit    int
	Page     int
	Meridian string
}

// Symptom is reference data linking complaints to points. It is pull-only.
type Symptom struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Synonyms    []string `json:"synonyms,omitempty"`
	UseCount    int      `json:"use_count,omitempty"`
}

// Note is a user's free-text annotation on a point.
type Note struct {
	// LocalID is the device row id. Never sent to the server.
	LocalID int64 `json:"-"`

	// RemoteID is the server id, empty until the create has synced.
	RemoteID string `json:"id,omitempty"`

	PointID   string    `json:"point_id"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
	Synced    bool      `json:"-"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// User is the signed-in account as seen by the device.
type User struct {
	ID    string
	Email string
	Name  string
}

// SearchType classifies a search history entry.
type SearchType string

const (
	SearchPoint   SearchType = "point"
	SearchSymptom SearchType = "symptom"
	SearchGeneral SearchType = "general"
)

// Valid reports whether t is one of the known search types.
func (t SearchType) Valid() bool {
	switch t {
	case SearchPoint, SearchSymptom, SearchGeneral:
		return true
	}
	return false
}

// SearchEntry is one row of local search history.
type SearchEntry struct {
	ID        int64
	Query     string
	Type      SearchType
	CreatedAt time.Time
}

// Collection sync outcomes recorded in the sync_status table.
const (
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
	SyncStatusPending = "pending"
)

// SyncStatus records the last bulk pull of one local collection.
type SyncStatus struct {
	Table    string
	LastSync time.Time
	Status   string
}
