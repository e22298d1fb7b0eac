package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload is returned (wrapped) when a queue entry's payload cannot
// be decoded or fails validation. Such entries can never succeed.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the decoded form of a queue entry's data. Each entity kind has
// exactly one variant:
//
//   - [*FavoritePayload] for [EntityFavorite]
//   - [*PointPayload] for [EntityPoint]
//   - [*NotePayload] for [EntityNote]
//   - [*SearchPayload] for [EntitySearchHistory]
//   - [*ImagePayload] for [EntityImage]
//
// Symptoms are pull-only and have no variant.
type Payload interface {
	Entity() EntityType
	// Reference returns the logical resource key. Entries sharing a
	// reference supersede each other on enqueue and are replayed in order.
	Reference() string
	validate(op Operation) error
}

// FavoriteAction is the intended favorite state change.
type FavoriteAction string

const (
	FavoriteAdd    FavoriteAction = "ADD"
	FavoriteRemove FavoriteAction = "REMOVE"
)

// FavoritePayload marks or unmarks a point as favorite for a user.
type FavoritePayload struct {
	UserID  string         `json:"userId"`
	PointID string         `json:"pointId"`
	Action  FavoriteAction `json:"action"`

	// Timestamp is when the user made the change on the device.
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// RemoteTimestamp is when the device last saw the server's favorites.
	RemoteTimestamp *time.Time `json:"remoteTimestamp,omitempty"`
}

func (p *FavoritePayload) Entity() EntityType { return EntityFavorite }

func (p *FavoritePayload) Reference() string {
	return "favorite:" + p.UserID + ":" + p.PointID
}

func (p *FavoritePayload) validate(op Operation) error {
	if op == OpDelete {
		p.Action = FavoriteRemove
	}
	if p.Action == "" {
		p.Action = FavoriteAdd
	}
	if p.Action != FavoriteAdd && p.Action != FavoriteRemove {
		return fmt.Errorf("unknown favorite action %q", p.Action)
	}
	if p.UserID == "" || p.PointID == "" {
		return errors.New("favorite needs userId and pointId")
	}
	return nil
}

// PointPayload carries a point edit. CREATE entries carry the temporary
// LocalID; UPDATE entries carry the server ID.
type PointPayload struct {
	ID        string     `json:"id,omitempty"`
	LocalID   string     `json:"localId,omitempty"`
	Point     Point      `json:"point"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p *PointPayload) Entity() EntityType { return EntityPoint }

func (p *PointPayload) Reference() string {
	if p.ID != "" {
		return "point:" + p.ID
	}
	return "point:local:" + p.LocalID
}

func (p *PointPayload) validate(op Operation) error {
	switch op {
	case OpCreate:
		if p.LocalID == "" {
			return errors.New("point create needs localId")
		}
		if strings.TrimSpace(p.Point.Name) == "" {
			return errors.New("point create needs a name")
		}
	case OpUpdate, OpUpsert:
		if p.ID == "" {
			return errors.New("point update needs id")
		}
	default:
		return fmt.Errorf("point does not support %s", op)
	}
	return nil
}

// NotePayload carries a note mutation.
type NotePayload struct {
	LocalID   int64      `json:"localId"`
	RemoteID  string     `json:"remoteId,omitempty"`
	PointID   string     `json:"pointId"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p *NotePayload) Entity() EntityType { return EntityNote }

func (p *NotePayload) Reference() string {
	return "note:" + strconv.FormatInt(p.LocalID, 10)
}

func (p *NotePayload) validate(op Operation) error {
	if p.LocalID <= 0 {
		return errors.New("note needs localId")
	}
	switch op {
	case OpCreate:
		if p.PointID == "" || p.Content == "" {
			return errors.New("note create needs pointId and content")
		}
	case OpUpdate, OpUpsert:
		if p.RemoteID == "" || p.Content == "" {
			return errors.New("note update needs remoteId and content")
		}
	case OpDelete:
		if p.RemoteID == "" {
			return errors.New("note delete needs remoteId")
		}
	}
	return nil
}

// SearchPayload logs one search to the server's history.
type SearchPayload struct {
	Query string     `json:"query"`
	Type  SearchType `json:"type"`
}

func (p *SearchPayload) Entity() EntityType { return EntitySearchHistory }

func (p *SearchPayload) Reference() string {
	return "search:" + string(p.Type) + ":" + p.Query
}

func (p *SearchPayload) validate(Operation) error {
	if strings.TrimSpace(p.Query) == "" {
		return errors.New("search needs a query")
	}
	if p.Type == "" {
		p.Type = SearchGeneral
	}
	if !p.Type.Valid() {
		return fmt.Errorf("unknown search type %q", p.Type)
	}
	return nil
}

// ImagePayload is the context stored alongside an image queue entry.
type ImagePayload struct {
	PointID  string `json:"pointId"`
	ImageURI string `json:"imageUri"`
}

func (p *ImagePayload) Entity() EntityType { return EntityImage }

func (p *ImagePayload) Reference() string { return "image:" + p.PointID }

func (p *ImagePayload) validate(Operation) error {
	if p.PointID == "" {
		return errors.New("image needs pointId")
	}
	return nil
}

// DecodePayload parses data into the variant for entity and validates it for
// op. Every failure wraps [ErrInvalidPayload].
func DecodePayload(entity EntityType, op Operation, data []byte) (Payload, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, op)
	}

	var p Payload
	switch entity {
	case EntityFavorite:
		p = &FavoritePayload{}
	case EntityPoint:
		p = &PointPayload{}
	case EntityNote:
		p = &NotePayload{}
	case EntitySearchHistory:
		p = &SearchPayload{}
	case EntityImage:
		p = &ImagePayload{}
	case EntitySymptom:
		return nil, fmt.Errorf("%w: symptoms are not pushed", ErrInvalidPayload)
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, entity)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrInvalidPayload, entity)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidPayload, entity, err)
	}
	if err := p.validate(op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// EncodePayload validates p for op and serializes it.
func EncodePayload(op Operation, p Payload) ([]byte, error) {
	if err := p.validate(op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.Marshal(p)
}
