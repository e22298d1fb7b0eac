package model

import (
	"errors"
	"testing"
	"time"
)

func TestDecodePayload_Favorite(t *testing.T) {
	data := []byte(`{"userId":"u1","pointId":"p1","action":"ADD","timestamp":"2026-01-02T10:00:00Z"}`)
	p, err := DecodePayload(EntityFavorite, OpUpsert, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fav, ok := p.(*FavoritePayload)
	if !ok {
		t.Fatalf("payload type = %T, want *FavoritePayload", p)
	}
	if fav.Action != FavoriteAdd {
		t.Errorf("Action = %q, want ADD", fav.Action)
	}
	want := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	if fav.Timestamp == nil || !fav.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", fav.Timestamp, want)
	}
	if fav.Reference() != "favorite:u1:p1" {
		t.Errorf("Reference = %q", fav.Reference())
	}
}

func TestDecodePayload_FavoriteDeleteForcesRemove(t *testing.T) {
	p, err := DecodePayload(EntityFavorite, OpDelete, []byte(`{"userId":"u1","pointId":"p1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.(*FavoritePayload).Action; got != FavoriteRemove {
		t.Errorf("Action = %q, want REMOVE", got)
	}
}

func TestDecodePayload_PointReferences(t *testing.T) {
	create, err := DecodePayload(EntityPoint, OpCreate, []byte(`{"localId":"local-1","point":{"name":"LI4"}}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if create.Reference() != "point:local:local-1" {
		t.Errorf("create Reference = %q", create.Reference())
	}

	update, err := DecodePayload(EntityPoint, OpUpdate, []byte(`{"id":"42","point":{"name":"LI4"}}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.Reference() != "point:42" {
		t.Errorf("update Reference = %q", update.Reference())
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		entity EntityType
		op     Operation
		data   string
	}{
		{"favorite missing point", EntityFavorite, OpUpsert, `{"userId":"u1"}`},
		{"favorite bad action", EntityFavorite, OpUpsert, `{"userId":"u1","pointId":"p1","action":"TOGGLE"}`},
		{"point create without local id", EntityPoint, OpCreate, `{"point":{"name":"x"}}`},
		{"point update without id", EntityPoint, OpUpdate, `{"point":{"name":"x"}}`},
		{"point delete", EntityPoint, OpDelete, `{"id":"1"}`},
		{"note update without remote id", EntityNote, OpUpdate, `{"localId":3,"content":"x"}`},
		{"search without query", EntitySearchHistory, OpCreate, `{"query":"  "}`},
		{"symptom", EntitySymptom, OpUpsert, `{}`},
		{"unknown entity", EntityType("widget"), OpCreate, `{}`},
		{"unknown operation", EntityFavorite, Operation("MERGE"), `{}`},
		{"empty data", EntityNote, OpCreate, ``},
		{"malformed json", EntityNote, OpCreate, `{"localId":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePayload(tc.entity, tc.op, []byte(tc.data))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestDecodePayload_SearchDefaultsToGeneral(t *testing.T) {
	p, err := DecodePayload(EntitySearchHistory, OpCreate, []byte(`{"query":"headache"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.(*SearchPayload).Type; got != SearchGeneral {
		t.Errorf("Type = %q, want general", got)
	}
}

func TestEncodePayload_RejectsInvalid(t *testing.T) {
	_, err := EncodePayload(OpCreate, &NotePayload{LocalID: 1})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("error = %v, want ErrInvalidPayload", err)
	}
}

func TestIsLocalID(t *testing.T) {
	if !IsLocalID("local-abc") {
		t.Error("IsLocalID(local-abc) = false, want true")
	}
	if IsLocalID("42") {
		t.Error("IsLocalID(42) = true, want false")
	}
}
