package store

import (
	"context"
	"testing"
	"time"

	"github.com/appunture/offlinesync/internal/model"
)

func TestUpsertAndGetPoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	updated := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	p := &model.Point{
		ID:          "42",
		Code:        "LI4",
		Name:        "Hegu",
		Meridian:    "Large Intestine",
		Location:    "Dorsum of the hand",
		Coordinates: &model.Coordinates{X: 0.25, Y: 0.75},
		UpdatedAt:   &updated,
	}
	if err := s.UpsertPoint(ctx, p, true); err != nil {
		t.Fatalf("UpsertPoint: %v", err)
	}

	got, err := s.GetPoint(ctx, "42")
	if err != nil {
		t.Fatalf("GetPoint: %v", err)
	}
	if got == nil {
		t.Fatal("GetPoint returned nil, want point")
	}
	if got.Name != "Hegu" {
		t.Errorf("Name = %q, want %q", got.Name, "Hegu")
	}
	if got.Coordinates == nil || got.Coordinates.X != 0.25 {
		t.Errorf("Coordinates = %+v, want X=0.25", got.Coordinates)
	}
	if got.UpdatedAt == nil || !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, updated)
	}

	// Second upsert replaces fields.
	p.Name = "Hegu (Union Valley)"
	if err := s.UpsertPoint(ctx, p, true); err != nil {
		t.Fatalf("second UpsertPoint: %v", err)
	}
	got, _ = s.GetPoint(ctx, "42")
	if got.Name != "Hegu (Union Valley)" {
		t.Errorf("Name after update = %q", got.Name)
	}
}

func TestGetPoint_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetPoint(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("GetPoint = %+v, want nil", got)
	}
}

func TestRemovePointsNotIn_KeepsUnsynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPoints(ctx, []model.Point{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}, {ID: "3", Name: "c"}}); err != nil {
		t.Fatalf("UpsertPoints: %v", err)
	}
	if err := s.UpsertPoint(ctx, &model.Point{ID: "local-x", Name: "offline"}, false); err != nil {
		t.Fatalf("UpsertPoint: %v", err)
	}

	removed, err := s.RemovePointsNotIn(ctx, []string{"1", "3"})
	if err != nil {
		t.Fatalf("RemovePointsNotIn: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if p, _ := s.GetPoint(ctx, "2"); p != nil {
		t.Error("point 2 still present, want removed")
	}
	if p, _ := s.GetPoint(ctx, "local-x"); p == nil {
		t.Error("unsynced point removed, want kept")
	}
}

func TestRemovePointsNotIn_EmptyRemovesAllSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPoints(ctx, []model.Point{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}); err != nil {
		t.Fatalf("UpsertPoints: %v", err)
	}
	removed, err := s.RemovePointsNotIn(ctx, nil)
	if err != nil {
		t.Fatalf("RemovePointsNotIn: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

func TestUpsertSymptoms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertSymptoms(ctx, []model.Symptom{
		{ID: "s1", Name: "Headache", Synonyms: []string{"cephalalgia"}},
		{ID: "s2", Name: "Anxiety"},
	})
	if err != nil {
		t.Fatalf("UpsertSymptoms: %v", err)
	}
	got, err := s.ListSymptoms(ctx)
	if err != nil {
		t.Fatalf("ListSymptoms: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("symptoms = %d, want 2", len(got))
	}
	if got[1].Name != "Headache" || len(got[1].Synonyms) != 1 {
		t.Errorf("symptom = %+v, want Headache with 1 synonym", got[1])
	}
}

// ---------------------------------------------------------------------------
// Favorites
// ---------------------------------------------------------------------------

func TestSetFavoriteStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetFavoriteStatus(ctx, "p1", "u1", true, false); err != nil {
		t.Fatalf("SetFavoriteStatus add: %v", err)
	}
	fav, err := s.IsFavorite(ctx, "p1", "u1")
	if err != nil {
		t.Fatalf("IsFavorite: %v", err)
	}
	if !fav {
		t.Error("IsFavorite = false after add, want true")
	}

	// Unsynced removal leaves a tombstone that reads as not favorite.
	if err := s.SetFavoriteStatus(ctx, "p1", "u1", false, false); err != nil {
		t.Fatalf("SetFavoriteStatus remove: %v", err)
	}
	if fav, _ := s.IsFavorite(ctx, "p1", "u1"); fav {
		t.Error("IsFavorite = true after unsynced remove, want false")
	}

	// A bulk pull that still lists p1 must not resurrect the pending removal.
	if err := s.ReplaceFavorites(ctx, "u1", []string{"p1", "p2"}); err != nil {
		t.Fatalf("ReplaceFavorites: %v", err)
	}
	ids, err := s.FavoritePointIDs(ctx, "u1")
	if err != nil {
		t.Fatalf("FavoritePointIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p2" {
		t.Errorf("favorites = %v, want [p2]", ids)
	}

	// Synced removal deletes the row.
	if err := s.SetFavoriteStatus(ctx, "p1", "u1", false, true); err != nil {
		t.Fatalf("SetFavoriteStatus synced remove: %v", err)
	}
	if err := s.ReplaceFavorites(ctx, "u1", []string{"p1"}); err != nil {
		t.Fatalf("ReplaceFavorites: %v", err)
	}
	ids, _ = s.FavoritePointIDs(ctx, "u1")
	if len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("favorites = %v, want [p1]", ids)
	}
}

func TestReplaceFavorites_OtherUsersUntouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceFavorites(ctx, "u1", []string{"p1"}); err != nil {
		t.Fatalf("ReplaceFavorites u1: %v", err)
	}
	if err := s.ReplaceFavorites(ctx, "u2", []string{"p9"}); err != nil {
		t.Fatalf("ReplaceFavorites u2: %v", err)
	}
	ids, _ := s.FavoritePointIDs(ctx, "u1")
	if len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("u1 favorites = %v, want [p1]", ids)
	}
}

// ---------------------------------------------------------------------------
// Notes, search history, sync status
// ---------------------------------------------------------------------------

func TestNoteLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := &model.Note{PointID: "p1", UserID: "u1", Content: "press firmly"}
	if err := s.SaveNote(ctx, n); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	if n.LocalID == 0 {
		t.Fatal("SaveNote did not set LocalID")
	}

	if err := s.MarkNoteSynced(ctx, n.LocalID, "srv-7"); err != nil {
		t.Fatalf("MarkNoteSynced: %v", err)
	}
	got, err := s.GetNote(ctx, n.LocalID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if !got.Synced || got.RemoteID != "srv-7" {
		t.Errorf("note = %+v, want synced with remote id srv-7", got)
	}

	got.Content = "press gently"
	if err := s.SaveNote(ctx, got); err != nil {
		t.Fatalf("SaveNote update: %v", err)
	}
	got, _ = s.GetNote(ctx, n.LocalID)
	if got.Synced {
		t.Error("note still synced after local edit")
	}
	if got.RemoteID != "srv-7" {
		t.Errorf("RemoteID = %q, want srv-7 kept", got.RemoteID)
	}

	if err := s.DeleteNote(ctx, n.LocalID); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if got, _ := s.GetNote(ctx, n.LocalID); got != nil {
		t.Error("note still present after delete")
	}
}

func TestAddSearchHistory_TrimsToLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := range searchHistoryLimit + 5 {
		if err := s.AddSearchHistory(ctx, "query", model.SearchGeneral); err != nil {
			t.Fatalf("AddSearchHistory #%d: %v", i, err)
		}
	}
	got, err := s.RecentSearches(ctx, 100)
	if err != nil {
		t.Fatalf("RecentSearches: %v", err)
	}
	if len(got) != searchHistoryLimit {
		t.Errorf("history = %d, want %d", len(got), searchHistoryLimit)
	}
}

func TestSyncStatus(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.now))
	ctx := context.Background()

	got, err := s.GetSyncStatus(ctx, "points")
	if err != nil {
		t.Fatalf("GetSyncStatus: %v", err)
	}
	if got != nil {
		t.Errorf("GetSyncStatus before update = %+v, want nil", got)
	}

	if err := s.UpdateSyncStatus(ctx, "points", model.SyncStatusError); err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}
	clock.advance(time.Minute)
	if err := s.UpdateSyncStatus(ctx, "points", model.SyncStatusSuccess); err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}

	got, _ = s.GetSyncStatus(ctx, "points")
	if got.Status != model.SyncStatusSuccess {
		t.Errorf("Status = %q, want success", got.Status)
	}
	if !got.LastSync.Equal(clock.t) {
		t.Errorf("LastSync = %v, want %v", got.LastSync, clock.t)
	}
}
