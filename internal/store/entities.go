package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/appunture/offlinesync/internal/model"
)

// searchHistoryLimit is how many search history rows are retained.
const searchHistoryLimit = 50

// --- points ------------------------------------------------------------------

const upsertPointSQL = `
	INSERT INTO points
	    (id, code, name, chinese_name, meridian, location, functions,
	     indications, contraindications, image_url, coordinates,
	     favorite_count, updated_at, synced, last_sync)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	    code              = excluded.code,
	    name              = excluded.name,
	    chinese_name      = excluded.chinese_name,
	    meridian          = excluded.meridian,
	    location          = excluded.location,
	    functions         = excluded.functions,
	    indications       = excluded.indications,
	    contraindications = excluded.contraindications,
	    image_url         = excluded.image_url,
	    coordinates       = excluded.coordinates,
	    favorite_count    = excluded.favorite_count,
	    updated_at        = excluded.updated_at,
	    synced            = excluded.synced,
	    last_sync         = excluded.last_sync`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertPoint(ctx context.Context, ex execer, p *model.Point, synced bool) error {
	var coords string
	if p.Coordinates != nil {
		b, err := json.Marshal(p.Coordinates)
		if err != nil {
			return fmt.Errorf("encoding coordinates of point %q: %w", p.ID, err)
		}
		coords = string(b)
	}
	var updatedAt time.Time
	if p.UpdatedAt != nil {
		updatedAt = *p.UpdatedAt
	}
	var lastSync time.Time
	if synced {
		lastSync = s.now()
	}

	_, err := ex.ExecContext(ctx, upsertPointSQL,
		p.ID, p.Code, p.Name, p.ChineseName, p.Meridian, p.Location, p.Functions,
		p.Indications, p.Contraindications, p.ImageURL, coords,
		p.FavoriteCount, formatTime(updatedAt), boolInt(synced), formatTime(lastSync),
	)
	if err != nil {
		return fmt.Errorf("upserting point %q: %w", p.ID, err)
	}
	return nil
}

// UpsertPoint inserts or replaces a single point.
func (s *Store) UpsertPoint(ctx context.Context, p *model.Point, synced bool) error {
	return s.upsertPoint(ctx, s.db, p, synced)
}

// UpsertPoints writes a server batch in one transaction, marking every row
// synced.
func (s *Store) UpsertPoints(ctx context.Context, points []model.Point) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range points {
			if err := s.upsertPoint(ctx, tx, &points[i], true); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPoint returns the point with the given id, or (nil, nil) if absent.
func (s *Store) GetPoint(ctx context.Context, id string) (*model.Point, error) {
	const q = `
		SELECT id, code, name, chinese_name, meridian, location, functions,
		       indications, contraindications, image_url, coordinates,
		       favorite_count, updated_at
		FROM points WHERE id = ?`
	return scanPoint(s.db.QueryRowContext(ctx, q, id))
}

// DeletePointByID removes a point. Deleting a missing point is not an error.
func (s *Store) DeletePointByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting point %q: %w", id, err)
	}
	return nil
}

// ReplacePoint swaps an offline-created point for the server's copy in one
// transaction: the localID row is deleted, p is stored as synced, and queued
// images move to p.ID. Either all of it lands or none of it does.
func (s *Store) ReplacePoint(ctx context.Context, localID string, p *model.Point) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM points WHERE id = ?`, localID); err != nil {
			return fmt.Errorf("deleting point %q: %w", localID, err)
		}
		if err := s.upsertPoint(ctx, tx, p, true); err != nil {
			return err
		}
		return repointImages(ctx, tx, localID, p.ID)
	})
}

// MarkPointSynced flags a point as matching the server.
func (s *Store) MarkPointSynced(ctx context.Context, id string) error {
	const q = `UPDATE points SET synced = 1, last_sync = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("marking point %q synced: %w", id, err)
	}
	return nil
}

// RemovePointsNotIn deletes synced points whose id is not in keep. An empty
// keep removes every synced point. Unsynced (offline-created or edited)
// points are never removed. Returns the number of rows deleted.
func (s *Store) RemovePointsNotIn(ctx context.Context, keep []string) (int64, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM points WHERE synced = 1`)
		if err != nil {
			return fmt.Errorf("listing synced points: %w", err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning point id: %w", err)
			}
			if _, ok := keepSet[id]; !ok {
				stale = append(stale, id)
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("listing synced points: %w", err)
		}

		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM points WHERE id = ?`, id); err != nil {
				return fmt.Errorf("deleting stale point %q: %w", id, err)
			}
		}
		removed = int64(len(stale))
		return nil
	})
	return removed, err
}

// CountPoints returns the number of points stored locally.
func (s *Store) CountPoints(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return n, nil
}

func scanPoint(sc scanner) (*model.Point, error) {
	var p model.Point
	var coords, updatedAt string
	err := sc.Scan(
		&p.ID, &p.Code, &p.Name, &p.ChineseName, &p.Meridian, &p.Location, &p.Functions,
		&p.Indications, &p.Contraindications, &p.ImageURL, &coords,
		&p.FavoriteCount, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning point row: %w", err)
	}
	if coords != "" {
		var c model.Coordinates
		if json.Unmarshal([]byte(coords), &c) == nil {
			p.Coordinates = &c
		}
	}
	if t, _ := parseTime(updatedAt); !t.IsZero() {
		p.UpdatedAt = &t
	}
	return &p, nil
}

// --- symptoms ----------------------------------------------------------------

// UpsertSymptoms writes a server batch of symptoms in one transaction.
func (s *Store) UpsertSymptoms(ctx context.Context, symptoms []model.Symptom) error {
	const q = `
		INSERT INTO symptoms (id, name, description, category, synonyms, use_count, synced, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name        = excluded.name,
		    description = excluded.description,
		    category    = excluded.category,
		    synonyms    = excluded.synonyms,
		    use_count   = excluded.use_count,
		    synced      = 1,
		    last_sync   = excluded.last_sync`

	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sym := range symptoms {
			synonyms := sym.Synonyms
			if synonyms == nil {
				synonyms = []string{}
			}
			b, err := json.Marshal(synonyms)
			if err != nil {
				return fmt.Errorf("encoding synonyms of symptom %q: %w", sym.ID, err)
			}
			if _, err := tx.ExecContext(ctx, q,
				sym.ID, sym.Name, sym.Description, sym.Category, string(b), sym.UseCount, now,
			); err != nil {
				return fmt.Errorf("upserting symptom %q: %w", sym.ID, err)
			}
		}
		return nil
	})
}

// ListSymptoms returns every stored symptom ordered by name.
func (s *Store) ListSymptoms(ctx context.Context) ([]model.Symptom, error) {
	const q = `SELECT id, name, description, category, synonyms, use_count FROM symptoms ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying symptoms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Symptom
	for rows.Next() {
		var sym model.Symptom
		var synonyms string
		if err := rows.Scan(&sym.ID, &sym.Name, &sym.Description, &sym.Category, &synonyms, &sym.UseCount); err != nil {
			return nil, fmt.Errorf("scanning symptom row: %w", err)
		}
		_ = json.Unmarshal([]byte(synonyms), &sym.Synonyms)
		out = append(out, sym)
	}
	return out, rows.Err()
}

// --- favorites ---------------------------------------------------------------

// IsFavorite reports whether the point is a favorite for the user locally.
// Pending removals (tombstones) count as not favorite.
func (s *Store) IsFavorite(ctx context.Context, pointID, userID string) (bool, error) {
	const q = `
		SELECT COUNT(*) FROM favorites
		WHERE point_id = ? AND user_id = ? AND operation != 'DELETE'`
	var n int
	if err := s.db.QueryRowContext(ctx, q, pointID, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking favorite %s/%s: %w", userID, pointID, err)
	}
	return n > 0, nil
}

// SetFavoriteStatus records the favorite state of a point for a user.
// A synced removal deletes the row; an unsynced removal keeps a DELETE
// tombstone so a later bulk pull does not resurrect it.
func (s *Store) SetFavoriteStatus(ctx context.Context, pointID, userID string, isFavorite, synced bool) error {
	now := formatTime(s.now())

	if !isFavorite && synced {
		const q = `DELETE FROM favorites WHERE point_id = ? AND user_id = ?`
		if _, err := s.db.ExecContext(ctx, q, pointID, userID); err != nil {
			return fmt.Errorf("removing favorite %s/%s: %w", userID, pointID, err)
		}
		return nil
	}

	op := string(model.OpUpsert)
	if !isFavorite {
		op = string(model.OpDelete)
	}
	const q = `
		INSERT INTO favorites (point_id, user_id, synced, operation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(point_id, user_id) DO UPDATE SET
		    synced     = excluded.synced,
		    operation  = excluded.operation,
		    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, pointID, userID, boolInt(synced), op, now, now); err != nil {
		return fmt.Errorf("setting favorite %s/%s: %w", userID, pointID, err)
	}
	return nil
}

// ReplaceFavorites makes the user's synced favorites equal to pointIDs.
// Unsynced local rows (pending adds or removals) are left untouched.
func (s *Store) ReplaceFavorites(ctx context.Context, userID string, pointIDs []string) error {
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM favorites WHERE user_id = ? AND synced = 1`, userID); err != nil {
			return fmt.Errorf("clearing synced favorites for %s: %w", userID, err)
		}
		const ins = `
			INSERT OR IGNORE INTO favorites (point_id, user_id, synced, operation, created_at, updated_at)
			VALUES (?, ?, 1, 'UPSERT', ?, ?)`
		for _, id := range pointIDs {
			if _, err := tx.ExecContext(ctx, ins, id, userID, now, now); err != nil {
				return fmt.Errorf("inserting favorite %s/%s: %w", userID, id, err)
			}
		}
		return nil
	})
}

// FavoritePointIDs returns the point ids the user has favorited locally.
func (s *Store) FavoritePointIDs(ctx context.Context, userID string) ([]string, error) {
	const q = `
		SELECT point_id FROM favorites
		WHERE user_id = ? AND operation != 'DELETE'
		ORDER BY point_id`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("querying favorites for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning favorite row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- notes -------------------------------------------------------------------

// SaveNote inserts a new note (LocalID == 0) or updates an existing one. The
// note is marked unsynced and LocalID is set after insert.
func (s *Store) SaveNote(ctx context.Context, n *model.Note) error {
	now := s.now().UTC()
	n.UpdatedAt = now
	n.Synced = false

	if n.LocalID == 0 {
		n.CreatedAt = now
		const q = `
			INSERT INTO notes (remote_id, point_id, user_id, content, synced, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`
		res, err := s.db.ExecContext(ctx, q, n.RemoteID, n.PointID, n.UserID, n.Content, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting note for point %q: %w", n.PointID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading note id: %w", err)
		}
		n.LocalID = id
		return nil
	}

	const q = `UPDATE notes SET content = ?, synced = 0, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, n.Content, formatTime(now), n.LocalID)
	if err != nil {
		return fmt.Errorf("updating note %d: %w", n.LocalID, err)
	}
	return requireRow(res, fmt.Sprintf("note %d", n.LocalID))
}

// GetNote returns the note with the given local id, or (nil, nil) if absent.
func (s *Store) GetNote(ctx context.Context, localID int64) (*model.Note, error) {
	const q = `
		SELECT id, remote_id, point_id, user_id, content, synced, created_at, updated_at
		FROM notes WHERE id = ?`
	var n model.Note
	var synced int
	var created, updated string
	err := s.db.QueryRowContext(ctx, q, localID).Scan(
		&n.LocalID, &n.RemoteID, &n.PointID, &n.UserID, &n.Content, &synced, &created, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading note %d: %w", localID, err)
	}
	n.Synced = synced == 1
	n.CreatedAt, _ = parseTime(created)
	n.UpdatedAt, _ = parseTime(updated)
	return &n, nil
}

// MarkNoteSynced records the server id of a note and flags it synced. A note
// deleted locally in the meantime is ignored.
func (s *Store) MarkNoteSynced(ctx context.Context, localID int64, remoteID string) error {
	const q = `
		UPDATE notes SET synced = 1,
		    remote_id = CASE WHEN ? != '' THEN ? ELSE remote_id END
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, remoteID, remoteID, localID); err != nil {
		return fmt.Errorf("marking note %d synced: %w", localID, err)
	}
	return nil
}

// DeleteNote removes a note locally. Deleting a missing note is not an error.
func (s *Store) DeleteNote(ctx context.Context, localID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, localID); err != nil {
		return fmt.Errorf("deleting note %d: %w", localID, err)
	}
	return nil
}

// --- search history ----------------------------------------------------------

// AddSearchHistory records a search and trims history to the newest entries.
func (s *Store) AddSearchHistory(ctx context.Context, query string, typ model.SearchType) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const ins = `INSERT INTO search_history (query, type, created_at) VALUES (?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins, query, string(typ), formatTime(s.now())); err != nil {
			return fmt.Errorf("recording search %q: %w", query, err)
		}
		const trim = `
			DELETE FROM search_history WHERE id NOT IN (
			    SELECT id FROM search_history ORDER BY id DESC LIMIT ?)`
		if _, err := tx.ExecContext(ctx, trim, searchHistoryLimit); err != nil {
			return fmt.Errorf("trimming search history: %w", err)
		}
		return nil
	})
}

// RecentSearches returns up to limit search entries, newest first.
func (s *Store) RecentSearches(ctx context.Context, limit int) ([]model.SearchEntry, error) {
	const q = `SELECT id, query, type, created_at FROM search_history ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying search history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SearchEntry
	for rows.Next() {
		var e model.SearchEntry
		var typ, created string
		if err := rows.Scan(&e.ID, &e.Query, &typ, &created); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		e.Type = model.SearchType(typ)
		e.CreatedAt, _ = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- sync status -------------------------------------------------------------

// UpdateSyncStatus records the outcome of a collection pull at the current
// time.
func (s *Store) UpdateSyncStatus(ctx context.Context, table, status string) error {
	const q = `
		INSERT INTO sync_status (table_name, last_sync, status) VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
		    last_sync = excluded.last_sync,
		    status    = excluded.status`
	if _, err := s.db.ExecContext(ctx, q, table, formatTime(s.now()), status); err != nil {
		return fmt.Errorf("updating sync status of %q: %w", table, err)
	}
	return nil
}

// GetSyncStatus returns the recorded status of a collection, or (nil, nil)
// if it was never synced.
func (s *Store) GetSyncStatus(ctx context.Context, table string) (*model.SyncStatus, error) {
	const q = `SELECT table_name, last_sync, status FROM sync_status WHERE table_name = ?`
	var st model.SyncStatus
	var last string
	err := s.db.QueryRowContext(ctx, q, table).Scan(&st.Table, &last, &st.Status)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync status of %q: %w", table, err)
	}
	st.LastSync, _ = parseTime(last)
	return &st, nil
}
