package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrDraftNotFound = errors.New("draft is not found")
	ErrOpen          = errors.New("unable to open draft store")
)

// Draft is the last local editor buffer for one problem of one room.
type Draft struct {
	RoomID    int64
	ProblemID int64
	Code      string
	Language  string
	UpdatedAt time.Time
}

// DraftStore keeps latest-code cells on disk so a restarted client can still
// answer code requests.
type DraftStore struct {
	db *sql.DB
}

func NewDraftStore(dbPath string) (*DraftStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, errors.Join(ErrOpen, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	// a single connection keeps :memory: databases shared across calls
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrOpen, err)
	}
	if err = createTables(db); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrOpen, err)
	}
	return &DraftStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS drafts (
		room_id INTEGER NOT NULL,
		problem_id INTEGER NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, problem_id)
	);

	CREATE INDEX IF NOT EXISTS idx_drafts_room_updated ON drafts(room_id, updated_at DESC);
	`
	_, err := db.Exec(schema)
	return err
}

func (d *DraftStore) Close() error {
	return d.db.Close()
}

// Save upserts the draft for (RoomID, ProblemID).
func (d *DraftStore) Save(ctx context.Context, draft Draft) error {
	if draft.UpdatedAt.IsZero() {
		draft.UpdatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO drafts (room_id, problem_id, code, language, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, problem_id) DO UPDATE SET
			code = excluded.code,
			language = excluded.language,
			updated_at = excluded.updated_at`,
		draft.RoomID, draft.ProblemID, draft.Code, draft.Language, draft.UpdatedAt.UnixMilli(),
	)
	return err
}

func (d *DraftStore) Load(ctx context.Context, roomID, problemID int64) (Draft, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT code, language, updated_at FROM drafts WHERE room_id = ? AND problem_id = ?",
		roomID, problemID,
	)

	draft := Draft{RoomID: roomID, ProblemID: problemID}
	var updated int64
	err := row.Scan(&draft.Code, &draft.Language, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return draft, ErrDraftNotFound
	}
	if err != nil {
		return draft, err
	}
	draft.UpdatedAt = time.UnixMilli(updated)
	return draft, nil
}

// List returns the drafts of a room, most recently edited first.
func (d *DraftStore) List(ctx context.Context, roomID int64) ([]Draft, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT problem_id, code, language, updated_at FROM drafts WHERE room_id = ? ORDER BY updated_at DESC, problem_id",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Draft
	for rows.Next() {
		draft := Draft{RoomID: roomID}
		var updated int64
		if err = rows.Scan(&draft.ProblemID, &draft.Code, &draft.Language, &updated); err != nil {
			return nil, err
		}
		draft.UpdatedAt = time.UnixMilli(updated)
		out = append(out, draft)
	}
	return out, rows.Err()
}

func (d *DraftStore) Delete(ctx context.Context, roomID, problemID int64) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM drafts WHERE room_id = ? AND problem_id = ?",
		roomID, problemID,
	)
	return err
}
