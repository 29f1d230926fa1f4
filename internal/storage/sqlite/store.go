package sqlite

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"construct/internal/domain"
	"construct/internal/keys"
	"construct/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT,
	depth INTEGER NOT NULL,
	origin TEXT NOT NULL,
	raw_json BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_room_seq ON events(room_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_room_depth ON events(room_id, depth, event_id);

CREATE TRIGGER IF NOT EXISTS trg_events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_events_no_delete
BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS room_origins (
	room_id TEXT NOT NULL,
	origin TEXT NOT NULL,
	PRIMARY KEY (room_id, origin)
);

CREATE TABLE IF NOT EXISTS server_keys (
	server_name TEXT NOT NULL,
	key_id TEXT NOT NULL,
	public_key BLOB NOT NULL,
	valid_until_ts INTEGER NOT NULL,
	PRIMARY KEY (server_name, key_id)
);
`

// Store implements storage.Engine on a single sqlite database.
type Store struct {
	db *sql.DB
}

var _ storage.Engine = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir base dir")
	}
	db, err := openSQLite(filepath.Join(baseDir, "construct.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) AppendEvent(ctx context.Context, rec storage.EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(seq, event_id, room_id, type, state_key, depth, origin, raw_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`,
		int64(rec.Seq), string(rec.EventID), string(rec.RoomID), rec.Type,
		nullableString(rec.StateKey), rec.Depth, string(rec.Origin), rec.RawJSON)
	return err
}

func (s *Store) GetEvent(ctx context.Context, id domain.EventID) (storage.EventRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT seq, event_id, room_id, type, state_key, depth, origin, raw_json
FROM events WHERE event_id=?`, string(id))
	return scanEvent(row)
}

func (s *Store) HasEvent(ctx context.Context, id domain.EventID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id=?`, string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) RoomEvents(ctx context.Context, room domain.RoomID, sort storage.QuerySort, limit int) ([]storage.EventRecord, error) {
	orderBy := "seq ASC"
	if sort == storage.SortDepthOrder {
		orderBy = "depth ASC, event_id ASC"
	}
	q := `
SELECT seq, event_id, room_id, type, state_key, depth, origin, raw_json
FROM events WHERE room_id=? ORDER BY ` + orderBy
	args := []any{string(room)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) Backfill(ctx context.Context, room domain.RoomID, beforeDepth int64, limit int) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, event_id, room_id, type, state_key, depth, origin, raw_json
FROM events WHERE room_id=? AND depth<?
ORDER BY depth DESC, event_id DESC LIMIT ?`, string(room), beforeDepth, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) MaxSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *Store) AddOrigin(ctx context.Context, room domain.RoomID, origin domain.ServerName) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO room_origins(room_id, origin) VALUES (?, ?)
ON CONFLICT(room_id, origin) DO NOTHING`, string(room), string(origin))
	return err
}

func (s *Store) RoomOrigins(ctx context.Context, room domain.RoomID) ([]domain.ServerName, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT origin FROM room_origins WHERE room_id=? ORDER BY origin`, string(room))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ServerName
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, domain.ServerName(o))
	}
	return out, rows.Err()
}

func (s *Store) GetServerKey(server domain.ServerName, keyID string) (keys.Entry, bool, error) {
	row := s.db.QueryRow(`
SELECT public_key, valid_until_ts FROM server_keys WHERE server_name=? AND key_id=?`,
		string(server), keyID)
	var pub []byte
	var e keys.Entry
	err := row.Scan(&pub, &e.ValidUntilTS)
	if err == sql.ErrNoRows {
		return keys.Entry{}, false, nil
	}
	if err != nil {
		return keys.Entry{}, false, err
	}
	e.Key = ed25519.PublicKey(pub)
	return e, true, nil
}

func (s *Store) PutServerKey(server domain.ServerName, keyID string, e keys.Entry) error {
	_, err := s.db.Exec(`
INSERT INTO server_keys(server_name, key_id, public_key, valid_until_ts)
VALUES (?, ?, ?, ?)
ON CONFLICT(server_name, key_id) DO UPDATE SET
	public_key=excluded.public_key, valid_until_ts=excluded.valid_until_ts`,
		string(server), keyID, []byte(e.Key), e.ValidUntilTS)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (storage.EventRecord, bool, error) {
	var rec storage.EventRecord
	var seq int64
	var stateKey sql.NullString
	err := row.Scan(&seq, &rec.EventID, &rec.RoomID, &rec.Type, &stateKey, &rec.Depth, &rec.Origin, &rec.RawJSON)
	if err == sql.ErrNoRows {
		return storage.EventRecord{}, false, nil
	}
	if err != nil {
		return storage.EventRecord{}, false, err
	}
	rec.Seq = uint64(seq)
	if stateKey.Valid {
		rec.StateKey = &stateKey.String
	}
	return rec, true, nil
}

func scanEvents(rows *sql.Rows) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	for rows.Next() {
		rec, ok, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}
