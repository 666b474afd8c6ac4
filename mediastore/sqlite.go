package mediastore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

//go:embed sqlite_schema.sql
var schema string

// SQLiteStore persists media payloads in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed media store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open media store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("media store pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("media store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put stores the payload, replacing any existing row with the same id.
func (s *SQLiteStore) Put(ctx context.Context, payload core.MediaPayload) (string, error) {
	if payload.ID == "" {
		payload.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (id, mime_type, file_name, duration_sec, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mime_type = excluded.mime_type,
			file_name = excluded.file_name,
			duration_sec = excluded.duration_sec,
			data = excluded.data`,
		payload.ID, payload.MimeType, payload.FileName, payload.DurationSec, payload.Data, now().UTC().Format("2006-01-02T15:04:05Z"),
	)
	if err != nil {
		return "", fmt.Errorf("put media %s: %w", payload.ID, err)
	}
	return payload.ID, nil
}

// Get returns the payload stored under id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (core.MediaPayload, bool, error) {
	var payload core.MediaPayload
	row := s.db.QueryRowContext(ctx,
		"SELECT id, mime_type, file_name, duration_sec, data FROM media WHERE id = ?", id)
	err := row.Scan(&payload.ID, &payload.MimeType, &payload.FileName, &payload.DurationSec, &payload.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MediaPayload{}, false, nil
	}
	if err != nil {
		return core.MediaPayload{}, false, fmt.Errorf("get media %s: %w", id, err)
	}
	return payload, true, nil
}

// Delete removes the payload stored under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM media WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete media %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
