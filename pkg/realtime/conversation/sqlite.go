package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by SQLite. Entries are ordered by an
// autoincrement sequence so replay order matches append order.
type SQLiteStore struct {
	db     *sql.DB
	roomID string

	// writeMu serializes appends to avoid SQLITE_BUSY under concurrent tool dispatches.
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and scopes the
// store to roomID.
func OpenSQLite(path, roomID string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, roomID: roomID}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversation_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_entries_room ON conversation_entries(room_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	stored, err := prepare(entry, s.roomID)
	if err != nil {
		return Entry{}, err
	}
	content, err := MarshalContent(stored.Content)
	if err != nil {
		return Entry{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_entries (id, room_id, kind, content_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		stored.ID, stored.RoomID, string(stored.Content.Kind()), string(content), stored.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert conversation entry: %w", err)
	}
	return stored, nil
}

func (s *SQLiteStore) All(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `
		SELECT id, room_id, content_json, created_at
		FROM conversation_entries WHERE room_id = ?
		ORDER BY seq ASC`, s.roomID)
}

func (s *SQLiteStore) LastN(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	return s.query(ctx, `
		SELECT id, room_id, content_json, created_at FROM (
			SELECT seq, id, room_id, content_json, created_at
			FROM conversation_entries WHERE room_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, s.roomID, n)
}

func (s *SQLiteStore) Page(ctx context.Context, offset, limit int) ([]Entry, error) {
	if err := validatePage(offset, limit); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []Entry{}, nil
	}
	return s.query(ctx, `
		SELECT id, room_id, content_json, created_at
		FROM conversation_entries WHERE room_id = ?
		ORDER BY seq ASC LIMIT ? OFFSET ?`, s.roomID, limit, offset)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversation entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			raw       string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		content, err := UnmarshalContent([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.Content = content
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation entries: %w", err)
	}
	return out, nil
}
