package session

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one completed (or aborted) session's row in the session
// log: who uploaded or restored what, and what the dedup core counted.
type Record struct {
	SessionID    string
	ClientID     uint32
	Mode         string
	FileHash     string
	State        string
	ChunksSeen   uint64
	ChunksUnique uint64
	BytesStored  uint64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Log is the SQLite-backed session history. It is operational metadata
// only — losing it never affects stored chunks, recipes, or the dedup
// index, so writes are best-effort from the session manager's point of
// view.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLog opens (creating if needed) the session log database at path.
func OpenLog(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open log db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	l := &Log{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id    TEXT PRIMARY KEY,
			client_id     INTEGER NOT NULL,
			mode          TEXT NOT NULL,
			file_hash     TEXT NOT NULL,
			state         TEXT NOT NULL,
			chunks_seen   INTEGER NOT NULL DEFAULT 0,
			chunks_unique INTEGER NOT NULL DEFAULT 0,
			bytes_stored  INTEGER NOT NULL DEFAULT 0,
			started_at    TIMESTAMP NOT NULL,
			finished_at   TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_file ON sessions(file_hash);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("session: init log schema: %w", err)
	}
	return nil
}

// Save upserts one session record.
func (l *Log) Save(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO sessions
		(session_id, client_id, mode, file_hash, state,
		 chunks_seen, chunks_unique, bytes_stored, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.Exec(query,
		r.SessionID, r.ClientID, r.Mode, r.FileHash, r.State,
		r.ChunksSeen, r.ChunksUnique, r.BytesStored, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("session: save record: %w", err)
	}
	return nil
}

// RecentForClient returns a client's most recent sessions, newest
// first, up to limit rows.
func (l *Log) RecentForClient(clientID uint32, limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT session_id, client_id, mode, file_hash, state,
		       chunks_seen, chunks_unique, bytes_stored, started_at, finished_at
		FROM sessions WHERE client_id = ?
		ORDER BY finished_at DESC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("session: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.ClientID, &r.Mode, &r.FileHash, &r.State,
			&r.ChunksSeen, &r.ChunksUnique, &r.BytesStored, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("session: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
