package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		document_name TEXT NOT NULL DEFAULT '',
		document_path TEXT NOT NULL DEFAULT '',
		profile_links_json TEXT NOT NULL DEFAULT '{}',
		events_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS context_snapshots (
		token TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		target TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	query := `
		SELECT token, document_name, document_path, profile_links_json,
		       events_json, created_at, updated_at
		FROM sessions WHERE token = ?`

	var (
		session              domain.Session
		linksJSON, eventJSON string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&session.Token, &session.DocumentName, &session.DocumentPath,
		&linksJSON, &eventJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(linksJSON), &session.Links); err != nil {
		return nil, fmt.Errorf("decode profile links: %w", err)
	}
	state := domain.NewConversationState()
	if err := json.Unmarshal([]byte(eventJSON), state); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	session.State = state
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &session, nil
}

// UpsertSession creates or updates a session record. The stored event log is
// replaced by the in-memory one, which only ever grows.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	if session.State == nil {
		session.State = domain.NewConversationState()
	}
	linksJSON, err := json.Marshal(session.Links)
	if err != nil {
		return fmt.Errorf("encode profile links: %w", err)
	}
	eventsJSON, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	query := `
		INSERT INTO sessions (
			token, document_name, document_path, profile_links_json,
			events_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			document_name = excluded.document_name,
			document_path = excluded.document_path,
			profile_links_json = excluded.profile_links_json,
			events_json = excluded.events_json,
			updated_at = excluded.updated_at`

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	return s.write(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.Token, session.DocumentName, session.DocumentPath,
			string(linksJSON), string(eventsJSON),
			session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		)
		return err
	})
}

// DeleteSession removes a session and its snapshot.
func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	return s.write(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM context_snapshots WHERE token = ?`, token); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// ExpiredSessions lists tokens of sessions not updated within ttl.
func (s *SQLiteStore) ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return tokens, nil
}

// CountSessions returns the number of stored sessions.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// PutSnapshot stores the context snapshot for a session.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, token string, snap contextstore.Snapshot) error {
	query := `
		INSERT INTO context_snapshots (token, document, target, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			document = excluded.document,
			target = excluded.target,
			updated_at = excluded.updated_at`

	return s.write(ctx, "put snapshot", func() error {
		_, err := s.db.ExecContext(ctx, query, token, snap.Document, snap.Target, time.Now().UnixMilli())
		return err
	})
}

// GetSnapshot returns the snapshot for a session, or (nil, nil) if absent.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, token string) (*contextstore.Snapshot, error) {
	var snap contextstore.Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT document, target FROM context_snapshots WHERE token = ?`, token,
	).Scan(&snap.Document, &snap.Target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot for a session.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, token string) error {
	return s.write(ctx, "delete snapshot", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM context_snapshots WHERE token = ?`, token)
		return err
	})
}

// write runs a mutation under the writer lock, retrying on SQLITE_BUSY.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, op, 3, 100*time.Millisecond, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}
