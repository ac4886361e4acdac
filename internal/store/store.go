// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/domain"
)

// Repository persists sessions and their context snapshots.
type Repository interface {
	contextstore.SnapshotRepository

	// GetSession retrieves a session by token. Returns (nil, nil) if absent.
	GetSession(ctx context.Context, token string) (*domain.Session, error)

	// UpsertSession creates or updates a session and its event log.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a session and its snapshot.
	DeleteSession(ctx context.Context, token string) error

	// ExpiredSessions lists tokens of sessions idle longer than ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// CountSessions returns the number of stored sessions.
	CountSessions(ctx context.Context) (int, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
