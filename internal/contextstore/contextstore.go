// Package contextstore holds the full-size source materials of each session
// outside of the model prompt, so context tools can return them unabridged.
package contextstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no snapshot exists for a session token.
	ErrNotFound = errors.New("context snapshot not found")
	// ErrSnapshotTooLarge is returned when materials exceed the configured bound.
	ErrSnapshotTooLarge = errors.New("context snapshot exceeds size limit")
)

// Snapshot is the pair of materials stored for a session.
type Snapshot struct {
	Document string `json:"document"`
	Target   string `json:"target"`
}

// Size returns the snapshot size in bytes.
func (s Snapshot) Size() int {
	return len(s.Document) + len(s.Target)
}

// Provider stores and retrieves context snapshots by session token.
type Provider interface {
	// Store replaces any existing snapshot for the session.
	Store(ctx context.Context, token, document, target string) error
	// RetrieveDocument returns the full document text or ErrNotFound.
	RetrieveDocument(ctx context.Context, token string) (string, error)
	// RetrieveTarget returns the full target description or ErrNotFound.
	RetrieveTarget(ctx context.Context, token string) (string, error)
	// Touch marks the snapshot as in use so it lives as long as its session.
	// It returns ErrNotFound when the snapshot is gone.
	Touch(ctx context.Context, token string) error
	// Delete removes the snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, token string) error
}

func checkSize(snap Snapshot, limit int) error {
	if limit > 0 && snap.Size() > limit {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrSnapshotTooLarge, snap.Size(), limit)
	}
	return nil
}
