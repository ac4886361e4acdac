package contextstore

import (
	"context"
	"errors"
)

// SnapshotRepository is the persistence surface a Durable provider needs.
// It is implemented by the SQLite store.
type SnapshotRepository interface {
	PutSnapshot(ctx context.Context, token string, snap Snapshot) error
	// GetSnapshot returns (nil, nil) when no row exists.
	GetSnapshot(ctx context.Context, token string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, token string) error
}

// Durable is a Provider persisted through a SnapshotRepository, so materials
// survive process restarts along with the conversation they belong to.
type Durable struct {
	repo     SnapshotRepository
	maxBytes int
}

// NewDurable wraps repo as a Provider.
func NewDurable(repo SnapshotRepository, maxBytes int) *Durable {
	return &Durable{repo: repo, maxBytes: maxBytes}
}

// Store implements Provider.
func (d *Durable) Store(ctx context.Context, token, document, target string) error {
	snap := Snapshot{Document: document, Target: target}
	if err := checkSize(snap, d.maxBytes); err != nil {
		return err
	}
	return d.repo.PutSnapshot(ctx, token, snap)
}

// RetrieveDocument implements Provider.
func (d *Durable) RetrieveDocument(ctx context.Context, token string) (string, error) {
	snap, err := d.get(ctx, token)
	if err != nil {
		return "", err
	}
	return snap.Document, nil
}

// RetrieveTarget implements Provider.
func (d *Durable) RetrieveTarget(ctx context.Context, token string) (string, error) {
	snap, err := d.get(ctx, token)
	if err != nil {
		return "", err
	}
	return snap.Target, nil
}

// Touch implements Provider. Durable snapshots have no expiry of their own;
// they are deleted together with the session row.
func (d *Durable) Touch(context.Context, string) error {
	return nil
}

// Delete implements Provider.
func (d *Durable) Delete(ctx context.Context, token string) error {
	return d.repo.DeleteSnapshot(ctx, token)
}

func (d *Durable) get(ctx context.Context, token string) (*Snapshot, error) {
	snap, err := d.repo.GetSnapshot(ctx, token)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// IsNotFound reports whether err means the snapshot is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
