// Package sessions owns the registry of live conversations: creation,
// per-session turn locking, persistence and idle eviction.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/domain"
)

var (
	// ErrNotFound is returned for unknown or evicted session tokens.
	ErrNotFound = errors.New("session not found")
	// ErrTurnInProgress is returned when a session already has a running turn.
	ErrTurnInProgress = errors.New("turn already in progress for session")
)

// Repository is the persistence the manager needs.
type Repository interface {
	GetSession(ctx context.Context, token string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	DeleteSession(ctx context.Context, token string) error
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)
}

type entry struct {
	session *domain.Session
	turn    sync.Mutex
}

// Manager is the keyed session registry. Sessions are cached after first
// use; the repository is the source of truth across restarts.
type Manager struct {
	repo     Repository
	contexts contextstore.Provider
	ttl      time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a manager. ttl is the idle lifetime used by Sweep.
func NewManager(repo Repository, contexts contextstore.Provider, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		contexts: contexts,
		ttl:      ttl,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// NewSessionParams are the materials supplied with a session's first message.
type NewSessionParams struct {
	DocumentName string
	DocumentPath string
	DocumentText string
	TargetText   string
	Links        domain.ProfileLinks
}

// Create stores the context snapshot and registers a new session.
func (m *Manager) Create(ctx context.Context, p NewSessionParams) (*domain.Session, error) {
	token := uuid.NewString()
	if err := m.contexts.Store(ctx, token, p.DocumentText, p.TargetText); err != nil {
		return nil, fmt.Errorf("store context: %w", err)
	}

	session := domain.NewSession(token, p.DocumentName, p.DocumentPath, p.Links)
	if err := m.repo.UpsertSession(ctx, session); err != nil {
		if delErr := m.contexts.Delete(ctx, token); delErr != nil {
			m.logger.Warn("Failed to remove orphaned context", "session_token", token, "error", delErr)
		}
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.entries[token] = &entry{session: session}
	m.mu.Unlock()

	m.logger.Info("Session created",
		"session_token", token,
		"document_name", p.DocumentName,
		"document_chars", len(p.DocumentText),
		"target_chars", len(p.TargetText),
	)
	return session, nil
}

// Get returns the session for token, loading it from the repository if needed.
func (m *Manager) Get(ctx context.Context, token string) (*domain.Session, error) {
	e, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

func (m *Manager) load(ctx context.Context, token string) (*entry, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	e, ok := m.entries[token]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	session, err := m.repo.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have loaded it while we were reading.
	if existing, ok := m.entries[token]; ok {
		return existing, nil
	}
	e = &entry{session: session}
	m.entries[token] = e
	return e, nil
}

// Acquire claims the session for one turn. The caller must call release
// when the turn ends. A session that already has a running turn yields
// ErrTurnInProgress.
func (m *Manager) Acquire(ctx context.Context, token string) (*domain.Session, func(), error) {
	e, err := m.load(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return m.claim(ctx, token, e)
}

func (m *Manager) claim(ctx context.Context, token string, e *entry) (*domain.Session, func(), error) {
	if !e.turn.TryLock() {
		return nil, nil, ErrTurnInProgress
	}

	// Reset or Sweep may have removed the entry since it was loaded.
	m.mu.Lock()
	current := m.entries[token]
	m.mu.Unlock()
	if current != e {
		e.turn.Unlock()
		return nil, nil, ErrNotFound
	}

	if err := m.contexts.Touch(ctx, token); err != nil {
		defer e.turn.Unlock()
		if !contextstore.IsNotFound(err) {
			return nil, nil, fmt.Errorf("refresh context: %w", err)
		}
		// Without its materials the session cannot run tools.
		m.logger.Info("Session context expired", "session_token", token)
		if rmErr := m.remove(ctx, token); rmErr != nil {
			m.logger.Warn("Failed to remove session with expired context", "session_token", token, "error", rmErr)
		}
		return nil, nil, ErrNotFound
	}
	return e.session, e.turn.Unlock, nil
}

// Save persists the session's current state.
func (m *Manager) Save(ctx context.Context, session *domain.Session) error {
	if err := m.repo.UpsertSession(ctx, session); err != nil {
		return fmt.Errorf("save session %s: %w", session.Token, err)
	}
	if err := m.contexts.Touch(ctx, session.Token); err != nil {
		m.logger.Warn("Failed to refresh session context", "session_token", session.Token, "error", err)
	}
	return nil
}

// Reset deletes a session, its stored state and its context snapshot.
func (m *Manager) Reset(ctx context.Context, token string) error {
	e, err := m.load(ctx, token)
	if err != nil {
		return err
	}
	if !e.turn.TryLock() {
		return ErrTurnInProgress
	}
	defer e.turn.Unlock()
	return m.remove(ctx, token)
}

func (m *Manager) remove(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.entries, token)
	m.mu.Unlock()

	var errs []error
	if err := m.repo.DeleteSession(ctx, token); err != nil {
		errs = append(errs, fmt.Errorf("delete session: %w", err))
	}
	if err := m.contexts.Delete(ctx, token); err != nil {
		errs = append(errs, fmt.Errorf("delete context: %w", err))
	}
	return errors.Join(errs...)
}

// Sweep evicts sessions idle for longer than the TTL. Sessions with a turn
// in flight are skipped and retried on the next sweep.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	tokens, err := m.repo.ExpiredSessions(ctx, m.ttl)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	m.mu.Lock()
	for token, e := range m.entries {
		if e.session.ExpiresIn(m.ttl) == 0 {
			tokens = append(tokens, token)
		}
	}
	m.mu.Unlock()

	seen := make(map[string]bool, len(tokens))
	evicted := 0
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true

		m.mu.Lock()
		e, cached := m.entries[token]
		m.mu.Unlock()
		if cached {
			if !e.turn.TryLock() {
				m.logger.Debug("Skipping busy session during sweep", "session_token", token)
				continue
			}
		}
		err := m.remove(ctx, token)
		if cached {
			e.turn.Unlock()
		}
		if err != nil {
			m.logger.Warn("Failed to evict session", "session_token", token, "error", err)
			continue
		}
		evicted++
	}
	return evicted, nil
}

// Active returns the number of cached sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
