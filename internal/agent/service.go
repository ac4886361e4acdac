package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/sessions"
	"github.com/ashureev/tailor/internal/stream"
	"github.com/ashureev/tailor/internal/tools"
)

const saveTimeout = 10 * time.Second

// SessionStore is the session registry the service drives.
type SessionStore interface {
	Create(ctx context.Context, p sessions.NewSessionParams) (*domain.Session, error)
	Acquire(ctx context.Context, token string) (*domain.Session, func(), error)
	Save(ctx context.Context, session *domain.Session) error
}

// ArtifactIndex reports whether a produced artifact is available for download.
type ArtifactIndex interface {
	Exists(name string) bool
}

// Service runs transcript turns: it resolves the session, holds its turn
// lock, drives the loop and persists the result.
type Service struct {
	sessions    SessionStore
	loop        *Loop
	artifacts   ArtifactIndex
	log         ConversationLogger
	turnTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	running   int
	draining  bool
	drained   chan struct{}
	drainOnce sync.Once
}

// NewService creates a transcript service. artifacts, convLog and logger may be nil.
func NewService(store SessionStore, loop *Loop, artifacts ArtifactIndex, convLog ConversationLogger, turnTimeout time.Duration, logger *slog.Logger) *Service {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if turnTimeout <= 0 {
		turnTimeout = 10 * time.Minute
	}
	return &Service{
		sessions:    store,
		loop:        loop,
		artifacts:   artifacts,
		log:         convLog,
		turnTimeout: turnTimeout,
		logger:      logger,
		drained:     make(chan struct{}),
	}
}

// Wait stops new turns from starting and blocks until the running ones have
// finished and saved, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	if s.running == 0 {
		s.drainOnce.Do(func() { close(s.drained) })
	}
	s.mu.Unlock()

	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		return fmt.Errorf("%d turns still running: %w", running, ctx.Err())
	}
}

func (s *Service) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrShuttingDown
	}
	s.running++
	return nil
}

func (s *Service) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if s.running == 0 && s.draining {
		s.drainOnce.Do(func() { close(s.drained) })
	}
}

// TurnHandle is a validated turn holding its session's lock. Callers must
// call Run or Release exactly once.
type TurnHandle struct {
	// Token identifies the session; it is known before the turn runs so
	// transports can send it ahead of the stream.
	Token string
	// Created is true when the request started a new session.
	Created bool
	Channel string

	svc     *Service
	session *domain.Session
	message string
	release func()
	once    sync.Once
}

// Start validates req and acquires the session, creating it on the first turn.
// It fails with ErrShuttingDown once Wait has been called.
func (s *Service) Start(ctx context.Context, req TranscriptRequest, channel string) (*TurnHandle, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	h, err := s.start(ctx, req, channel)
	if err != nil {
		s.end()
		return nil, err
	}
	return h, nil
}

func (s *Service) start(ctx context.Context, req TranscriptRequest, channel string) (*TurnHandle, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrBadRequest)
	}

	if req.SessionToken != "" {
		if req.HasMaterials() {
			return nil, fmt.Errorf("%w: document, target and profile links are only accepted when starting a session", ErrBadRequest)
		}
		session, release, err := s.sessions.Acquire(ctx, req.SessionToken)
		if err != nil {
			return nil, err
		}
		return s.handle(session, release, message, channel, false), nil
	}

	if strings.TrimSpace(req.DocumentText) == "" {
		return nil, fmt.Errorf("%w: document_text is required to start a session", ErrBadRequest)
	}
	if strings.TrimSpace(req.TargetText) == "" {
		return nil, fmt.Errorf("%w: target_text is required to start a session", ErrBadRequest)
	}

	created, err := s.sessions.Create(ctx, sessions.NewSessionParams{
		DocumentName: req.DocumentName,
		DocumentPath: req.DocumentPath,
		DocumentText: req.DocumentText,
		TargetText:   req.TargetText,
		Links:        req.ProfileLinks,
	})
	if err != nil {
		return nil, err
	}
	session, release, err := s.sessions.Acquire(ctx, created.Token)
	if err != nil {
		return nil, err
	}
	return s.handle(session, release, message, channel, true), nil
}

func (s *Service) handle(session *domain.Session, release func(), message, channel string, created bool) *TurnHandle {
	return &TurnHandle{
		Token:   session.Token,
		Created: created,
		Channel: channel,
		svc:     s,
		session: session,
		message: message,
		release: release,
	}
}

// Transcript runs one turn to completion without streaming.
func (s *Service) Transcript(ctx context.Context, req TranscriptRequest) (*TranscriptResponse, error) {
	h, err := s.Start(ctx, req, "transcript_http")
	if err != nil {
		return nil, err
	}
	return h.Run(ctx, stream.Discard)
}

// Release gives up the session lock without running the turn.
func (h *TurnHandle) Release() {
	h.once.Do(func() {
		h.release()
		h.svc.end()
	})
}

// Run executes the turn. It is detached from ctx cancellation so a client
// disconnect cannot leave the conversation half-written; the turn is bounded
// by the service's turn timeout instead. The returned response is non-nil
// even when err is set.
func (h *TurnHandle) Run(ctx context.Context, sink stream.Sink) (*TranscriptResponse, error) {
	defer h.Release()
	s := h.svc
	session := h.session

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.turnTimeout)
	defer cancel()

	session.State.Append(domain.UserMessage(h.message))
	s.log.Log(ConversationLogEvent{
		SessionToken: session.Token,
		Channel:      h.Channel,
		Direction:    "outbound",
		EventType:    "user_message",
		ContentRaw:   h.message,
		Meta: map[string]any{
			"new_session": h.Created,
			"turn_index":  session.State.Len(),
		},
	})

	out, runErr := s.loop.Run(turnCtx, session.State, Turn{
		System: SystemPrompt(session),
		Invocation: tools.Invocation{
			SessionToken: session.Token,
			DocumentName: session.DocumentName,
			Links:        session.Links,
		},
	}, sink)

	// Persist even when the turn timed out.
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer saveCancel()
	session.UpdatedAt = time.Now().UTC()
	saveErr := s.sessions.Save(saveCtx, session)
	if saveErr != nil {
		s.logger.Error("Failed to persist session", "session_token", session.Token, "error", saveErr)
	}

	resp := h.response(out)
	meta := map[string]any{
		"termination": out.Reason,
		"steps":       out.Steps,
		"tools_used":  out.ToolsUsed,
	}
	if runErr != nil {
		meta["error"] = runErr.Error()
	}
	s.log.Log(ConversationLogEvent{
		SessionToken: session.Token,
		Channel:      h.Channel,
		Direction:    "inbound",
		EventType:    "assistant_message",
		ContentRaw:   resp.AnswerText,
		Meta:         meta,
	})

	if runErr != nil {
		return resp, runErr
	}
	if saveErr != nil {
		return resp, fmt.Errorf("save session: %w", saveErr)
	}
	return resp, nil
}

func (h *TurnHandle) response(out *Outcome) *TranscriptResponse {
	resp := &TranscriptResponse{
		SessionToken: h.Token,
		AnswerText:   out.Answer,
		ToolUsed:     out.ToolUsed,
		ToolTrace:    out.Trace,
		ThinkingNote: ThinkingNote(out.ToolsUsed),
		Termination: Termination{
			Reason: out.Reason,
			Detail: out.Detail,
			Steps:  out.Steps,
		},
	}
	if resp.ToolTrace == nil {
		resp.ToolTrace = []TraceEntry{}
	}
	if out.Artifact != nil {
		resp.ArtifactName = out.Artifact.Name
		if h.svc.artifacts != nil {
			resp.ArtifactExists = h.svc.artifacts.Exists(out.Artifact.Name)
		}
	}
	return resp
}
