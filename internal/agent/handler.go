package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tailor/internal/api"
	"github.com/ashureev/tailor/internal/config"
	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/extract"
	"github.com/ashureev/tailor/internal/identity"
	"github.com/ashureev/tailor/internal/sessions"
	"github.com/ashureev/tailor/internal/stream"
	"github.com/ashureev/tailor/internal/tools"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (10MB).
const defaultMaxRequestBodySize = 10 << 20

// relayBuffer bounds how far the loop may run ahead of a slow client.
const relayBuffer = 64

// SessionResetter discards a session and its stored materials.
type SessionResetter interface {
	Reset(ctx context.Context, token string) error
}

// ArtifactFiles resolves artifact names to files on disk.
type ArtifactFiles interface {
	Path(name string) (string, error)
}

// DocumentExtractor turns an uploaded file into text.
type DocumentExtractor interface {
	Extract(ctx context.Context, fileName, contentType string, data []byte) (string, error)
}

// Handler serves the transcript API over JSON, SSE and WebSocket.
type Handler struct {
	svc         *Service
	sessions    SessionResetter
	artifacts   ArtifactFiles
	extractor   DocumentExtractor
	rateLimiter *RateLimiter
	logger      *slog.Logger

	maxBodySize   int64
	keepalive     time.Duration
	allowedOrigin string
	isDev         bool
}

// NewHandler creates the transcript handler. cfg may be nil for defaults.
func NewHandler(svc *Service, resetter SessionResetter, artifacts ArtifactFiles, extractor DocumentExtractor, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	h := &Handler{
		svc:         svc,
		sessions:    resetter,
		artifacts:   artifacts,
		extractor:   extractor,
		logger:      logger,
		maxBodySize: defaultMaxRequestBodySize,
		keepalive:   10 * time.Second,
		isDev:       true,
	}
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		h.maxBodySize = cfg.SSE.MaxRequestBodySize
		h.keepalive = cfg.SSE.KeepaliveInterval
		h.allowedOrigin = cfg.FrontendURL
		h.isDev = cfg.IsDevelopment()
	}
	h.rateLimiter = NewRateLimiter(rateLimitRequests, rateLimitWindow)
	return h
}

// RegisterRoutes registers the transcript, session and artifact routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/transcript", h.HandleTranscript)
		r.Post("/transcript/stream", h.HandleStream)
		r.Get("/transcript/ws", h.HandleWebSocket)
		r.Delete("/sessions/{token}", h.HandleResetSession)
		r.Get("/artifacts/{name}", h.HandleArtifact)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Close()
}

// HandleTranscript handles POST /api/transcript and answers with the
// finished turn.
func (h *Handler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	req, err := h.decodeRequest(w, r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}

	turn, err := h.svc.Start(r.Context(), req, "transcript_http")
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	w.Header().Set(identity.SessionHeaderName, turn.Token)

	h.logger.Info("Transcript request",
		"session_token", turn.Token,
		"new_session", turn.Created,
		"message_length", len(req.Message),
	)

	resp, err := turn.Run(r.Context(), stream.Discard)
	if err != nil {
		h.writeError(w, err, turn.Token)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// HandleStream handles POST /api/transcript/stream and streams the turn as
// server-sent events.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	req, err := h.decodeRequest(w, r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}

	turn, err := h.svc.Start(r.Context(), req, "transcript_sse")
	if err != nil {
		h.writeError(w, err, "")
		return
	}

	w.Header().Set(identity.SessionHeaderName, turn.Token)
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		turn.Release()
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("Transcript stream connected", "session_token", turn.Token, "new_session", turn.Created)
	if err := h.streamTurn(r.Context(), turn, sse, h.keepalive); err != nil {
		h.logger.Info("Transcript stream detached", "session_token", turn.Token, "error", err)
	}
}

// HandleWebSocket handles GET /api/transcript/ws. Each text frame from the
// client is a TranscriptRequest; each turn is answered with a stream of event
// frames ending in [DONE]. Later turns reuse the session of the first.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.maxBodySize)

	ctx := r.Context()
	writer := stream.NewWSWriter(ws)
	token := identity.SessionTokenFromContext(ctx)
	clientKey := h.clientKey(r)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_token", token)
			} else {
				h.logger.Debug("WebSocket read error", "error", err, "session_token", token)
			}
			return
		}

		var req TranscriptRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !h.rejectFrame(ctx, writer, "invalid request body") {
				return
			}
			continue
		}
		if req.SessionToken == "" {
			req.SessionToken = token
		}
		if !h.rateLimiter.Allow(clientKey) {
			if !h.rejectFrame(ctx, writer, "rate limit exceeded") {
				return
			}
			continue
		}

		turn, err := h.svc.Start(ctx, req, "transcript_ws")
		if err != nil {
			_, msg, _ := h.classify(err)
			if !h.rejectFrame(ctx, writer, msg) {
				return
			}
			continue
		}
		token = turn.Token

		if err := h.streamTurn(ctx, turn, writer, 0); err != nil {
			h.logger.Info("WebSocket stream detached", "session_token", token, "error", err)
			return
		}
	}
}

// rejectFrame answers a WebSocket message that did not start a turn.
func (h *Handler) rejectFrame(ctx context.Context, w stream.Writer, msg string) bool {
	if err := w.WriteEvent(ctx, stream.Error(msg, false)); err != nil {
		return false
	}
	return w.WriteDone(ctx) == nil
}

// streamTurn runs turn in the background and pumps its events to w. The turn
// keeps running if the client goes away.
func (h *Handler) streamTurn(ctx context.Context, turn *TurnHandle, w stream.Writer, keepalive time.Duration) error {
	relay := stream.NewRelay(relayBuffer)
	go func() {
		defer relay.Close()
		relay.Emit(stream.Session(turn.Token))
		if _, err := turn.Run(ctx, relay); err != nil {
			_, msg, retryable := h.classify(err)
			relay.Emit(stream.Error(msg, retryable))
		}
		if n := relay.Dropped(); n > 0 {
			h.logger.Info("Turn finished without subscriber", "session_token", turn.Token, "dropped_events", n)
		}
	}()
	return stream.Pump(ctx, relay, w, keepalive, h.logger)
}

// HandleResetSession handles DELETE /api/sessions/{token}.
func (h *Handler) HandleResetSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.sessions.Reset(r.Context(), token); err != nil {
		h.writeError(w, err, "")
		return
	}
	h.logger.Info("Session reset", "session_token", token)
	w.WriteHeader(http.StatusNoContent)
}

// HandleArtifact handles GET /api/artifacts/{name}.
func (h *Handler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := h.artifacts.Path(name)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid artifact name")
		return
	}
	if _, err := os.Stat(path); err != nil {
		api.Error(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if !h.rateLimiter.Allow(h.clientKey(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) clientKey(r *http.Request) string {
	if key := identity.ClientKeyFromContext(r.Context()); key != "" {
		return key
	}
	return identity.IPFromRequest(r)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// decodeRequest reads a JSON or multipart transcript request. Multipart
// requests may carry the source document as a "document" file part.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (TranscriptRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req TranscriptRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		var err error
		if req, err = h.decodeMultipart(r); err != nil {
			return req, err
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if tooLarge(err) {
				return req, errBodyTooLarge
			}
			return req, fmt.Errorf("%w: invalid request body", ErrBadRequest)
		}
	}

	if req.SessionToken == "" {
		req.SessionToken = identity.SessionTokenFromContext(r.Context())
	}
	return req, nil
}

func (h *Handler) decodeMultipart(r *http.Request) (TranscriptRequest, error) {
	var req TranscriptRequest
	if err := r.ParseMultipartForm(h.maxBodySize); err != nil {
		if tooLarge(err) {
			return req, errBodyTooLarge
		}
		return req, fmt.Errorf("%w: invalid multipart form", ErrBadRequest)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req.SessionToken = r.FormValue("session_token")
	req.Message = r.FormValue("message")
	req.DocumentText = r.FormValue("document_text")
	req.DocumentName = r.FormValue("document_name")
	req.DocumentPath = r.FormValue("document_path")
	req.TargetText = r.FormValue("target_text")
	req.ProfileLinks = domain.ProfileLinks{
		LinkedIn: r.FormValue("linkedin"),
		GitHub:   r.FormValue("github"),
		LeetCode: r.FormValue("leetcode"),
	}
	if raw := r.FormValue("profile_links"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.ProfileLinks); err != nil {
			return req, fmt.Errorf("%w: profile_links must be a JSON object", ErrBadRequest)
		}
	}

	file, header, err := r.FormFile("document")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return req, fmt.Errorf("%w: invalid document upload", ErrBadRequest)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return req, fmt.Errorf("read document: %w", err)
	}
	text, err := h.extractor.Extract(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		return req, err
	}
	req.DocumentText = text
	if req.DocumentName == "" {
		req.DocumentName = header.Filename
	}
	return req, nil
}

var errBodyTooLarge = errors.New("request body too large")

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || errors.Is(err, multipart.ErrMessageTooLarge) {
		return true
	}
	// The multipart reader does not always wrap the MaxBytesReader error.
	return strings.Contains(err.Error(), "request body too large")
}

// classify maps an error to an HTTP status, a client-facing message and
// whether retrying the same request may succeed.
func (h *Handler) classify(err error) (int, string, bool) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, err.Error(), false
	case errors.Is(err, errBodyTooLarge), errors.Is(err, contextstore.ErrSnapshotTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error(), false
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, err.Error(), false
	case errors.Is(err, extract.ErrEmptyDocument):
		return http.StatusBadRequest, err.Error(), false
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, contextstore.ErrNotFound):
		return http.StatusNotFound, err.Error(), false
	case errors.Is(err, sessions.ErrTurnInProgress):
		return http.StatusConflict, err.Error(), false
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway, err.Error(), true
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error(), true
	case errors.Is(err, ErrStepCeilingExceeded):
		return http.StatusInternalServerError, err.Error(), false
	case errors.Is(err, tools.ErrInvalidArtifactName):
		return http.StatusBadRequest, err.Error(), false
	default:
		return http.StatusInternalServerError, "internal error", false
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, token string) {
	status, msg, retryable := h.classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Transcript request failed", "session_token", token, "status", status, "error", err)
	} else {
		h.logger.Warn("Transcript request rejected", "session_token", token, "status", status, "error", err)
	}

	fields := map[string]any{}
	if retryable {
		fields["retryable"] = true
	}
	if token != "" {
		fields["session_token"] = token
	}
	if len(fields) == 0 {
		api.Error(w, status, msg)
		return
	}
	api.ErrorWithFields(w, status, msg, fields)
}
