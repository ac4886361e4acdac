package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tailor/internal/config"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/extract"
	"github.com/ashureev/tailor/internal/identity"
	"github.com/ashureev/tailor/internal/stream"
)

func testConfig(requests int) *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: requests, WindowDuration: time.Minute},
		SSE:       config.SSEConfig{KeepaliveInterval: time.Second, MaxRequestBodySize: 1 << 20},
	}
}

func newTestServer(t *testing.T, h *harness, cfg *config.Config) *httptest.Server {
	t.Helper()
	handler := NewHandler(h.svc, h.manager, h.artifacts, extract.New("", time.Second, nil), cfg, nil)
	t.Cleanup(handler.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, header http.Header) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandleTranscript(t *testing.T) {
	t.Parallel()
	h := newHarness(t, optimizeScript)
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript", firstTurn("optimize this"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got TranscriptResponse
	decodeBody(t, resp, &got)
	assert.Equal(t, got.SessionToken, resp.Header.Get(identity.SessionHeaderName))
	assert.True(t, got.ToolUsed)
	assert.True(t, got.ArtifactExists)
	assert.Equal(t, ReasonNaturalStop, got.Termination.Reason)

	for _, entry := range got.ToolTrace {
		if entry.Type == "call" && entry.Tool == "produce_final_artifact" {
			assert.Contains(t, string(entry.Args), "[[omitted large text]]")
		}
	}
}

func TestHandleTranscriptFollowUpUsesHeaderToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))

	first := postJSON(t, srv.URL+"/api/transcript", firstTurn("hello"), nil)
	require.Equal(t, http.StatusOK, first.StatusCode)
	token := first.Header.Get(identity.SessionHeaderName)
	require.NotEmpty(t, token)

	second := postJSON(t, srv.URL+"/api/transcript", map[string]string{"message": "again"},
		http.Header{identity.SessionHeaderName: []string{token}})
	require.Equal(t, http.StatusOK, second.StatusCode)

	var got TranscriptResponse
	decodeBody(t, second, &got)
	assert.Equal(t, token, got.SessionToken)
	assert.Equal(t, "reply to: again", got.AnswerText)
}

func TestHandleTranscriptErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing message", body: map[string]string{"document_text": "doc", "target_text": "jd"}, status: http.StatusBadRequest},
		{name: "unknown session", body: map[string]string{"session_token": "nope", "message": "hi"}, status: http.StatusNotFound},
		{name: "materials with token", body: map[string]string{"session_token": "nope", "message": "hi", "target_text": "jd"}, status: http.StatusBadRequest},
		{name: "malformed", body: "not an object", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, replyScript)
			srv := newTestServer(t, h, testConfig(10))

			resp := postJSON(t, srv.URL+"/api/transcript", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]any
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHandleTranscriptUpstreamFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(int, StepRequest) (domain.TurnEvent, error) {
		return domain.TurnEvent{}, errors.New("503 from provider")
	})
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript", firstTurn("optimize"), nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, true, body["retryable"])
	assert.NotEmpty(t, body["session_token"])
}

func TestHandleTranscriptAfterShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))
	require.NoError(t, h.svc.Wait(context.Background()))

	resp := postJSON(t, srv.URL+"/api/transcript", firstTurn("hello"), nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, true, body["retryable"])
}

func TestHandleTranscriptMultipart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("message", "optimize"))
	require.NoError(t, mw.WriteField("target_text", scenarioTarget))
	require.NoError(t, mw.WriteField("linkedin", "https://linkedin.com/in/johndoe"))
	part, err := mw.CreateFormFile("document", "john_doe.md")
	require.NoError(t, err)
	_, err = io.WriteString(part, scenarioDocument)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/transcript", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := resp.Header.Get(identity.SessionHeaderName)
	session, err := h.manager.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "john_doe.md", session.DocumentName)
	assert.Equal(t, "https://linkedin.com/in/johndoe", session.Links.LinkedIn)

	doc, err := h.contexts.RetrieveDocument(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(scenarioDocument), doc)
}

func TestHandleTranscriptMultipartUnsupportedFormat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("message", "optimize"))
	require.NoError(t, mw.WriteField("target_text", scenarioTarget))
	part, err := mw.CreateFormFile("document", "resume.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7\x00\x01"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/transcript", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

type sseFrame struct {
	event string
	data  string
}

func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if f.data != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestHandleStreamSSE(t *testing.T) {
	t.Parallel()
	h := newHarness(t, optimizeScript)
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript/stream", firstTurn("optimize this"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	token := resp.Header.Get(identity.SessionHeaderName)
	require.NotEmpty(t, token)

	frames := readSSE(t, resp.Body)
	require.NotEmpty(t, frames)

	var first stream.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &first))
	assert.Equal(t, "session", frames[0].event)
	assert.Equal(t, token, first.SessionToken)

	assert.Equal(t, stream.DoneMarker, frames[len(frames)-1].data)

	var types []string
	for _, f := range frames[1 : len(frames)-1] {
		types = append(types, f.event)
	}
	assert.Equal(t, []string{
		"tool_start", "tool_result",
		"tool_start", "tool_result",
		"tool_start", "tool_result",
	}, types)
}

func TestHandleStreamErrorEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(int, StepRequest) (domain.TurnEvent, error) {
		return domain.TurnEvent{}, errors.New("provider timeout")
	})
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript/stream", firstTurn("optimize"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readSSE(t, resp.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, "session", frames[0].event)
	assert.Equal(t, "error", frames[1].event)

	var ev stream.Event
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &ev))
	assert.True(t, ev.Retryable)
	assert.Contains(t, ev.Text, "upstream unavailable")
	assert.Equal(t, stream.DoneMarker, frames[2].data)
}

func TestHandleStreamRejectsBeforeStreaming(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript/stream", map[string]string{"session_token": "gone", "message": "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) []stream.Event {
	t.Helper()
	var events []stream.Event
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		if string(data) == stream.DoneMarker {
			return events
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
	}
}

func TestHandleWebSocket(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/transcript/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	first, err := json.Marshal(firstTurn("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, first))

	events := readWS(t, ctx, conn)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, stream.EventSession, events[0].Type)
	token := events[0].SessionToken
	require.NotEmpty(t, token)
	assert.Equal(t, stream.EventToken, events[1].Type)
	assert.Equal(t, "reply to: hello", events[1].Text)

	// The follow-up omits the token; the connection remembers it.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"again"}`)))
	events = readWS(t, ctx, conn)
	require.NotEmpty(t, events)
	assert.Equal(t, token, events[0].SessionToken)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	events = readWS(t, ctx, conn)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)

	assert.Equal(t, 4, h.repo.savedEvents(token))
}

func TestHandleResetSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript", firstTurn("hello"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := resp.Header.Get(identity.SessionHeaderName)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+token, nil)
		require.NoError(t, err)
		r, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = r.Body.Close()
		return r.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())

	_, err := h.contexts.RetrieveDocument(context.Background(), token)
	assert.Error(t, err)
}

func TestHandleArtifact(t *testing.T) {
	t.Parallel()
	h := newHarness(t, optimizeScript)
	srv := newTestServer(t, h, testConfig(10))

	resp := postJSON(t, srv.URL+"/api/transcript", firstTurn("optimize this"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got TranscriptResponse
	decodeBody(t, resp, &got)
	require.NotEmpty(t, got.ArtifactName)

	get := func(name string) *http.Response {
		r, err := http.Get(srv.URL + "/api/artifacts/" + name)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Body.Close() })
		return r
	}

	ok := get(got.ArtifactName)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Contains(t, ok.Header.Get("Content-Disposition"), got.ArtifactName)
	body, err := io.ReadAll(ok.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<strong>Go</strong>")

	assert.Equal(t, http.StatusNotFound, get("missing_optimized_00000000.html").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(".env").StatusCode)
}

func TestHandleTranscriptRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, replyScript)
	srv := newTestServer(t, h, testConfig(1))

	first := postJSON(t, srv.URL+"/api/transcript", firstTurn("hello"), nil)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := postJSON(t, srv.URL+"/api/transcript", firstTurn("hello"), nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Hour)
	defer rl.Close()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are limited independently")
	assert.Equal(t, 2, rl.size())

	rl.Close()
}
