// Package llm drives OpenAI-compatible chat completion backends for the agent loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ashureev/tailor/internal/agent"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/tools"
)

// Base URLs for providers that expose an OpenAI-compatible endpoint.
const (
	GeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// ErrMissingAPIKey is returned when the selected provider has no credential.
var ErrMissingAPIKey = errors.New("model API key not configured")

// Config selects and tunes the chat completion backend.
type Config struct {
	Provider    string // openai, gemini, openrouter
	Model       string
	BaseURL     string // overrides the provider default
	APIKey      string
	Temperature float32
	StepTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Provider implements agent.ModelStepper over streaming chat completions.
// It is safe for concurrent use; each Step opens an independent stream.
type Provider struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Provider for cfg.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingAPIKey, cfg.Provider)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Provider == "gemini":
		clientCfg.BaseURL = strings.TrimRight(GeminiBaseURL, "/")
	case cfg.Provider == "openrouter":
		clientCfg.BaseURL = OpenRouterBaseURL
	}

	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Step sends the conversation to the model and streams one assistant message.
func (p *Provider) Step(ctx context.Context, req agent.StepRequest, onToken func(string)) (domain.TurnEvent, error) {
	if p.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    convertMessages(req.System, req.Events),
		Temperature: p.cfg.Temperature,
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	stream, err := p.openStream(ctx, chatReq)
	if err != nil {
		return domain.TurnEvent{}, fmt.Errorf("%w: %w", agent.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = stream.Close() }()

	text, calls, err := accumulate(stream, onToken)
	if err != nil {
		return domain.TurnEvent{}, fmt.Errorf("%w: stream: %w", agent.ErrUpstreamUnavailable, err)
	}
	return domain.AssistantMessage(text, calls), nil
}

// openStream retries retryable failures with linear backoff.
func (p *Provider) openStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
		p.logger.Warn("Model request failed, retrying",
			"provider", p.cfg.Provider,
			"model", p.cfg.Model,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// accumulate drains the stream. Tool calls arrive in fragments keyed by index
// and are returned in index order.
func accumulate(stream *openai.ChatCompletionStream, onToken func(string)) (string, []domain.ToolCall, error) {
	var text strings.Builder
	pending := make(map[int]*pendingCall)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onToken != nil {
				onToken(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := pending[index]
			if pc == nil {
				pc = &pendingCall{}
				pending[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]domain.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		pc := pending[i]
		if pc.name == "" {
			continue
		}
		id := pc.id
		if id == "" {
			// Some compatible endpoints omit call ids.
			id = "call_" + uuid.NewString()[:8]
		}
		var args json.RawMessage
		if raw := strings.TrimSpace(pc.args.String()); raw != "" {
			args = json.RawMessage(raw)
		}
		calls = append(calls, domain.ToolCall{ID: id, Name: pc.name, Arguments: args})
	}
	return text.String(), calls, nil
}

func convertMessages(system string, events []domain.TurnEvent) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(events)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, ev := range events {
		switch ev.Kind {
		case domain.EventUserMessage:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: ev.Text,
			})
		case domain.EventAssistantMessage:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: ev.Text,
			}
			for _, tc := range ev.ToolCalls {
				args := string(tc.Arguments)
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, msg)
		case domain.EventToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    ev.Content,
				ToolCallID: ev.ToolCallID,
			})
		}
	}
	return out
}

func convertTools(specs []tools.Spec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		var schema map[string]any
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(spec.Name),
				Description: spec.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
