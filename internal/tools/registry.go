package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashureev/tailor/internal/contextstore"
)

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools available to the agent.
type Registry struct {
	mu      sync.RWMutex
	tools   map[Name]*registered
	timeout time.Duration
}

// NewRegistry creates an empty registry. timeout bounds each dispatch; zero
// disables the bound.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		tools:   make(map[Name]*registered),
		timeout: timeout,
	}
}

// Register adds a tool. Names outside the closed set and duplicates are rejected.
func (r *Registry) Register(t Tool) error {
	name := t.Spec.Name
	if !name.Valid() {
		return fmt.Errorf("register %q: not a known tool", name)
	}
	if t.Exec == nil {
		return fmt.Errorf("register %q: nil executor", name)
	}
	if want := SideEffectOf(name); t.Spec.SideEffect != want {
		return fmt.Errorf("register %q: side effect %q, want %q", name, t.Spec.SideEffect, want)
	}

	schema, err := jsonschema.CompileString(string(name)+".schema.json", string(t.Spec.Schema))
	if err != nil {
		return fmt.Errorf("register %q: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.tools[name] = &registered{tool: t, schema: schema}
	return nil
}

// Specs returns the registered tool specs in canonical order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, name := range Known {
		if t, ok := r.tools[name]; ok {
			specs = append(specs, t.tool.Spec)
		}
	}
	return specs
}

// Dispatch validates args and runs the named tool.
//
// Errors: ErrToolNotFound for unknown names; *ExecutionError for validation,
// execution and timeout failures. contextstore.ErrNotFound and
// ErrUpstreamUnavailable pass through unwrapped because they end the turn.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage, inv Invocation) (Observation, error) {
	r.mu.RLock()
	t, ok := r.tools[Name(name)]
	r.mu.RUnlock()
	if !ok {
		return Observation{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	args = normalizeArgs(args)
	if err := validateArgs(t.schema, args); err != nil {
		return Observation{}, &ExecutionError{Tool: t.tool.Spec.Name, Err: fmt.Errorf("invalid arguments: %w", err)}
	}

	obs, err := r.run(ctx, t.tool, inv, args)
	if err != nil {
		if errors.Is(err, contextstore.ErrNotFound) || errors.Is(err, ErrUpstreamUnavailable) {
			return Observation{}, err
		}
		return Observation{}, &ExecutionError{Tool: t.tool.Spec.Name, Err: err}
	}
	return obs, nil
}

type execResult struct {
	obs Observation
	err error
}

// run executes the tool and gives up when the timeout fires even if the
// executor ignores its context.
func (r *Registry) run(ctx context.Context, t Tool, inv Invocation, args json.RawMessage) (Observation, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan execResult, 1)
	go func() {
		obs, err := t.Exec(ctx, inv, args)
		done <- execResult{obs: obs, err: err}
	}()

	select {
	case res := <-done:
		return res.obs, res.err
	case <-ctx.Done():
		return Observation{}, fmt.Errorf("timed out: %w", ctx.Err())
	}
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if raw, ok := decoded.(string); ok {
		return fmt.Errorf("malformed JSON: %q is not an object", truncateRunes(raw, 80))
	}
	return schema.Validate(decoded)
}

// NewDefaultRegistry registers the full tool set.
func NewDefaultRegistry(timeout time.Duration, provider contextstore.Provider, searcher *Searcher, artifacts *Artifacts) (*Registry, error) {
	r := NewRegistry(timeout)
	all := append(ContextTools(provider), searcher.Tool(), artifacts.Tool())
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
