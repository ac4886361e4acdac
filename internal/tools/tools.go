// Package tools defines the closed set of tools the agent may call and the
// registry that validates and dispatches them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/tailor/internal/domain"
)

// Name identifies a tool. The set is closed; see Known.
type Name string

const (
	FetchSourceDocument    Name = "fetch_source_document"
	FetchTargetDescription Name = "fetch_target_description"
	WebSearch              Name = "web_search"
	ProduceFinalArtifact   Name = "produce_final_artifact"
)

// Known lists every tool name the service understands, in prompt order.
var Known = []Name{FetchSourceDocument, FetchTargetDescription, WebSearch, ProduceFinalArtifact}

// Valid reports whether n belongs to the closed set.
func (n Name) Valid() bool {
	switch n {
	case FetchSourceDocument, FetchTargetDescription, WebSearch, ProduceFinalArtifact:
		return true
	}
	return false
}

// IsContextTool reports whether n only retrieves stored session materials.
func (n Name) IsContextTool() bool {
	return n == FetchSourceDocument || n == FetchTargetDescription
}

// SideEffect classifies what dispatching a tool does to the outside world.
type SideEffect string

const (
	PureRetrieval     SideEffect = "pure-retrieval"
	ExternalSearch    SideEffect = "external-search"
	ArtifactProducing SideEffect = "artifact-producing"
)

// SideEffectOf returns the fixed class of a known tool.
func SideEffectOf(n Name) SideEffect {
	switch n {
	case WebSearch:
		return ExternalSearch
	case ProduceFinalArtifact:
		return ArtifactProducing
	default:
		return PureRetrieval
	}
}

var (
	// ErrToolNotFound is returned when the model names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrUpstreamUnavailable marks a transport failure that should end the turn.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ExecutionError wraps a failure inside a tool, including argument validation
// and timeouts.
type ExecutionError struct {
	Tool Name
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Spec is the model-facing description of a tool.
type Spec struct {
	Name        Name            `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	SideEffect  SideEffect      `json:"side_effect"`
}

// Invocation carries session details a tool may need.
type Invocation struct {
	SessionToken string
	DocumentName string
	Links        domain.ProfileLinks
}

// ArtifactRef points at a generated file.
type ArtifactRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Observation is what a dispatched tool hands back to the model.
type Observation struct {
	Text     string
	Artifact *ArtifactRef
}

// Executor runs a tool with already validated arguments.
type Executor func(ctx context.Context, inv Invocation, args json.RawMessage) (Observation, error)

// Tool pairs a Spec with its Executor.
type Tool struct {
	Spec Spec
	Exec Executor
}

// mustSchema marshals a schema literal built in code.
func mustSchema(schema map[string]any) json.RawMessage {
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: invalid schema literal: %v", err))
	}
	return b
}
