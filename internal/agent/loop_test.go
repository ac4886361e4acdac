package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/stream"
	"github.com/ashureev/tailor/internal/tools"
)

const (
	scenarioDocument = "John Doe, 10 years experience...\n\nExperience:\n- Built distributed systems in Go\n- Led a team of 6"
	scenarioTarget   = "Senior Backend Engineer role...\n\nRequirements: Go, Kubernetes, PostgreSQL"
)

type scriptedModel struct {
	mu     sync.Mutex
	steps  int
	seen   []StepRequest
	script func(step int, req StepRequest) (domain.TurnEvent, error)
}

func (m *scriptedModel) Step(_ context.Context, req StepRequest, onToken func(string)) (domain.TurnEvent, error) {
	m.mu.Lock()
	m.steps++
	step := m.steps
	m.seen = append(m.seen, req)
	m.mu.Unlock()

	ev, err := m.script(step, req)
	if err == nil && ev.Text != "" {
		onToken(ev.Text)
	}
	return ev, err
}

func (m *scriptedModel) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

// countingDispatcher records every dispatch that reaches the registry.
type countingDispatcher struct {
	inner *tools.Registry
	mu    sync.Mutex
	calls []string
}

func (d *countingDispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage, inv tools.Invocation) (tools.Observation, error) {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
	return d.inner.Dispatch(ctx, name, args, inv)
}

func (d *countingDispatcher) Specs() []tools.Spec { return d.inner.Specs() }

func (d *countingDispatcher) count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == name {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *recordingSink) Emit(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type fixture struct {
	contexts   contextstore.Provider
	artifacts  *tools.Artifacts
	dispatcher *countingDispatcher
	session    *domain.Session
}

func stubSearchTool() tools.Tool {
	return tools.Tool{
		Spec: tools.Spec{
			Name:        tools.WebSearch,
			Description: "search",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","minLength":1}},"required":["query"]}`),
			SideEffect:  tools.ExternalSearch,
		},
		Exec: func(_ context.Context, _ tools.Invocation, args json.RawMessage) (tools.Observation, error) {
			var a struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(args, &a)
			return tools.Observation{Text: `{"results":[{"title":"Go, Kubernetes","url":"https://example.com"}],"provider":"stub","summary":"` + a.Query + `"}`}, nil
		},
	}
}

func newFixture(t *testing.T, storeContext bool) *fixture {
	t.Helper()

	ctx := context.Background()
	contexts := contextstore.NewMemory(16, 0, time.Hour)
	session := domain.NewSession("tok-"+strings.ReplaceAll(t.Name(), "/", "-"), "john_doe.pdf", "/uploads/john_doe.pdf", domain.ProfileLinks{})
	if storeContext {
		require.NoError(t, contexts.Store(ctx, session.Token, scenarioDocument, scenarioTarget))
	}

	artifacts, err := tools.NewArtifacts(t.TempDir(), nil)
	require.NoError(t, err)

	reg := tools.NewRegistry(time.Second)
	for _, tool := range tools.ContextTools(contexts) {
		require.NoError(t, reg.Register(tool))
	}
	require.NoError(t, reg.Register(stubSearchTool()))
	require.NoError(t, reg.Register(artifacts.Tool()))

	return &fixture{
		contexts:   contexts,
		artifacts:  artifacts,
		dispatcher: &countingDispatcher{inner: reg},
		session:    session,
	}
}

func (f *fixture) run(t *testing.T, model ModelStepper, cfg LoopConfig, message string, sink stream.Sink) (*Outcome, error) {
	t.Helper()
	f.session.State.Append(domain.UserMessage(message))
	loop := NewLoop(model, f.dispatcher, cfg, nil, nil)
	return loop.Run(context.Background(), f.session.State, Turn{
		System: SystemPrompt(f.session),
		Invocation: tools.Invocation{
			SessionToken: f.session.Token,
			DocumentName: f.session.DocumentName,
		},
	}, sink)
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func lastToolResult(events []domain.TurnEvent) domain.TurnEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == domain.EventToolResult {
			return events[i]
		}
	}
	return domain.TurnEvent{}
}

// assertPaired checks that every tool call has exactly one result, in order.
func assertPaired(t *testing.T, events []domain.TurnEvent) {
	t.Helper()
	for i, ev := range events {
		if !ev.HasToolCalls() {
			continue
		}
		for j, c := range ev.ToolCalls {
			idx := i + 1 + j
			require.Less(t, idx, len(events), "missing result for %s", c.ID)
			res := events[idx]
			require.Equal(t, domain.EventToolResult, res.Kind)
			require.Equal(t, c.ID, res.ToolCallID)
			require.Equal(t, c.Name, res.ToolName)
		}
	}
}

var defaultLoopConfig = LoopConfig{MaxSteps: 50, SearchCeiling: 5, StepTimeout: time.Second}

func TestScenarioA_FullOptimization(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, req StepRequest) (domain.TurnEvent, error) {
		switch step {
		case 1:
			return domain.AssistantMessage("", []domain.ToolCall{call("c1", "fetch_source_document", `{}`)}), nil
		case 2:
			assert.Equal(t, tools.DocumentEnvelope(scenarioDocument), lastToolResult(req.Events).Content)
			return domain.AssistantMessage("", []domain.ToolCall{call("c2", "fetch_target_description", `{}`)}), nil
		case 3:
			assert.Equal(t, tools.TargetEnvelope(scenarioTarget), lastToolResult(req.Events).Content)
			return domain.AssistantMessage("I tailored your resume to the backend role.", []domain.ToolCall{
				call("c3", "produce_final_artifact", `{"markdown":"# John Doe\n\n- **Go** distributed systems","name":"John Doe"}`),
			}), nil
		default:
			t.Errorf("unexpected model step %d", step)
			return domain.AssistantMessage("extra", nil), nil
		}
	}}

	out, err := f.run(t, model, defaultLoopConfig, "optimize this", nil)
	require.NoError(t, err)

	assert.Equal(t, ReasonNaturalStop, out.Reason)
	assert.True(t, out.ToolUsed)
	assert.Equal(t, 3, model.Steps())
	assert.Equal(t, []string{"fetch_source_document", "fetch_target_description", "produce_final_artifact"}, out.ToolsUsed)
	require.NotNil(t, out.Artifact)
	assert.True(t, f.artifacts.Exists(out.Artifact.Name))
	assert.Contains(t, out.Answer, out.Artifact.Name)
	assert.True(t, strings.HasPrefix(out.Answer, "I tailored your resume"))

	for _, c := range model.seen[0].Tools {
		assert.True(t, c.Name.Valid())
	}
	assert.Contains(t, model.seen[0].System, "john_doe.pdf")

	// The trace never echoes the document markdown back.
	for _, entry := range out.Trace {
		if entry.Type == "call" && entry.Tool == "produce_final_artifact" {
			assert.Contains(t, string(entry.Args), "[[omitted large text]]")
		}
	}
	assertPaired(t, f.session.State.Events())
}

func TestScenarioB_SearchThenAnswer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		if step <= 3 {
			return domain.AssistantMessage("", []domain.ToolCall{
				call(fmt.Sprintf("s%d", step), "web_search", fmt.Sprintf(`{"query":"backend keywords %d"}`, step)),
			}), nil
		}
		return domain.AssistantMessage("Key terms: Go, Kubernetes, PostgreSQL.", nil), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "find me keywords for this role", nil)
	require.NoError(t, err)

	assert.Equal(t, ReasonNaturalStop, out.Reason)
	assert.Equal(t, "no tool calls requested", out.Detail)
	assert.True(t, out.ToolUsed)
	assert.Equal(t, 3, f.dispatcher.count("web_search"))
	assert.Equal(t, "Key terms: Go, Kubernetes, PostgreSQL.", out.Answer)
	assert.Nil(t, out.Artifact)
	assert.Equal(t, "Used tools: web_search", ThinkingNote(out.ToolsUsed))
}

func TestScenarioB_NoSearch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(int, StepRequest) (domain.TurnEvent, error) {
		return domain.AssistantMessage("Emphasize Go and Kubernetes.", nil), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "find me keywords for this role", nil)
	require.NoError(t, err)
	assert.False(t, out.ToolUsed)
	assert.Empty(t, out.Trace)
	assert.Equal(t, 1, out.Steps)
}

func TestScenarioC_RepeatedDocumentFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		// The model would keep asking forever.
		return domain.AssistantMessage("", []domain.ToolCall{
			call(fmt.Sprintf("d%d", step), "fetch_source_document", `{}`),
		}), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "optimize this", nil)
	require.NoError(t, err)

	assert.Equal(t, ReasonLoopGuard, out.Reason)
	assert.Equal(t, 2, model.Steps())
	assert.Equal(t, 2, f.dispatcher.count("fetch_source_document"))
	assert.NotEmpty(t, out.Answer)
}

func TestLoopGuardWithinSingleStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		calls := make([]domain.ToolCall, 0, 5)
		for i := 0; i < 5; i++ {
			calls = append(calls, call(fmt.Sprintf("d%d-%d", step, i), "fetch_source_document", `{}`))
		}
		calls = append(calls, call("t", "fetch_target_description", `{}`))
		return domain.AssistantMessage("", calls), nil
	}}

	sink := &recordingSink{}
	out, err := f.run(t, model, defaultLoopConfig, "optimize this", sink)
	require.NoError(t, err)

	assert.Equal(t, ReasonLoopGuard, out.Reason)
	assert.Equal(t, 1, model.Steps())
	assert.LessOrEqual(t, f.dispatcher.count("fetch_source_document"), 2)
	assert.Equal(t, 0, f.dispatcher.count("fetch_target_description"))

	events := f.session.State.Events()
	assertPaired(t, events)
	skipped := 0
	for _, ev := range events {
		if ev.Skipped {
			skipped++
			assert.True(t, ev.IsError)
		}
	}
	assert.Equal(t, 4, skipped)
	assert.Equal(t, 2, f.session.State.ToolCallCounts()["fetch_source_document"])

	var starts, results int
	for _, ev := range sink.events {
		switch ev.Type {
		case stream.EventToolStart:
			starts++
		case stream.EventToolResult:
			results++
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 6, results)
}

func TestSearchCeilingExactlyFive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		return domain.AssistantMessage("", []domain.ToolCall{
			call(fmt.Sprintf("s%d", step), "web_search", `{"query":"more keywords"}`),
		}), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "find me keywords for this role", nil)
	require.NoError(t, err)

	assert.Equal(t, ReasonLoopGuard, out.Reason)
	assert.Equal(t, 5, f.dispatcher.count("web_search"))
	assert.Equal(t, 5, model.Steps())
}

func TestSearchCeilingWithinSingleStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(int, StepRequest) (domain.TurnEvent, error) {
		calls := make([]domain.ToolCall, 0, 7)
		for i := 0; i < 7; i++ {
			calls = append(calls, call(fmt.Sprintf("s%d", i), "web_search", fmt.Sprintf(`{"query":"q%d"}`, i)))
		}
		return domain.AssistantMessage("", calls), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "find me keywords", nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonLoopGuard, out.Reason)
	assert.Equal(t, 5, f.dispatcher.count("web_search"))
	assertPaired(t, f.session.State.Events())
}

func TestToolResultsFollowRequestOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		if step == 1 {
			return domain.AssistantMessage("Reading both.", []domain.ToolCall{
				call("t1", "fetch_target_description", `{}`),
				call("d1", "fetch_source_document", `{}`),
			}), nil
		}
		return domain.AssistantMessage("Read.", nil), nil
	}}

	sink := &recordingSink{}
	_, err := f.run(t, model, defaultLoopConfig, "optimize this", sink)
	require.NoError(t, err)

	events := f.session.State.Events()
	require.Len(t, events, 5)
	assert.Equal(t, domain.EventUserMessage, events[0].Kind)
	assert.Equal(t, "t1", events[2].ToolCallID)
	assert.Equal(t, "d1", events[3].ToolCallID)

	var got []string
	for _, ev := range sink.events {
		got = append(got, string(ev.Type)+":"+ev.CallID)
	}
	assert.Equal(t, []string{
		"token:",
		"tool_start:t1", "tool_result:t1",
		"tool_start:d1", "tool_result:d1",
		"token:",
	}, got)
}

func TestToolFailuresAreFedBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, req StepRequest) (domain.TurnEvent, error) {
		switch step {
		case 1:
			return domain.AssistantMessage("", []domain.ToolCall{
				call("bad", "web_search", `{"top_k":3}`),
				call("ghost", "read_filesystem", `{}`),
			}), nil
		default:
			events := req.Events
			assert.Contains(t, events[len(events)-2].Content, "Tool error (web_search)")
			assert.True(t, events[len(events)-2].IsError)
			assert.Equal(t, "Unknown tool: read_filesystem", events[len(events)-1].Content)
			return domain.AssistantMessage("Search failed, answering from memory.", nil), nil
		}
	}}

	out, err := f.run(t, model, defaultLoopConfig, "find me keywords", nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNaturalStop, out.Reason)
	assert.Equal(t, 2, model.Steps())
}

func TestMalformedArgumentsStaySerializable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, req StepRequest) (domain.TurnEvent, error) {
		if step == 1 {
			return domain.AssistantMessage("", []domain.ToolCall{call("c1", "web_search", `{"query": "go`)}), nil
		}
		res := req.Events[len(req.Events)-1]
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "malformed JSON")
		return domain.AssistantMessage("Answering without search.", nil), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "find me keywords", nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNaturalStop, out.Reason)

	events := f.session.State.Events()
	require.True(t, events[1].HasToolCalls())
	args := events[1].ToolCalls[0].Arguments
	assert.True(t, json.Valid(args))
	var kept string
	require.NoError(t, json.Unmarshal(args, &kept))
	assert.Equal(t, `{"query": "go`, kept)

	_, err = json.Marshal(f.session.State)
	require.NoError(t, err)
}

func TestFailedArtifactStillAnswers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(int, StepRequest) (domain.TurnEvent, error) {
		return domain.AssistantMessage("", []domain.ToolCall{call("c1", "produce_final_artifact", `{}`)}), nil
	}}

	out, err := f.run(t, model, defaultLoopConfig, "optimize", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, model.Steps())
	assert.Nil(t, out.Artifact)
	assert.NotEmpty(t, out.Answer)
	assert.Contains(t, out.Answer, "Tool error (produce_final_artifact)")
}

func TestStepCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		return domain.AssistantMessage("", []domain.ToolCall{
			call(fmt.Sprintf("s%d", step), "web_search", `{"query":"again"}`),
		}), nil
	}}

	out, err := f.run(t, model, LoopConfig{MaxSteps: 3, SearchCeiling: 100}, "loop", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepCeilingExceeded)

	var loopErr *LoopError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, PhaseCeiling, loopErr.Phase)
	assert.Equal(t, ReasonFatalError, out.Reason)
	assert.Equal(t, 3, model.Steps())
}

func TestUpstreamFailureKeepsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, _ StepRequest) (domain.TurnEvent, error) {
		if step == 1 {
			return domain.AssistantMessage("", []domain.ToolCall{call("d", "fetch_source_document", `{}`)}), nil
		}
		return domain.TurnEvent{}, errors.New("503 service unavailable")
	}}

	out, err := f.run(t, model, defaultLoopConfig, "optimize this", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ReasonFatalError, out.Reason)

	events := f.session.State.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "optimize this", events[0].Text)
	assert.Equal(t, "d", events[2].ToolCallID)
}

func TestMissingContextIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	model := &scriptedModel{script: func(int, StepRequest) (domain.TurnEvent, error) {
		return domain.AssistantMessage("", []domain.ToolCall{
			call("d", "fetch_source_document", `{}`),
			call("t", "fetch_target_description", `{}`),
		}), nil
	}}

	_, err := f.run(t, model, defaultLoopConfig, "optimize this", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contextstore.ErrNotFound)

	var loopErr *LoopError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, PhaseDispatch, loopErr.Phase)
	assert.Equal(t, 1, loopErr.Step)
	assertPaired(t, f.session.State.Events())
	assert.Equal(t, 1, f.dispatcher.count("fetch_source_document"))
	assert.Equal(t, 0, f.dispatcher.count("fetch_target_description"))
}

func TestHistoryIsAppendOnlyAcrossTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	model := &scriptedModel{script: func(step int, req StepRequest) (domain.TurnEvent, error) {
		switch step {
		case 1:
			return domain.AssistantMessage("", []domain.ToolCall{call("d1", "fetch_source_document", `{}`)}), nil
		case 2:
			return domain.AssistantMessage("Looks good.", nil), nil
		case 3:
			// Second turn: the context tool is allowed again because counts are per turn.
			assert.Equal(t, "now shorten it", req.Events[len(req.Events)-1].Text)
			return domain.AssistantMessage("", []domain.ToolCall{call("d2", "fetch_source_document", `{}`)}), nil
		default:
			return domain.AssistantMessage("Shortened.", nil), nil
		}
	}}

	_, err := f.run(t, model, defaultLoopConfig, "review this", nil)
	require.NoError(t, err)
	afterFirst := f.session.State.Events()

	out, err := f.run(t, model, defaultLoopConfig, "now shorten it", nil)
	require.NoError(t, err)
	afterSecond := f.session.State.Events()

	require.Greater(t, len(afterSecond), len(afterFirst))
	for i := range afterFirst {
		assert.Equal(t, afterFirst[i], afterSecond[i], "event %d changed", i)
	}
	assert.Equal(t, ReasonNaturalStop, out.Reason)
	assert.Equal(t, 2, f.dispatcher.count("fetch_source_document"))
}

func TestComposeAnswer(t *testing.T) {
	t.Parallel()

	turn := []domain.TurnEvent{
		domain.UserMessage("go"),
		domain.AssistantMessage("Working on it.", nil),
		domain.AssistantMessage("", nil),
	}

	out := &Outcome{Artifact: &tools.ArtifactRef{Name: "cv_optimized_1234abcd.html"}}
	assert.Equal(t, "Working on it.\n\nFile: cv_optimized_1234abcd.html", composeAnswer(turn, out))

	guard := &Outcome{Reason: ReasonLoopGuard, Detail: "fetch_source_document called 2 times"}
	assert.Equal(t, "(Stopped early: fetch_source_document called 2 times.)", composeAnswer(turn[:1], guard))

	c := call("c1", "produce_final_artifact", "{}")
	failed := []domain.TurnEvent{
		domain.UserMessage("go"),
		domain.AssistantMessage("", []domain.ToolCall{c}),
		domain.ToolResult(c, "Tool error (produce_final_artifact): invalid arguments", true),
	}
	assert.Equal(t, "(The turn ended without an answer. Tool error (produce_final_artifact): invalid arguments)",
		composeAnswer(failed, &Outcome{Reason: ReasonNaturalStop}))
}

func TestSanitizeArgs(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 900)
	raw := json.RawMessage(`{"markdown":"# big","query":"` + long + `","nested":{"html":"<p>"}}`)

	var got map[string]any
	require.NoError(t, json.Unmarshal(sanitizeArgs(raw), &got))
	assert.Equal(t, "[[omitted large text]]", got["markdown"])
	assert.Equal(t, strings.Repeat("x", 400)+"…", got["query"])
	assert.Equal(t, "[[omitted large text]]", got["nested"].(map[string]any)["html"])

	assert.Nil(t, sanitizeArgs(nil))
	assert.Equal(t, 701, len([]rune(truncate(strings.Repeat("y", 1000), traceResultLimit))))
}
