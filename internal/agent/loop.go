package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/stream"
	"github.com/ashureev/tailor/internal/tools"
)

// StepRequest is everything the model sees for one step.
type StepRequest struct {
	System string
	Events []domain.TurnEvent
	Tools  []tools.Spec
}

// ModelStepper runs one model step and returns the resulting assistant
// message. onToken receives streamed text as it arrives.
type ModelStepper interface {
	Step(ctx context.Context, req StepRequest, onToken func(string)) (domain.TurnEvent, error)
}

// Dispatcher runs tools on behalf of the loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args json.RawMessage, inv tools.Invocation) (tools.Observation, error)
	Specs() []tools.Spec
}

// Recorder receives loop metrics. A nil Recorder is valid.
type Recorder interface {
	ObserveModelStep(d time.Duration, err error)
	ToolDispatched(tool, outcome string)
	TurnFinished(reason string)
}

// LoopConfig bounds a single turn.
type LoopConfig struct {
	MaxSteps      int
	SearchCeiling int
	StepTimeout   time.Duration
}

// TraceEntry is one call or result shown to clients.
type TraceEntry struct {
	Type    string          `json:"type"`
	Tool    string          `json:"tool"`
	CallID  string          `json:"call_id,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Skipped bool            `json:"skipped,omitempty"`
	At      time.Time       `json:"at"`
}

// Outcome summarizes a finished turn.
type Outcome struct {
	Answer    string
	ToolUsed  bool
	ToolsUsed []string
	Trace     []TraceEntry
	Reason    Reason
	Detail    string
	Artifact  *tools.ArtifactRef
	Steps     int
}

// Turn identifies the session a loop run belongs to.
type Turn struct {
	System     string
	Invocation tools.Invocation
}

// Loop drives model steps and tool dispatch until the policy stops the turn.
type Loop struct {
	model   ModelStepper
	tools   Dispatcher
	policy  Policy
	cfg     LoopConfig
	metrics Recorder
	logger  *slog.Logger
}

// NewLoop creates a loop. metrics and logger may be nil.
func NewLoop(model ModelStepper, dispatcher Dispatcher, cfg LoopConfig, metrics Recorder, logger *slog.Logger) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		model:   model,
		tools:   dispatcher,
		policy:  NewPolicy(cfg.SearchCeiling),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run executes one turn against state, which must already end with the
// user's message. Every event produced is appended to state before Run
// returns, including on failure. The returned Outcome is non-nil even when
// err is set.
func (l *Loop) Run(ctx context.Context, state *domain.ConversationState, turn Turn, sink stream.Sink) (*Outcome, error) {
	if sink == nil {
		sink = stream.Discard
	}
	out := &Outcome{}
	log := l.logger.With("session_token", turn.Invocation.SessionToken)
	specs := l.tools.Specs()

	finish := func(d Decision) (*Outcome, error) {
		out.Reason = d.Reason
		out.Detail = d.Detail
		out.Answer = composeAnswer(state.CurrentTurn(), out)
		l.turnFinished(d.Reason)
		log.Info("Turn finished", "reason", d.Reason, "detail", d.Detail, "steps", out.Steps, "tools", out.ToolsUsed)
		return out, nil
	}
	fail := func(phase string, step int, cause error) (*Outcome, error) {
		out.Reason = ReasonFatalError
		out.Detail = cause.Error()
		out.Answer = composeAnswer(state.CurrentTurn(), out)
		l.turnFinished(ReasonFatalError)
		err := &LoopError{Phase: phase, Step: step, Cause: cause}
		if errors.Is(cause, ErrStepCeilingExceeded) {
			log.Error("Turn aborted", "error", err)
		} else {
			log.Warn("Turn aborted", "error", err)
		}
		return out, err
	}

	for step := 1; ; step++ {
		if step > l.cfg.MaxSteps {
			return fail(PhaseCeiling, step, fmt.Errorf("%w: %d steps", ErrStepCeilingExceeded, l.cfg.MaxSteps))
		}

		assistant, err := l.step(ctx, turn.System, state, specs, sink)
		if err != nil {
			return fail(PhaseModel, step, err)
		}
		state.Append(assistant)
		out.Steps = step

		if !assistant.HasToolCalls() {
			return finish(l.policy.Evaluate(state.ToolCallCounts(), assistant))
		}

		stop, err := l.dispatchAll(ctx, state, assistant, turn.Invocation, sink, out)
		if err != nil {
			return fail(PhaseDispatch, step, err)
		}
		if stop.Stop {
			return finish(stop)
		}
		if d := l.policy.Evaluate(state.ToolCallCounts(), assistant); d.Stop {
			return finish(d)
		}
	}
}

func (l *Loop) step(ctx context.Context, system string, state *domain.ConversationState, specs []tools.Spec, sink stream.Sink) (domain.TurnEvent, error) {
	if l.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	assistant, err := l.model.Step(ctx, StepRequest{
		System: system,
		Events: state.Events(),
		Tools:  specs,
	}, func(tok string) {
		if tok != "" {
			sink.Emit(stream.Token(tok))
		}
	})
	if l.metrics != nil {
		l.metrics.ObserveModelStep(time.Since(start), err)
	}
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		return domain.TurnEvent{}, err
	}
	assistant.Kind = domain.EventAssistantMessage
	if assistant.At.IsZero() {
		assistant.At = time.Now().UTC()
	}
	for i := range assistant.ToolCalls {
		assistant.ToolCalls[i].Arguments = storableArgs(assistant.ToolCalls[i].Arguments)
	}
	return assistant, nil
}

// storableArgs keeps the history serializable: arguments that are not valid
// JSON are kept as a JSON string, which the registry rejects as malformed.
func storableArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || json.Valid(trimmed) {
		return args
	}
	quoted, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return quoted
}

// dispatchAll runs the step's tool calls in request order. Once the guard
// trips, the remaining calls get skipped results so every call stays paired.
func (l *Loop) dispatchAll(ctx context.Context, state *domain.ConversationState, assistant domain.TurnEvent, inv tools.Invocation, sink stream.Sink, out *Outcome) (Decision, error) {
	var stop Decision
	for i, call := range assistant.ToolCalls {
		if stop.Stop {
			l.record(state, sink, out, domain.SkippedResult(call, skipNote(stop)))
			l.toolDispatched(call.Name, "skipped")
			continue
		}

		args := sanitizeArgs(call.Arguments)
		sink.Emit(stream.ToolStart(call.Name, call.ID, args))
		out.Trace = append(out.Trace, TraceEntry{
			Type:   "call",
			Tool:   call.Name,
			CallID: call.ID,
			Args:   args,
			At:     time.Now().UTC(),
		})

		obs, err := l.tools.Dispatch(ctx, call.Name, call.Arguments, inv)
		result, fatal := l.observe(call, obs, err)
		l.record(state, sink, out, result)

		if fatal != nil {
			for _, rest := range assistant.ToolCalls[i+1:] {
				l.record(state, sink, out, domain.SkippedResult(rest, "Not executed: the turn was aborted."))
			}
			return Decision{}, fatal
		}

		out.ToolUsed = true
		if !slices.Contains(out.ToolsUsed, call.Name) {
			out.ToolsUsed = append(out.ToolsUsed, call.Name)
		}
		if obs.Artifact != nil {
			out.Artifact = obs.Artifact
		}

		stop = l.policy.Guard(state.ToolCallCounts(), assistant)
	}
	return stop, nil
}

// observe turns a dispatch result into a tool_result event. Failures the
// model can react to become error observations; the rest are fatal.
func (l *Loop) observe(call domain.ToolCall, obs tools.Observation, err error) (domain.TurnEvent, error) {
	var execErr *tools.ExecutionError
	switch {
	case err == nil:
		l.toolDispatched(call.Name, "ok")
		return domain.ToolResult(call, obs.Text, false), nil
	case errors.Is(err, tools.ErrToolNotFound):
		l.toolDispatched(call.Name, "unknown")
		return domain.ToolResult(call, "Unknown tool: "+call.Name, true), nil
	case errors.As(err, &execErr):
		l.toolDispatched(call.Name, "error")
		return domain.ToolResult(call, fmt.Sprintf("Tool error (%s): %v", call.Name, execErr.Err), true), nil
	case errors.Is(err, tools.ErrUpstreamUnavailable):
		l.toolDispatched(call.Name, "fatal")
		return domain.ToolResult(call, "Tool error ("+call.Name+"): upstream unavailable", true),
			fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	case errors.Is(err, contextstore.ErrNotFound):
		l.toolDispatched(call.Name, "fatal")
		return domain.ToolResult(call, "Tool error ("+call.Name+"): session context not found", true), err
	default:
		l.toolDispatched(call.Name, "fatal")
		return domain.ToolResult(call, "Tool error ("+call.Name+"): "+err.Error(), true), err
	}
}

func (l *Loop) record(state *domain.ConversationState, sink stream.Sink, out *Outcome, ev domain.TurnEvent) {
	state.Append(ev)
	sink.Emit(stream.ToolResult(ev.ToolName, ev.ToolCallID, ev.Content, ev.IsError, ev.Skipped))
	out.Trace = append(out.Trace, TraceEntry{
		Type:    "result",
		Tool:    ev.ToolName,
		CallID:  ev.ToolCallID,
		Content: truncate(ev.Content, traceResultLimit),
		IsError: ev.IsError,
		Skipped: ev.Skipped,
		At:      ev.At,
	})
}

func (l *Loop) toolDispatched(tool, outcome string) {
	if l.metrics != nil {
		l.metrics.ToolDispatched(tool, outcome)
	}
}

func (l *Loop) turnFinished(reason Reason) {
	if l.metrics != nil {
		l.metrics.TurnFinished(string(reason))
	}
}

func skipNote(d Decision) string {
	return fmt.Sprintf("Not executed: the turn was stopped (%s: %s).", d.Reason, d.Detail)
}

// composeAnswer picks the last non-empty assistant text of the turn and
// annotates it with the artifact name or a guard notice.
func composeAnswer(turn []domain.TurnEvent, out *Outcome) string {
	var answer string
	for i := len(turn) - 1; i >= 0; i-- {
		if turn[i].Kind == domain.EventAssistantMessage && strings.TrimSpace(turn[i].Text) != "" {
			answer = strings.TrimSpace(turn[i].Text)
			break
		}
	}

	if out.Artifact != nil && !strings.Contains(answer, out.Artifact.Name) {
		note := "File: " + out.Artifact.Name
		if answer == "" {
			answer = note
		} else {
			answer += "\n\n" + note
		}
	}
	if answer == "" && out.Reason == ReasonLoopGuard {
		answer = "(Stopped early: " + out.Detail + ".)"
	}
	if answer == "" && out.Artifact == nil {
		if res, ok := lastFailure(turn); ok {
			answer = "(The turn ended without an answer. " + res.Content + ")"
		}
	}
	return answer
}

// lastFailure reports the turn's final tool result when it is an error.
func lastFailure(turn []domain.TurnEvent) (domain.TurnEvent, bool) {
	for i := len(turn) - 1; i >= 0; i-- {
		switch turn[i].Kind {
		case domain.EventToolResult:
			return turn[i], turn[i].IsError && !turn[i].Skipped
		case domain.EventAssistantMessage:
			if strings.TrimSpace(turn[i].Text) != "" {
				return domain.TurnEvent{}, false
			}
		}
	}
	return domain.TurnEvent{}, false
}
