package agent

import (
	"fmt"

	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/tools"
)

// LoopState is the position of the control loop within a turn.
type LoopState string

const (
	StateAwaitingModel    LoopState = "AWAITING_MODEL"
	StateDispatchingTools LoopState = "DISPATCHING_TOOLS"
	StateTerminated       LoopState = "TERMINATED"
)

// Reason explains why a turn terminated.
type Reason string

const (
	ReasonNaturalStop Reason = "natural_stop"
	ReasonLoopGuard   Reason = "loop_guard"
	ReasonFatalError  Reason = "fatal_error"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Stop   bool
	Reason Reason
	Detail string
}

var continueDecision = Decision{}

// Policy decides whether a turn continues after tool results are recorded.
// Counts are dispatched (non-skipped) tool results within the current turn.
type Policy struct {
	SearchCeiling int
}

// NewPolicy returns a policy with the given search ceiling. Non-positive
// values fall back to 5.
func NewPolicy(searchCeiling int) Policy {
	if searchCeiling <= 0 {
		searchCeiling = 5
	}
	return Policy{SearchCeiling: searchCeiling}
}

// Evaluate applies the full rule set after a step completes.
func (p Policy) Evaluate(counts map[string]int, last domain.TurnEvent) Decision {
	if d := p.Guard(counts, last); d.Stop {
		return d
	}
	if !last.HasToolCalls() {
		return Decision{Stop: true, Reason: ReasonNaturalStop, Detail: "no tool calls requested"}
	}
	return continueDecision
}

// Guard applies the rules that can cut a step short between dispatches.
func (p Policy) Guard(counts map[string]int, last domain.TurnEvent) Decision {
	if requested(last, tools.ProduceFinalArtifact) && counts[string(tools.ProduceFinalArtifact)] >= 1 {
		return Decision{Stop: true, Reason: ReasonNaturalStop, Detail: "final artifact produced"}
	}
	for _, name := range []tools.Name{tools.FetchSourceDocument, tools.FetchTargetDescription} {
		if n := counts[string(name)]; n > 1 {
			return Decision{Stop: true, Reason: ReasonLoopGuard, Detail: fmt.Sprintf("%s called %d times", name, n)}
		}
	}
	if n := counts[string(tools.WebSearch)]; n >= p.SearchCeiling {
		return Decision{Stop: true, Reason: ReasonLoopGuard, Detail: fmt.Sprintf("web_search reached ceiling of %d", p.SearchCeiling)}
	}
	return continueDecision
}

func requested(ev domain.TurnEvent, name tools.Name) bool {
	for _, c := range ev.ToolCalls {
		if c.Name == string(name) {
			return true
		}
	}
	return false
}
