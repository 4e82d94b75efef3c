package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Settings tunes the prerequisite rules of a run.
type Settings struct {
	// BeforeFaultyAfterRule selects how the before phase treats a recorded
	// after-phase fault on an installer's component.
	BeforeFaultyAfterRule FaultyAfterRule `json:"beforeFaultyAfterRule" yaml:"before_faulty_after_rule"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{BeforeFaultyAfterRule: FaultyAfterRuleStrict}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	return s.BeforeFaultyAfterRule.Validate()
}

// ExecutionContext holds the state of one run. It is created once per
// process start and shared by the before and after phases.
type ExecutionContext struct {
	// RunID identifies the run in log records and persisted events.
	RunID string

	// Settings are the prerequisite rules in effect.
	Settings Settings

	// Candidates are the patches still eligible for the after phase.
	Candidates []*Patch

	// Components is the in-memory component state.
	Components []*ComponentDescriptor

	// Errors are the classified diagnostics collected so far.
	Errors []*PatchExecutionError

	// Passes records every convergence pass in order.
	Passes []PassReport

	// Simulation is true while a simulated phase is running.
	Simulation bool

	sink  LogSink
	clock func() time.Time
}

// NewExecutionContext creates a context for a new run.
func NewExecutionContext(settings Settings, sink LogSink) *ExecutionContext {
	if sink == nil {
		sink = NopSink{}
	}
	if settings.BeforeFaultyAfterRule == "" {
		settings.BeforeFaultyAfterRule = FaultyAfterRuleStrict
	}
	return &ExecutionContext{
		RunID:    uuid.NewString(),
		Settings: settings,
		sink:     sink,
		clock:    time.Now,
	}
}

// Component returns the descriptor of id, or nil if the component is unknown.
func (c *ExecutionContext) Component(id string) *ComponentDescriptor {
	return findComponent(c.Components, id)
}

// ErrorsOfType returns the collected errors of the given type.
func (c *ExecutionContext) ErrorsOfType(typ ErrorType) []*PatchExecutionError {
	var out []*PatchExecutionError
	for _, e := range c.Errors {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// PassesOf returns the pass reports of one phase.
func (c *ExecutionContext) PassesOf(phase Phase) []PassReport {
	var out []PassReport
	for _, p := range c.Passes {
		if p.Phase == phase {
			out = append(out, p)
		}
	}
	return out
}

func (c *ExecutionContext) now() time.Time {
	return c.clock()
}

func (c *ExecutionContext) addError(err *PatchExecutionError) {
	c.Errors = append(c.Errors, err)
}

func (c *ExecutionContext) log(ctx context.Context, record PatchExecutionLogRecord) {
	record.RunID = c.RunID
	record.Simulation = c.Simulation
	if record.Timestamp.IsZero() {
		record.Timestamp = c.now()
	}
	c.sink.Log(ctx, record)
}

// removeCandidate drops p from the candidate list, if present.
func (c *ExecutionContext) removeCandidate(p *Patch) {
	c.Candidates = removePatch(c.Candidates, p)
}

func removePatch(list []*Patch, p *Patch) []*Patch {
	for i, q := range list {
		if q == p {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
