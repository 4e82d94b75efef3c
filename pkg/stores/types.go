package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// RunMode distinguishes real runs from simulations.
type RunMode string

const (
	RunModeReal       RunMode = "real"
	RunModeSimulation RunMode = "simulation"
)

// RunStatus represents the status of a patch run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run has ended.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run represents one process start: a before phase followed by an after phase.
type Run struct {
	ID          string     `json:"id"`
	Mode        RunMode    `json:"mode"`
	Status      RunStatus  `json:"status"`
	Executed    int        `json:"executed"`
	Faulted     int        `json:"faulted"`
	Errors      int        `json:"errors"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunSummary carries the counters recorded when a run ends.
type RunSummary struct {
	Executed int
	Faulted  int
	Errors   int
	Error    *string
}

// Event is a persisted patch execution log record.
type Event struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Type         string    `json:"type"`
	Phase        string    `json:"phase"`
	Pass         int       `json:"pass"`
	IsError      bool      `json:"is_error"`
	ComponentID  *string   `json:"component_id,omitempty"`
	PatchVersion *string   `json:"patch_version,omitempty"`
	PatchType    *string   `json:"patch_type,omitempty"`
	Message      string    `json:"message"`
	DurationMS   int64     `json:"duration_ms"`
	Simulation   bool      `json:"simulation"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventFromRecord converts an engine log record into its persisted form.
func EventFromRecord(r engine.PatchExecutionLogRecord) *Event {
	e := &Event{
		RunID:      r.RunID,
		Type:       string(r.Type),
		Phase:      string(r.Phase),
		Pass:       r.Pass,
		IsError:    r.Type.IsError(),
		Message:    r.Message,
		DurationMS: r.Duration.Milliseconds(),
		Simulation: r.Simulation,
		Timestamp:  r.Timestamp,
	}
	if r.Patch != nil {
		id := r.Patch.ComponentID
		version := engine.VersionString(r.Patch.Version)
		typ := string(r.Patch.Type)
		e.ComponentID = &id
		e.PatchVersion = &version
		e.PatchType = &typ
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// PackageFilter narrows package listings. Zero values match everything.
type PackageFilter struct {
	ComponentID string
	Results     []engine.ExecutionResult
	Limit       int
	Offset      int
}

// EventFilter narrows event listings. Zero values match everything.
type EventFilter struct {
	RunID       string
	ComponentID string
	ErrorsOnly  bool
	Limit       int
	Offset      int
}

// Store is the persistence layer of patchwork: package history for the
// engine plus run and event bookkeeping for the CLI.
type Store interface {
	engine.PackageStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Package operations
	GetPackage(ctx context.Context, id string) (*engine.Package, error)
	ListPackages(ctx context.Context, filter PackageFilter) ([]*engine.Package, error)
	DeletePackage(ctx context.Context, id string) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, summary RunSummary) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
