package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// Action kinds.
const (
	ActionKindStarlark = "starlark"
	ActionKindExec     = "exec"
	ActionKindWASM     = "wasm"
	ActionKindSSH      = "ssh"
)

// ComponentDefinition declares a component and the patches it contributes.
type ComponentDefinition struct {
	// ID is the component id (e.g., "Billing").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Patches are the installers and upgrade patches, in declaration order.
	Patches []PatchDefinition `json:"patches,omitempty" yaml:"patches" validate:"dive"`

	// Source is the file the definition was read from.
	Source string `json:"-" yaml:"-"`
}

// PatchDefinition declares one installer or upgrade patch.
type PatchDefinition struct {
	// Type is "install" or "patch".
	Type string `json:"type" yaml:"type" validate:"required,oneof=install patch"`

	// Version is the component version after the patch.
	Version string `json:"version" yaml:"version" validate:"required"`

	// From is the installed-version range an upgrade applies to.
	From *BoundaryDefinition `json:"from,omitempty" yaml:"from,omitempty"`

	// ReleaseDate is formatted as 2006-01-02.
	ReleaseDate string `json:"releaseDate,omitempty" yaml:"releaseDate,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Dependencies []DependencyDefinition `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive"`

	// Before runs in the before phase.
	Before *ActionDefinition `json:"before,omitempty" yaml:"before,omitempty"`

	// After runs in the after phase.
	After *ActionDefinition `json:"after,omitempty" yaml:"after,omitempty"`
}

// BoundaryDefinition is a version range. Max is exclusive unless
// MaxInclusive is set; Min is inclusive unless MinExclusive is set.
type BoundaryDefinition struct {
	Min          string `json:"min,omitempty" yaml:"min,omitempty"`
	MinExclusive bool   `json:"minExclusive,omitempty" yaml:"minExclusive,omitempty"`
	Max          string `json:"max,omitempty" yaml:"max,omitempty"`
	MaxInclusive bool   `json:"maxInclusive,omitempty" yaml:"maxInclusive,omitempty"`
}

// DependencyDefinition requires another component within a version range.
type DependencyDefinition struct {
	ID  string `json:"id" yaml:"id" validate:"required"`
	Min string `json:"min,omitempty" yaml:"min,omitempty"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// ActionDefinition describes an executable patch action.
type ActionDefinition struct {
	// Kind is one of starlark, exec, wasm or ssh.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=starlark exec wasm ssh"`

	// Script is inline source: Starlark for starlark actions, a shell
	// script for ssh actions.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// File is a script or module path, relative to the definition file.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Command is the program of exec actions, or the remote command of ssh
	// actions.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Host names an entry of actions.hosts for ssh actions.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Timeout overrides actions.default_timeout, e.g. "30s".
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Input is passed to Starlark scripts as the "input" global.
	Input map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
}

// TimeoutOr parses Timeout, returning def when it is empty.
func (a *ActionDefinition) TimeoutOr(def time.Duration) (time.Duration, error) {
	if a.Timeout == "" {
		return def, nil
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid action timeout %q: %w", a.Timeout, err)
	}
	return d, nil
}

// DefinitionSet is the result of loading component definitions.
type DefinitionSet struct {
	// Components in load order. Files are read in lexical order.
	Components []ComponentDefinition `json:"components"`

	// SourceFiles are the files that were read.
	SourceFiles []string `json:"source_files"`

	// LoadedAt is when the definitions were loaded.
	LoadedAt time.Time `json:"loaded_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error-severity problem was found.
func (s *DefinitionSet) HasErrors() bool {
	for _, e := range s.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Err folds the error-severity problems into one error, or returns nil.
func (s *DefinitionSet) Err() error {
	var n int
	var first ValidationError
	for _, e := range s.Errors {
		if e.Severity != SeverityError {
			continue
		}
		if n == 0 {
			first = e
		}
		n++
	}
	switch n {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("invalid component definitions: %s", first)
	default:
		return fmt.Errorf("invalid component definitions: %s (and %d more)", first, n-1)
	}
}

// Severities of validation errors.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the error (e.g., "components.Billing.patches[0]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ToBoundary converts the definition to an engine boundary.
func (b *BoundaryDefinition) ToBoundary() (engine.Boundary, error) {
	var out engine.Boundary
	if b == nil {
		return out, nil
	}
	if b.Min != "" {
		v, err := engine.ParseVersion(b.Min)
		if err != nil {
			return out, err
		}
		out.Min = v
		out.MinExclusive = b.MinExclusive
	}
	if b.Max != "" {
		v, err := engine.ParseVersion(b.Max)
		if err != nil {
			return out, err
		}
		out.Max = v
		out.MaxExclusive = !b.MaxInclusive
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// ToDependency converts the definition to an engine dependency. Max is
// exclusive, matching engine.Between.
func (d DependencyDefinition) ToDependency() (engine.Dependency, error) {
	b := BoundaryDefinition{Min: d.Min, Max: d.Max}
	boundary, err := b.ToBoundary()
	if err != nil {
		return engine.Dependency{}, fmt.Errorf("dependency %s: %w", d.ID, err)
	}
	return engine.Dependency{ComponentID: d.ID, Boundary: boundary}, nil
}
