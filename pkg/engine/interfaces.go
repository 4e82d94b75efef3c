package engine

import (
	"context"
)

// PackageStore persists package history. Writes must be durable before they
// return and idempotent: saving the same (component, type, version) twice
// updates a single row.
type PackageStore interface {
	// LoadInstalledComponents lists the successfully installed packages.
	LoadInstalledComponents(ctx context.Context) ([]ComponentInfo, error)

	// LoadIncompleteComponents lists packages that were started but did
	// not finish successfully.
	LoadIncompleteComponents(ctx context.Context) ([]ComponentInfo, error)

	// SaveInitialPackage records that a patch is about to run.
	SaveInitialPackage(ctx context.Context, pkg *Package) error

	// SavePackage records the outcome of a patch execution.
	SavePackage(ctx context.Context, pkg *Package) error
}

// LogSink receives the log records of a run.
type LogSink interface {
	// Log handles one record. It must not block for long.
	Log(ctx context.Context, record PatchExecutionLogRecord)
}

// LogSinkFunc adapts a function to the LogSink interface.
type LogSinkFunc func(ctx context.Context, record PatchExecutionLogRecord)

// Log implements LogSink.
func (f LogSinkFunc) Log(ctx context.Context, record PatchExecutionLogRecord) {
	f(ctx, record)
}

// MultiSink fans a record out to several sinks in order.
type MultiSink []LogSink

// Log implements LogSink.
func (m MultiSink) Log(ctx context.Context, record PatchExecutionLogRecord) {
	for _, s := range m {
		if s != nil {
			s.Log(ctx, record)
		}
	}
}

// NopSink discards all records.
type NopSink struct{}

// Log implements LogSink.
func (NopSink) Log(context.Context, PatchExecutionLogRecord) {}

// PatchValidator decides whether a patch is structurally acceptable. A
// rejected patch is irrelevant in every phase.
type PatchValidator interface {
	ValidatePatch(ctx context.Context, patch *Patch) error
}

// PatchValidatorFunc adapts a function to the PatchValidator interface.
type PatchValidatorFunc func(ctx context.Context, patch *Patch) error

// ValidatePatch implements PatchValidator.
func (f PatchValidatorFunc) ValidatePatch(ctx context.Context, patch *Patch) error {
	return f(ctx, patch)
}

// StructuralValidator accepts every patch that passes Patch.Validate.
type StructuralValidator struct{}

// ValidatePatch implements PatchValidator.
func (StructuralValidator) ValidatePatch(_ context.Context, patch *Patch) error {
	return patch.Validate()
}
