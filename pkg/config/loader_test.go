package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const billingCUE = `
components: Billing: {
	description: "Billing service"
	patches: [
		{type: "install", version: "1.0", releaseDate: "2024-01-10"},
		{
			type:    "patch"
			version: "1.1"
			from: {min: "1.0", max: "1.1"}
			dependencies: [{id: "Core", min: "1.0"}]
			after: {kind: "starlark", file: "migrate_1_1.star", timeout: "30s"}
		},
	]
}
`

const coreYAML = `components:
  - id: Core
    patches:
      - type: install
        version: "1.0"
      - type: patch
        version: "1.1"
        from: {min: "1.0"}
`

func findError(set *DefinitionSet, substr string) *ValidationError {
	for i := range set.Errors {
		if strings.Contains(set.Errors[i].Message, substr) {
			return &set.Errors[i]
		}
	}
	return nil
}

func TestLoader_Load(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		checkFunc func(t *testing.T, dir string, set *DefinitionSet)
	}{
		{
			name:  "cue struct form",
			files: map[string]string{"billing.cue": billingCUE},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if set.HasErrors() {
					t.Fatalf("unexpected errors: %v", set.Errors)
				}
				if len(set.Components) != 1 {
					t.Fatalf("components = %d, want 1", len(set.Components))
				}
				def := set.Components[0]
				if def.ID != "Billing" || len(def.Patches) != 2 {
					t.Fatalf("definition = %+v", def)
				}
				upgrade := def.Patches[1]
				if upgrade.From == nil || upgrade.From.Min != "1.0" || upgrade.From.Max != "1.1" {
					t.Errorf("From = %+v", upgrade.From)
				}
				if len(upgrade.Dependencies) != 1 || upgrade.Dependencies[0].ID != "Core" {
					t.Errorf("Dependencies = %+v", upgrade.Dependencies)
				}
				if upgrade.After == nil || upgrade.After.File != filepath.Join(dir, "migrate_1_1.star") {
					t.Errorf("After = %+v, want file resolved against %s", upgrade.After, dir)
				}
				if def.Source != filepath.Join(dir, "billing.cue") {
					t.Errorf("Source = %q", def.Source)
				}
			},
		},
		{
			name: "cue list form",
			files: map[string]string{"list.cue": `
components: [{
	id: "Core"
	patches: [{type: "install", version: "2.0"}]
}]
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if set.HasErrors() || len(set.Components) != 1 || set.Components[0].ID != "Core" {
					t.Errorf("set = %+v", set)
				}
			},
		},
		{
			name:  "yaml",
			files: map[string]string{"core.yaml": coreYAML},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if set.HasErrors() {
					t.Fatalf("unexpected errors: %v", set.Errors)
				}
				if len(set.Components) != 1 || len(set.Components[0].Patches) != 2 {
					t.Fatalf("components = %+v", set.Components)
				}
				b, err := set.Components[0].Patches[1].From.ToBoundary()
				if err != nil {
					t.Fatal(err)
				}
				if b.String() != "[1.0, *)" {
					t.Errorf("boundary = %s", b)
				}
			},
		},
		{
			name: "upgrade without from reports line",
			files: map[string]string{"bad.yaml": `components:
  - id: Core
    patches:
      - type: install
        version: "1.0"
  - id: Billing
    patches:
      - type: patch
        version: "2.0"
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				e := findError(set, "needs a from range")
				if e == nil {
					t.Fatalf("errors = %v", set.Errors)
				}
				if e.Line != 6 || e.Path != "components.Billing.patches[0]" {
					t.Errorf("error = %+v", e)
				}
				if !strings.HasSuffix(e.File, "bad.yaml") {
					t.Errorf("File = %q", e.File)
				}
				if len(set.Components) != 1 || set.Components[0].ID != "Core" {
					t.Errorf("valid components should still load, got %+v", set.Components)
				}
			},
		},
		{
			name: "schema violation",
			files: map[string]string{"bad.cue": `
components: Core: patches: [{type: "install", version: "one"}]
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if !set.HasErrors() || len(set.Components) != 0 {
					t.Errorf("expected schema error, got %+v", set)
				}
				if set.Err() == nil {
					t.Error("Err() = nil")
				}
			},
		},
		{
			name: "installer with from",
			files: map[string]string{"core.yaml": `components:
  - id: Core
    patches:
      - type: install
        version: "1.0"
        from: {min: "0.9"}
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if findError(set, "installer has no from range") == nil {
					t.Errorf("errors = %v", set.Errors)
				}
			},
		},
		{
			name: "incomplete actions",
			files: map[string]string{"core.yaml": `components:
  - id: Core
    patches:
      - type: install
        version: "1.0"
        before: {kind: exec}
        after: {kind: ssh, command: "true"}
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				before := findError(set, "exec action needs a command")
				after := findError(set, "ssh action needs a host")
				if before == nil || after == nil {
					t.Fatalf("errors = %v", set.Errors)
				}
				if before.Path != "components.Core.patches[0].before" || after.Path != "components.Core.patches[0].after" {
					t.Errorf("paths = %q, %q", before.Path, after.Path)
				}
			},
		},
		{
			name: "bad release date",
			files: map[string]string{"core.yaml": `components:
  - id: Core
    patches:
      - type: install
        version: "1.0"
        releaseDate: "2024-13-01"
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if !set.HasErrors() {
					t.Error("expected release date error")
				}
			},
		},
		{
			name: "duplicate component across files",
			files: map[string]string{
				"a/core.yaml": coreYAML,
				"b/core.cue":  `components: Core: patches: [{type: "install", version: "1.0"}]`,
			},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				e := findError(set, "already defined in")
				if e == nil || !strings.HasSuffix(e.File, "core.cue") {
					t.Fatalf("errors = %v", set.Errors)
				}
				if len(set.Components) != 1 {
					t.Errorf("components = %d, want 1", len(set.Components))
				}
			},
		},
		{
			name: "two installers warn",
			files: map[string]string{"core.yaml": `components:
  - id: Core
    patches:
      - {type: install, version: "1.0"}
      - {type: install, version: "2.0"}
`},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if set.HasErrors() {
					t.Errorf("unexpected errors: %v", set.Errors)
				}
				e := findError(set, "2 installers")
				if e == nil || e.Severity != SeverityWarning {
					t.Errorf("errors = %v", set.Errors)
				}
				if len(set.Components) != 1 {
					t.Error("component with a warning should load")
				}
			},
		},
		{
			name: "directory walk skips other files",
			files: map[string]string{
				"billing.cue":       billingCUE,
				"nested/core.yaml":  coreYAML,
				"nested/README.txt": "not a definition",
			},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if len(set.SourceFiles) != 2 || len(set.Components) != 2 {
					t.Errorf("files = %v, components = %d", set.SourceFiles, len(set.Components))
				}
			},
		},
		{
			name:  "no components field",
			files: map[string]string{"empty.yaml": "other: 1\n"},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if set.HasErrors() || len(set.Errors) != 1 || set.Errors[0].Severity != SeverityWarning {
					t.Errorf("errors = %v", set.Errors)
				}
			},
		},
		{
			name:  "cue syntax error",
			files: map[string]string{"broken.cue": "components: {\n"},
			checkFunc: func(t *testing.T, dir string, set *DefinitionSet) {
				if !set.HasErrors() {
					t.Fatal("expected syntax error")
				}
				if set.Errors[0].Line == 0 {
					t.Errorf("error has no line: %+v", set.Errors[0])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(dir, name), content)
			}

			set, err := NewLoader(zerolog.Nop()).Load(context.Background(), []string{dir})
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checkFunc(t, dir, set)
		})
	}
}

func TestLoader_LoadErrors(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	if _, err := l.Load(context.Background(), nil); err == nil {
		t.Error("expected error without paths")
	}
	if _, err := l.Load(context.Background(), []string{"/nonexistent/components"}); err == nil {
		t.Error("expected error for a missing path")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "core.yaml"), coreYAML)
	if _, err := l.Load(ctx, []string{dir}); err == nil {
		t.Error("expected error for a cancelled context")
	}
}

func TestLoader_LoadInline(t *testing.T) {
	l := NewLoader(zerolog.Nop())

	set, err := l.LoadInline(`{"components":[{"id":"Core","patches":[{"type":"install","version":"1.0"}]}]}`, "json")
	if err != nil {
		t.Fatalf("LoadInline() error = %v", err)
	}
	if set.HasErrors() || len(set.Components) != 1 {
		t.Errorf("set = %+v", set)
	}

	set, err = l.LoadInline(`components: Core: patches: [{type: "patch", version: "1.1"}]`, "cue")
	if err != nil {
		t.Fatal(err)
	}
	if findError(set, "needs a from range") == nil {
		t.Errorf("errors = %v", set.Errors)
	}

	if _, err := l.LoadInline("x = 1", "toml"); err == nil {
		t.Error("expected error for an unsupported format")
	}
}

func TestIsDefinitionFile(t *testing.T) {
	tests := map[string]bool{
		"a.cue":      true,
		"a.yaml":     true,
		"a.YML":      true,
		"a.json":     true,
		"a.star":     false,
		"README.md":  false,
		"components": false,
	}
	for path, want := range tests {
		if got := IsDefinitionFile(path); got != want {
			t.Errorf("IsDefinitionFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestValidationError_String(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{File: "a.yaml", Line: 3, Column: 5, Path: "components.Core", Message: "bad"}, "a.yaml:3:5: components.Core: bad"},
		{ValidationError{File: "a.yaml", Message: "bad"}, "a.yaml: bad"},
		{ValidationError{Path: "components", Message: "bad"}, "components: bad"},
		{ValidationError{Message: "bad"}, "bad"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBoundaryDefinition_ToBoundary(t *testing.T) {
	b, err := (&BoundaryDefinition{Min: "1.0", Max: "2.0"}).ToBoundary()
	if err != nil {
		t.Fatal(err)
	}
	if !b.MaxExclusive || b.MinExclusive {
		t.Errorf("boundary = %+v, want [1.0, 2.0)", b)
	}

	b, err = (&BoundaryDefinition{Min: "1.0", Max: "2.0", MaxInclusive: true, MinExclusive: true}).ToBoundary()
	if err != nil {
		t.Fatal(err)
	}
	if b.MaxExclusive || !b.MinExclusive {
		t.Errorf("boundary = %+v, want (1.0, 2.0]", b)
	}

	if _, err := (&BoundaryDefinition{Min: "2.0", Max: "1.0"}).ToBoundary(); err == nil {
		t.Error("expected error for an inverted range")
	}
	if _, err := (&BoundaryDefinition{Min: "x"}).ToBoundary(); err == nil {
		t.Error("expected error for an invalid version")
	}
}
