package actions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/patchwork/pkg/engine"
)

var testInvocation = Invocation{
	RunID:       "run-1",
	ComponentID: "Billing",
	Version:     "1.1",
	PatchType:   "patch",
	Phase:       engine.PhaseAfter,
}

func TestStarlarkRunner_Run(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		input   map[string]interface{}
		wantErr string
	}{
		{
			name:   "empty script",
			script: `x = 1`,
		},
		{
			name: "invocation globals",
			script: `
if component != "Billing" or version != "1.1" or phase != "after":
    fail("unexpected invocation: %s %s %s" % (component, version, phase))
if run_id != "run-1" or patch_type != "patch":
    fail("unexpected run")
`,
		},
		{
			name:   "input",
			script: `if input["replicas"] != 3 or input["tags"][1] != "b": fail("bad input")`,
			input: map[string]interface{}{
				"replicas": 3,
				"tags":     []interface{}{"a", "b"},
			},
		},
		{
			name:    "fail",
			script:  `fail("migration failed")`,
			wantErr: "migration failed",
		},
		{
			name: "run function",
			script: `
def run(ctx):
    log("migrating", component=ctx.component, rows=12)
    return True
`,
		},
		{
			name: "run returns False",
			script: `
def run(ctx):
    return ctx.version == "2.0"
`,
			wantErr: "returned False",
		},
		{
			name:    "syntax error",
			script:  `def (`,
			wantErr: "action.star",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewStarlarkRunner(tt.script, "", tt.input, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewStarlarkRunner() error = %v", err)
			}
			err = r.Run(context.Background(), testInvocation)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Run() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Run() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStarlarkRunner_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "migrate.star")
	if err := os.WriteFile(file, []byte(`fail("from file")`), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewStarlarkRunner("", file, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStarlarkRunner() error = %v", err)
	}
	if err := r.Run(context.Background(), testInvocation); err == nil || !strings.Contains(err.Error(), "from file") {
		t.Errorf("Run() error = %v", err)
	}

	// The file is re-read on each run.
	if err := os.WriteFile(file, []byte(`ok = True`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background(), testInvocation); err != nil {
		t.Errorf("Run() after edit error = %v", err)
	}
}

func TestNewStarlarkRunner_Errors(t *testing.T) {
	if _, err := NewStarlarkRunner("", "", nil, zerolog.Nop()); err == nil {
		t.Error("expected error without script or file")
	}
	if _, err := NewStarlarkRunner("", "/nonexistent/x.star", nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := NewStarlarkRunner("x = 1", "", map[string]interface{}{"c": make(chan int)}, zerolog.Nop()); err == nil {
		t.Error("expected error for unsupported input")
	}
}

func TestStarlarkRunner_Cancel(t *testing.T) {
	r, err := NewStarlarkRunner(`
while True:
    pass
`, "", nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = r.Run(ctx, testInvocation)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}
