package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	regoContent := `# Test policy for validation.
# Applies to every component.
# severity: warning
package test.policy

import rego.v1

deny contains "never" if false
`
	writePolicy(t, tmpDir, "test-policy.rego", regoContent)

	policy, err := loader.loadFromFile(filepath.Join(tmpDir, "test-policy.rego"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Test policy for validation. Applies to every component." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestParseRegoFile_Metadata(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
		enabled     bool
		expectErr   bool
	}{
		{
			name:     "no comments",
			content:  "package a\n",
			severity: SeverityError,
			enabled:  true,
		},
		{
			name:        "comment with colon stays in description",
			content:     "# Note: frozen until March\npackage a\n",
			description: "Note: frozen until March",
			severity:    SeverityError,
			enabled:     true,
		},
		{
			name:     "disabled",
			content:  "# enabled: false\npackage a\n",
			severity: SeverityError,
			enabled:  false,
		},
		{
			name:        "description stops at blank line",
			content:     "# First\n\n# Second\npackage a\n",
			description: "First",
			severity:    SeverityError,
			enabled:     true,
		},
		{
			name:      "unknown severity",
			content:   "# severity: fatal\npackage a\n",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := parseRegoFile("a.rego", []byte(tt.content))
			if tt.expectErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if policy.Description != tt.description {
				t.Errorf("Expected description %q, got %q", tt.description, policy.Description)
			}
			if policy.Severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, policy.Severity)
			}
			if policy.Enabled != tt.enabled {
				t.Errorf("Expected enabled=%v, got %v", tt.enabled, policy.Enabled)
			}
		})
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	writePolicy(t, tmpDir, "frozen.json", `{
	"name": "frozen-components",
	"description": "Blocks frozen components",
	"severity": "critical",
	"rego": "package frozen\n\nimport rego.v1\n\ndeny contains \"frozen\" if input.patch.component_id == \"Legacy\"\n"
}`)

	policy, err := loader.loadFromFile(filepath.Join(tmpDir, "frozen.json"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "frozen-components" {
		t.Errorf("Expected name 'frozen-components', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected severity critical, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("JSON policies should default to enabled")
	}
	if policy.Source != filepath.Join(tmpDir, "frozen.json") {
		t.Errorf("Unexpected source %s", policy.Source)
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	tests := map[string]string{
		"syntax.json":   `{not json`,
		"noname.json":   `{"rego": "package a"}`,
		"norego.json":   `{"name": "a"}`,
		"severity.json": `{"name": "a", "rego": "package a", "severity": "loud"}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			writePolicy(t, tmpDir, name, content)
			if _, err := loader.loadFromFile(filepath.Join(tmpDir, name)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "nested")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatal(err)
	}

	writePolicy(t, tmpDir, "b.rego", "package b\n")
	writePolicy(t, subDir, "a.rego", "package a\n")
	writePolicy(t, tmpDir, "README.md", "not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("Expected lexical path order, got %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()
	other := t.TempDir()

	writePolicy(t, tmpDir, "dup.rego", "package a\n")
	writePolicy(t, other, "dup.rego", "package b\n")

	_, err := loader.LoadFromPaths(context.Background(), []string{tmpDir, other})
	if err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Errorf("Expected duplicate error, got %v", err)
	}

	_, err = loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")})
	if err == nil {
		t.Error("Expected error for nonexistent path")
	}

	writePolicy(t, tmpDir, "policy.txt", "package a\n")
	if _, err := loader.loadFromFile(filepath.Join(tmpDir, "policy.txt")); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestWatch(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()
	writePolicy(t, tmpDir, "a.rego", "package a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, []string{tmpDir}, 20*time.Millisecond, func() { changes.Add(1) })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for changes.Load() == 0 && time.Now().Before(deadline) {
		writePolicy(t, tmpDir, "a.rego", "package a\n\n# edited\n")
		time.Sleep(50 * time.Millisecond)
	}
	if changes.Load() == 0 {
		t.Fatal("Expected a change notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestIsPolicyFile(t *testing.T) {
	for path, want := range map[string]bool{
		"a.rego":     true,
		"dir/b.json": true,
		"c.yaml":     false,
		"rego":       false,
		"d.rego.bak": false,
	} {
		if got := IsPolicyFile(path); got != want {
			t.Errorf("IsPolicyFile(%q) = %v, want %v", path, got, want)
		}
	}
}
