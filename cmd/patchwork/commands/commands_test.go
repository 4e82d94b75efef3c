package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/manifest"
	"github.com/openfroyo/patchwork/pkg/stores"
)

// execute runs the CLI with args and fresh global flags.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	configPath, jsonOutput = "", false
	cmd := newRootCommand("test", "none", "unknown")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

// initWorkspace initializes a workspace in a temporary directory and
// returns the config path.
func initWorkspace(t *testing.T) (dir, cfg string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, execute(t, "init", dir))
	cfg = filepath.Join(dir, "patchwork.yaml")
	require.FileExists(t, cfg)
	require.FileExists(t, filepath.Join(dir, "components", "example.cue"))
	return dir, cfg
}

func openStore(t *testing.T, dir string) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:  filepath.Join(dir, ".patchwork", "patchwork.db"),
		Codec: manifest.NewYAMLCodec(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	dir, _ := initWorkspace(t)

	err := execute(t, "init", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, execute(t, "init", dir, "--force"))
}

func TestSimulateThenStart(t *testing.T) {
	ctx := context.Background()
	dir, cfg := initWorkspace(t)

	require.NoError(t, execute(t, "simulate", "-c", cfg))

	store := openStore(t, dir)
	installed, err := store.LoadInstalledComponents(ctx)
	require.NoError(t, err)
	assert.Empty(t, installed, "a simulation must not record packages")

	runs, err := store.ListRuns(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stores.RunModeSimulation, runs[0].Mode)
	assert.Equal(t, stores.RunStatusCompleted, runs[0].Status)

	require.NoError(t, execute(t, "start", "-c", cfg))

	installed, err = store.LoadInstalledComponents(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "Example", installed[0].ComponentID)
	assert.Equal(t, "1.0", engine.VersionString(installed[0].Version))

	events, err := store.GetEvents(ctx, stores.EventFilter{ComponentID: "Example"})
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	// Nothing left to do.
	require.NoError(t, execute(t, "start", "-c", cfg))
	packages, err := store.ListPackages(ctx, stores.PackageFilter{ComponentID: "Example"})
	require.NoError(t, err)
	assert.Len(t, packages, 1)

	for _, args := range [][]string{
		{"status"},
		{"history", "--component", "Example"},
		{"events", "--errors"},
		{"plan"},
		{"validate"},
		{"dev"},
	} {
		require.NoError(t, execute(t, append(args, "-c", cfg)...), "patchwork %v", args)
	}
}

func TestStart_FaultyAction(t *testing.T) {
	ctx := context.Background()
	dir, cfg := initWorkspace(t)

	broken := `components: Broken: patches: [{
	type: "install", version: "1.0"
	after: {kind: "exec", command: "false"}
}]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "components", "broken.cue"), []byte(broken), 0o644))

	err := execute(t, "start", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finished with 1 error(s)")

	store := openStore(t, dir)
	faulty, err := store.ListPackages(ctx, stores.PackageFilter{
		Results: []engine.ExecutionResult{engine.ExecutionResultFaulty},
	})
	require.NoError(t, err)
	require.Len(t, faulty, 1)
	assert.Equal(t, "Broken", faulty[0].ComponentID)

	runs, err := store.ListRuns(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stores.RunStatusFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].Faulted)

	errorEvents, err := store.GetEvents(ctx, stores.EventFilter{RunID: runs[0].ID, ErrorsOnly: true})
	require.NoError(t, err)
	var types []string
	for _, e := range errorEvents {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, string(engine.EventExecutionError))

	// Example is unaffected by the fault.
	installed, err := store.LoadInstalledComponents(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "Example", installed[0].ComponentID)
}

func TestValidate_ReportsProblems(t *testing.T) {
	dir, cfg := initWorkspace(t)

	// A cycle between two components.
	cycle := `components: A: patches: [{type: "install", version: "1.0", dependencies: [{id: "B", min: "1.0"}]}]
components: B: patches: [{type: "install", version: "1.0", dependencies: [{id: "A", min: "1.0"}]}]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "components", "cycle.cue"), []byte(cycle), 0o644))

	err := execute(t, "validate", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	err = execute(t, "plan", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycles")
}

func TestRunPatches_InvalidPhase(t *testing.T) {
	_, cfg := initWorkspace(t)

	err := execute(t, "start", "-c", cfg, "--phase", "during")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid phase")
}
