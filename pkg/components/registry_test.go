package components

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/manifest"
	"github.com/openfroyo/patchwork/pkg/stores"
)

const definitions = `
components: Core: patches: [
	{type: "install", version: "1.0", releaseDate: "2024-01-10", after: {kind: "exec", command: "core-install"}},
	{type: "patch", version: "1.1", from: {min: "1.0", max: "1.1"}, after: {kind: "exec", command: "core-1.1"}},
]
components: Billing: {
	description: "Billing service"
	patches: [{
		type:    "install"
		version: "1.0"
		dependencies: [{id: "Core", min: "1.1"}]
		after: {kind: "exec", command: "billing-install"}
	}]
}
`

// recordingBuilder returns actions that record their command.
type recordingBuilder struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]error
}

func (b *recordingBuilder) Build(componentID string, patch config.PatchDefinition, phase engine.Phase, def *config.ActionDefinition) (engine.Action, error) {
	if err, ok := b.fail[def.Command]; ok {
		return nil, err
	}
	command := def.Command
	return func(ctx context.Context, pc *engine.ExecutionContext) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.ran = append(b.ran, fmt.Sprintf("%s:%s", phase, command))
		return nil
	}, nil
}

func loadDefinitions(t *testing.T, content string) *config.DefinitionSet {
	t.Helper()
	set, err := config.NewLoader(zerolog.Nop()).LoadInline(content, "cue")
	require.NoError(t, err)
	require.False(t, set.HasErrors(), "definition errors: %v", set.Errors)
	return set
}

func TestFromDefinitions(t *testing.T) {
	set := loadDefinitions(t, definitions)
	builder := &recordingBuilder{}

	r, err := FromDefinitions(set, builder, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"Billing", "Core"}, r.IDs())

	c, ok := r.Get("Billing")
	require.True(t, ok)
	assert.Equal(t, "Billing service", c.(*Definition).Description())

	candidates, err := engine.CollectCandidates(r)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	upgrade := candidates[1]
	assert.Equal(t, "Core", upgrade.ComponentID)
	assert.Equal(t, engine.PackageTypePatch, upgrade.Type)
	assert.Equal(t, "[1.0, 1.1)", upgrade.Boundary.String())
	assert.NotNil(t, upgrade.AfterStart)
	assert.Nil(t, upgrade.BeforeStart)

	billing := candidates[2]
	require.Len(t, billing.Dependencies, 1)
	assert.Equal(t, "Core", billing.Dependencies[0].ComponentID)
	assert.Equal(t, engine.PackageTypeInstall, candidates[0].Type)
	assert.Equal(t, 2024, candidates[0].ReleaseDate.Year())
}

func TestRegistry_RunsThroughPatchManager(t *testing.T) {
	ctx := context.Background()
	set := loadDefinitions(t, definitions)
	builder := &recordingBuilder{}

	r, err := FromDefinitions(set, builder, zerolog.Nop())
	require.NoError(t, err)

	codec := manifest.NewYAMLCodec()
	store := stores.NewMemoryStore(codec)
	m, err := engine.NewPatchManager(engine.ManagerConfig{
		Registry: r,
		Store:    store,
		Codec:    codec,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, false))
	assert.Empty(t, m.Errors())

	require.Len(t, builder.ran, 3)
	index := make(map[string]int)
	for i, name := range builder.ran {
		index[name] = i
	}
	assert.Less(t, index["after:core-install"], index["after:core-1.1"])
	assert.Less(t, index["after:core-1.1"], index["after:billing-install"])

	installed, err := store.LoadInstalledComponents(ctx)
	require.NoError(t, err)
	versions := make(map[string]string)
	for _, info := range installed {
		versions[info.ComponentID] = engine.VersionString(info.Version)
	}
	assert.Equal(t, "1.1", versions["Core"])
	assert.Equal(t, "1.0", versions["Billing"])
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	core, err := NewDefinition(config.ComponentDefinition{ID: "Core"}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(core))
	assert.ErrorContains(t, r.Register(core), "already registered")

	empty, err := NewDefinition(config.ComponentDefinition{}, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, r.Register(empty), "empty")

	set := loadDefinitions(t, definitions)
	err = r.Load(set, nil)
	assert.ErrorContains(t, err, "Core already registered")
	assert.Equal(t, 1, r.Len(), "a failed load must not add components")
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(goComponent{id: "Kernel"}))
	require.NoError(t, r.Load(loadDefinitions(t, definitions), nil))
	require.Equal(t, 3, r.Len())

	next := loadDefinitions(t, `components: Search: patches: [{type: "install", version: "3.0"}]`)
	require.NoError(t, r.Replace(next, nil))
	assert.Equal(t, []string{"Kernel", "Search"}, r.IDs())

	ids := make([]string, 0)
	for _, c := range r.Components() {
		ids = append(ids, c.ComponentID())
	}
	assert.Equal(t, []string{"Kernel", "Search"}, ids, "Go components keep their position")

	broken := &config.DefinitionSet{Errors: []config.ValidationError{{Message: "bad", Severity: config.SeverityError}}}
	require.Error(t, r.Replace(broken, nil))
	assert.Equal(t, []string{"Kernel", "Search"}, r.IDs(), "a failed replace keeps the registry")
}

func TestNewDefinition_ActionError(t *testing.T) {
	set := loadDefinitions(t, definitions)
	builder := &recordingBuilder{fail: map[string]error{"core-1.1": errors.New("no such host")}}

	_, err := FromDefinitions(set, builder, zerolog.Nop())
	assert.ErrorContains(t, err, "no such host")
}

type goComponent struct{ id string }

func (c goComponent) ComponentID() string { return c.id }

func (c goComponent) AddPatches(b *engine.PatchBuilder) {
	b.Install("1.0", "", "")
}

func TestNewDefinition_WithoutBuilder(t *testing.T) {
	set := loadDefinitions(t, `
components: Core: patches: [{
	type: "install", version: "1.0"
	before: {kind: "exec", command: "stop-core"}
	after: {kind: "exec", command: "core-install"}
}]
`)
	r, err := FromDefinitions(set, nil, zerolog.Nop())
	require.NoError(t, err)

	candidates, err := engine.CollectCandidates(r)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// Placeholders keep the patch in both phases but refuse to run.
	install := candidates[0]
	require.NotNil(t, install.BeforeStart)
	require.NotNil(t, install.AfterStart)
	err = install.AfterStart(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec action of Core 1.0 was not built")
}
