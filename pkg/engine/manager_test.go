package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *fakeStore, id string, typ PackageType, version string, result ExecutionResult) {
	t.Helper()
	require.NoError(t, store.save("seed", &Package{
		ComponentID:      id,
		ComponentVersion: MustParseVersion(version),
		PackageType:      typ,
		ExecutionResult:  result,
	}))
}

func TestFreshInstallerRunsOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sink := &recordingSink{}
	calls := &callLog{}

	mgr := newTestManager(t, store, sink, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "2024-01-01", "core").Action(calls.action("core"))
	}))

	require.NoError(t, mgr.Run(ctx, false))

	assert.Equal(t, []string{"core"}, calls.calls)
	assert.Empty(t, mgr.Errors())
	assert.Equal(t, "1.0", mgr.Context().Component("Core").Version.String())
	assert.Empty(t, mgr.Context().Candidates)

	pkg := store.get("Core", PackageTypeInstall, "1.0")
	require.NotNil(t, pkg)
	assert.Equal(t, ExecutionResultSuccessful, pkg.ExecutionResult)
	assert.False(t, pkg.ExecutionDate.IsZero())

	assert.Len(t, sink.ofType(EventOnAfterActionStarts), 1)
	assert.Len(t, sink.ofType(EventOnAfterActionFinished), 1)
	assert.Len(t, sink.ofType(EventPhaseStarted), 2)
	for _, r := range sink.records {
		assert.Equal(t, mgr.Context().RunID, r.RunID)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	calls := &callLog{}
	registry := func() Component {
		return component("Core", func(b *PatchBuilder) {
			b.Install("1.0", "", "").ActionOnBefore(calls.action("before")).Action(calls.action("after"))
			b.Patch("1.0", "1.1", "", "").Action(calls.action("patch"))
		})
	}

	require.NoError(t, newTestManager(t, store, nil, registry()).Run(ctx, false))
	assert.Equal(t, []string{"before", "after", "patch"}, calls.calls)
	writes := store.writes

	sink := &recordingSink{}
	second := newTestManager(t, store, sink, registry())
	require.NoError(t, second.Run(ctx, false))

	assert.Equal(t, []string{"before", "after", "patch"}, calls.calls, "nothing runs twice")
	assert.Equal(t, writes, store.writes)
	assert.Empty(t, second.Errors())
	assert.Equal(t, "1.1", second.Context().Component("Core").Version.String())
	assert.Len(t, sink.ofType(EventPatchSkipped), 3)
}

func TestInstalledComponentSkipsInstallerWithBeforeAction(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seed(t, store, "Core", PackageTypeInstall, "1.0", ExecutionResultSuccessful)
	sink := &recordingSink{}
	calls := &callLog{}

	mgr := newTestManager(t, store, sink, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").ActionOnBefore(calls.action("before")).Action(calls.action("after"))
	}))

	require.NoError(t, mgr.Run(ctx, false))

	assert.Empty(t, calls.calls)
	assert.Empty(t, mgr.Errors())
	assert.Empty(t, mgr.Context().ErrorsOfType(ErrorTypeCannotExecuteOnAfter))
	assert.Len(t, sink.ofType(EventPatchSkipped), 2)
	assert.Equal(t, "1.0", mgr.Context().Component("Core").Version.String())
}

func TestEmptyCandidateSetTerminatesImmediately(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sink := &recordingSink{}

	mgr := newTestManager(t, store, sink)
	require.NoError(t, mgr.Run(ctx, false))

	assert.Empty(t, mgr.Context().Passes)
	assert.Empty(t, mgr.Errors())
	assert.Zero(t, store.writes)
	assert.Len(t, sink.ofType(EventPhaseStarted), 2)
	for _, r := range sink.records {
		assert.False(t, r.Type.IsError(), "unexpected error record %s", r.Type)
	}
}

func TestDependencyChainConvergesInOrder(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), nil,
		component("A", func(b *PatchBuilder) {
			b.Install("1.0", "", "").DependsOn("B", "1.0").Action(calls.action("A"))
		}),
		component("B", func(b *PatchBuilder) {
			b.Install("1.0", "", "").DependsOn("C", "1.0").Action(calls.action("B"))
		}),
		component("C", func(b *PatchBuilder) {
			b.Install("1.0", "", "").Action(calls.action("C"))
		}),
	)

	require.NoError(t, mgr.Run(ctx, false))

	assert.Equal(t, []string{"C", "B", "A"}, calls.calls)
	assert.Empty(t, mgr.Errors())

	passes := mgr.Context().PassesOf(PhaseAfter)
	require.Len(t, passes, 3)
	assert.Equal(t, []string{"C"}, componentIDs(passes[0].Executed))
	assert.Equal(t, []string{"B"}, componentIDs(passes[1].Executed))
	assert.Equal(t, []string{"A"}, componentIDs(passes[2].Executed))
	assert.Empty(t, mgr.Context().PassesOf(PhaseBefore))
}

func TestDuplicateInstallers(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), sink,
		component("Core", func(b *PatchBuilder) {
			b.Install("1.0", "", "").Action(calls.action("first"))
		}),
		component("Core", func(b *PatchBuilder) {
			b.Install("1.1", "", "").Action(calls.action("second"))
		}),
	)

	require.NoError(t, mgr.Run(ctx, false))

	assert.Empty(t, calls.calls)
	require.Len(t, mgr.Errors(), 1)
	dup := mgr.Errors()[0]
	assert.Equal(t, ErrorTypeDuplicatedInstaller, dup.Type)
	assert.Equal(t, mgr.Errors(), mgr.Context().ErrorsOfType(ErrorTypeDuplicatedInstaller))
	assert.Len(t, dup.Patches, 2)
	assert.Len(t, sink.ofType(EventDuplicatedInstaller), 1)
	assert.Nil(t, mgr.Context().Component("Core"))
	assert.Empty(t, mgr.Context().Candidates)
}

func TestBeforeFaultSkipsAfterPhase(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	calls := &callLog{}

	mgr := newTestManager(t, store, nil, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").
			ActionOnBefore(calls.failing("before", "boom")).
			Action(calls.action("after"))
	}))

	require.NoError(t, mgr.ExecutePatchesOnBeforeStart(ctx, false))
	assert.Empty(t, mgr.Context().Candidates, "a faulted patch leaves the candidates")

	require.NoError(t, mgr.ExecutePatchesOnAfterStart(ctx, false))
	assert.Equal(t, []string{"before"}, calls.calls)
	assert.Equal(t, []ErrorType{ErrorTypeExecutionErrorOnBefore}, errorTypes(mgr.Errors()))
	assert.Equal(t, "boom", mgr.Errors()[0].Message)

	comp := mgr.Context().Component("Core")
	require.NotNil(t, comp)
	assert.Nil(t, comp.Version)
	assert.Equal(t, "1.0", comp.FaultyBeforeVersion.String())

	pkg := store.get("Core", PackageTypeInstall, "1.0")
	require.NotNil(t, pkg)
	assert.Equal(t, ExecutionResultFaultyBefore, pkg.ExecutionResult)
	assert.Equal(t, "boom", pkg.ExecutionError)
}

func TestAfterFaultBlocksDependents(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), nil,
		component("Core", func(b *PatchBuilder) {
			b.Install("1.0", "", "").Action(calls.failing("core", "disk full"))
		}),
		component("Web", func(b *PatchBuilder) {
			b.Install("1.0", "", "").DependsOn("Core", "1.0").Action(calls.action("web"))
		}),
	)

	require.NoError(t, mgr.Run(ctx, false))

	assert.Equal(t, []string{"core"}, calls.calls)
	assert.Equal(t, []ErrorType{ErrorTypeExecutionErrorOnAfter, ErrorTypeCannotExecuteOnAfter}, errorTypes(mgr.Errors()))
	assert.Contains(t, mgr.Errors()[1].Message, "Cannot execute the patch after repository start.")
	assert.Contains(t, mgr.Errors()[1].Message, "Unmet dependencies: Core.")

	core := mgr.Context().Component("Core")
	assert.Nil(t, core.Version)
	assert.Equal(t, "1.0", core.FaultyAfterVersion.String())
	assert.Nil(t, mgr.Context().Component("Web"))
}

func TestSelfDependencyNeverExecutes(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), nil, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").DependsOn("Core", "1.0").Action(calls.action("core"))
	}))

	require.NoError(t, mgr.Run(ctx, false))

	assert.Empty(t, calls.calls)
	require.Len(t, mgr.Errors(), 1)
	assert.Equal(t, ErrorTypeCannotExecuteOnAfter, mgr.Errors()[0].Type)
	assert.Contains(t, mgr.Errors()[0].Message, "depends on its own component")
}

func TestDependencyCycleIsExplained(t *testing.T) {
	ctx := context.Background()

	mgr := newTestManager(t, newFakeStore(), nil,
		component("A", func(b *PatchBuilder) { b.Install("1.0", "", "").DependsOn("B", "1.0") }),
		component("B", func(b *PatchBuilder) { b.Install("1.0", "", "").DependsOn("A", "1.0") }),
	)

	require.NoError(t, mgr.Run(ctx, false))

	require.Len(t, mgr.Errors(), 2)
	for _, e := range mgr.Errors() {
		assert.Equal(t, ErrorTypeCannotExecuteOnAfter, e.Type)
		assert.Contains(t, e.Message, "Dependency cycle: A -> B -> A.")
	}
}

func TestUpgradeChain(t *testing.T) {
	tests := []struct {
		name       string
		register   func(calls *callLog) Component
		wantPasses [][]string
	}{
		{
			name: "installer first",
			register: func(calls *callLog) Component {
				return component("Core", func(b *PatchBuilder) {
					b.Install("1.0", "", "").Action(calls.action("1.0"))
					b.Patch("1.0", "1.1", "", "").Action(calls.action("1.1"))
					b.Patch("1.1", "1.2", "", "").Action(calls.action("1.2"))
				})
			},
			wantPasses: [][]string{{"1.0", "1.1", "1.2"}},
		},
		{
			name: "installer last",
			register: func(calls *callLog) Component {
				return component("Core", func(b *PatchBuilder) {
					b.Patch("1.1", "1.2", "", "").Action(calls.action("1.2"))
					b.Patch("1.0", "1.1", "", "").Action(calls.action("1.1"))
					b.Install("1.0", "", "").Action(calls.action("1.0"))
				})
			},
			wantPasses: [][]string{{"1.0"}, {"1.1"}, {"1.2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := &callLog{}
			mgr := newTestManager(t, newFakeStore(), nil, tt.register(calls))
			require.NoError(t, mgr.Run(context.Background(), false))

			assert.Empty(t, mgr.Errors())
			assert.Equal(t, []string{"1.0", "1.1", "1.2"}, calls.calls)
			assert.Equal(t, "1.2", mgr.Context().Component("Core").Version.String())

			passes := mgr.Context().PassesOf(PhaseAfter)
			require.Len(t, passes, len(tt.wantPasses))
			for i, want := range tt.wantPasses {
				got := make([]string, len(passes[i].Executed))
				for j, p := range passes[i].Executed {
					got[j] = p.Version.String()
				}
				assert.Equal(t, want, got, "pass %d", i+1)
			}
		})
	}
}

func TestUpgradeWithBeforeAction(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seed(t, store, "Core", PackageTypeInstall, "1.0", ExecutionResultSuccessful)
	calls := &callLog{}

	mgr := newTestManager(t, store, nil, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").Action(calls.action("install"))
		b.Patch("1.0", "1.1", "", "").ActionOnBefore(calls.action("before")).Action(calls.action("after"))
	}))

	require.NoError(t, mgr.ExecutePatchesOnBeforeStart(ctx, false))
	comp := mgr.Context().Component("Core")
	assert.Equal(t, "1.0", comp.Version.String())
	assert.Equal(t, "1.1", comp.FaultyAfterVersion.String())
	assert.Equal(t, ExecutionResultSuccessfulBefore, store.get("Core", PackageTypePatch, "1.1").ExecutionResult)

	require.NoError(t, mgr.ExecutePatchesOnAfterStart(ctx, false))
	assert.Equal(t, []string{"before", "after"}, calls.calls)
	assert.Empty(t, mgr.Errors())
	assert.Equal(t, "1.1", comp.Version.String())
	assert.Nil(t, comp.FaultyAfterVersion)
	assert.Equal(t, ExecutionResultSuccessful, store.get("Core", PackageTypePatch, "1.1").ExecutionResult)
}

func TestMissingVersion(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}

	mgr := newTestManager(t, newFakeStore(), sink, component("Core", func(b *PatchBuilder) {
		b.Patch("1.0", "1.1", "", "")
	}))

	require.NoError(t, mgr.Run(ctx, false))

	assert.Equal(t, []ErrorType{ErrorTypeMissingVersion}, errorTypes(mgr.Errors()))
	assert.Len(t, sink.ofType(EventCannotExecuteMissingVersion), 1)
	assert.Empty(t, mgr.Context().Candidates)
}

func TestUpgradeWithUnmetDependencyIsNotMissingVersion(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seed(t, store, "Core", PackageTypeInstall, "1.0", ExecutionResultSuccessful)

	mgr := newTestManager(t, store, nil, component("Core", func(b *PatchBuilder) {
		b.Patch("1.0", "1.1", "", "").DependsOn("Search", "2.0")
	}))

	require.NoError(t, mgr.Run(ctx, false))

	require.Len(t, mgr.Errors(), 1)
	assert.Equal(t, ErrorTypeCannotExecuteOnAfter, mgr.Errors()[0].Type)
	assert.Contains(t, mgr.Errors()[0].Message, "Unmet dependencies: Search.")
}

func TestPanickingActionIsAFault(t *testing.T) {
	ctx := context.Background()

	mgr := newTestManager(t, newFakeStore(), nil, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").Action(func(context.Context, *ExecutionContext) error {
			panic("nil map")
		})
	}))

	require.NoError(t, mgr.Run(ctx, false))

	require.Len(t, mgr.Errors(), 1)
	assert.Equal(t, ErrorTypeExecutionErrorOnAfter, mgr.Errors()[0].Type)
	assert.Contains(t, mgr.Errors()[0].Message, "action panicked: nil map")
	assert.Equal(t, "1.0", mgr.Context().Component("Core").FaultyAfterVersion.String())
}

func TestUnsupportedPatchType(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), nil, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").Action(calls.action("tool")).Patch().Type = PackageTypeTool
		b.Install("2.0", "", "").Action(calls.action("install"))
	}))

	require.NoError(t, mgr.Run(ctx, false))

	assert.Equal(t, []string{"install"}, calls.calls)
	assert.Equal(t, []ErrorType{ErrorTypeUnsupportedPatch}, errorTypes(mgr.Errors()))
}

func TestLenientDependenciesInBeforePhase(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), nil,
		component("Core", func(b *PatchBuilder) {
			b.Install("1.0", "", "").ActionOnBefore(calls.action("core-before")).Action(calls.action("core-after"))
		}),
		component("Web", func(b *PatchBuilder) {
			b.Install("1.0", "", "").DependsOn("Core", "1.0").
				ActionOnBefore(calls.action("web-before")).
				Action(calls.action("web-after"))
		}),
	)

	require.NoError(t, mgr.Run(ctx, false))

	assert.Empty(t, mgr.Errors())
	assert.Equal(t, []string{"core-before", "web-before", "core-after", "web-after"}, calls.calls)
	require.Len(t, mgr.Context().PassesOf(PhaseBefore), 1)
	require.Len(t, mgr.Context().PassesOf(PhaseAfter), 1)
}

func TestStuckBeforePatchStaysCandidate(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}

	mgr := newTestManager(t, newFakeStore(), nil,
		component("Web", func(b *PatchBuilder) {
			b.Install("1.0", "", "").DependsOn("Core", "1.0").
				ActionOnBefore(calls.action("web-before")).
				Action(calls.action("web-after"))
		}),
		component("Core", func(b *PatchBuilder) {
			b.Install("1.0", "", "").Action(calls.action("core"))
		}),
	)

	require.NoError(t, mgr.ExecutePatchesOnBeforeStart(ctx, false))
	assert.Equal(t, []ErrorType{ErrorTypeCannotExecuteOnBefore}, errorTypes(mgr.Errors()))
	assert.Contains(t, mgr.Errors()[0].Message, "Unmet dependencies: Core")
	assert.Contains(t, mgr.Errors()[0].Message, "after-start action will be refused too")
	assert.Equal(t, []string{"Web", "Core"}, componentIDs(mgr.Context().Candidates))

	require.NoError(t, mgr.ExecutePatchesOnAfterStart(ctx, false))
	assert.Equal(t, []string{"core"}, calls.calls)
	assert.Equal(t, []ErrorType{ErrorTypeCannotExecuteOnBefore, ErrorTypeCannotExecuteOnAfter}, errorTypes(mgr.Errors()))
	assert.Contains(t, mgr.Errors()[1].Message, "before-start action has not completed")
	assert.Empty(t, mgr.Context().Candidates)
}

func TestBeforeFaultyAfterRule(t *testing.T) {
	tests := []struct {
		rule      FaultyAfterRule
		wantCalls []string
		wantErrs  []ErrorType
	}{
		{
			rule:     FaultyAfterRuleStrict,
			wantErrs: []ErrorType{ErrorTypeCannotExecuteOnAfter},
		},
		{
			rule:      FaultyAfterRuleVersionAware,
			wantCalls: []string{"before", "after"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			store := newFakeStore()
			seed(t, store, "Core", PackageTypeInstall, "1.0", ExecutionResultFaulty)
			calls := &callLog{}

			mgr, err := NewPatchManager(ManagerConfig{
				Registry: StaticRegistry{component("Core", func(b *PatchBuilder) {
					b.Install("2.0", "", "").ActionOnBefore(calls.action("before")).Action(calls.action("after"))
				})},
				Store:    store,
				Codec:    jsonCodec{},
				Settings: Settings{BeforeFaultyAfterRule: tt.rule},
			})
			require.NoError(t, err)
			require.NoError(t, mgr.Run(context.Background(), false))

			assert.Equal(t, tt.wantCalls, calls.calls)
			assert.Equal(t, tt.wantErrs, errorTypes(mgr.Errors()))
		})
	}
}

func TestStoreFailureAbortsPhase(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.failOn = "initial"
	calls := &callLog{}

	mgr := newTestManager(t, store, nil, component("Core", func(b *PatchBuilder) {
		b.Install("1.0", "", "").Action(calls.action("core"))
	}))

	err := mgr.Run(ctx, false)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, calls.calls, "no action runs before its start is recorded")
}

func TestSimulationMatchesRealRun(t *testing.T) {
	scenario := func(calls *callLog) []Component {
		return []Component{
			component("A", func(b *PatchBuilder) {
				b.Install("1.0", "", "").DependsOn("B", "1.0").Action(calls.action("A"))
			}),
			component("B", func(b *PatchBuilder) {
				b.Install("1.0", "", "").ActionOnBefore(calls.action("B-before")).Action(calls.action("B"))
				b.Patch("1.0", "2.0", "", "").Action(calls.action("B-2.0"))
			}),
			component("Dup", func(b *PatchBuilder) { b.Install("1.0", "", "") }),
			component("Dup", func(b *PatchBuilder) { b.Install("1.0", "", "") }),
			component("Self", func(b *PatchBuilder) { b.Install("1.0", "", "").DependsOn("Self", "1.0") }),
			component("Orphan", func(b *PatchBuilder) { b.Patch("3.0", "3.1", "", "") }),
		}
	}

	run := func(t *testing.T, simulate bool) (*PatchManager, *fakeStore, *callLog) {
		store := newFakeStore()
		calls := &callLog{}
		mgr := newTestManager(t, store, nil, scenario(calls)...)
		require.NoError(t, mgr.Run(context.Background(), simulate))
		return mgr, store, calls
	}

	real, realStore, realCalls := run(t, false)
	sim, simStore, simCalls := run(t, true)

	assert.Empty(t, simCalls.calls)
	assert.Zero(t, simStore.writes)
	assert.NotEmpty(t, realCalls.calls)
	assert.NotZero(t, realStore.writes)

	assert.Equal(t, errorTypes(real.Errors()), errorTypes(sim.Errors()))
	require.Equal(t, len(real.Context().Passes), len(sim.Context().Passes))
	for i := range real.Context().Passes {
		r, s := real.Context().Passes[i], sim.Context().Passes[i]
		assert.Equal(t, r.Phase, s.Phase)
		assert.Equal(t, componentIDs(r.Executed), componentIDs(s.Executed))
		assert.Equal(t, componentIDs(r.Irrelevant), componentIDs(s.Irrelevant))
	}
	assert.Equal(t, "2.0", sim.Context().Component("B").Version.String())
}

func TestNewPatchManagerValidation(t *testing.T) {
	_, err := NewPatchManager(ManagerConfig{})
	assert.Error(t, err)

	_, err = NewPatchManager(ManagerConfig{
		Registry: StaticRegistry{},
		Store:    newFakeStore(),
		Codec:    jsonCodec{},
		Settings: Settings{BeforeFaultyAfterRule: "lenient"},
	})
	assert.Error(t, err)
}

func TestCollectCandidatesReportsBuilderErrors(t *testing.T) {
	_, err := CollectCandidates(StaticRegistry{component("Core", func(b *PatchBuilder) {
		b.Install("not-a-version", "", "")
	})})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
