// Package storetest provides contract tests for [stores.Store]
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/manifest"
	"github.com/openfroyo/patchwork/pkg/stores"
)

// Factory creates a fresh, migrated [stores.Store] for each test. The store
// must decode manifests with codec.
type Factory func(t *testing.T, codec engine.ManifestCodec) stores.Store

type component struct {
	id  string
	add func(b *engine.PatchBuilder)
}

func (c component) ComponentID() string             { return c.id }
func (c component) AddPatches(b *engine.PatchBuilder) { c.add(b) }

// Run exercises the [stores.Store] contract.
func Run(t *testing.T, factory Factory) {
	codec := manifest.NewJSONCodec()
	releaseDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	samplePackage := func(componentID, version string, typ engine.PackageType, result engine.ExecutionResult) *engine.Package {
		t.Helper()
		v := engine.MustParseVersion(version)
		var patch *engine.Patch
		if typ == engine.PackageTypePatch {
			patch = engine.NewUpgrade(componentID, engine.Between(engine.MustParseVersion("1.0"), v), v)
		} else {
			patch = engine.NewInstaller(componentID, v)
		}
		patch.Type = typ
		patch.Description = componentID + " " + version
		patch.ReleaseDate = releaseDate
		patch.Dependencies = []engine.Dependency{
			{ComponentID: "Core", Boundary: engine.AtLeast(engine.MustParseVersion("1.0"))},
		}
		patch.ExecutionResult = result
		patch.ExecutionDate = releaseDate.Add(time.Hour)

		pkg, err := engine.NewPackage(patch, manifest.NewJSONCodec(manifest.WithoutValidation()))
		if err != nil {
			t.Fatalf("NewPackage: %v", err)
		}
		return pkg
	}

	t.Run("SaveAndGetPackage", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()
		pkg := samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultUnfinished)

		if err := store.SaveInitialPackage(ctx, pkg); err != nil {
			t.Fatalf("SaveInitialPackage: %v", err)
		}
		if pkg.ID == "" {
			t.Fatal("SaveInitialPackage did not assign an id")
		}

		got, err := store.GetPackage(ctx, pkg.ID)
		if err != nil {
			t.Fatalf("GetPackage: %v", err)
		}
		if got.ComponentID != "Billing" {
			t.Errorf("ComponentID = %q, want %q", got.ComponentID, "Billing")
		}
		if got.ComponentVersion.String() != "1.0" {
			t.Errorf("ComponentVersion = %s, want 1.0", got.ComponentVersion)
		}
		if got.PackageType != engine.PackageTypeInstall {
			t.Errorf("PackageType = %q, want %q", got.PackageType, engine.PackageTypeInstall)
		}
		if got.ExecutionResult != engine.ExecutionResultUnfinished {
			t.Errorf("ExecutionResult = %q, want %q", got.ExecutionResult, engine.ExecutionResultUnfinished)
		}
		if !got.ReleaseDate.Equal(releaseDate) {
			t.Errorf("ReleaseDate = %v, want %v", got.ReleaseDate, releaseDate)
		}
		if !got.ExecutionDate.Equal(releaseDate.Add(time.Hour)) {
			t.Errorf("ExecutionDate = %v, want %v", got.ExecutionDate, releaseDate.Add(time.Hour))
		}
		if string(got.Manifest) != string(pkg.Manifest) {
			t.Errorf("Manifest = %s, want %s", got.Manifest, pkg.Manifest)
		}
	})

	t.Run("SaveIsKeyedByComponentTypeAndVersion", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		first := samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultUnfinished)
		if err := store.SaveInitialPackage(ctx, first); err != nil {
			t.Fatalf("SaveInitialPackage: %v", err)
		}

		second := samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultSuccessful)
		if err := store.SavePackage(ctx, second); err != nil {
			t.Fatalf("SavePackage: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("second save id = %q, want %q", second.ID, first.ID)
		}

		other := samplePackage("Billing", "1.1", engine.PackageTypePatch, engine.ExecutionResultFaulty)
		if err := store.SavePackage(ctx, other); err != nil {
			t.Fatalf("SavePackage: %v", err)
		}
		if other.ID == first.ID {
			t.Error("different version reused the same row")
		}

		all, err := store.ListPackages(ctx, stores.PackageFilter{})
		if err != nil {
			t.Fatalf("ListPackages: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("ListPackages = %d rows, want 2", len(all))
		}
		if all[0].ExecutionResult != engine.ExecutionResultSuccessful {
			t.Errorf("ExecutionResult = %q, want %q", all[0].ExecutionResult, engine.ExecutionResultSuccessful)
		}
	})

	t.Run("SaveRejectsInvalidPackages", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		pkg := samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultSuccessful)
		pkg.ComponentVersion = nil
		if err := store.SavePackage(ctx, pkg); err == nil {
			t.Error("SavePackage without version: want error")
		}

		pkg = samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultSuccessful)
		pkg.PackageType = "hotfix"
		if err := store.SavePackage(ctx, pkg); err == nil {
			t.Error("SavePackage with unknown type: want error")
		}
	})

	t.Run("LoadComponents", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		rows := []*engine.Package{
			samplePackage("Core", "1.0", engine.PackageTypeInstall, engine.ExecutionResultSuccessful),
			samplePackage("Core", "1.1", engine.PackageTypePatch, engine.ExecutionResultSuccessful),
			samplePackage("Core", "1.2", engine.PackageTypePatch, engine.ExecutionResultSuccessfulBefore),
			samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultFaultyBefore),
			samplePackage("Mail", "2.0", engine.PackageTypeInstall, engine.ExecutionResultUnfinished),
			samplePackage("Search", "1.0", engine.PackageTypeInstall, engine.ExecutionResultFaulty),
			samplePackage("Cli", "1.0", engine.PackageTypeTool, engine.ExecutionResultSuccessful),
		}
		for _, pkg := range rows {
			if err := store.SavePackage(ctx, pkg); err != nil {
				t.Fatalf("SavePackage %s: %v", pkg.ComponentID, err)
			}
		}

		installed, err := store.LoadInstalledComponents(ctx)
		if err != nil {
			t.Fatalf("LoadInstalledComponents: %v", err)
		}
		if len(installed) != 2 {
			t.Fatalf("LoadInstalledComponents = %d rows, want 2", len(installed))
		}
		for _, info := range installed {
			if info.ComponentID != "Core" {
				t.Errorf("installed component %q, want Core", info.ComponentID)
			}
			if len(info.Dependencies) != 1 || info.Dependencies[0].ComponentID != "Core" {
				t.Errorf("installed dependencies = %v, want the Core dependency only", info.Dependencies)
			}
		}

		incomplete, err := store.LoadIncompleteComponents(ctx)
		if err != nil {
			t.Fatalf("LoadIncompleteComponents: %v", err)
		}
		got := map[string]engine.ExecutionResult{}
		for _, info := range incomplete {
			got[info.ComponentID] = info.ExecutionResult
		}
		want := map[string]engine.ExecutionResult{
			"Core":    engine.ExecutionResultSuccessfulBefore,
			"Billing": engine.ExecutionResultFaultyBefore,
			"Mail":    engine.ExecutionResultUnfinished,
			"Search":  engine.ExecutionResultFaulty,
		}
		if len(got) != len(want) {
			t.Fatalf("LoadIncompleteComponents = %v, want %v", got, want)
		}
		for id, r := range want {
			if got[id] != r {
				t.Errorf("incomplete %s = %q, want %q", id, got[id], r)
			}
		}

		descriptors := engine.CreateComponents(installed, incomplete)
		if len(descriptors) != 4 {
			t.Fatalf("CreateComponents = %d descriptors, want 4", len(descriptors))
		}
		core := descriptors[1]
		if core.ComponentID != "Core" || core.Version.String() != "1.1" || core.FaultyAfterVersion.String() != "1.2" {
			t.Errorf("Core descriptor = %+v, want version 1.1 and faulty after 1.2", core)
		}
	})

	t.Run("ListPackagesFiltersAndPages", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		for _, v := range []string{"1.10", "1.2", "1.0"} {
			typ := engine.PackageTypePatch
			if v == "1.0" {
				typ = engine.PackageTypeInstall
			}
			if err := store.SavePackage(ctx, samplePackage("Core", v, typ, engine.ExecutionResultSuccessful)); err != nil {
				t.Fatalf("SavePackage: %v", err)
			}
		}
		if err := store.SavePackage(ctx, samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultFaulty)); err != nil {
			t.Fatalf("SavePackage: %v", err)
		}

		core, err := store.ListPackages(ctx, stores.PackageFilter{ComponentID: "Core"})
		if err != nil {
			t.Fatalf("ListPackages: %v", err)
		}
		var versions []string
		for _, p := range core {
			versions = append(versions, p.ComponentVersion.String())
		}
		if len(versions) != 3 || versions[0] != "1.0" || versions[1] != "1.2" || versions[2] != "1.10" {
			t.Errorf("versions = %v, want [1.0 1.2 1.10]", versions)
		}

		faulty, err := store.ListPackages(ctx, stores.PackageFilter{Results: []engine.ExecutionResult{engine.ExecutionResultFaulty}})
		if err != nil {
			t.Fatalf("ListPackages: %v", err)
		}
		if len(faulty) != 1 || faulty[0].ComponentID != "Billing" {
			t.Errorf("faulty packages = %d, want Billing only", len(faulty))
		}

		page, err := store.ListPackages(ctx, stores.PackageFilter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListPackages: %v", err)
		}
		if len(page) != 2 || page[0].ComponentID != "Core" || page[0].ComponentVersion.String() != "1.0" {
			t.Errorf("page = %d rows, want Core 1.0 first", len(page))
		}
	})

	t.Run("PackageNotFound", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		if _, err := store.GetPackage(ctx, "nonexistent"); !errors.Is(err, stores.ErrNotFound) {
			t.Fatalf("GetPackage: got %v, want ErrNotFound", err)
		}
		if err := store.DeletePackage(ctx, "nonexistent"); !errors.Is(err, stores.ErrNotFound) {
			t.Fatalf("DeletePackage: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeletePackage", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		pkg := samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultFaulty)
		if err := store.SavePackage(ctx, pkg); err != nil {
			t.Fatalf("SavePackage: %v", err)
		}
		if err := store.DeletePackage(ctx, pkg.ID); err != nil {
			t.Fatalf("DeletePackage: %v", err)
		}
		if _, err := store.GetPackage(ctx, pkg.ID); !errors.Is(err, stores.ErrNotFound) {
			t.Fatalf("GetPackage after delete: got %v, want ErrNotFound", err)
		}

		again := samplePackage("Billing", "1.0", engine.PackageTypeInstall, engine.ExecutionResultSuccessful)
		again.ID = ""
		if err := store.SavePackage(ctx, again); err != nil {
			t.Fatalf("SavePackage after delete: %v", err)
		}
	})

	t.Run("Runs", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		older := &stores.Run{Mode: stores.RunModeSimulation, StartedAt: time.Now().UTC().Add(-time.Hour)}
		if err := store.CreateRun(ctx, older); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		run := &stores.Run{}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if run.ID == "" || run.Mode != stores.RunModeReal || run.Status != stores.RunStatusRunning {
			t.Fatalf("CreateRun defaults = %+v", run)
		}

		msg := "2 patches could not be executed"
		if err := store.CompleteRun(ctx, run.ID, stores.RunStatusFailed, stores.RunSummary{
			Executed: 3, Faulted: 1, Errors: 2, Error: &msg,
		}); err != nil {
			t.Fatalf("CompleteRun: %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != stores.RunStatusFailed {
			t.Errorf("Status = %q, want %q", got.Status, stores.RunStatusFailed)
		}
		if got.Executed != 3 || got.Faulted != 1 || got.Errors != 2 {
			t.Errorf("counters = %d/%d/%d, want 3/1/2", got.Executed, got.Faulted, got.Errors)
		}
		if got.Error == nil || *got.Error != msg {
			t.Errorf("Error = %v, want %q", got.Error, msg)
		}
		if got.CompletedAt == nil {
			t.Error("CompletedAt not set for terminal status")
		}

		runs, err := store.ListRuns(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) != 2 || runs[0].ID != run.ID || runs[1].ID != older.ID {
			t.Errorf("ListRuns order wrong: %d runs", len(runs))
		}

		if _, err := store.GetRun(ctx, "nonexistent"); !errors.Is(err, stores.ErrNotFound) {
			t.Errorf("GetRun: got %v, want ErrNotFound", err)
		}
		if err := store.CompleteRun(ctx, "nonexistent", stores.RunStatusCompleted, stores.RunSummary{}); !errors.Is(err, stores.ErrNotFound) {
			t.Errorf("CompleteRun: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Events", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		patch := engine.NewInstaller("Billing", engine.MustParseVersion("1.0"))
		records := []engine.PatchExecutionLogRecord{
			{RunID: "r1", Type: engine.EventPhaseStarted, Phase: engine.PhaseBefore},
			{RunID: "r1", Type: engine.EventOnAfterActionStarts, Phase: engine.PhaseAfter, Pass: 1, Patch: patch},
			{RunID: "r1", Type: engine.EventExecutionError, Phase: engine.PhaseAfter, Pass: 1, Patch: patch, Message: "boom", Duration: 1500 * time.Millisecond},
			{RunID: "r2", Type: engine.EventPhaseStarted, Phase: engine.PhaseBefore},
		}

		var lastID int64
		for _, r := range records {
			e := stores.EventFromRecord(r)
			if err := store.AppendEvent(ctx, e); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			if e.ID <= lastID {
				t.Errorf("event id %d not increasing after %d", e.ID, lastID)
			}
			lastID = e.ID
		}

		all, err := store.GetEvents(ctx, stores.EventFilter{RunID: "r1"})
		if err != nil {
			t.Fatalf("GetEvents: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("GetEvents(r1) = %d, want 3", len(all))
		}
		if all[0].Type != string(engine.EventPhaseStarted) || all[0].ComponentID != nil {
			t.Errorf("first event = %+v, want phase_started without patch", all[0])
		}

		errs, err := store.GetEvents(ctx, stores.EventFilter{ErrorsOnly: true})
		if err != nil {
			t.Fatalf("GetEvents: %v", err)
		}
		if len(errs) != 1 {
			t.Fatalf("GetEvents(errors) = %d, want 1", len(errs))
		}
		e := errs[0]
		if e.Message != "boom" || e.DurationMS != 1500 || e.PatchVersion == nil || *e.PatchVersion != "1.0" {
			t.Errorf("error event = %+v", e)
		}

		billing, err := store.GetEvents(ctx, stores.EventFilter{ComponentID: "Billing", Limit: 1})
		if err != nil {
			t.Fatalf("GetEvents: %v", err)
		}
		if len(billing) != 1 || billing[0].Type != string(engine.EventOnAfterActionStarts) {
			t.Errorf("GetEvents(Billing, limit 1) = %d events", len(billing))
		}
	})

	t.Run("DrivesPatchManager", func(t *testing.T) {
		store := factory(t, codec)
		ctx := context.Background()

		registry := engine.StaticRegistry{
			component{id: "Core", add: func(b *engine.PatchBuilder) {
				b.Install("1.0", "2024-01-01", "Core")
				b.Patch("1.0", "1.1", "2024-02-01", "Core upgrade")
			}},
			component{id: "Billing", add: func(b *engine.PatchBuilder) {
				b.Install("1.0", "2024-01-01", "Billing").DependsOn("Core", "1.1")
			}},
		}

		run := func() *engine.PatchManager {
			mgr, err := engine.NewPatchManager(engine.ManagerConfig{
				Registry: registry,
				Store:    store,
				Codec:    codec,
			})
			if err != nil {
				t.Fatalf("NewPatchManager: %v", err)
			}
			if err := mgr.Run(ctx, false); err != nil {
				t.Fatalf("Run: %v", err)
			}
			return mgr
		}

		first := run()
		if len(first.Errors()) != 0 {
			t.Fatalf("first run errors: %v", first.Errors())
		}
		for _, id := range []string{"Core", "Billing"} {
			c := first.Context().Component(id)
			if c == nil || c.Version == nil {
				t.Fatalf("component %s not installed", id)
			}
		}

		installed, err := store.LoadInstalledComponents(ctx)
		if err != nil {
			t.Fatalf("LoadInstalledComponents: %v", err)
		}
		if len(installed) != 3 {
			t.Fatalf("installed rows = %d, want 3", len(installed))
		}

		second := run()
		if len(second.Errors()) != 0 {
			t.Fatalf("second run errors: %v", second.Errors())
		}
		if v := second.Context().Component("Core").Version.String(); v != "1.1" {
			t.Errorf("Core version after rerun = %s, want 1.1", v)
		}
		all, err := store.ListPackages(ctx, stores.PackageFilter{})
		if err != nil {
			t.Fatalf("ListPackages: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("rows after rerun = %d, want 3", len(all))
		}
	})
}
