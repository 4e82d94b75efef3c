package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// MemoryStore implements Store in process memory. It backs simulations and
// tests; nothing survives the process.
type MemoryStore struct {
	mu       sync.RWMutex
	codec    engine.ManifestCodec
	packages map[string]*engine.Package
	keys     map[string]string
	runs     map[string]*Run
	events   []*Event
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store. codec may be nil.
func NewMemoryStore(codec engine.ManifestCodec) *MemoryStore {
	return &MemoryStore{
		codec:    codec,
		packages: make(map[string]*engine.Package),
		keys:     make(map[string]string),
		runs:     make(map[string]*Run),
	}
}

// Init implements Store.
func (m *MemoryStore) Init(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Migrate implements Store.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// HealthCheck implements Store.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) upsert(pkg *engine.Package) error {
	if err := checkPackage(pkg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s|%s|%s", pkg.ComponentID, pkg.PackageType, pkg.ComponentVersion)
	id, ok := m.keys[key]
	if !ok {
		id = pkg.ID
		if id == "" {
			id = uuid.New().String()
		}
		m.keys[key] = id
	}

	pkg.ID = id
	m.packages[id] = copyPackage(pkg)
	return nil
}

// SaveInitialPackage implements engine.PackageStore.
func (m *MemoryStore) SaveInitialPackage(_ context.Context, pkg *engine.Package) error {
	return m.upsert(pkg)
}

// SavePackage implements engine.PackageStore.
func (m *MemoryStore) SavePackage(_ context.Context, pkg *engine.Package) error {
	return m.upsert(pkg)
}

// GetPackage implements Store.
func (m *MemoryStore) GetPackage(_ context.Context, id string) (*engine.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkg, ok := m.packages[id]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	return copyPackage(pkg), nil
}

// ListPackages implements Store.
func (m *MemoryStore) ListPackages(_ context.Context, filter PackageFilter) ([]*engine.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	packages := []*engine.Package{}
	for _, pkg := range m.packages {
		if filter.ComponentID != "" && pkg.ComponentID != filter.ComponentID {
			continue
		}
		if len(filter.Results) > 0 && !containsResult(filter.Results, pkg.ExecutionResult) {
			continue
		}
		packages = append(packages, copyPackage(pkg))
	}

	sortPackages(packages)
	return paginate(packages, filter.Limit, filter.Offset), nil
}

// DeletePackage implements Store.
func (m *MemoryStore) DeletePackage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg, ok := m.packages[id]
	if !ok {
		return fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	delete(m.keys, fmt.Sprintf("%s|%s|%s", pkg.ComponentID, pkg.PackageType, pkg.ComponentVersion))
	delete(m.packages, id)
	return nil
}

// LoadInstalledComponents implements engine.PackageStore.
func (m *MemoryStore) LoadInstalledComponents(ctx context.Context) ([]engine.ComponentInfo, error) {
	packages, _ := m.ListPackages(ctx, PackageFilter{
		Results: []engine.ExecutionResult{engine.ExecutionResultSuccessful},
	})
	return componentInfos(packages, m.codec)
}

// LoadIncompleteComponents implements engine.PackageStore.
func (m *MemoryStore) LoadIncompleteComponents(ctx context.Context) ([]engine.ComponentInfo, error) {
	packages, _ := m.ListPackages(ctx, PackageFilter{Results: incompleteResults})
	return componentInfos(packages, m.codec)
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	prepareRun(run)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("failed to create run: run %s already exists", run.ID)
	}
	c := *run
	m.runs[run.ID] = &c
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	c := *run
	return &c, nil
}

// CompleteRun implements Store.
func (m *MemoryStore) CompleteRun(_ context.Context, id string, status RunStatus, summary RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	now := time.Now().UTC()
	run.Status = status
	run.Executed = summary.Executed
	run.Faulted = summary.Faulted
	run.Errors = summary.Errors
	run.Error = summary.Error
	run.UpdatedAt = now
	if status.IsTerminal() {
		run.CompletedAt = &now
	}
	return nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(_ context.Context, limit, offset int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		c := *run
		runs = append(runs, &c)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return paginate(runs, limit, offset), nil
}

// AppendEvent implements Store.
func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	c := *event
	m.events = append(m.events, &c)
	return nil
}

// GetEvents implements Store.
func (m *MemoryStore) GetEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []*Event{}
	for _, e := range m.events {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.ComponentID != "" && (e.ComponentID == nil || *e.ComponentID != filter.ComponentID) {
			continue
		}
		if filter.ErrorsOnly && !e.IsError {
			continue
		}
		c := *e
		events = append(events, &c)
	}
	return paginate(events, filter.Limit, filter.Offset), nil
}

func copyPackage(pkg *engine.Package) *engine.Package {
	c := *pkg
	if pkg.ComponentVersion != nil {
		v := *pkg.ComponentVersion
		c.ComponentVersion = &v
	}
	if pkg.Manifest != nil {
		c.Manifest = append([]byte(nil), pkg.Manifest...)
	}
	return &c
}

func containsResult(results []engine.ExecutionResult, r engine.ExecutionResult) bool {
	for _, x := range results {
		if x == r {
			return true
		}
	}
	return false
}
