package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeComponent contributes patches through a callback.
type fakeComponent struct {
	id  string
	add func(b *PatchBuilder)
}

func (c fakeComponent) ComponentID() string       { return c.id }
func (c fakeComponent) AddPatches(b *PatchBuilder) { c.add(b) }

func component(id string, add func(b *PatchBuilder)) Component {
	return fakeComponent{id: id, add: add}
}

// jsonCodec is a minimal manifest codec for engine tests.
type jsonCodec struct{}

func (jsonCodec) Encode(doc *ManifestDocument) ([]byte, error) { return json.Marshal(doc) }

func (jsonCodec) Decode(data []byte) (*ManifestDocument, error) {
	doc := &ManifestDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// fakeStore keeps packages in memory, keyed like the real stores.
type fakeStore struct {
	mu       sync.Mutex
	packages map[string]*Package
	order    []string
	writes   int
	failOn   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{packages: make(map[string]*Package)}
}

func packageKey(p *Package) string {
	return fmt.Sprintf("%s|%s|%s", p.ComponentID, p.PackageType, VersionString(p.ComponentVersion))
}

func (s *fakeStore) save(op string, pkg *Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == op || s.failOn == "*" {
		return errors.New("disk full")
	}
	s.writes++
	key := packageKey(pkg)
	if existing, ok := s.packages[key]; ok {
		pkg.ID = existing.ID
	} else {
		pkg.ID = fmt.Sprintf("pkg-%d", len(s.order)+1)
		s.order = append(s.order, key)
	}
	c := *pkg
	s.packages[key] = &c
	return nil
}

func (s *fakeStore) SaveInitialPackage(_ context.Context, pkg *Package) error {
	return s.save("initial", pkg)
}

func (s *fakeStore) SavePackage(_ context.Context, pkg *Package) error {
	return s.save("result", pkg)
}

func (s *fakeStore) list(match func(ExecutionResult) bool) []ComponentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ComponentInfo
	for _, key := range s.order {
		p := s.packages[key]
		if match(p.ExecutionResult) {
			out = append(out, ComponentInfo{
				ComponentID:     p.ComponentID,
				Version:         p.ComponentVersion,
				ExecutionResult: p.ExecutionResult,
				Description:     p.Description,
			})
		}
	}
	return out
}

func (s *fakeStore) LoadInstalledComponents(context.Context) ([]ComponentInfo, error) {
	return s.list(func(r ExecutionResult) bool { return r == ExecutionResultSuccessful }), nil
}

func (s *fakeStore) LoadIncompleteComponents(context.Context) ([]ComponentInfo, error) {
	return s.list(ExecutionResult.IsIncomplete), nil
}

func (s *fakeStore) get(componentID string, typ PackageType, version string) *Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packages[fmt.Sprintf("%s|%s|%s", componentID, typ, version)]
}

// recordingSink collects log records.
type recordingSink struct {
	records []PatchExecutionLogRecord
}

func (s *recordingSink) Log(_ context.Context, r PatchExecutionLogRecord) {
	s.records = append(s.records, r)
}

func (s *recordingSink) ofType(t EventType) []PatchExecutionLogRecord {
	var out []PatchExecutionLogRecord
	for _, r := range s.records {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// callLog records action invocations in order.
type callLog struct {
	calls []string
}

func (l *callLog) action(name string) Action {
	return func(context.Context, *ExecutionContext) error {
		l.calls = append(l.calls, name)
		return nil
	}
}

func (l *callLog) failing(name, msg string) Action {
	return func(context.Context, *ExecutionContext) error {
		l.calls = append(l.calls, name)
		return errors.New(msg)
	}
}

func newTestManager(t *testing.T, store PackageStore, sink LogSink, components ...Component) *PatchManager {
	t.Helper()
	mgr, err := NewPatchManager(ManagerConfig{
		Registry: StaticRegistry(components),
		Store:    store,
		Codec:    jsonCodec{},
		Sink:     sink,
	})
	require.NoError(t, err)
	return mgr
}

func componentIDs(patches []*Patch) []string {
	ids := make([]string, len(patches))
	for i, p := range patches {
		ids[i] = p.ComponentID
	}
	return ids
}

func errorTypes(errs []*PatchExecutionError) []ErrorType {
	var out []ErrorType
	for _, e := range errs {
		out = append(out, e.Type)
	}
	return out
}
