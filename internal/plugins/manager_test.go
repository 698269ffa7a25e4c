package plugins

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"primamateria.systems/propsd/internal/sources"
	"primamateria.systems/propsd/internal/storage"
)

type fakeSource struct {
	name string
	typ  string

	mu        sync.Mutex
	props     map[string]any
	ok        bool
	running   bool
	inits     int
	shutdowns int
	subs      []func(sources.Event)
}

func newFakeSource(name, typ string, props map[string]any) *fakeSource {
	return &fakeSource{name: name, typ: typ, props: props, ok: true}
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Type() string { return f.typ }

func (f *fakeSource) Properties() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props
}

func (f *fakeSource) Status() sources.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sources.Status{Ok: f.ok, Running: f.running, State: sources.StateRunning}
}

func (f *fakeSource) Initialize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	f.running = true
}

func (f *fakeSource) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.running = false
}

func (f *fakeSource) Subscribe(fn func(sources.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeSource) fire(t sources.EventType, err error) {
	f.mu.Lock()
	subs := append([]func(sources.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(sources.Event{Type: t, Source: f.name, Err: err})
	}
}

func (f *fakeSource) set(props map[string]any) {
	f.mu.Lock()
	f.props = props
	f.mu.Unlock()
}

func (f *fakeSource) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// recorder collects manager events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == EventError {
			return r.events[i].Err
		}
	}
	return nil
}

var testIndexSources = []any{
	map[string]any{
		"name": "global",
		"type": "s3",
		"parameters": map[string]any{
			"path": "global.json",
		},
	},
	map[string]any{
		"name": "account",
		"type": "s3",
		"parameters": map[string]any{
			"path": "account/{{instance.account}}.json",
		},
	},
	map[string]any{
		"name": "ami",
		"type": "s3",
		"parameters": map[string]any{
			"path": "ami-{{instance.ami-id}}.json",
		},
	},
}

var testMetadata = map[string]any{
	"instance": map[string]any{
		"account": "12345",
		"ami-id":  "4aface7a",
	},
}

// fakeChildren swaps the s3 factory for one producing inert fake sources
// with the object-store naming convention, so reconcile tests stay off the
// network. Returns the created children keyed by name.
func fakeChildren(m *Manager) map[string]*fakeSource {
	created := make(map[string]*fakeSource)
	m.factories["s3"] = func(m *Manager, spec Spec) (sources.Source, error) {
		bucket := stringParam(spec.Parameters, "bucket", m.conf.Bucket)
		path := stringParam(spec.Parameters, "path", "")
		src := newFakeSource(fmt.Sprintf("s3-%v-%v", bucket, path), "s3", map[string]any{})
		created[src.name] = src
		return src, nil
	}
	return created
}

func newTestManager(t *testing.T) (*Manager, *fakeSource, *fakeSource, *storage.Storage, *recorder) {
	t.Helper()
	store := storage.New(nil, time.Millisecond)
	index := newFakeSource("s3-test-bucket-index.json", "s3", map[string]any{"sources": testIndexSources})
	metadata := newFakeSource("ec2-metadata", "ec2-metadata", map[string]any{})
	m := newManager(Config{Bucket: "test-bucket", Path: "index.json"}, store, index, metadata)
	rec := &recorder{}
	m.Subscribe(rec.record)
	t.Cleanup(m.Shutdown)
	return m, index, metadata, store, rec
}

func sourceNames(store *storage.Storage) []string {
	var names []string
	for _, src := range store.Sources() {
		names = append(names, src.Name())
	}
	return names
}

func TestColdStartRegistersInterpolatedSources(t *testing.T) {
	m, index, metadata, store, rec := newTestManager(t)
	fakeChildren(m)
	m.Initialize()

	// Index lands before metadata: interpolation cannot resolve yet.
	index.fire(sources.EventUpdate, nil)
	assert.False(t, m.Ok())
	assert.Equal(t, 1, rec.count(EventError))
	assert.Empty(t, store.Sources())

	// Metadata arrives and the reload retries.
	metadata.set(testMetadata)
	metadata.fire(sources.EventUpdate, nil)

	assert.True(t, m.Ok())
	assert.Equal(t, []string{
		"s3-test-bucket-global.json",
		"s3-test-bucket-account/12345.json",
		"s3-test-bucket-ami-4aface7a.json",
	}, sourceNames(store))
	assert.Equal(t, 1, rec.count(EventSourcesRegistered))
	assert.True(t, store.Health().Ok)
}

func TestUnknownSourceType(t *testing.T) {
	m, index, metadata, store, rec := newTestManager(t)
	fakeChildren(m)
	index.set(map[string]any{"sources": append([]any{
		map[string]any{
			"name":       "novel",
			"type":       "someBrandNewSourceType",
			"parameters": map[string]any{},
		},
	}, testIndexSources...)})
	metadata.set(testMetadata)
	m.Initialize()

	metadata.fire(sources.EventUpdate, nil)

	require.Error(t, rec.lastError())
	assert.EqualError(t, rec.lastError(), "Source type someBrandNewSourceType not implemented")
	assert.False(t, m.Ok())
	assert.Len(t, store.Sources(), 3, "remaining sources still register")
}

func TestMetadataOutageDoesNotSpuriouslyReload(t *testing.T) {
	m, index, metadata, store, rec := newTestManager(t)
	fakeChildren(m)
	m.Initialize()

	index.fire(sources.EventUpdate, nil)

	// The outage produces error events, never updates; no reload may run.
	for i := 0; i < 5; i++ {
		metadata.fire(sources.EventError, sources.ErrConnectionRefused)
	}
	assert.Equal(t, 0, rec.count(EventSourcesGenerated))
	assert.Empty(t, store.Sources())

	metadata.set(testMetadata)
	metadata.fire(sources.EventUpdate, nil)

	assert.Equal(t, 1, rec.count(EventSourcesGenerated))
	assert.Len(t, store.Sources(), 3)
	assert.True(t, m.Ok())
}

func TestChangedParametersReplaceInPlace(t *testing.T) {
	m, index, metadata, store, _ := newTestManager(t)
	created := fakeChildren(m)
	metadata.set(testMetadata)
	m.Initialize()
	index.fire(sources.EventUpdate, nil)
	require.Len(t, store.Sources(), 3)

	old := created["s3-test-bucket-account/12345.json"]
	require.NotNil(t, old)

	// The account changes, so one source's parameters change with it.
	metadata.set(map[string]any{"instance": map[string]any{
		"account": "67890",
		"ami-id":  "4aface7a",
	}})
	metadata.fire(sources.EventUpdate, nil)

	assert.Equal(t, []string{
		"s3-test-bucket-global.json",
		"s3-test-bucket-account/67890.json",
		"s3-test-bucket-ami-4aface7a.json",
	}, sourceNames(store))
	assert.Equal(t, 1, old.shutdownCount())
}

func TestRemovedSourcesUnregister(t *testing.T) {
	m, index, metadata, store, _ := newTestManager(t)
	created := fakeChildren(m)
	metadata.set(testMetadata)
	m.Initialize()
	index.fire(sources.EventUpdate, nil)
	require.Len(t, store.Sources(), 3)

	index.set(map[string]any{"sources": testIndexSources[:1]})
	index.fire(sources.EventUpdate, nil)

	assert.Equal(t, []string{"s3-test-bucket-global.json"}, sourceNames(store))
	assert.Equal(t, 1, created["s3-test-bucket-ami-4aface7a.json"].shutdownCount())
}

func TestUnchangedReloadKeepsSources(t *testing.T) {
	m, index, metadata, store, _ := newTestManager(t)
	created := fakeChildren(m)
	metadata.set(testMetadata)
	m.Initialize()
	index.fire(sources.EventUpdate, nil)

	before := sourceNames(store)
	index.fire(sources.EventUpdate, nil)
	assert.Equal(t, before, sourceNames(store))
	for _, src := range created {
		assert.Equal(t, 0, src.shutdownCount())
	}
}

func TestInitializeIdempotent(t *testing.T) {
	m, index, metadata, _, _ := newTestManager(t)
	fakeChildren(m)
	m.Initialize()
	m.Initialize()

	metadata.set(testMetadata)
	metadata.fire(sources.EventUpdate, nil)
	index.fire(sources.EventUpdate, nil)

	// A doubled Initialize would have doubled the subscriptions and the
	// index fake would have seen two reloads per fire.
	assert.Equal(t, 1, index.inits)
	assert.Equal(t, 1, metadata.inits)
}

func TestShutdownStopsChildren(t *testing.T) {
	m, index, metadata, store, _ := newTestManager(t)
	created := fakeChildren(m)
	metadata.set(testMetadata)
	m.Initialize()
	index.fire(sources.EventUpdate, nil)
	require.Len(t, store.Sources(), 3)

	m.Shutdown()
	assert.False(t, m.Running())
	assert.Empty(t, store.Sources())
	for _, src := range created {
		assert.Equal(t, 1, src.shutdownCount())
	}
	assert.Equal(t, 1, index.shutdownCount())
	assert.Equal(t, 1, metadata.shutdownCount())
}

func TestPluginCounts(t *testing.T) {
	m, index, metadata, _, _ := newTestManager(t)
	fakeChildren(m)
	metadata.set(testMetadata)
	m.Initialize()
	index.fire(sources.EventUpdate, nil)

	counts := m.PluginCounts()
	assert.Equal(t, 4, counts["s3"], "index plus three children")
	assert.Equal(t, 1, counts["ec2-metadata"])
}
