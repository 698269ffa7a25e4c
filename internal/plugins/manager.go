// Package plugins keeps the storage layer's source list synchronized with
// the index document. The manager owns two terminal sources, the index and
// the instance metadata; every update from either re-interpolates the index's
// source definitions against the metadata tree and diff-registers the result.
package plugins

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"primamateria.systems/propsd/internal/properties"
	"primamateria.systems/propsd/internal/sources"
	"primamateria.systems/propsd/internal/storage"
)

type EventType string

const (
	EventSourcesGenerated  EventType = "sources-generated"
	EventSourcesRegistered EventType = "sources-registered"
	EventError             EventType = "error"
)

// Event is one message from the manager: the interpolated spec list, the
// registered source list, or an error.
type Event struct {
	Type    EventType
	Specs   []Spec
	Sources []sources.Source
	Err     error
}

// Spec is one interpolated source definition from the index.
type Spec struct {
	Name       string
	Type       string
	Parameters map[string]any
}

func (s Spec) key() string {
	return s.Type + "/" + s.Name
}

// Config carries the index-source parameters plus the defaults injected into
// object-store children.
type Config struct {
	Bucket   string
	Path     string
	Endpoint string
	Region   string
	Interval time.Duration

	Metadata sources.MetadataConfig
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("need an index bucket")
	}
	if c.Path == "" {
		return errors.New("need an index path")
	}
	return nil
}

// Factory instantiates a source from an interpolated spec. The registry is
// keyed by the index's `type` string; supporting a new source type is one
// more entry.
type Factory func(m *Manager, spec Spec) (sources.Source, error)

type child struct {
	spec   Spec
	source sources.Source
	unsub  func()
}

// Manager wires the index and metadata sources to the storage layer.
type Manager struct {
	conf      Config
	storage   *storage.Storage
	index     sources.Source
	metadata  sources.Source
	factories map[string]Factory

	// reloadMu serializes reloadSources; index and metadata updates arrive
	// on independent fetch loops.
	reloadMu sync.Mutex

	mu       sync.Mutex
	running  bool
	ok       bool
	children map[string]*child
	unsubs   []func()

	subMu  sync.Mutex
	subs   []managerSubscriber
	nextID uint64
}

type managerSubscriber struct {
	id uint64
	fn func(Event)
}

// New builds a manager with a real S3 index source and metadata source.
func New(c Config, store *storage.Storage) (*Manager, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plugin manager config: %w", err)
	}
	index, err := sources.NewObjectStoreSource(sources.S3Config{
		Bucket:   c.Bucket,
		Path:     c.Path,
		Endpoint: c.Endpoint,
		Region:   c.Region,
		Interval: c.Interval,
	}, sources.IndexParser)
	if err != nil {
		return nil, err
	}
	return newManager(c, store, index, sources.NewMetadataSource(c.Metadata)), nil
}

func newManager(c Config, store *storage.Storage, index, metadata sources.Source) *Manager {
	m := &Manager{
		conf:     c,
		storage:  store,
		index:    index,
		metadata: metadata,
		children: make(map[string]*child),
	}
	m.factories = map[string]Factory{
		"s3":     newObjectStoreChild,
		"consul": newCatalogChild,
	}
	return m
}

// Index exposes the index source for status reporting.
func (m *Manager) Index() sources.Source { return m.index }

// Metadata exposes the metadata source.
func (m *Manager) Metadata() sources.Source { return m.metadata }

func (m *Manager) Ok() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ok
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Subscribe registers a callback for manager events.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, managerSubscriber{id: id, fn: fn})
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	subs := append([]managerSubscriber(nil), m.subs...)
	m.subMu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

func (m *Manager) emitError(err error) {
	log.Warn("plugin manager error", "error", err)
	m.emit(Event{Type: EventError, Err: err})
}

// Initialize starts the index and metadata sources and subscribes both to
// the shared reload handler. Idempotent.
func (m *Manager) Initialize() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	reload := func(ev sources.Event) {
		if ev.Type == sources.EventUpdate {
			m.reloadSources()
		}
	}
	m.mu.Lock()
	m.unsubs = append(m.unsubs, m.index.Subscribe(reload), m.metadata.Subscribe(reload))
	m.mu.Unlock()

	m.metadata.Initialize()
	m.index.Initialize()
}

// Shutdown stops every child source, the index, and the metadata source.
// Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsubs := m.unsubs
	m.unsubs = nil
	children := m.children
	m.children = make(map[string]*child)
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	m.index.Shutdown()
	m.metadata.Shutdown()
	for _, c := range children {
		c.unsub()
		c.source.Shutdown()
		m.storage.Unregister(c.source)
	}
	log.Info("plugin manager stopped")
}

// reloadSources recomputes the interpolated source list and reconciles the
// storage layer with it. Interpolation failures abort the reload; the next
// index or metadata update retries, so no timer is needed here.
func (m *Manager) reloadSources() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if !m.Running() {
		return
	}

	specs, err := m.generate()
	if err != nil {
		m.setOk(false)
		m.emitError(err)
		return
	}
	m.emit(Event{Type: EventSourcesGenerated, Specs: specs})

	clean := m.reconcile(specs)

	m.emit(Event{Type: EventSourcesRegistered, Sources: m.storage.Sources()})
	m.setOk(clean)
}

// generate interpolates every string parameter of every index spec against
// the metadata tree.
func (m *Manager) generate() ([]Spec, error) {
	raw, _ := m.index.Properties()["sources"].([]any)
	scope := m.metadata.Properties()

	specs := make([]Spec, 0, len(raw))
	for _, entry := range raw {
		def, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed source definition: %v", entry)
		}
		name, _ := def["name"].(string)
		typ, _ := def["type"].(string)
		params, _ := def["parameters"].(map[string]any)

		interpolated := make(map[string]any, len(params))
		for key, value := range params {
			coerced, err := properties.Coerce(value, scope)
			if err != nil {
				return nil, fmt.Errorf("error interpolating %v parameter %v: %w", name, key, err)
			}
			interpolated[key] = coerced
		}
		specs = append(specs, Spec{Name: name, Type: typ, Parameters: interpolated})
	}
	return specs, nil
}

// reconcile diffs the interpolated specs against the registered children,
// keyed by (type, name). Returns false if any spec failed to instantiate.
func (m *Manager) reconcile(specs []Spec) bool {
	clean := true
	desired := make(map[string]bool, len(specs))
	order := make([]sources.Source, 0, len(specs))

	for _, spec := range specs {
		key := spec.key()
		desired[key] = true

		m.mu.Lock()
		existing := m.children[key]
		m.mu.Unlock()

		if existing != nil && reflect.DeepEqual(existing.spec.Parameters, spec.Parameters) {
			order = append(order, existing.source)
			continue
		}
		if existing != nil {
			// Parameters changed: replace in place.
			log.Info("replacing source", "type", spec.Type, "name", spec.Name)
			m.dropChild(key, existing)
		}

		src, err := m.instantiate(spec)
		if err != nil {
			m.emitError(err)
			clean = false
			continue
		}
		if err := m.storage.Register(src); err != nil {
			m.emitError(err)
			clean = false
			continue
		}
		unsub := src.Subscribe(func(ev sources.Event) {
			if ev.Type == sources.EventError {
				m.emit(Event{Type: EventError, Err: ev.Err})
			}
		})
		m.mu.Lock()
		m.children[key] = &child{spec: spec, source: src, unsub: unsub}
		m.mu.Unlock()
		src.Initialize()
		order = append(order, src)
		log.Info("registered source", "type", spec.Type, "name", spec.Name)
	}

	m.mu.Lock()
	var removed []string
	for key := range m.children {
		if !desired[key] {
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()
	for _, key := range removed {
		m.mu.Lock()
		existing := m.children[key]
		m.mu.Unlock()
		if existing != nil {
			log.Info("removing source", "type", existing.spec.Type, "name", existing.spec.Name)
			m.dropChild(key, existing)
		}
	}

	m.storage.Reorder(order)
	return clean
}

func (m *Manager) dropChild(key string, c *child) {
	m.mu.Lock()
	delete(m.children, key)
	m.mu.Unlock()
	c.unsub()
	c.source.Shutdown()
	m.storage.Unregister(c.source)
}

func (m *Manager) instantiate(spec Spec) (sources.Source, error) {
	factory, ok := m.factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("Source type %v not implemented", spec.Type)
	}
	return factory(m, spec)
}

func (m *Manager) setOk(ok bool) {
	m.mu.Lock()
	m.ok = ok
	m.mu.Unlock()
}

// PluginCounts tallies the active sources by type, index and metadata
// included.
func (m *Manager) PluginCounts() map[string]int {
	counts := map[string]int{
		m.index.Type():    1,
		m.metadata.Type(): 1,
	}
	for _, src := range m.storage.Sources() {
		counts[src.Type()]++
	}
	return counts
}

func newObjectStoreChild(m *Manager, spec Spec) (sources.Source, error) {
	conf := sources.S3Config{
		Bucket:   stringParam(spec.Parameters, "bucket", m.conf.Bucket),
		Path:     stringParam(spec.Parameters, "path", ""),
		Endpoint: stringParam(spec.Parameters, "endpoint", m.conf.Endpoint),
		Region:   stringParam(spec.Parameters, "region", m.conf.Region),
		Interval: durationParam(spec.Parameters, "interval", 0),
	}
	return sources.NewObjectStoreSource(conf, sources.PropertiesParser)
}

func newCatalogChild(_ *Manager, spec Spec) (sources.Source, error) {
	return sources.NewCatalogSource(sources.ConsulConfig{
		Name:    spec.Name,
		Address: stringParam(spec.Parameters, "address", ""),
	})
}

func stringParam(params map[string]any, key, fallback string) string {
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// durationParam reads a millisecond interval the way the index carries it.
func durationParam(params map[string]any, key string, fallback time.Duration) time.Duration {
	if value, ok := params[key].(float64); ok && value > 0 {
		return time.Duration(value) * time.Millisecond
	}
	return fallback
}
