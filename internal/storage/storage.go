// Package storage holds the ordered set of active sources and builds the
// merged property view applications read. Source updates are debounced
// through a hold-down window so bursts of nearly simultaneous updates
// collapse into one rebuild.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"primamateria.systems/propsd/internal/properties"
	"primamateria.systems/propsd/internal/sources"
)

// DefaultHoldDown is the debounce window applied to source updates.
const DefaultHoldDown = 100 * time.Millisecond

// Transformer resolves secret sentinels in a merged tree and returns an
// overlay of substitutions.
type Transformer interface {
	Transform(ctx context.Context, tree map[string]any) map[string]any
}

// SourceHealth is one source's contribution to the aggregate health report.
type SourceHealth struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Ok   bool   `json:"ok"`
}

// Health is the aggregate health of the storage layer. Code is the HTTP
// status this aggregate maps to: 200 when every source is ok, 503 otherwise.
type Health struct {
	Ok      bool           `json:"ok"`
	Code    int            `json:"code"`
	Sources []SourceHealth `json:"sources"`
}

type buildSubscriber struct {
	id uint64
	fn func(map[string]any)
}

// Storage merges the property trees of its registered sources in list order,
// later sources winning leaf collisions, then overlays resolved secrets.
type Storage struct {
	transformer Transformer
	holdDown    time.Duration

	mu       sync.Mutex
	sources  []sources.Source
	unsubs   map[sources.Source]func()
	props    map[string]any
	built    bool
	builds   uint64
	timer    *time.Timer
	building bool
	pending  bool

	subs   []buildSubscriber
	nextID uint64
}

func New(transformer Transformer, holdDown time.Duration) *Storage {
	if holdDown <= 0 {
		holdDown = DefaultHoldDown
	}
	return &Storage{
		transformer: transformer,
		holdDown:    holdDown,
		unsubs:      make(map[sources.Source]func()),
		props:       map[string]any{},
	}
}

// Register appends a source and subscribes to its updates. A source with the
// same (type, name) as an already registered one is rejected.
func (s *Storage) Register(src sources.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sources {
		if existing.Type() == src.Type() && existing.Name() == src.Name() {
			return fmt.Errorf("source %v/%v already registered", src.Type(), src.Name())
		}
	}
	s.sources = append(s.sources, src)
	s.unsubs[src] = src.Subscribe(func(ev sources.Event) {
		switch ev.Type {
		case sources.EventUpdate:
			s.Update()
		case sources.EventError:
			log.Warn("source error", "source", ev.Source, "error", ev.Err)
		}
	})
	log.Debug("registered source", "source", src.Name(), "type", src.Type())
	return nil
}

// Unregister removes a source and detaches from its events. The source is
// not shut down; that is its owner's job.
func (s *Storage) Unregister(src sources.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sources {
		if existing == src {
			s.sources = append(s.sources[:i], s.sources[i+1:]...)
			break
		}
	}
	if unsub, ok := s.unsubs[src]; ok {
		unsub()
		delete(s.unsubs, src)
	}
	log.Debug("unregistered source", "source", src.Name(), "type", src.Type())
}

// Reorder arranges the registered sources into the given order. Sources not
// in the list keep their relative order at the tail; unknown entries are
// ignored.
func (s *Storage) Reorder(order []sources.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered := make(map[sources.Source]bool, len(s.sources))
	for _, src := range s.sources {
		registered[src] = true
	}
	next := make([]sources.Source, 0, len(s.sources))
	placed := make(map[sources.Source]bool, len(s.sources))
	for _, src := range order {
		if registered[src] && !placed[src] {
			next = append(next, src)
			placed[src] = true
		}
	}
	for _, src := range s.sources {
		if !placed[src] {
			next = append(next, src)
		}
	}
	s.sources = next
}

// Sources returns the registered sources in merge order.
func (s *Storage) Sources() []sources.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sources.Source(nil), s.sources...)
}

// Update schedules a rebuild after the hold-down window. Calls landing while
// a rebuild is pending are coalesced; calls landing while a rebuild is in
// flight collapse into a single follow-up rebuild.
func (s *Storage) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.building {
		s.pending = true
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.holdDown, s.build)
	}
}

func (s *Storage) build() {
	s.mu.Lock()
	s.timer = nil
	s.building = true
	srcs := append([]sources.Source(nil), s.sources...)
	s.mu.Unlock()

	merged := map[string]any{}
	for _, src := range srcs {
		merged = properties.Merge(merged, src.Properties())
	}
	resolved := merged
	if s.transformer != nil {
		overlay := s.transformer.Transform(context.Background(), merged)
		resolved = properties.Merge(merged, overlay)
	}

	s.mu.Lock()
	s.props = resolved
	s.built = true
	s.builds++
	builds := s.builds
	s.building = false
	if s.pending {
		s.pending = false
		s.timer = time.AfterFunc(s.holdDown, s.build)
	}
	subs := append([]buildSubscriber(nil), s.subs...)
	s.mu.Unlock()

	log.Debug("built properties", "sources", len(srcs), "build", builds)
	for _, sub := range subs {
		sub.fn(resolved)
	}
}

// Properties returns the last successfully built tree.
func (s *Storage) Properties() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

// Built reports whether at least one build has completed.
func (s *Storage) Built() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}

// OnBuild registers a callback invoked with the resolved tree after every
// build. Returns an unsubscribe function.
func (s *Storage) OnBuild(fn func(map[string]any)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, buildSubscriber{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Health aggregates per-source health. Ok is the conjunction of every
// source's ok flag.
func (s *Storage) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	health := Health{Ok: true, Code: http.StatusOK}
	for _, src := range s.sources {
		status := src.Status()
		health.Sources = append(health.Sources, SourceHealth{
			Name: src.Name(),
			Type: src.Type(),
			Ok:   status.Ok,
		})
		if !status.Ok {
			health.Ok = false
		}
	}
	if !health.Ok {
		health.Code = http.StatusServiceUnavailable
	}
	return health
}
