// Package sources implements the periodically refreshed views of the remote
// data feeds propsd merges: an S3 object store, the EC2 instance-metadata
// service, and a consul catalog. Every source shares the same lifecycle
// (CREATED, RUNNING, FAILED, STOPPED), the same event alphabet, and the same
// change-detection discipline: an entity tag where the backend supplies one,
// a content hash where it does not.
package sources

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type State string

const (
	StateCreated State = "CREATED"
	StateRunning State = "RUNNING"
	StateFailed  State = "FAILED"
	StateStopped State = "STOPPED"
)

// Status is a point-in-time snapshot of a source.
type Status struct {
	Ok       bool          `json:"ok"`
	Running  bool          `json:"running"`
	Updated  time.Time     `json:"updated"`
	Interval time.Duration `json:"interval"`
	State    State         `json:"state"`
}

// Source is a periodically refreshed, parsed view of one external data feed.
type Source interface {
	Name() string
	Type() string
	Properties() map[string]any
	Status() Status
	Initialize()
	Shutdown()
	Subscribe(fn func(Event)) func()
}

// core carries the state every source shares: identity, the current parsed
// property tree, the change-detection signature, and the event emitter.
type core struct {
	emitter

	name     string
	typ      string
	interval time.Duration

	mu        sync.RWMutex
	props     map[string]any
	signature string
	ok        bool
	running   bool
	updated   time.Time
	state     State
}

func (c *core) init(name, typ string, interval time.Duration) {
	c.name = name
	c.typ = typ
	c.interval = interval
	c.props = map[string]any{}
	c.state = StateCreated
}

func (c *core) Name() string { return c.name }
func (c *core) Type() string { return c.typ }

// Properties returns the current parsed tree. The tree is replaced, never
// mutated, on update, so the returned map is a stable snapshot.
func (c *core) Properties() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props
}

func (c *core) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Ok:       c.ok,
		Running:  c.running,
		Updated:  c.updated,
		Interval: c.interval,
		State:    c.state,
	}
}

// fetchOutcome classifies a completed fetch.
type fetchOutcome int

const (
	outcomeData fetchOutcome = iota
	outcomeUnchanged
	outcomeMissing
)

type fetchResult struct {
	outcome   fetchOutcome
	tree      map[string]any
	signature string
}

// fetchFunc performs one fetch-and-parse round trip. signature is the last
// known etag or content hash; implementations that can answer "unchanged"
// cheaply (conditional GETs) should do so.
type fetchFunc func(ctx context.Context, signature string) (*fetchResult, error)

// poller drives a fetchFunc on a fixed interval with the first fetch issued
// immediately. It owns the tick algorithm shared by the S3 and metadata
// sources; the consul source maintains its own watchers instead.
type poller struct {
	core

	timeout time.Duration
	fetch   fetchFunc
	cancel  context.CancelFunc
	done    chan struct{}
}

func (p *poller) init(name, typ string, interval time.Duration, fetch fetchFunc) {
	p.core.init(name, typ, interval)
	p.timeout = interval / 2
	p.fetch = fetch
}

// Initialize starts the fetch loop. Calling it on a running source is a no-op.
func (p *poller) Initialize() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.state = StateRunning
	p.mu.Unlock()

	log.Debug("starting source", "source", p.name, "type", p.typ, "interval", p.interval)
	p.emit(Event{Type: EventStartup, Source: p.name})
	go p.run(ctx)
}

// Shutdown stops the timer, waits out any in-flight fetch, resets the
// signature, and emits the final shutdown event. Idempotent; no events are
// emitted afterwards.
func (p *poller) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.state = StateStopped
	p.signature = ""
	p.mu.Unlock()

	log.Debug("stopped source", "source", p.name)
	p.emit(Event{Type: EventShutdown, Source: p.name})
	p.close()
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	p.tick(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.RLock()
	signature := p.signature
	p.mu.RUnlock()

	result, err := p.fetch(tctx, signature)
	if ctx.Err() != nil {
		// Cancelled by shutdown; stay silent.
		return
	}
	if err != nil {
		p.mu.Lock()
		p.ok = false
		p.state = StateFailed
		p.mu.Unlock()
		log.Warn("error fetching source", "source", p.name, "error", err)
		p.emit(Event{Type: EventError, Source: p.name, Err: err})
		return
	}

	switch result.outcome {
	case outcomeUnchanged:
		p.mu.Lock()
		p.ok = true
		p.state = StateRunning
		p.mu.Unlock()
		p.emit(Event{Type: EventNoUpdate, Source: p.name})
	case outcomeMissing:
		p.mu.Lock()
		p.props = map[string]any{}
		p.signature = ""
		p.ok = true
		p.state = StateRunning
		p.updated = time.Now()
		p.mu.Unlock()
		log.Debug("source data missing, cleared properties", "source", p.name)
		p.emit(Event{Type: EventUpdate, Source: p.name})
	case outcomeData:
		p.mu.Lock()
		changed := result.signature != p.signature
		if changed {
			p.props = result.tree
			p.signature = result.signature
			p.updated = time.Now()
		}
		p.ok = true
		p.state = StateRunning
		p.mu.Unlock()
		if changed {
			log.Debug("source updated", "source", p.name, "signature", result.signature)
			p.emit(Event{Type: EventUpdate, Source: p.name})
		} else {
			p.emit(Event{Type: EventNoUpdate, Source: p.name})
		}
	}
}
