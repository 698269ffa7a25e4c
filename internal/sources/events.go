package sources

import "sync"

type EventType string

const (
	EventStartup  EventType = "startup"
	EventUpdate   EventType = "update"
	EventNoUpdate EventType = "no-update"
	EventShutdown EventType = "shutdown"
	EventError    EventType = "error"
)

// Event is one message on a source's lifecycle channel.
type Event struct {
	Type   EventType
	Source string
	Err    error
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// emitter fans events out to subscribers. Once closed it drops everything,
// which is how a shut-down source guarantees silence.
type emitter struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	closed bool
}

// Subscribe registers a callback and returns an unsubscribe function that is
// safe to call more than once.
func (e *emitter) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, sub := range e.subs {
			if sub.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	subs := append([]subscriber(nil), e.subs...)
	e.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// close detaches every subscriber and silences the emitter for good.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = nil
}
