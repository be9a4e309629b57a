package blocksync

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a progress event.
type EventKind string

// Per-chunk lifecycle events.
const (
	EventWanted      EventKind = "wanted"
	EventDownloading EventKind = "downloading"
	EventGot         EventKind = "got"
	EventFailed      EventKind = "failed"
	EventWrongChunk  EventKind = "wrong_chunk"
	EventUnable      EventKind = "unable"
)

// Session-wide events.
const (
	EventDownloaded EventKind = "downloaded" // Percent of chunks received.
	EventSaved      EventKind = "saved"      // Percent of chunks written to the cache.
	EventApplied    EventKind = "applied"    // Percent of blocks applied.
	EventStatus     EventKind = "status"
	EventDone       EventKind = "done"
)

// Event is one progress notification.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Chunk   int
	Peer    string
	Percent int
	Message string
	Err     error
}

// Events is a buffered progress stream. Emitting never blocks: when the
// buffer is full the event is dropped and counted.
type Events struct {
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewEvents creates a stream holding up to buffer undelivered events.
func NewEvents(buffer int) *Events {
	if buffer < 1 {
		buffer = 1
	}
	return &Events{ch: make(chan Event, buffer)}
}

// C returns the receive side of the stream.
func (e *Events) C() <-chan Event {
	return e.ch
}

// Dropped returns the number of events lost to a full buffer.
func (e *Events) Dropped() uint64 {
	return e.dropped.Load()
}

// Close ends the stream. Later emits are ignored.
func (e *Events) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}

// Emit publishes ev. It is safe on a nil *Events.
func (e *Events) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

func (e *Events) chunk(kind EventKind, index int, peer string, err error) {
	e.Emit(Event{Kind: kind, Chunk: index, Peer: peer, Err: err})
}

func (e *Events) percent(kind EventKind, pct int) {
	e.Emit(Event{Kind: kind, Percent: pct})
}

func (e *Events) status(msg string) {
	e.Emit(Event{Kind: EventStatus, Message: msg})
}

func percentOf(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
