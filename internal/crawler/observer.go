package crawler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies what happened at a device.
type EventType string

// Event types.
const (
	EventUnlocked     EventType = "unlocked"
	EventLocked       EventType = "locked"
	EventDenied       EventType = "denied"
	EventUnknownKey   EventType = "unknown_key"
	EventTimeout      EventType = "confirm_timeout"
	EventStoreFailure EventType = "store_failure"

	// EventRecovered is emitted for each session the recovery check closed.
	EventRecovered EventType = "recovered"
)

// Denial reasons carried in Event.Reason.
const (
	ReasonNoPermission     = "no_permission"
	ReasonUnknownKey       = "unknown_key"
	ReasonInUse            = "in_use"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonUnknownDevice    = "unknown_device"
)

// Event is delivered to observers after each badge outcome.
type Event struct {
	Type     EventType `json:"type"`
	DeviceID int       `json:"device_id"`
	KeyID    string    `json:"key_id,omitempty"`

	// Reason explains a denial, or names the order that timed out.
	Reason string `json:"reason,omitempty"`

	// Duration is the length of the session a lock closed.
	Duration time.Duration `json:"duration,omitempty"`

	Time time.Time `json:"time"`
}

// Observer receives crawler events. Notify is called on the poll goroutine
// and must not block; wrap slow observers in an AsyncObserver.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// MultiObserver fans an event out to several observers in order.
type MultiObserver []Observer

// Notify implements Observer.
func (m MultiObserver) Notify(e Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(e)
		}
	}
}

const defaultObserverQueue = 100

// AsyncObserver delivers events to another observer from a worker
// goroutine. When the queue is full new events are dropped rather than
// stalling the poll loop.
type AsyncObserver struct {
	next  Observer
	queue chan Event
	log   Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewAsyncObserver starts the worker. A non-positive size selects 100.
func NewAsyncObserver(next Observer, size int, log Logger) *AsyncObserver {
	if size <= 0 {
		size = defaultObserverQueue
	}
	if log == nil {
		log = noopLogger{}
	}
	a := &AsyncObserver{
		next:  next,
		queue: make(chan Event, size),
		log:   log,
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

// Notify implements Observer.
func (a *AsyncObserver) Notify(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			a.log.Warn("observer queue full, dropping events", "type", string(e.Type), "device_id", e.DeviceID)
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (a *AsyncObserver) Dropped() uint64 {
	return a.dropped.Load()
}

// Close delivers the events already queued and stops the worker.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AsyncObserver) worker() {
	defer a.wg.Done()
	for e := range a.queue {
		a.deliver(e)
	}
}

func (a *AsyncObserver) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("observer panic", "error", fmt.Errorf("%v", r), "type", string(e.Type))
		}
	}()
	a.next.Notify(e)
}
