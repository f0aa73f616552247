package sshsession

import (
	"log"
	"sync"
	"time"
)

// EventType identifies the kind of Event.
type EventType string

const (
	EventOutput         EventType = "output"
	EventTerminalExit   EventType = "terminal_exit"
	EventTerminalClosed EventType = "terminal_closed"
	EventStatus         EventType = "status"
	EventTransfer       EventType = "transfer"
)

// TransferProgress describes one step of an upload or download.
type TransferProgress struct {
	ID          string `json:"id"`
	Direction   string `json:"direction"`
	Path        string `json:"path"`
	Transferred int64  `json:"transferred"`
	Total       int64  `json:"total"`
	Done        bool   `json:"done"`
	Error       string `json:"error,omitempty"`
}

// Event is pushed to an EventSink. Output events carry TerminalID, Data and
// a per-terminal Seq; status events carry Status.
type Event struct {
	Type       EventType         `json:"type"`
	TerminalID string            `json:"terminalId,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	Seq        uint64            `json:"seq,omitempty"`
	Status     *Status           `json:"status,omitempty"`
	Transfer   *TransferProgress `json:"transfer,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// EventSink receives events. Publish must not block for long; wrap slow
// consumers in a Dispatcher.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Publish(Event) {}

// Discard is an EventSink that drops everything.
var Discard EventSink = discardSink{}

// Dispatcher decouples emitters from a consumer: Publish appends to an
// in-memory queue and returns, a single goroutine delivers in order.
type Dispatcher struct {
	target EventSink

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	done    chan struct{}
	dropped int64
}

// NewDispatcher starts a dispatcher delivering to target.
func NewDispatcher(target EventSink) *Dispatcher {
	d := &Dispatcher{target: target, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Publish enqueues e. Events published after Close are dropped.
func (d *Dispatcher) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	d.mu.Lock()
	if d.closed {
		d.dropped++
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	d.cond.Signal()
}

// Pending returns the number of queued events not yet delivered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close delivers what is already queued and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, e := range batch {
			d.deliver(e)
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] sink panicked on %s event: %v", e.Type, r)
		}
	}()
	d.target.Publish(e)
}
