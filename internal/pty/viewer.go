package pty

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/logger"
)

// Sink is the UI-side end of a viewer: something that renders terminal
// bytes. The registry holds sinks without owning them.
//
// Contract: the UI must call Registry.UnregisterViewer before disposing of
// a sink. Calls into one sink are never concurrent, and byte slices passed
// to Write are shared between viewers and must not be modified.
type Sink interface {
	// Write renders a chunk of raw terminal output.
	Write(p []byte) error

	// Clear wipes the visible content. Sent before a catch-up replay.
	Clear() error

	// SessionClosed reports that the session entered Closing. No further
	// calls follow it.
	SessionClosed()
}

type deliveryKind int

const (
	deliverOutput deliveryKind = iota
	deliverClear
	deliverClosed
)

type delivery struct {
	kind deliveryKind
	data []byte
}

// viewer is one registered sink plus its private delivery queue.
//
// The session enqueues under its own lock (never blocking) and a pump
// goroutine drains the queue in order into the sink. A slow sink only
// delays its own queue.
type viewer struct {
	id        string
	sessionID string
	sink      Sink
	log       *logger.Logger

	mu        sync.Mutex
	queue     []delivery
	detached  bool // drop everything and exit
	finishing bool // exit once the queue is empty

	wake   chan struct{}
	exited chan struct{}
}

func newViewer(sessionID, id string, sink Sink, log *logger.Logger) *viewer {
	v := &viewer{
		id:        id,
		sessionID: sessionID,
		sink:      sink,
		log:       log,
		wake:      make(chan struct{}, 1),
		exited:    make(chan struct{}),
	}
	go v.pump()
	return v
}

func (v *viewer) signal() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// enqueue appends deliveries behind everything already queued.
func (v *viewer) enqueue(ds ...delivery) {
	v.mu.Lock()
	if v.detached || v.finishing {
		v.mu.Unlock()
		return
	}
	v.queue = append(v.queue, ds...)
	v.mu.Unlock()
	v.signal()
}

// reset replaces whatever is still pending. Used by catch-up: pending
// chunks are already part of the replay snapshot.
func (v *viewer) reset(ds ...delivery) {
	v.mu.Lock()
	if v.detached || v.finishing {
		v.mu.Unlock()
		return
	}
	v.queue = append(v.queue[:0:0], ds...)
	v.mu.Unlock()
	v.signal()
}

// detach stops delivery immediately. Pending output is discarded.
func (v *viewer) detach() {
	v.mu.Lock()
	v.detached = true
	v.queue = nil
	v.mu.Unlock()
	v.signal()
}

// finish queues the closed notification and lets the pump drain.
func (v *viewer) finish() {
	v.mu.Lock()
	if v.detached || v.finishing {
		v.mu.Unlock()
		return
	}
	v.queue = append(v.queue, delivery{kind: deliverClosed})
	v.finishing = true
	v.mu.Unlock()
	v.signal()
}

func (v *viewer) isDetached() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detached
}

func (v *viewer) take() (batch []delivery, exit bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.detached {
		return nil, true
	}
	batch, v.queue = v.queue, nil
	return batch, len(batch) == 0 && v.finishing
}

func (v *viewer) pump() {
	defer close(v.exited)
	for {
		batch, exit := v.take()
		if exit {
			return
		}
		if len(batch) == 0 {
			<-v.wake
			continue
		}
		for _, d := range batch {
			// A viewer removed between two chunks receives nothing more.
			if v.isDetached() {
				return
			}
			v.deliver(d)
		}
	}
}

func (v *viewer) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			v.reportFailure(fmt.Errorf("sink panic: %v", r))
		}
	}()

	var err error
	switch d.kind {
	case deliverOutput:
		err = v.sink.Write(d.data)
	case deliverClear:
		err = v.sink.Clear()
	case deliverClosed:
		v.sink.SessionClosed()
	}
	if err != nil {
		v.reportFailure(err)
	}
}

// reportFailure logs a per-viewer delivery failure. It never propagates.
func (v *viewer) reportFailure(cause error) {
	err := apperrors.DeliveryFailed(v.sessionID, v.id, cause)
	v.log.Warn("viewer delivery failed",
		zap.String("session_id", v.sessionID),
		zap.String("viewer_id", v.id),
		zap.String("code", err.Code),
		zap.Error(cause))
}

// EventKind identifies an Event on an EventSink channel.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventClear  EventKind = "clear"
	EventClosed EventKind = "closed"
)

// Event is one notification for a viewer.
type Event struct {
	Kind EventKind
	Data []byte
}

// ErrSinkClosed is returned by EventSink writes after Close.
var ErrSinkClosed = errors.New("sink closed")

// EventSink adapts the Sink contract to a channel of Events, for callers
// that prefer to select on output instead of implementing Sink.
type EventSink struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewEventSink creates a sink whose channel buffers up to size events.
// A full channel applies back-pressure to this viewer only.
func NewEventSink(size int) *EventSink {
	if size < 0 {
		size = 0
	}
	return &EventSink{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Events returns the receive side of the event channel.
func (s *EventSink) Events() <-chan Event {
	return s.events
}

func (s *EventSink) send(ev Event) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSinkClosed
	}
}

func (s *EventSink) Write(p []byte) error {
	return s.send(Event{Kind: EventOutput, Data: p})
}

func (s *EventSink) Clear() error {
	return s.send(Event{Kind: EventClear})
}

func (s *EventSink) SessionClosed() {
	_ = s.send(Event{Kind: EventClosed})
}

// Close makes further deliveries fail fast. The channel itself is left
// open so a late delivery can never panic.
func (s *EventSink) Close() {
	s.once.Do(func() { close(s.done) })
}
