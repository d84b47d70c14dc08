package pty

import (
	"errors"
	"testing"
	"time"

	"github.com/orchestra/host/internal/logger"
)

func TestViewer_DeliversInOrderThenCloses(t *testing.T) {
	sink := &recordingSink{}
	v := newViewer("wt-1", "v", sink, logger.Nop())

	v.enqueue(delivery{kind: deliverOutput, data: []byte("a")})
	v.enqueue(delivery{kind: deliverOutput, data: []byte("b")})
	v.finish()
	v.enqueue(delivery{kind: deliverOutput, data: []byte("ignored")})

	select {
	case <-v.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after finish")
	}
	events := sink.snapshot()
	if len(events) != 3 || events[2].Kind != EventClosed {
		t.Fatalf("unexpected events: %+v", events)
	}
	if sink.output() != "ab" {
		t.Errorf("output = %q", sink.output())
	}
}

func TestViewer_DetachDropsPending(t *testing.T) {
	sink := newBlockingSink()
	v := newViewer("wt-1", "v", sink, logger.Nop())

	v.enqueue(delivery{kind: deliverOutput, data: []byte("first")})
	<-sink.entered
	v.enqueue(delivery{kind: deliverOutput, data: []byte("second")})
	v.detach()
	close(sink.release)

	select {
	case <-v.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after detach")
	}
}

func TestViewer_ResetReplacesQueue(t *testing.T) {
	sink := newBlockingSink()
	v := newViewer("wt-1", "v", sink, logger.Nop())
	defer v.detach()

	v.enqueue(delivery{kind: deliverOutput, data: []byte("busy")})
	<-sink.entered
	v.enqueue(delivery{kind: deliverOutput, data: []byte("stale")})
	v.reset(delivery{kind: deliverClear})

	v.mu.Lock()
	queued := append([]delivery(nil), v.queue...)
	v.mu.Unlock()
	if len(queued) != 1 || queued[0].kind != deliverClear {
		t.Errorf("queue after reset = %+v", queued)
	}
	close(sink.release)
}

func TestEventSink(t *testing.T) {
	sink := NewEventSink(4)

	if err := sink.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := sink.Write([]byte("out")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	sink.SessionClosed()

	want := []EventKind{EventClear, EventOutput, EventClosed}
	for _, kind := range want {
		select {
		case ev := <-sink.Events():
			if ev.Kind != kind {
				t.Errorf("event kind = %s, want %s", ev.Kind, kind)
			}
			if kind == EventOutput && string(ev.Data) != "out" {
				t.Errorf("event data = %q", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", kind)
		}
	}

	sink.Close()
	sink.Close()
	if err := sink.Write([]byte("late")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("write after close = %v, want ErrSinkClosed", err)
	}
}

func TestEventSink_CloseUnblocksFullChannel(t *testing.T) {
	sink := NewEventSink(0)
	errc := make(chan error, 1)
	go func() { errc <- sink.Write([]byte("stuck")) }()

	time.Sleep(10 * time.Millisecond)
	sink.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSinkClosed) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a pending write")
	}
}
