package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	times  []time.Time
	err    error
}

func (s *recordingSink) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) snapshot() ([][]byte, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...), append([]time.Time(nil), s.times...)
}

func TestPacer_TickEmitsQueuedFramesThenSilence(t *testing.T) {
	q := NewFrameQueue(0)
	sink := &recordingSink{}
	p := NewPacer(q, sink.send)

	first := make([]byte, FrameSize)
	first[0] = 1
	second := make([]byte, FrameSize)
	second[0] = 2
	q.Push(first, second)

	for i := 0; i < 3; i++ {
		if err := p.tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	frames, _ := sink.snapshot()
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if frames[0][0] != 1 || frames[1][0] != 2 {
		t.Error("Expected queued frames in order")
	}
	if len(frames[2]) != FrameSize || !IsSilence(frames[2]) {
		t.Error("Expected a full-size silence frame when the queue is empty")
	}
}

func TestPacer_InterruptThenTickIsSilence(t *testing.T) {
	q := NewFrameQueue(0)
	sink := &recordingSink{}
	p := NewPacer(q, sink.send)

	for i := 0; i < 5; i++ {
		f := make([]byte, FrameSize)
		f[0] = byte(i + 1)
		q.Push(f)
	}

	p.Exclusive(func() { q.Clear() })
	if err := p.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	frames, _ := sink.snapshot()
	if !IsSilence(frames[0]) {
		t.Errorf("Expected silence after clear, got frame starting with %d", frames[0][0])
	}
}

func TestPacer_Cadence(t *testing.T) {
	q := NewFrameQueue(0)
	sink := &recordingSink{}
	p := NewPacer(q, sink.send, WithInterval(10*time.Millisecond))

	p.Start()
	time.Sleep(105 * time.Millisecond)
	p.Stop()
	<-p.Done()

	frames, _ := sink.snapshot()
	// Ticker never fires faster than its period.
	if len(frames) > 11 {
		t.Errorf("Expected at most 11 frames in 105ms at 10ms, got %d", len(frames))
	}
	if len(frames) < 3 {
		t.Errorf("Expected the pacer to keep ticking, got %d frames", len(frames))
	}
	for i, f := range frames {
		if len(f) != FrameSize {
			t.Errorf("frame %d has %d bytes", i, len(f))
		}
	}
}

func TestPacer_StartIsIdempotentAndStopIsFinal(t *testing.T) {
	q := NewFrameQueue(0)
	sink := &recordingSink{}
	p := NewPacer(q, sink.send, WithInterval(5*time.Millisecond))

	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
	<-p.Done()

	before, _ := sink.snapshot()
	p.Start()
	time.Sleep(20 * time.Millisecond)
	after, _ := sink.snapshot()

	if len(after) != len(before) {
		t.Errorf("Expected no frames after Stop, got %d more", len(after)-len(before))
	}
	if !p.Stopped() {
		t.Error("Expected pacer to report stopped")
	}
}

func TestPacer_StopBeforeStartClosesDone(t *testing.T) {
	p := NewPacer(NewFrameQueue(0), func([]byte) error { return nil })
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected Done to be closed")
	}
}

func TestPacer_SinkErrorStopsAndReports(t *testing.T) {
	q := NewFrameQueue(0)
	sink := &recordingSink{err: errors.New("connection closed")}

	reported := make(chan error, 1)
	p := NewPacer(q, sink.send,
		WithInterval(5*time.Millisecond),
		WithErrorHandler(func(err error) { reported <- err }),
	)
	p.Start()

	select {
	case err := <-reported:
		if err == nil || err.Error() != "connection closed" {
			t.Errorf("Unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected error handler to be called")
	}

	<-p.Done()
	if !p.Stopped() {
		t.Error("Expected pacer to be stopped after sink failure")
	}
}

func TestPacer_FrameObserver(t *testing.T) {
	q := NewFrameQueue(0)
	var silent, voiced int
	p := NewPacer(q, func([]byte) error { return nil }, WithFrameObserver(func(silence bool) {
		if silence {
			silent++
		} else {
			voiced++
		}
	}))

	q.Push(make([]byte, FrameSize))
	p.tick()
	p.tick()

	if voiced != 1 || silent != 1 {
		t.Errorf("Expected 1 voiced and 1 silent frame, got %d and %d", voiced, silent)
	}
}
