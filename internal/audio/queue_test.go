package audio

import (
	"sync"
	"testing"
)

func frameOf(b byte) []byte {
	return []byte{b}
}

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(0)
	for i := 0; i < 40; i++ {
		q.Push(frameOf(byte(i)))
	}

	if q.Len() != 40 {
		t.Fatalf("Expected 40 frames, got %d", q.Len())
	}

	for i := 0; i < 40; i++ {
		f, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue unexpectedly empty", i)
		}
		if f[0] != byte(i) {
			t.Errorf("Pop %d: expected frame %d, got %d", i, i, f[0])
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Expected empty queue")
	}
}

func TestFrameQueue_WrapAround(t *testing.T) {
	q := NewFrameQueue(0)
	next := byte(0)
	want := byte(0)

	for round := 0; round < 10; round++ {
		for i := 0; i < 7; i++ {
			q.Push(frameOf(next))
			next++
		}
		for i := 0; i < 5; i++ {
			f, _ := q.Pop()
			if f[0] != want {
				t.Fatalf("Expected frame %d, got %d", want, f[0])
			}
			want++
		}
	}
}

func TestFrameQueue_LimitDropsOldest(t *testing.T) {
	q := NewFrameQueue(3)
	dropped := q.Push(frameOf(1), frameOf(2), frameOf(3), frameOf(4), frameOf(5))

	if dropped != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", dropped)
	}

	got := q.Drain()
	if len(got) != 3 || got[0][0] != 3 || got[2][0] != 5 {
		t.Errorf("Expected frames 3,4,5, got %v", got)
	}
}

func TestFrameQueue_Clear(t *testing.T) {
	q := NewFrameQueue(0)
	q.Push(frameOf(1), frameOf(2))

	if n := q.Clear(); n != 2 {
		t.Errorf("Expected Clear to report 2 frames, got %d", n)
	}
	if !q.IsEmpty() {
		t.Error("Expected empty queue after Clear")
	}

	q.Push(frameOf(9))
	if f, _ := q.Pop(); f[0] != 9 {
		t.Errorf("Expected queue usable after Clear, got %v", f)
	}
}

func TestFrameQueue_Concurrent(t *testing.T) {
	q := NewFrameQueue(0)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(frameOf(1))
			}
		}()
	}

	popped := 0
	var popMu sync.Mutex
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				if _, ok := q.Pop(); ok {
					popMu.Lock()
					popped++
					popMu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if popped+q.Len() != 1000 {
		t.Errorf("Expected 1000 frames accounted for, got %d popped + %d queued", popped, q.Len())
	}
}
