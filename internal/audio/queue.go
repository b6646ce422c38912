package audio

import (
	"sync"
)

// FrameQueue is a thread-safe FIFO ring of audio frames. It grows when
// full unless a capacity limit is set, in which case the oldest frame is
// dropped to make room.
type FrameQueue struct {
	frames [][]byte
	head   int
	count  int
	limit  int
	mu     sync.Mutex
}

// NewFrameQueue creates a queue. limit <= 0 means unbounded.
func NewFrameQueue(limit int) *FrameQueue {
	initial := 16
	if limit > 0 && limit < initial {
		initial = limit
	}
	return &FrameQueue{
		frames: make([][]byte, initial),
		limit:  limit,
	}
}

// Push appends frames in order. It returns the number of old frames
// dropped to respect the limit.
func (q *FrameQueue) Push(frames ...[]byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for _, f := range frames {
		if q.limit > 0 && q.count == q.limit {
			q.popLocked()
			dropped++
		}
		if q.count == len(q.frames) {
			q.grow()
		}
		q.frames[(q.head+q.count)%len(q.frames)] = f
		q.count++
	}
	return dropped
}

// Pop removes and returns the oldest frame.
func (q *FrameQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *FrameQueue) popLocked() ([]byte, bool) {
	if q.count == 0 {
		return nil, false
	}
	f := q.frames[q.head]
	q.frames[q.head] = nil
	q.head = (q.head + 1) % len(q.frames)
	q.count--
	return f, true
}

// Drain removes and returns every queued frame, oldest first.
func (q *FrameQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([][]byte, 0, q.count)
	for q.count > 0 {
		f, _ := q.popLocked()
		out = append(out, f)
	}
	return out
}

// Clear empties the queue and returns how many frames were discarded.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.head = 0
	q.count = 0
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// IsEmpty returns true if the queue is empty
func (q *FrameQueue) IsEmpty() bool {
	return q.Len() == 0
}

// grow doubles the ring, must be called with mu held.
func (q *FrameQueue) grow() {
	size := len(q.frames) * 2
	if size == 0 {
		size = 16
	}
	if q.limit > 0 && size > q.limit {
		size = q.limit
	}
	next := make([][]byte, size)
	for i := 0; i < q.count; i++ {
		next[i] = q.frames[(q.head+i)%len(q.frames)]
	}
	q.frames = next
	q.head = 0
}
