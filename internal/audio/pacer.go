package audio

import (
	"sync"
	"time"
)

// FrameSource supplies queued frames to the pacer.
type FrameSource interface {
	Pop() ([]byte, bool)
}

// FrameSink transmits one frame downstream. An error stops the pacer.
type FrameSink func(frame []byte) error

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// WithInterval overrides the tick period (FrameDuration by default).
func WithInterval(d time.Duration) PacerOption {
	return func(p *Pacer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithErrorHandler is invoked once, from the pacer goroutine, when the sink fails.
func WithErrorHandler(fn func(error)) PacerOption {
	return func(p *Pacer) { p.onError = fn }
}

// WithFrameObserver is told about every frame sent and whether it was synthesized silence.
func WithFrameObserver(fn func(silence bool)) PacerOption {
	return func(p *Pacer) { p.observe = fn }
}

// Pacer emits exactly one frame per interval: the oldest queued frame,
// or silence when the queue is empty.
type Pacer struct {
	source   FrameSource
	sink     FrameSink
	interval time.Duration
	onError  func(error)
	observe  func(silence bool)
	silence  []byte

	// mu is held for the duration of a tick and by Exclusive.
	mu      sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	done   chan struct{}
}

// NewPacer creates a stopped pacer reading from source and writing to sink.
func NewPacer(source FrameSource, sink FrameSink, opts ...PacerOption) *Pacer {
	p := &Pacer{
		source:   source,
		sink:     sink,
		interval: FrameDuration,
		silence:  SilenceFrame(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the tick loop. Only the first call has effect, and a
// stopped pacer never starts again.
func (p *Pacer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.run()
}

// Stop halts the pacer. No frame is sent after Stop returns. Safe to call
// more than once and from any goroutine except inside Exclusive.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pacer) stopLocked() {
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
	if !p.started {
		close(p.done)
	}
}

// Done is closed once the tick loop has exited (or immediately on Stop if
// it never started).
func (p *Pacer) Done() <-chan struct{} {
	return p.done
}

// Stopped reports whether Stop has been called or the sink failed.
func (p *Pacer) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Exclusive runs fn with no tick in progress, so nothing popped before fn
// can be sent after it.
func (p *Pacer) Exclusive(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

func (p *Pacer) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.tick(); err != nil {
				if p.onError != nil {
					p.onError(err)
				}
				return
			}
		}
	}
}

// tick sends one frame. On sink failure the pacer is stopped before returning.
func (p *Pacer) tick() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}

	frame, ok := p.source.Pop()
	silence := !ok
	if silence {
		frame = p.silence
	}

	if err := p.sink(frame); err != nil {
		p.stopLocked()
		return err
	}
	if p.observe != nil {
		p.observe(silence)
	}
	return nil
}
