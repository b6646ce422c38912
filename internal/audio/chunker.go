package audio

// Chunker slices arbitrary-length byte bursts into fixed-size frames,
// carrying the tail between calls. It is not safe for concurrent use;
// callers serialize access with their own lock.
type Chunker struct {
	size      int
	remainder []byte
}

// NewChunker returns a chunker producing frames of size bytes.
// A non-positive size falls back to FrameSize.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = FrameSize
	}
	return &Chunker{
		size:      size,
		remainder: make([]byte, 0, size),
	}
}

// Append consumes raw and returns every complete frame now available,
// in order. Returned frames do not alias raw or the chunker's storage.
func (c *Chunker) Append(raw []byte) [][]byte {
	if len(raw) == 0 {
		return nil
	}

	total := len(c.remainder) + len(raw)
	if total < c.size {
		c.remainder = append(c.remainder, raw...)
		return nil
	}

	frames := make([][]byte, 0, total/c.size)

	// Complete the partial frame first.
	if n := len(c.remainder); n > 0 {
		frame := make([]byte, c.size)
		copy(frame, c.remainder)
		used := copy(frame[n:], raw)
		raw = raw[used:]
		frames = append(frames, frame)
		c.remainder = c.remainder[:0]
	}

	for len(raw) >= c.size {
		frame := make([]byte, c.size)
		copy(frame, raw[:c.size])
		frames = append(frames, frame)
		raw = raw[c.size:]
	}

	c.remainder = append(c.remainder, raw...)
	return frames
}

// Remainder returns a copy of the bytes waiting for a complete frame.
func (c *Chunker) Remainder() []byte {
	out := make([]byte, len(c.remainder))
	copy(out, c.remainder)
	return out
}

// Pending is the number of bytes waiting for a complete frame.
func (c *Chunker) Pending() int {
	return len(c.remainder)
}

// Reset drops the carried remainder.
func (c *Chunker) Reset() {
	c.remainder = c.remainder[:0]
}
