package audio

// Chunker accumulates µ-law bytes and cuts them into exact 20 ms frames
// (160 bytes). The telephony sink never receives a short frame: any tail
// left at end of generation is padded with µ-law silence via FlushPadded.
type Chunker struct {
	buf []byte
}

// NewChunker creates an empty chunker.
func NewChunker() *Chunker {
	return &Chunker{buf: make([]byte, 0, FrameBytes*4)}
}

// Write appends µ-law bytes to the pending buffer.
func (c *Chunker) Write(p []byte) {
	c.buf = append(c.buf, p...)
}

// Next returns the next complete 160-byte frame, or false when fewer than
// 160 bytes are pending.
func (c *Chunker) Next() ([]byte, bool) {
	if len(c.buf) < FrameBytes {
		return nil, false
	}
	frame := make([]byte, FrameBytes)
	copy(frame, c.buf[:FrameBytes])
	c.buf = c.buf[FrameBytes:]
	return frame, true
}

// FlushPadded returns the remaining tail padded to 160 bytes with µ-law
// silence, or false when nothing is pending. The buffer is left empty.
func (c *Chunker) FlushPadded() ([]byte, bool) {
	if len(c.buf) == 0 {
		return nil, false
	}
	frame := make([]byte, FrameBytes)
	n := copy(frame, c.buf)
	for i := n; i < FrameBytes; i++ {
		frame[i] = MulawSilence
	}
	c.buf = c.buf[:0]
	return frame, true
}

// Pending reports the number of buffered bytes not yet cut into frames.
func (c *Chunker) Pending() int {
	return len(c.buf)
}

// Reset drops all buffered bytes.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}
