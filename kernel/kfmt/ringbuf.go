package kfmt

import "io"

// earlyBufferSize defines the size of the ring buffer that captures early
// Printf output. It must be a power of 2 and defaults to enough space for the
// contents of a standard 80x25 text-mode console.
const earlyBufferSize = 2048

// ringBuffer is a fixed-size overwriting buffer. It captures the output of
// Printf before a proper console becomes available; once one does, the
// buffered output is drained into it by SetOutputSink.
type ringBuffer struct {
	data           [earlyBufferSize]byte
	rIndex, wIndex int
}

// Write appends p to the buffer, overwriting the oldest data once the buffer
// wraps around. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (earlyBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (earlyBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p, returning io.EOF once the buffer has
// been fully drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.rIndex != rb.wIndex {
		p[n] = rb.data[rb.rIndex]
		rb.rIndex = (rb.rIndex + 1) & (earlyBufferSize - 1)
		n++
	}

	return n, nil
}
