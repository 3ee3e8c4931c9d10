package kfmt

import (
	"io"
	"testing"
)

func TestRingBufferReadWrite(t *testing.T) {
	var rb ringBuffer

	if _, err := rb.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected io.EOF reading an empty buffer; got %v", err)
	}

	payload := []byte("the quick brown fox")
	if n, err := rb.Write(payload); n != len(payload) || err != nil {
		t.Fatalf("expected write of %d bytes to succeed; got n=%d, err=%v", len(payload), n, err)
	}

	got := make([]byte, len(payload))
	if n, err := rb.Read(got); n != len(payload) || err != nil {
		t.Fatalf("expected read of %d bytes to succeed; got n=%d, err=%v", len(payload), n, err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected to read back %q; got %q", payload, got)
	}
}

func TestRingBufferOverwrite(t *testing.T) {
	var rb ringBuffer

	// Fill the buffer twice over; only the last earlyBufferSize-1 bytes
	// should survive.
	for i := 0; i < 2*earlyBufferSize; i++ {
		rb.Write([]byte{byte(i % 251)})
	}

	total := 0
	chunk := make([]byte, 64)
	for {
		n, err := rb.Read(chunk)
		total += n
		if err == io.EOF {
			break
		}
	}

	if exp := earlyBufferSize - 1; total != exp {
		t.Errorf("expected to drain %d bytes after overwrite; got %d", exp, total)
	}
}
