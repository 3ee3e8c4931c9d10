package kfmt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"emberos/kernel"
	"emberos/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetOutputSink(nil)
	}()

	var (
		buf    bytes.Buffer
		halted bool
	)
	cpuHaltFn = func() { halted = true }
	SetOutputSink(&buf)

	specs := []struct {
		cause  interface{}
		expMsg string
	}{
		{&kernel.Error{Module: "pmm", Message: "out of memory"}, "[pmm] unrecoverable error: out of memory"},
		{"invariant violated", "invariant violated"},
		{errors.New("wrapped"), "wrapped"},
	}

	for _, spec := range specs {
		buf.Reset()
		halted = false

		Panic(spec.cause)

		if !halted {
			t.Error("expected Panic to halt the CPU")
		}
		got := buf.String()
		if !strings.Contains(got, spec.expMsg) {
			t.Errorf("expected panic output to contain %q; got:\n%q", spec.expMsg, got)
		}
		if !strings.Contains(got, "kernel panic: system halted") {
			t.Errorf("expected panic banner; got:\n%q", got)
		}
	}
}
