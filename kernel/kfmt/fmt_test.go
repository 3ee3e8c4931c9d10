package kfmt

import (
	"bytes"
	"fmt"
	"testing"
)

func TestPrintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no args", nil, "no args"},
		{"literal %% is not a verb", nil, "literal % is not a verb"},
		{"%s and %s", []interface{}{"foo", []byte("bar")}, "foo and bar"},
		{"%6s|", []interface{}{"abc"}, "   abc|"},
		{"%d fish", []interface{}{42}, "42 fish"},
		{"%d", []interface{}{-128}, "-128"},
		{"%5d", []interface{}{-12}, "  -12"},
		{"%o", []interface{}{uint8(0755 & 0xff)}, "355"},
		{"%x", []interface{}{uintptr(0xbadf00d)}, "badf00d"},
		{"%16x", []interface{}{uint64(0xf00)}, "0000000000000f00"},
		{"%t/%t", []interface{}{true, false}, "true/false"},
		{"%d", nil, "(MISSING)"},
		{"no verbs", []interface{}{1}, "no verbs%!(EXTRA)"},
		{"%s", []interface{}{42}, "%!(WRONGTYPE)"},
		{"%y", []interface{}{42}, "%!(NOVERB)"},
		{"trailing %", nil, "trailing %!(NOVERB)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			Fprintf(&buf, spec.format, spec.args...)
			if got := buf.String(); got != spec.exp {
				t.Errorf("expected %q; got %q", spec.exp, got)
			}
		})
	}
}

func TestPrintfIntTypes(t *testing.T) {
	specs := []struct {
		arg interface{}
		exp string
	}{
		{uint8(8), "8"},
		{uint16(16), "16"},
		{uint32(32), "32"},
		{uint64(64), "64"},
		{uint(1), "1"},
		{uintptr(4096), "4096"},
		{int8(-8), "-8"},
		{int16(-16), "-16"},
		{int32(-32), "-32"},
		{int64(-64), "-64"},
		{int(-1), "-1"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			Fprintf(&buf, "%d", spec.arg)
			if got := buf.String(); got != spec.exp {
				t.Errorf("expected %q; got %q", spec.exp, got)
			}
		})
	}
}

func TestEarlyBufferDrain(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	Printf("early %d", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	if got := buf.String(); got != "early 1" {
		t.Errorf("expected buffered early output to be drained; got %q", got)
	}

	Printf(" late")
	if got := buf.String(); got != "early 1 late" {
		t.Errorf("expected output after sink installation to bypass the buffer; got %q", got)
	}
}
