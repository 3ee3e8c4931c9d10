// Package kfmt provides a minimal, allocation-free Printf implementation
// which can be safely used from any point of the kernel's lifetime, including
// the stages before the Go allocator becomes available.
package kfmt

import (
	"io"
	"unsafe"
)

// maxNumBufSize defines the buffer size for formatting numbers. It is large
// enough to hold a 64-bit value formatted in base 8.
const maxNumBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxNumBufSize]byte

	// singleByte is a shared scratch buffer for emitting one character at
	// a time without triggering a string-to-slice conversion.
	singleByte = []byte{0}

	// earlyBuffer captures Printf output generated before a sink has been
	// installed via SetOutputSink.
	earlyBuffer ringBuffer

	// outputSink is where Printf sends its output. While nil, output is
	// redirected to earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any data
// accumulated in the early buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats its arguments and writes the result to the active output
// sink. It supports a subset of the fmt verbs:
//
//	%s  string or []byte, space-padded to an optional width
//	%d  base 10, space-padded
//	%o  base 8, zero-padded
//	%x  base 16 lower-case, zero-padded
//	%t  "true" or "false"
//
// All built-in integer types are accepted. Pointer formatting (%p) is not
// supported as it would drag in the reflect package and with it calls to
// runtime.convT2E which allocate.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to the
// supplied io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex  int
		i, fmtLen = 0, len(format)
	)

	for i < fmtLen {
		ch := format[i]
		if ch != '%' {
			emitByte(w, ch)
			i++
			continue
		}

		// Scan the optional width and then the verb
		i++
		padLen := 0
		for ; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = (padLen * 10) + int(format[i]-'0')
		}

		if i >= fmtLen {
			emit(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		if verb == '%' {
			emitByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			emit(w, errMissingArg)
			continue
		}

		switch verb {
		case 'o':
			fmtInt(w, args[argIndex], 8, padLen)
		case 'd':
			fmtInt(w, args[argIndex], 10, padLen)
		case 'x':
			fmtInt(w, args[argIndex], 16, padLen)
		case 's':
			fmtString(w, args[argIndex], padLen)
		case 't':
			fmtBool(w, args[argIndex])
		default:
			emit(w, errNoVerb)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	bVal, isBool := v.(bool)
	switch {
	case !isBool:
		emit(w, errWrongArgType)
	case bVal:
		emit(w, trueValue)
	default:
		emit(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	switch sVal := v.(type) {
	case string:
		pad(w, ' ', padLen-len(sVal))
		// Emitting byte-by-byte avoids the allocation implied by a
		// string-to-slice conversion.
		for i := 0; i < len(sVal); i++ {
			emitByte(w, sVal[i])
		}
	case []byte:
		pad(w, ' ', padLen-len(sVal))
		emit(w, sVal)
	default:
		emit(w, errWrongArgType)
	}
}

func pad(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		emitByte(w, ch)
	}
}

// fmtInt formats v in the requested base padding it to padLen characters
// (spaces for base 10, zeroes otherwise). Signed values formatted in base 10
// get a leading minus sign.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = abs64(int64(t))
	case int16:
		uval, negative = abs64(int64(t))
	case int32:
		uval, negative = abs64(int64(t))
	case int64:
		uval, negative = abs64(t)
	case int:
		uval, negative = abs64(int64(t))
	default:
		emit(w, errWrongArgType)
		return
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}
	if padLen >= maxNumBufSize {
		padLen = maxNumBufSize - 1
	}

	// Render the digits in reverse into numFmtBuf
	end := 0
	for {
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numFmtBuf[end] = digit + '0'
		} else {
			numFmtBuf[end] = digit - 10 + 'a'
		}
		end++

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	// The sign sits immediately before the first digit; padding goes
	// outside it.
	if negative {
		numFmtBuf[end] = '-'
		end++
	}

	for ; end < padLen; end++ {
		numFmtBuf[end] = padCh
	}

	// Emit in reverse
	for i := end - 1; i >= 0; i-- {
		emitByte(w, numFmtBuf[i])
	}
}

func abs64(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func emitByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	emit(w, singleByte)
}

// emit routes p to the supplied writer, falling back to the early ring buffer
// while no sink is installed. The noEscape hop keeps the compiler from
// flagging p as escaping through the unknown io.Writer which would make every
// Printf call allocate.
func emit(w io.Writer, p []byte) {
	doWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
