package pmm

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"unsafe"

	"emberos/kernel/hal/multiboot"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/sync"
)

// heapBlocks pins the Go allocations that back mm.KernelAlloc for the
// lifetime of the test binary.
var heapBlocks [][]uint64

func TestMain(m *testing.M) {
	// The interrupt toggles fault outside ring 0.
	sync.SetInterruptToggles(func() {}, func() {})

	mm.SetKernelHeap(
		func(size uintptr) uintptr {
			block := make([]uint64, (size+7)>>3)
			heapBlocks = append(heapBlocks, block)
			return uintptr(unsafe.Pointer(&block[0]))
		},
		func(addr uintptr) {},
	)

	os.Exit(m.Run())
}

// installRegions points the allocator's region source at an in-memory map.
func installRegions(regions []multiboot.MemoryMapEntry) {
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		for i := range regions {
			if !visitor(&regions[i]) {
				return
			}
		}
	}
}

// testAllocator builds an allocator over [1 MiB, 1 MiB + sizeBytes) with a
// 128 KiB kernel image at the region start.
func testAllocator(t *testing.T, sizeBytes uint64) *BitmapAllocator {
	t.Helper()
	defer func() { visitMemRegionsFn = multiboot.VisitMemRegions }()

	installRegions([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: sizeBytes, Type: multiboot.MemAvailable},
	})

	var alloc BitmapAllocator
	if err := alloc.Init(0x100000, 0x120000); err != nil {
		t.Fatal(err)
	}
	return &alloc
}

func TestInitAccounting(t *testing.T) {
	alloc := testAllocator(t, 0x400000) // 4 MiB usable above 1 MiB

	// Tracked range: frames [0, 0x500). Reserved: the first MiB (0-0xff),
	// the inter-region hole (0xa0-0xff already inside it) and the kernel
	// image (0x100-0x11f).
	if exp := mm.Frame(0x500); alloc.frameCount != exp {
		t.Fatalf("expected allocator to track %d frames; got %d", exp, alloc.frameCount)
	}
	if exp := uint64(0x500 - 0x120); alloc.FreeFrameCount() != exp {
		t.Fatalf("expected %d free frames; got %d", exp, alloc.FreeFrameCount())
	}

	// The first allocatable frame sits just past the kernel image.
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.Frame(0x120); frame != exp {
		t.Errorf("expected first allocation to return frame %x; got %x", uintptr(exp), uintptr(frame))
	}
}

func TestInitNoUsableMemory(t *testing.T) {
	defer func() { visitMemRegionsFn = multiboot.VisitMemRegions }()

	installRegions([]multiboot.MemoryMapEntry{
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
	})

	var alloc BitmapAllocator
	if err := alloc.Init(0x100000, 0x120000); err != errNoUsableMemory {
		t.Fatalf("expected errNoUsableMemory; got %v", err)
	}
}

func TestInitBitmapAllocFailure(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
		mm.SetKernelHeap(
			func(size uintptr) uintptr {
				block := make([]uint64, (size+7)>>3)
				heapBlocks = append(heapBlocks, block)
				return uintptr(unsafe.Pointer(&block[0]))
			},
			func(addr uintptr) {},
		)
	}()

	installRegions([]multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 0x100000, Type: multiboot.MemAvailable},
	})
	mm.SetKernelHeap(func(size uintptr) uintptr { return 0 }, func(addr uintptr) {})

	var alloc BitmapAllocator
	if err := alloc.Init(0x100000, 0x120000); err != errBitmapAllocFailed {
		t.Fatalf("expected errBitmapAllocFailed; got %v", err)
	}
}

func TestAllocFreeBijection(t *testing.T) {
	alloc := testAllocator(t, 0x400000)

	seen := make(map[mm.Frame]bool)
	var frames []mm.Frame
	for i := 0; i < 256; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if seen[frame] {
			t.Fatalf("frame %x handed out twice", uintptr(frame))
		}
		seen[frame] = true
		frames = append(frames, frame)
	}

	// Every freed frame becomes allocatable again exactly once.
	free := alloc.FreeFrameCount()
	for _, frame := range frames {
		alloc.FreeFrame(frame)
	}
	if got := alloc.FreeFrameCount(); got != free+256 {
		t.Fatalf("expected %d free frames after releasing; got %d", free+256, got)
	}
}

func TestAllocHintMovesBackOnFree(t *testing.T) {
	alloc := testAllocator(t, 0x400000)

	a, _ := alloc.AllocFrame()
	b, _ := alloc.AllocFrame()
	c, _ := alloc.AllocFrame()
	if b != a+1 || c != b+1 {
		t.Fatalf("expected sequential hint-driven allocations; got %x, %x, %x",
			uintptr(a), uintptr(b), uintptr(c))
	}

	alloc.FreeFrame(a)
	if got, _ := alloc.AllocFrame(); got != a {
		t.Errorf("expected the freed frame %x to be reused first; got %x", uintptr(a), uintptr(got))
	}
}

func TestAllocContiguous(t *testing.T) {
	alloc := testAllocator(t, 0x400000)

	first, err := alloc.AllocContiguous(16)
	if err != nil {
		t.Fatal(err)
	}

	// The run must be physically adjacent: every member is now used and a
	// second run starts past it.
	second, err := alloc.AllocContiguous(4)
	if err != nil {
		t.Fatal(err)
	}
	if second < first+16 {
		t.Errorf("expected second run to start past the first; got %x vs %x",
			uintptr(second), uintptr(first))
	}

	// Punch a hole mid-run and verify the next scan skips the fragments.
	alloc.FreeContiguous(first, 16)
	alloc.Reserve(first + 8)
	run, err := alloc.AllocContiguous(16)
	if err != nil {
		t.Fatal(err)
	}
	for frame := run; frame < run+16; frame++ {
		if frame == first+8 {
			t.Fatalf("contiguous run includes reserved frame %x", uintptr(frame))
		}
	}

	if _, err := alloc.AllocContiguous(0); err != errInvalidRunLength {
		t.Errorf("expected errInvalidRunLength for a zero-length run; got %v", err)
	}
}

func TestAllocContiguousExhaustion(t *testing.T) {
	alloc := testAllocator(t, 0x10000) // only 16 frames usable

	if _, err := alloc.AllocContiguous(32); err != errNoContiguousRun {
		t.Fatalf("expected errNoContiguousRun; got %v", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	alloc := testAllocator(t, 0x30000) // 16 usable frames past the kernel image

	for {
		if _, err := alloc.AllocFrame(); err != nil {
			if err != errOutOfMemory {
				t.Fatalf("expected errOutOfMemory; got %v", err)
			}
			break
		}
	}

	// Exhaustion is recoverable: freeing makes allocation succeed again.
	alloc.FreeFrame(mm.Frame(0x120))
	if _, err := alloc.AllocFrame(); err != nil {
		t.Fatalf("expected allocation to succeed after a free; got %v", err)
	}
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	alloc := testAllocator(t, 0x400000)
	frame, _ := alloc.AllocFrame()
	alloc.FreeFrame(frame)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	free := alloc.FreeFrameCount()
	alloc.FreeFrame(frame)

	if got := alloc.FreeFrameCount(); got != free {
		t.Errorf("expected double free to leave accounting untouched; %d -> %d", free, got)
	}
	if !strings.Contains(buf.String(), "double free") {
		t.Errorf("expected a double free diagnostic; got %q", buf.String())
	}
}

func TestReserveUnreserve(t *testing.T) {
	alloc := testAllocator(t, 0x400000)

	frame, _ := alloc.AllocFrame()
	alloc.FreeFrame(frame)

	alloc.Reserve(frame)
	if got, _ := alloc.AllocFrame(); got == frame {
		t.Fatalf("expected reserved frame %x to be skipped", uintptr(frame))
	}

	alloc.Unreserve(frame)
	if got, _ := alloc.AllocFrame(); got != frame {
		t.Errorf("expected unreserved frame %x to be allocatable; got %x", uintptr(frame), uintptr(got))
	}
}
