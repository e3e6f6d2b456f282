package allocator

import (
	"math/rand"
	"runtime"
	"testing"
	"unsafe"
)

// newTestHeap builds a HeapAllocator over a freshly made, GC-kept-alive
// buffer of the given size, aligned as requested. The backing buffer is
// returned too so callers can runtime.KeepAlive it for the duration of
// the test.
func newTestHeap(t *testing.T, size int, alignment uintptr) (*HeapAllocator, []byte) {
	t.Helper()

	buf := make([]byte, size)
	start := uintptr(unsafe.Pointer(&buf[0]))
	end := start + uintptr(len(buf))

	a := &HeapAllocator{}
	if !a.Init(start, end, alignment) {
		t.Fatalf("Init(%#x, %#x, %d) failed", start, end, alignment)
	}

	return a, buf
}

func TestHeapAllocatorInitThenQuery(t *testing.T) {
	a, buf := newTestHeap(t, 2_000_000, 8)
	defer runtime.KeepAlive(buf)

	wantAvail := uintptr(2_000_000) - a.headerSize
	if got := a.Available(); got != wantAvail {
		t.Errorf("Available() = %d, want %d", got, wantAvail)
	}

	wantLargest := wantAvail - a.headerSize
	if got := a.LargestAvailable(); got != wantLargest {
		t.Errorf("LargestAvailable() = %d, want %d", got, wantLargest)
	}
}

func TestHeapAllocatorMaxAllocationRoundTrip(t *testing.T) {
	a, buf := newTestHeap(t, 2_000_000, 8)
	defer runtime.KeepAlive(buf)

	initialAvail := a.Available()

	m := a.LargestAvailable()

	p := a.Allocate(m)
	if p == nil {
		t.Fatal("Allocate(largest available) returned nil")
	}

	if uintptr(p)%8 != 0 {
		t.Errorf("payload pointer %p is not 8-aligned", p)
	}

	a.Free(p)

	if got := a.Available(); got != initialAvail {
		t.Errorf("Available() after round trip = %d, want %d", got, initialAvail)
	}

	if a.freeList.head != a.freeList.tail || a.freeList.head == 0 {
		t.Error("expected free list to hold exactly one block after round trip")
	}
}

func TestHeapAllocatorSplitThreshold(t *testing.T) {
	t.Run("NoSplitWhenLeftoverAtOrBelowTwoHeaders", func(t *testing.T) {
		a, buf := newTestHeap(t, 1000, 8)
		defer runtime.KeepAlive(buf)

		avail0 := a.Available()

		// Pick want so that need leaves exactly headerSize bytes of
		// leftover (<= 2*headerSize): the whole block is consumed
		// with no split.
		need := avail0 - a.headerSize
		want := need - a.headerSize

		p := a.Allocate(want)
		if p == nil {
			t.Fatal("Allocate failed")
		}

		if got := a.Available(); got != 0 {
			t.Errorf("Available() after whole-block consumption = %d, want 0", got)
		}
	})

	t.Run("SplitWhenLeftoverExceedsTwoHeaders", func(t *testing.T) {
		a, buf := newTestHeap(t, 1000, 8)
		defer runtime.KeepAlive(buf)

		initialSize := a.Available()

		want := uintptr(100)
		need := alignUp(want+a.headerSize, a.alignment)

		p := a.Allocate(want)
		if p == nil {
			t.Fatal("Allocate failed")
		}

		wantRemaining := initialSize - need
		if got := a.Available(); got != wantRemaining {
			t.Errorf("Available() after split = %d, want %d", got, wantRemaining)
		}

		if a.freeList.empty() {
			t.Error("expected a leftover free block after split")
		}
	})
}

func TestHeapAllocatorCoalesceLeftAndRight(t *testing.T) {
	a, buf := newTestHeap(t, 10_000, 8)
	defer runtime.KeepAlive(buf)

	initialAvail := a.Available()

	pa := a.Allocate(100)
	pb := a.Allocate(100)
	pc := a.Allocate(100)

	if pa == nil || pb == nil || pc == nil {
		t.Fatal("setup allocations failed")
	}

	a.Free(pa)
	a.Free(pc)
	a.Free(pb)

	if got := a.Available(); got != initialAvail {
		t.Errorf("Available() after full coalesce = %d, want %d", got, initialAvail)
	}

	if a.freeList.head != a.freeList.tail || a.freeList.head == 0 {
		t.Error("expected free list to hold exactly one block after full coalesce")
	}

	if !a.allocList.empty() {
		t.Error("expected allocated list to be empty")
	}
}

func TestHeapAllocatorRandomizedSoak(t *testing.T) {
	a, buf := newTestHeap(t, 2_000_000, 8)
	defer runtime.KeepAlive(buf)

	initialAvail := a.Available()

	var ptrs []unsafe.Pointer

	for i := 0; i < 100; i++ {
		size := uintptr(rand.Intn(2500) + 10)

		p := a.Allocate(size)
		if p != nil {
			ptrs = append(ptrs, p)
		}
	}

	rand.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })

	for _, p := range ptrs {
		a.Free(p)
	}

	if !a.allocList.empty() {
		t.Error("expected allocated list to be empty after draining")
	}

	if a.freeList.head != a.freeList.tail || a.freeList.head == 0 {
		t.Error("expected free list to hold exactly one block after draining")
	}

	if got := a.Available(); got != initialAvail {
		t.Errorf("Available() after draining = %d, want %d", got, initialAvail)
	}

	if a.minFreeBytesEver >= initialAvail {
		t.Errorf("minFreeBytesEver = %d, want < %d", a.minFreeBytesEver, initialAvail)
	}
}

func TestHeapAllocatorDefensiveFree(t *testing.T) {
	a, buf := newTestHeap(t, 10_000, 8)
	defer runtime.KeepAlive(buf)

	a.Free(nil) // no-op, must not panic

	p := a.Allocate(64)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	availAfterAlloc := a.Available()

	a.Free(p)

	availAfterFree := a.Available()
	if availAfterFree == availAfterAlloc {
		t.Fatal("first free() did not return memory")
	}

	a.Free(p) // double free: must be a silent no-op

	if got := a.Available(); got != availAfterFree {
		t.Errorf("Available() changed on double free: got %d, want %d", got, availAfterFree)
	}
}

func TestHeapAllocatorAlignment(t *testing.T) {
	for _, alignment := range []uintptr{8, 16, 32, 64} {
		a, buf := newTestHeap(t, 100_000, alignment)

		for i := 0; i < 20; i++ {
			p := a.Allocate(uintptr(rand.Intn(200) + 1))
			if p == nil {
				continue
			}

			if uintptr(p)%alignment != 0 {
				t.Errorf("alignment %d: pointer %p is not aligned", alignment, p)
			}
		}

		runtime.KeepAlive(buf)
	}
}

func TestHeapAllocatorDisjointAllocations(t *testing.T) {
	a, buf := newTestHeap(t, 100_000, 8)
	defer runtime.KeepAlive(buf)

	type span struct{ lo, hi uintptr }

	var spans []span

	for i := 0; i < 30; i++ {
		size := uintptr(rand.Intn(500) + 1)

		p := a.Allocate(size)
		if p == nil {
			continue
		}

		lo := uintptr(p)
		spans = append(spans, span{lo: lo, hi: lo + size})
	}

	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}

			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				t.Fatalf("overlapping allocations: %v and %v", spans[i], spans[j])
			}
		}
	}
}

func TestHeapAllocatorZeroAndOversizedRequests(t *testing.T) {
	a, buf := newTestHeap(t, 1000, 8)
	defer runtime.KeepAlive(buf)

	if p := a.Allocate(0); p != nil {
		t.Error("Allocate(0) should return nil")
	}

	if p := a.Allocate(10_000_000); p != nil {
		t.Error("Allocate(huge) should return nil")
	}
}

func TestHeapAllocatorInitRejectsBadArguments(t *testing.T) {
	buf := make([]byte, 1000)
	start := uintptr(unsafe.Pointer(&buf[0]))

	var a HeapAllocator
	if a.Init(start, start, 8) {
		t.Error("Init should fail when end <= start")
	}

	if a.Init(start, start+900, 6) {
		t.Error("Init should fail for a non-power-of-two alignment")
	}

	runtime.KeepAlive(buf)
}

func TestHeapAllocatorNilReceiver(t *testing.T) {
	var a *HeapAllocator

	if a.Init(1, 2, 8) {
		t.Error("Init on a nil receiver should return false")
	}

	if a.Allocate(10) != nil {
		t.Error("Allocate on a nil receiver should return nil")
	}

	a.Free(unsafe.Pointer(uintptr(1))) // must not panic

	if a.Available() != 0 {
		t.Error("Available on a nil receiver should return 0")
	}

	if a.LargestAvailable() != 0 {
		t.Error("LargestAvailable on a nil receiver should return 0")
	}

	if a.MinFreeBytesEver() != 0 {
		t.Error("MinFreeBytesEver on a nil receiver should return 0")
	}
}

func TestHeapAllocatorReset(t *testing.T) {
	a, buf := newTestHeap(t, 10_000, 8)
	defer runtime.KeepAlive(buf)

	initialAvail := a.Available()

	for i := 0; i < 5; i++ {
		a.Allocate(64)
	}

	a.Reset()

	if got := a.Available(); got != initialAvail {
		t.Errorf("Available() after Reset() = %d, want %d", got, initialAvail)
	}

	if a.ActiveAllocations() != 0 {
		t.Errorf("ActiveAllocations() after Reset() = %d, want 0", a.ActiveAllocations())
	}
}

func TestHeapAllocatorAsAllocatorInterface(t *testing.T) {
	config := defaultConfig()
	config.RegionStart, config.RegionEnd = 0, 0
	config.HeapSize = 64 * 1024

	heap, err := NewHeapAllocator(config)
	if err != nil {
		t.Fatalf("NewHeapAllocator failed: %v", err)
	}

	var iface Allocator = heap

	p := iface.Alloc(256)
	if p == nil {
		t.Fatal("Alloc via Allocator interface failed")
	}

	stats := iface.Stats()
	if stats.AllocationCount != 1 {
		t.Errorf("Stats().AllocationCount = %d, want 1", stats.AllocationCount)
	}

	grown := iface.Realloc(p, 512)
	if grown == nil {
		t.Fatal("Realloc failed")
	}

	iface.Free(grown)

	if iface.ActiveAllocations() != 0 {
		t.Errorf("ActiveAllocations() = %d, want 0", iface.ActiveAllocations())
	}
}

func TestInitializeHeapAllocatorKind(t *testing.T) {
	err := Initialize(HeapAllocatorKind, WithHeapSize(64*1024), WithAlignment(16))
	if err != nil {
		t.Fatalf("Initialize(HeapAllocatorKind) failed: %v", err)
	}

	p := GlobalAllocator.Alloc(128)
	if p == nil {
		t.Fatal("allocation via GlobalAllocator failed")
	}

	if uintptr(p)%16 != 0 {
		t.Error("allocation is not 16-byte aligned")
	}

	GlobalAllocator.Free(p)
}

func TestHeapAllocatorWithExplicitRegion(t *testing.T) {
	buf := make([]byte, 4096)
	start := uintptr(unsafe.Pointer(&buf[0]))
	end := start + uintptr(len(buf))

	config := defaultConfig()
	config.RegionStart = start
	config.RegionEnd = end

	heap, err := NewHeapAllocator(config)
	if err != nil {
		t.Fatalf("NewHeapAllocator with explicit region failed: %v", err)
	}

	p := heap.Allocate(64)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	if uintptr(p) < start || uintptr(p) >= end {
		t.Error("payload pointer escaped the supplied region")
	}

	runtime.KeepAlive(buf)
}
