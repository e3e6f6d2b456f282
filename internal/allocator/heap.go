package allocator

import (
	"sync"
	"unsafe"

	orizonerrors "github.com/orizon-lang/heapd/internal/errors"
)

// HeapAllocator is a first-fit, coalescing free-list allocator over a
// single contiguous byte range. Unlike OptimizedAllocator it has no fixed
// size classes, so any payload size can be requested from one managed
// region, and unlike SystemAllocatorImpl it tracks free space structurally
// instead of through a Go map of live slices.
//
// HeapAllocator has no internal concurrency of its own (the algorithms
// below are strictly single-threaded); callsMu provides the same
// external serialization every other Kind in this package applies at
// its public boundary.
type HeapAllocator struct {
	callsMu sync.Mutex

	region []byte // keeps a Go-allocated backing buffer alive; nil when the region is caller-supplied (e.g. mmap)

	start      uintptr // aligned region start
	end        uintptr // aligned region end
	alignment  uintptr
	headerSize uintptr

	freeList  blockList
	allocList blockList

	freeBytes        uintptr
	minFreeBytesEver uintptr

	totalAllocatedBytes uintptr
	totalFreedBytes     uintptr
	allocCount          uint64
	freeCount           uint64
	peakAllocations     int
}

// NewHeapAllocator builds a HeapAllocator from a Config. If
// config.RegionStart/RegionEnd are set (via WithRegion) it manages that
// caller-owned range; otherwise it allocates its own config.HeapSize
// (or WithHeapSize) backing buffer.
func NewHeapAllocator(config *Config) (*HeapAllocator, error) {
	a := &HeapAllocator{}

	start, end := config.RegionStart, config.RegionEnd
	if start == 0 && end == 0 {
		size := config.HeapSize
		if size == 0 {
			size = 16 * 1024 * 1024
		}

		buf := make([]byte, size)
		a.region = buf
		start = uintptr(unsafe.Pointer(&buf[0]))
		end = start + uintptr(len(buf))
	}

	alignment := config.AlignmentSize
	if alignment == 0 {
		alignment = 8
	}

	if !a.Init(start, end, alignment) {
		return nil, orizonerrors.InvalidHeapRegion(start, end, alignment)
	}

	return a, nil
}

// Init reserves one header's worth of bytes at the aligned region start,
// places a single free block spanning the rest of the alignment-trimmed
// region and resets all bookkeeping. It fails (returns false) when a is
// nil, when end <= start, when alignment is not a power of two, or when
// the aligned region is too small to hold the reserved bytes plus one
// header.
func (a *HeapAllocator) Init(start, end, alignment uintptr) bool {
	if a == nil {
		return false
	}

	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	return a.initLocked(start, end, alignment)
}

// initLocked is the Init body, callable while callsMu is already held
// (Reset re-runs it without re-entering the lock).
func (a *HeapAllocator) initLocked(start, end, alignment uintptr) bool {
	if end <= start {
		return false
	}

	if !isPowerOfTwo(alignment) {
		return false
	}

	startAligned := alignUp(start, alignment)
	endAligned := alignDown(end, alignment)

	headerSize := alignUp(uintptr(unsafe.Sizeof(heapBlock{})), alignment)

	if endAligned <= startAligned || endAligned-startAligned < 2*headerSize {
		return false
	}

	a.start = startAligned
	a.end = endAligned
	a.alignment = alignment
	a.headerSize = headerSize

	a.freeList = blockList{kind: freeOwner}
	a.allocList = blockList{kind: allocOwner}

	// The first headerSize bytes are reserved and never handed out; the
	// initial free block starts right after them.
	first := startAligned + headerSize

	initial := blockAt(first)
	initial.next = 0
	initial.prev = 0
	initial.owner = unlinkedOwner
	initial.size = endAligned - first

	pushTail(&a.freeList, first)

	a.freeBytes = initial.size
	a.minFreeBytesEver = initial.size

	a.totalAllocatedBytes = 0
	a.totalFreedBytes = 0
	a.allocCount = 0
	a.freeCount = 0
	a.peakAllocations = 0

	return true
}

func (a *HeapAllocator) unlink(addr uintptr) bool {
	return unlink(&a.freeList, &a.allocList, addr)
}
