package allocator

import "unsafe"

// Alloc satisfies the Allocator interface; it is a thin rename of
// Allocate, mirroring how OptimizedAllocator.Alloc wraps its own
// size-classed engine.
func (a *HeapAllocator) Alloc(size uintptr) unsafe.Pointer {
	return a.Allocate(size)
}

// Realloc is not part of the free-list core (spec Non-goals exclude
// reallocation); it is an allocate-new/copy/free-old composition over
// Allocate/Free, like SystemAllocatorImpl.Realloc. The only header fields
// it reads directly are the old block's owner and size, to learn how many
// payload bytes to copy.
func (a *HeapAllocator) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return a.Allocate(newSize)
	}

	if newSize == 0 {
		a.Free(ptr)
		return nil
	}

	a.callsMu.Lock()
	oldAddr := uintptr(ptr) - a.headerSize
	oldBlk := blockAt(oldAddr)

	var oldPayload uintptr
	if oldBlk.owner == allocOwner {
		oldPayload = oldBlk.size - a.headerSize
	}
	a.callsMu.Unlock()

	newPtr := a.Allocate(newSize)
	if newPtr == nil {
		return nil
	}

	copySize := oldPayload
	if newSize < copySize {
		copySize = newSize
	}

	if copySize > 0 {
		copyMemory(newPtr, ptr, copySize)
	}

	a.Free(ptr)

	return newPtr
}

// TotalAllocated returns the cumulative number of block bytes ever
// handed out by Allocate (header-inclusive, never decremented).
func (a *HeapAllocator) TotalAllocated() uintptr {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	return a.totalAllocatedBytes
}

// TotalFreed returns the cumulative number of block bytes ever passed
// to Free, measured before any coalescing merge (header-inclusive).
func (a *HeapAllocator) TotalFreed() uintptr {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	return a.totalFreedBytes
}

// ActiveAllocations returns the number of blocks currently on the
// allocated list.
func (a *HeapAllocator) ActiveAllocations() int {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	return int(a.allocCount - a.freeCount)
}

// Stats returns allocation statistics in the shared AllocatorStats
// shape every Kind in this package reports through.
func (a *HeapAllocator) Stats() AllocatorStats {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	return AllocatorStats{
		TotalAllocated:    a.totalAllocatedBytes,
		TotalFreed:        a.totalFreedBytes,
		ActiveAllocations: int(a.allocCount - a.freeCount),
		PeakAllocations:   a.peakAllocations,
		AllocationCount:   a.allocCount,
		FreeCount:         a.freeCount,
		BytesInUse:        a.totalAllocatedBytes - a.totalFreedBytes,
		SystemMemory:      a.end - a.start,
	}
}

// Reset discards every live allocation and all statistics and returns
// the allocator to the single free block Init creates over its managed
// region, without freeing allocations piecewise. Pointers returned
// before Reset must not be used afterwards.
func (a *HeapAllocator) Reset() {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	a.initLocked(a.start, a.end, a.alignment)
}
