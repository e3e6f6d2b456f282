package allocator

import "unsafe"

// Free releases a payload pointer previously returned by Allocate on
// this allocator. A nil pointer is a no-op. A pointer whose inferred
// header does not claim the allocated list as its owner is silently
// ignored, guarding against double-free and foreign pointers.
func (a *HeapAllocator) Free(p unsafe.Pointer) {
	if a == nil || p == nil {
		return
	}

	a.callsMu.Lock()
	defer a.callsMu.Unlock()

	addr := uintptr(p) - a.headerSize

	blk := blockAt(addr)
	if blk.owner != allocOwner {
		return
	}

	a.unlink(addr)
	a.freeBytes += blk.size
	a.totalFreedBytes += blk.size
	a.freeCount++

	if left := a.findLeftNeighbour(addr); left != 0 {
		a.unlink(left)

		lb := blockAt(left)
		lb.size += blk.size

		addr = left
		blk = lb
	}

	if right := a.findRightNeighbour(addr, blk.size); right != 0 {
		a.unlink(right)

		rb := blockAt(right)
		blk.size += rb.size
	}

	pushTail(&a.freeList, addr)
}

// findLeftNeighbour scans the free list for a block L with
// L + L.size == addr, i.e. one immediately preceding addr in address
// order.
func (a *HeapAllocator) findLeftNeighbour(addr uintptr) uintptr {
	c := a.freeList.head
	for c != 0 {
		blk := blockAt(c)
		if c+blk.size == addr {
			return c
		}

		c = blk.next
	}

	return 0
}

// findRightNeighbour scans the free list for a block R with
// addr + size == R, i.e. one immediately following the freed block.
func (a *HeapAllocator) findRightNeighbour(addr, size uintptr) uintptr {
	c := a.freeList.head
	for c != 0 {
		blk := blockAt(c)
		if addr+size == c {
			return c
		}

		c = blk.next
	}

	return 0
}
