package allocator

import "unsafe"

// listOwner tags which list a block currently belongs to. It replaces
// the source allocator's owner-pointer sentinel (a pointer to the
// owning list, compared by address) with a small enum: identity is
// then determined structurally instead of by address equality, which
// keeps blockAt free of any dependency on list addresses being stable.
type listOwner uint8

const (
	unlinkedOwner listOwner = iota
	freeOwner
	allocOwner
)

// heapBlock is the per-block header. It is never allocated by Go's
// runtime directly; instances are materialized by casting an address
// inside the managed region, so field order and size matter: size is
// rounded up to headerSize and reserved at the front of every block.
type heapBlock struct {
	next  uintptr // address of next block in the same list, 0 if tail
	prev  uintptr // address of prev block in the same list, 0 if head
	owner listOwner
	size  uintptr // total block size in bytes, header included
}

// blockAt reinterprets addr as a *heapBlock. addr MUST point at a
// live header inside the allocator's managed region.
func blockAt(addr uintptr) *heapBlock {
	return (*heapBlock)(unsafe.Pointer(addr)) //nolint:govet
}

func isPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}

func alignDown(x, alignment uintptr) uintptr {
	return x &^ (alignment - 1)
}
