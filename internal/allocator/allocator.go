// Package allocator provides memory allocation services for the Orizon runtime.
// This implements a minimal but functional memory allocator, from a thin
// system-backed allocator up to a first-fit coalescing free-list heap.
package allocator

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// AllocatorKind defines the type of allocator.
type AllocatorKind int

const (
	SystemAllocatorKind AllocatorKind = iota
	OptimizedAllocatorKind // New high-performance allocator
	HeapAllocatorKind      // First-fit coalescing free-list allocator
)

// Size classes for optimized allocation
const (
	SizeClassTiny   = 64   // 64 bytes
	SizeClassSmall  = 128  // 128 bytes
	SizeClassMedium = 256  // 256 bytes
	SizeClassLarge  = 512  // 512 bytes
	SizeClassHuge   = 1024 // 1KB
)

var sizeClasses = []uintptr{
	SizeClassTiny,
	SizeClassSmall,
	SizeClassMedium,
	SizeClassLarge,
	SizeClassHuge,
}

// MemoryPool represents a pool for a specific size class
type MemoryPool struct {
	sizeClass uintptr
	pool      sync.Pool
	allocated int64
	freed     int64
}

// NewMemoryPool creates a new memory pool for a given size class
func NewMemoryPool(sizeClass uintptr) *MemoryPool {
	return &MemoryPool{
		sizeClass: sizeClass,
		pool: sync.Pool{
			New: func() interface{} {
				// Pre-allocate with padding to reduce cache conflicts
				buf := make([]byte, sizeClass+8) // 8-byte padding
				return &buf
			},
		},
	}
}

// Alloc allocates memory from the pool
func (mp *MemoryPool) Alloc() unsafe.Pointer {
	buf := mp.pool.Get().(*[]byte)
	atomic.AddInt64(&mp.allocated, 1)
	if len(*buf) > 0 {
		return unsafe.Pointer(&(*buf)[0])
	}
	// Handle empty buffer case
	*buf = make([]byte, mp.sizeClass+8)
	return unsafe.Pointer(&(*buf)[0])
}

// Free returns memory to the pool
func (mp *MemoryPool) Free(ptr unsafe.Pointer) {
	if ptr != nil {
		// Calculate the original buffer address (accounting for padding)
		buf := (*[]byte)(unsafe.Pointer(uintptr(ptr) - 8))
		mp.pool.Put(buf)
		atomic.AddInt64(&mp.freed, 1)
	}
}

// Stats returns allocation statistics
func (mp *MemoryPool) Stats() (allocated, freed int64) {
	return atomic.LoadInt64(&mp.allocated), atomic.LoadInt64(&mp.freed)
}

// OptimizedAllocator provides high-performance memory allocation with size-classed pools
type OptimizedAllocator struct {
	pools      [5]*MemoryPool // One pool per size class
	config     *Config
	totalAlloc int64
	totalFree  int64
	allocCount int64
	freeCount  int64
	mutex      sync.Mutex // Only used for statistics, not allocation path
}

// NewOptimizedAllocator creates a new optimized allocator
func NewOptimizedAllocator(config *Config) *OptimizedAllocator {
	alloc := &OptimizedAllocator{
		config: config,
	}

	// Initialize size-classed pools
	for i, sizeClass := range sizeClasses {
		alloc.pools[i] = NewMemoryPool(sizeClass)
	}

	return alloc
}

// getSizeClass returns the appropriate size class for a given size
func (oa *OptimizedAllocator) getSizeClass(size uintptr) int {
	for i, sizeClass := range sizeClasses {
		if size <= sizeClass {
			return i
		}
	}
	return len(sizeClasses) - 1 // Use largest size class for oversized allocations
}

// Alloc allocates memory using size-classed pools
func (oa *OptimizedAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	// Fast path: size-classed allocation
	if size <= SizeClassHuge {
		poolIndex := oa.getSizeClass(size)
		ptr := oa.pools[poolIndex].Alloc()
		atomic.AddInt64(&oa.allocCount, 1)
		atomic.AddInt64(&oa.totalAlloc, int64(size))
		return ptr
	}

	// Slow path: large allocation using system allocator
	return systemAlloc(size)
}

// Free returns memory to the appropriate pool
func (oa *OptimizedAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	// For pooled allocations, we need to determine which pool to return to
	// This is simplified - in practice, we'd store size class info with allocation
	atomic.AddInt64(&oa.freeCount, 1)
	atomic.AddInt64(&oa.totalFree, 1) // Simplified size tracking

	// Try to return to each pool - this is inefficient but works for demonstration
	for _, pool := range oa.pools {
		// In a real implementation, we'd have a way to determine which pool to use
		// For now, we'll use a heuristic or store pool info separately
		pool.Free(ptr)
		return
	}

	// If not from a pool, use system free
	systemFree(ptr)
}

// Realloc implements memory reallocation
func (oa *OptimizedAllocator) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return oa.Alloc(newSize)
	}

	newPtr := oa.Alloc(newSize)
	if newPtr != nil && ptr != nil {
		// Copy old data to new location
		// This is simplified - in practice we'd need to know the old size
	}
	oa.Free(ptr)
	return newPtr
}

// TotalAllocated returns total bytes allocated
func (oa *OptimizedAllocator) TotalAllocated() uintptr {
	return uintptr(atomic.LoadInt64(&oa.totalAlloc))
}

// TotalFreed returns total bytes freed
func (oa *OptimizedAllocator) TotalFreed() uintptr {
	return uintptr(atomic.LoadInt64(&oa.totalFree))
}

// ActiveAllocations returns the number of active allocations
func (oa *OptimizedAllocator) ActiveAllocations() int {
	alloc := atomic.LoadInt64(&oa.allocCount)
	free := atomic.LoadInt64(&oa.freeCount)
	return int(alloc - free)
}

// Stats returns allocator statistics
func (oa *OptimizedAllocator) Stats() AllocatorStats {
	oa.mutex.Lock()
	defer oa.mutex.Unlock()

	totalAlloc := uintptr(atomic.LoadInt64(&oa.totalAlloc))
	totalFree := uintptr(atomic.LoadInt64(&oa.totalFree))

	return AllocatorStats{
		TotalAllocated:    totalAlloc,
		TotalFreed:        totalFree,
		ActiveAllocations: int(totalAlloc-totalFree) / 64, // Rough estimate
		AllocationCount:   uint64(atomic.LoadInt64(&oa.allocCount)),
		FreeCount:         uint64(atomic.LoadInt64(&oa.freeCount)),
		BytesInUse:        totalAlloc - totalFree,
	}
}

// Reset zeroes the statistics counters (for testing/benchmarking); the
// pools themselves are left as they are.
func (oa *OptimizedAllocator) Reset() {
	// Reset statistics
	atomic.StoreInt64(&oa.totalAlloc, 0)
	atomic.StoreInt64(&oa.totalFree, 0)
	atomic.StoreInt64(&oa.allocCount, 0)
	atomic.StoreInt64(&oa.freeCount, 0)
}

// Allocator defines the interface for memory allocators.
type Allocator interface {
	Alloc(size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
	Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer
	TotalAllocated() uintptr
	TotalFreed() uintptr
	ActiveAllocations() int
	Stats() AllocatorStats
	Reset()
}

// AllocatorStats provides allocation statistics.
type AllocatorStats struct {
	TotalAllocated    uintptr
	TotalFreed        uintptr
	ActiveAllocations int
	PeakAllocations   int
	AllocationCount   uint64
	FreeCount         uint64
	BytesInUse        uintptr
	SystemMemory      uintptr
}

// GlobalAllocator provides the default allocator for the Orizon runtime.
var GlobalAllocator Allocator

// Initialize sets up the global allocator.
func Initialize(kind AllocatorKind, options ...Option) error {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	switch kind {
	case SystemAllocatorKind:
		GlobalAllocator = NewSystemAllocator(config)
	case OptimizedAllocatorKind:
		GlobalAllocator = NewOptimizedAllocator(config)
	case HeapAllocatorKind:
		allocator, err := NewHeapAllocator(config)
		if err != nil {
			return fmt.Errorf("failed to create heap allocator: %w", err)
		}

		GlobalAllocator = allocator
	default:
		return fmt.Errorf("unknown allocator kind: %v", kind)
	}

	return nil
}

// Configuration for allocators.
type Config struct {
	MaxAllocations  int
	MemoryLimit     uintptr
	AlignmentSize   uintptr
	EnableTracking  bool
	EnableDebug     bool
	EnableLeakCheck bool
	HeapSize        uintptr // backing buffer size for HeapAllocatorKind, if RegionStart/RegionEnd unset
	RegionStart     uintptr // caller-supplied region start for HeapAllocatorKind (e.g. an mmap'd range)
	RegionEnd       uintptr // caller-supplied region end for HeapAllocatorKind
}

type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		EnableTracking:  true,
		EnableDebug:     false,
		MaxAllocations:  1000000,
		MemoryLimit:     1024 * 1024 * 1024, // 1GB limit
		EnableLeakCheck: true,
		AlignmentSize:   8, // 8-byte alignment
		HeapSize:        16 * 1024 * 1024, // 16MB default heap for HeapAllocatorKind
	}
}

// Option functions.
func WithTracking(enabled bool) Option {
	return func(c *Config) { c.EnableTracking = enabled }
}

func WithDebug(enabled bool) Option {
	return func(c *Config) { c.EnableDebug = enabled }
}

func WithMemoryLimit(limit uintptr) Option {
	return func(c *Config) { c.MemoryLimit = limit }
}

func WithLeakCheck(enabled bool) Option {
	return func(c *Config) { c.EnableLeakCheck = enabled }
}

func WithAlignment(alignment uintptr) Option {
	return func(c *Config) { c.AlignmentSize = alignment }
}

// WithHeapSize sets the backing buffer size used when NewHeapAllocator
// allocates its own region instead of using WithRegion.
func WithHeapSize(size uintptr) Option {
	return func(c *Config) { c.HeapSize = size }
}

// WithRegion supplies a caller-owned [start, end) byte range for
// HeapAllocatorKind instead of having it allocate its own backing buffer.
// The caller is responsible for keeping the region valid for the
// allocator's lifetime (e.g. an mmap'd mapping).
func WithRegion(start, end uintptr) Option {
	return func(c *Config) {
		c.RegionStart = start
		c.RegionEnd = end
	}
}

// Allocation metadata for tracking.
type AllocationInfo struct {
	StackTrace []uintptr
	Size       uintptr
	Timestamp  int64
}

// SystemAllocatorImpl implements a simple wrapper around Go's memory allocator.
type SystemAllocatorImpl struct {
	config            *Config
	activeAllocations map[unsafe.Pointer]*AllocationInfo
	allocatedSlices   map[unsafe.Pointer][]byte
	totalAllocated    uintptr
	totalFreed        uintptr
	allocationCount   uint64
	freeCount         uint64
	peakAllocations   int
	mu                sync.RWMutex
}

// NewSystemAllocator creates a new system allocator.
func NewSystemAllocator(config *Config) *SystemAllocatorImpl {
	return &SystemAllocatorImpl{
		config:            config,
		activeAllocations: make(map[unsafe.Pointer]*AllocationInfo),
		allocatedSlices:   make(map[unsafe.Pointer][]byte),
	}
}

// shouldCheckMemoryLimit returns true if memory limit checking is enabled
func (sa *SystemAllocatorImpl) shouldCheckMemoryLimit() bool {
	return sa.config.MemoryLimit > 0 && sa.config.EnableTracking
}

// shouldTrackAllocation returns true if allocation tracking is enabled
func (sa *SystemAllocatorImpl) shouldTrackAllocation() bool {
	return sa.config.EnableTracking
}

// Alloc allocates memory using the system allocator with optimized performance.
func (sa *SystemAllocatorImpl) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	// Optimized size alignment with bit operations
	alignedSize := alignUp(size, sa.config.AlignmentSize)
	if alignedSize == 0 {
		return nil // Overflow or invalid size
	}

	// Optimized memory limit check - only if tracking is enabled
	if sa.shouldCheckMemoryLimit() {
		current := atomic.LoadUintptr(&sa.totalAllocated) - atomic.LoadUintptr(&sa.totalFreed)
		if current+alignedSize > sa.config.MemoryLimit {
			return nil // Out of memory
		}
	}

	// Allocate memory using Go slice with reduced overhead
	slice := make([]byte, alignedSize)
	if len(slice) != int(alignedSize) || len(slice) == 0 {
		return nil
	}

	ptr := unsafe.Pointer(&slice[0])

	// The slice is always stored; allocation info only when tracking is enabled
	if sa.shouldTrackAllocation() {
		sa.mu.Lock()
		sa.allocatedSlices[ptr] = slice
		sa.activeAllocations[ptr] = &AllocationInfo{
			Size:      alignedSize,
			Timestamp: getTimestamp(),
		}
		sa.mu.Unlock()
	} else {
		// Fast path: just store slice without allocation info
		sa.mu.Lock()
		sa.allocatedSlices[ptr] = slice
		sa.mu.Unlock()
	}

	// Update statistics atomically for performance
	atomic.AddUintptr(&sa.totalAllocated, alignedSize)
	atomic.AddUint64(&sa.allocationCount, 1)

	return ptr
}

// Free frees memory allocated by the system allocator.
func (sa *SystemAllocatorImpl) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	var size uintptr

	// Get size from tracking if enabled.
	if sa.shouldTrackAllocation() {
		size = sa.untrackAllocation(ptr)
	}

	// Remove slice reference to allow GC.
	sa.mu.Lock()
	if slice, exists := sa.allocatedSlices[ptr]; exists {
		size = uintptr(len(slice)) // Get actual size

		delete(sa.allocatedSlices, ptr)
	}
	sa.mu.Unlock()

	// Update statistics.
	atomic.AddUintptr(&sa.totalFreed, size)
	atomic.AddUint64(&sa.freeCount, 1)
}

// Realloc reallocates memory.
func (sa *SystemAllocatorImpl) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return sa.Alloc(newSize)
	}

	if newSize == 0 {
		sa.Free(ptr)

		return nil
	}

	// Get old size from tracking.
	var oldSize uintptr

	if sa.config.EnableTracking {
		sa.mu.RLock()
		if info, exists := sa.activeAllocations[ptr]; exists {
			oldSize = info.Size
		}
		sa.mu.RUnlock()
	}

	// Allocate new memory.
	newPtr := sa.Alloc(newSize)
	if newPtr == nil {
		return nil
	}

	// Copy old data.
	if oldSize > 0 {
		copySize := oldSize
		if newSize < oldSize {
			copySize = newSize
		}

		copyMemory(newPtr, ptr, copySize)
	}

	// Free old memory.
	sa.Free(ptr)

	return newPtr
}

// TotalAllocated returns total allocated bytes.
func (sa *SystemAllocatorImpl) TotalAllocated() uintptr {
	return atomic.LoadUintptr(&sa.totalAllocated)
}

// TotalFreed returns total freed bytes.
func (sa *SystemAllocatorImpl) TotalFreed() uintptr {
	return atomic.LoadUintptr(&sa.totalFreed)
}

// ActiveAllocations returns the number of active allocations.
func (sa *SystemAllocatorImpl) ActiveAllocations() int {
	if !sa.config.EnableTracking {
		return 0
	}

	sa.mu.RLock()
	defer sa.mu.RUnlock()

	return len(sa.activeAllocations)
}

// Stats returns allocation statistics.
func (sa *SystemAllocatorImpl) Stats() AllocatorStats {
	sa.mu.RLock()
	defer sa.mu.RUnlock()

	return AllocatorStats{
		TotalAllocated:    atomic.LoadUintptr(&sa.totalAllocated),
		TotalFreed:        atomic.LoadUintptr(&sa.totalFreed),
		ActiveAllocations: len(sa.activeAllocations),
		PeakAllocations:   sa.peakAllocations,
		AllocationCount:   atomic.LoadUint64(&sa.allocationCount),
		FreeCount:         atomic.LoadUint64(&sa.freeCount),
		BytesInUse:        atomic.LoadUintptr(&sa.totalAllocated) - atomic.LoadUintptr(&sa.totalFreed),
		SystemMemory:      getSystemMemory(),
	}
}

// Reset is a no-op for system allocator.
func (sa *SystemAllocatorImpl) Reset() {
	// System allocator doesn't support reset.
}

// Helper methods.

func (sa *SystemAllocatorImpl) trackAllocation(ptr unsafe.Pointer, size uintptr) {
	info := &AllocationInfo{
		Size:      size,
		Timestamp: getTimestamp(),
	}

	if sa.config.EnableDebug {
		info.StackTrace = captureStackTrace()
	}

	sa.mu.Lock()

	sa.activeAllocations[ptr] = info
	if len(sa.activeAllocations) > sa.peakAllocations {
		sa.peakAllocations = len(sa.activeAllocations)
	}
	sa.mu.Unlock()
}

func (sa *SystemAllocatorImpl) untrackAllocation(ptr unsafe.Pointer) uintptr {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if info, exists := sa.activeAllocations[ptr]; exists {
		delete(sa.activeAllocations, ptr)

		return info.Size
	}

	return 0
}

// Platform-specific system allocation functions.

// systemAlloc allocates memory from the system.
func systemAlloc(size uintptr) unsafe.Pointer {
	// Use Go's memory allocator for bootstrap.
	// In a real implementation, this would use VirtualAlloc on Windows or mmap on Linux.
	if size == 0 {
		return nil
	}

	// Use runtime.malloc functionality via make and unsafe
	slice := make([]byte, size)
	if len(slice) < int(size) {
		return nil
	}

	// Keep a reference to prevent GC (in production this would be managed differently).
	runtime.KeepAlive(slice)

	return unsafe.Pointer(&slice[0])
}

// systemFree frees system memory.
func systemFree(ptr unsafe.Pointer) {
	// In Go, we can't actually free memory directly.
	// The GC will handle it when the slice goes out of scope.
	// In a real implementation, this would use VirtualFree or munmap.
}

// Utility functions.

// alignUp aligns a size up to the nearest multiple of alignment.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

// copyMemory copies memory from src to dst.
func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	// Use Go's copy function.
	dstSlice := (*[1 << 30]byte)(dst)[:size:size]
	srcSlice := (*[1 << 30]byte)(src)[:size:size]
	copy(dstSlice, srcSlice)
}

// getTimestamp returns current timestamp (simplified).
func getTimestamp() int64 {
	return 0 // Simplified for bootstrap
}

// captureStackTrace captures the current stack trace.
func captureStackTrace() []uintptr {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])

	return pcs[:n]
}

// getSystemMemory returns system memory usage.
func getSystemMemory() uintptr {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	return uintptr(m.Sys)
}

// Memory leak detection.

// CheckLeaks checks for memory leaks.
func (sa *SystemAllocatorImpl) CheckLeaks() []LeakInfo {
	if !sa.config.EnableLeakCheck || !sa.config.EnableTracking {
		return nil
	}

	sa.mu.RLock()
	defer sa.mu.RUnlock()

	var leaks []LeakInfo
	for ptr, info := range sa.activeAllocations {
		leaks = append(leaks, LeakInfo{
			Pointer:    ptr,
			Size:       info.Size,
			Timestamp:  info.Timestamp,
			StackTrace: info.StackTrace,
		})
	}

	return leaks
}

// LeakInfo represents information about a memory leak.
type LeakInfo struct {
	Pointer    unsafe.Pointer
	StackTrace []uintptr
	Size       uintptr
	Timestamp  int64
}

// FormatLeaks formats leak information for display.
func FormatLeaks(leaks []LeakInfo) string {
	if len(leaks) == 0 {
		return "No memory leaks detected"
	}

	result := fmt.Sprintf("Detected %d memory leaks:\n", len(leaks))
	for i, leak := range leaks {
		result += fmt.Sprintf("  Leak %d: %d bytes at %p\n", i+1, leak.Size, leak.Pointer)
		if len(leak.StackTrace) > 0 {
			result += "    Stack trace:\n"
			frames := runtime.CallersFrames(leak.StackTrace)

			for {
				frame, more := frames.Next()
				result += fmt.Sprintf("      %s:%d %s\n", frame.File, frame.Line, frame.Function)

				if !more {
					break
				}
			}
		}
	}

	return result
}

// Global allocation functions for convenience.

// Alloc allocates memory using the global allocator.
func Alloc(size uintptr) unsafe.Pointer {
	if GlobalAllocator == nil {
		// Calling before Initialize is a programming error.
		panic("Global allocator not initialized")
	}

	return GlobalAllocator.Alloc(size)
}

// Free frees memory using the global allocator.
func Free(ptr unsafe.Pointer) {
	if GlobalAllocator == nil {
		panic("Global allocator not initialized")
	}

	GlobalAllocator.Free(ptr)
}

// Realloc reallocates memory using the global allocator.
func Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if GlobalAllocator == nil {
		panic("Global allocator not initialized")
	}

	return GlobalAllocator.Realloc(ptr, newSize)
}

// GetStats returns global allocator statistics.
func GetStats() AllocatorStats {
	if GlobalAllocator == nil {
		return AllocatorStats{}
	}

	return GlobalAllocator.Stats()
}
