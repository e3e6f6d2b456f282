//go:build !windows
// +build !windows

// Package main drives internal/allocator's HeapAllocator over a real
// mmap'd anonymous mapping instead of a Go slice, exercising the
// allocator the way a caller backed by reserved device memory or a
// statically mapped buffer would.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/heapd/internal/allocator"
)

func main() {
	size := flag.Int("size", 2_000_000, "bytes to mmap for the managed heap region")
	alignment := flag.Uint("alignment", 8, "allocator alignment, must be a power of two")
	rounds := flag.Int("rounds", 100, "number of randomized allocate/free rounds")
	flag.Parse()

	region, err := unix.Mmap(-1, 0, *size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mmap failed: %v\n", err)
		os.Exit(1)
	}
	defer unix.Munmap(region) //nolint:errcheck

	start := uintptr(unsafe.Pointer(&region[0]))
	end := start + uintptr(len(region))

	heap := &allocator.HeapAllocator{}
	if !heap.Init(start, end, uintptr(*alignment)) {
		fmt.Fprintln(os.Stderr, "heap init failed: bad region or alignment")
		os.Exit(1)
	}

	fmt.Printf("available:         %d\n", heap.Available())
	fmt.Printf("largest available: %d\n", heap.LargestAvailable())

	ptrs := make([]unsafe.Pointer, 0, *rounds)
	for i := 0; i < *rounds; i++ {
		want := uintptr(rand.Intn(2500) + 10)

		p := heap.Allocate(want)
		if p == nil {
			continue
		}

		ptrs = append(ptrs, p)
	}

	fmt.Printf("%d/%d allocations succeeded\n", len(ptrs), *rounds)

	rand.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })
	for _, p := range ptrs {
		heap.Free(p)
	}

	fmt.Printf("available after draining: %d\n", heap.Available())
	fmt.Printf("min free bytes ever seen: %d\n", heap.MinFreeBytesEver())
}
