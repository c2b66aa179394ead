// Package mem defines the physical-memory collaborators that the paging
// core in package vm consumes: a frame allocator and a window for
// accessing a physical address as page-table-shaped memory.
package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"corevm/util"
)

/// PageShift is the base-2 exponent of the page size.
const PageShift = 12

/// PageSize is the size of a single page in bytes.
const PageSize = 1 << PageShift

/// PageMask masks the in-page offset of an address.
const PageMask = PageSize - 1

/// Pa_t represents a physical address.
type Pa_t uintptr

// Rounddown aligns pa down to the start of its containing page.
func (pa Pa_t) Rounddown() Pa_t {
	return util.Rounddown(pa, PageSize)
}

/// FrameAllocator hands out zeroed, page-aligned physical frames.
//
// spec.md treats allocation as infallible at this layer (DESIGN NOTES
// §7): implementations panic rather than return an error when physical
// memory is exhausted, mirroring the teacher's own Refpg_new, which
// panics ("oom in dmap init") instead of propagating failure through
// the paging path.
type FrameAllocator interface {
	AllocateZeroedFrame() Pa_t
	FreeFrame(Pa_t)
}

/// Window grants access to a physical address as addressable memory,
/// standing in for the identity-mapped PageAccessor offset
/// (0xFFFF800000000000 + physical) that original_source/thor uses.
type Window interface {
	Access(Pa_t) unsafe.Pointer
}

/// MockAllocator is a free-list physical-frame allocator backed by a
/// Go slice standing in for physical RAM, adapted from the teacher's
/// Physmem_t (biscuit/src/mem/mem.go, biscuit/src/mem/dmap.go) with the
/// per-CPU free-list sharding and reference counting removed: those
/// belong to the higher memory-object layer spec.md excludes.
//
// It implements both FrameAllocator and Window, so a test harness can
// hand the same value to both interface parameters, exactly as the
// teacher's single Physmem global backs both allocation and Dmap.
type MockAllocator struct {
	mu    sync.Mutex
	pages [][PageSize]byte
	free  []uint32
	base  Pa_t
}

/// NewMockAllocator builds a simulated physical memory of the given
/// number of frames. base is an arbitrary nonzero physical address so
/// that Pa_t(0) can be used as a "no frame" sentinel by callers.
func NewMockAllocator(frames int, base Pa_t) *MockAllocator {
	free := make([]uint32, frames)
	// Stored highest-first so allocation, which pops from the end, hands
	// out the lowest-addressed frame (base) first.
	for i := range free {
		free[i] = uint32(frames - 1 - i)
	}
	return &MockAllocator{
		pages: make([][PageSize]byte, frames),
		free:  free,
		base:  base,
	}
}

/// AllocateZeroedFrame removes a frame from the free list, zeroes it,
/// and returns its physical address. It panics if physical memory is
/// exhausted, matching the teacher's Refpg_new/_phys_new discipline of
/// treating frame exhaustion as fatal rather than recoverable here.
func (m *MockAllocator) AllocateZeroedFrame() Pa_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		panic("mem: out of physical frames")
	}
	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.pages[idx] = [PageSize]byte{}
	return m.base + Pa_t(idx)*PageSize
}

/// FreeFrame returns a previously-allocated frame to the free list.
func (m *MockAllocator) FreeFrame(pa Pa_t) {
	idx := m.index(pa)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = append(m.free, idx)
}

/// Access returns a pointer to the simulated backing storage for pa,
/// rounded down to its containing page, mirroring PageAccessor's
/// physical-to-virtual translation in original_source/thor.
func (m *MockAllocator) Access(pa Pa_t) unsafe.Pointer {
	idx := m.index(pa.Rounddown())
	return unsafe.Pointer(&m.pages[idx])
}

func (m *MockAllocator) index(pa Pa_t) uint32 {
	if pa < m.base {
		panic(fmt.Sprintf("mem: address %#x below simulated physical memory base %#x", pa, m.base))
	}
	off := uint64(pa - m.base)
	if off%PageSize != 0 {
		panic(fmt.Sprintf("mem: address %#x is not page-aligned", pa))
	}
	idx := off / PageSize
	if idx >= uint64(len(m.pages)) {
		panic(fmt.Sprintf("mem: address %#x out of range of simulated physical memory", pa))
	}
	return uint32(idx)
}
