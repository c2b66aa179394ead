package vm

import (
	"corevm/mem"
	"corevm/ticketlock"
)

// KernelPageSpace is the single, CPU-shared page-table hierarchy
// mapping the kernel's own code, data, and direct-mapped physical
// memory. Every ClientPageSpace copies its upper half from this space's
// root table (entries 256..511) so kernel addresses translate
// identically no matter which client space is active.
//
// Grounded on original_source/thor/kernel/src/arch/x86/paging.hpp's
// KernelPageSpace: a PageSpace plus its own ticket lock guarding
// mapSingle4k/unmapSingle4k, kept separate from the PageSpace's own
// lock (which only guards shootdown bookkeeping).
type KernelPageSpace struct {
	*PageSpace
	mu ticketlock.Lock
}

var globalKernelPageSpace *KernelPageSpace

// InitializeKernelPageSpace installs the process-wide KernelPageSpace
// rooted at root. Mirrors KernelPageSpace::initialize's LazyInitializer
// singleton; it panics if called twice, since re-initializing the
// kernel's address space mid-flight would invalidate every existing
// binding without any of the shootdown machinery being told about it.
func InitializeKernelPageSpace(root mem.Pa_t) *KernelPageSpace {
	if globalKernelPageSpace != nil {
		panic("vm: KernelPageSpace already initialized")
	}
	globalKernelPageSpace = newKernelPageSpace(root)
	return globalKernelPageSpace
}

func newKernelPageSpace(root mem.Pa_t) *KernelPageSpace {
	return &KernelPageSpace{PageSpace: newPageSpace(root)}
}

// GlobalKernelPageSpace returns the space installed by
// InitializeKernelPageSpace. Mirrors KernelPageSpace::global.
func GlobalKernelPageSpace() *KernelPageSpace {
	if globalKernelPageSpace == nil {
		panic("vm: KernelPageSpace not yet initialized")
	}
	return globalKernelPageSpace
}

// MapSingle4k installs a single global, kernel-only 4KiB mapping.
// Mirrors KernelPageSpace::mapSingle4k.
func (k *KernelPageSpace) MapSingle4k(win mem.Window, alloc mem.FrameAllocator, vaddr uintptr, phys mem.Pa_t, access AccessFlags, caching CachingMode) {
	k.mu.Lock()
	defer k.mu.Unlock()
	mapSingle4k(k.RootTable(), win, alloc, vaddr, phys, mapOptions{
		access:          access,
		caching:         caching,
		user:            false,
		global:          true,
		kernelHierarchy: true,
	})
}

// UnmapSingle4k clears the present bit of vaddr's mapping and returns
// the physical frame it had mapped. Mirrors KernelPageSpace::unmapSingle4k.
func (k *KernelPageSpace) UnmapSingle4k(win mem.Window, vaddr uintptr) mem.Pa_t {
	k.mu.Lock()
	defer k.mu.Unlock()
	return unmapSingle4k(k.RootTable(), win, vaddr)
}
