package vm

import (
	"fmt"

	"corevm/mem"
	"corevm/ticketlock"
)

// ClientPageSpace is one client's page-table hierarchy: a private
// lower half (entries 0..255, user addresses) plus the kernel's upper
// half (entries 256..511) copied in at construction so kernel mappings
// never need walking or rebinding per-client.
//
// Grounded on original_source/thor/kernel/src/arch/x86/paging.hpp's
// ClientPageSpace.
type ClientPageSpace struct {
	*PageSpace
	mu ticketlock.Lock
}

// NewClientPageSpace allocates a fresh root table, zeroes its user half,
// and copies the kernel's upper half from kernel's root table. Mirrors
// ClientPageSpace::ClientPageSpace, which zeroes indices 0-255 via a
// PageAccessor and copies 256-511 by value from KernelPageSpace::global().
func NewClientPageSpace(alloc mem.FrameAllocator, win mem.Window, kernel *KernelPageSpace) *ClientPageSpace {
	root := alloc.AllocateZeroedFrame() // already zero; no separate zeroing pass needed
	table := tableAt(win, root)
	kernelTable := tableAt(win, kernel.RootTable())

	for i := Entries / 2; i < Entries; i++ {
		table[i].store(kernelTable[i].load())
	}

	return &ClientPageSpace{PageSpace: newPageSpace(root)}
}

// MapSingle4k installs a single 4KiB mapping in the client's user half
// (or, if userAccess is false, a client-private supervisor-only
// mapping). Mirrors ClientPageSpace::mapSingle4k.
func (c *ClientPageSpace) MapSingle4k(win mem.Window, alloc mem.FrameAllocator, vaddr uintptr, phys mem.Pa_t, userAccess bool, access AccessFlags, caching CachingMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mapSingle4k(c.RootTable(), win, alloc, vaddr, phys, mapOptions{
		access:          access,
		caching:         caching,
		user:            userAccess,
		global:          false,
		kernelHierarchy: false,
	})
}

// UnmapRange clears the present bit of every 4KiB leaf in
// [vaddr, vaddr+size). Mirrors ClientPageSpace::unmapRange.
func (c *ClientPageSpace) UnmapRange(win mem.Window, vaddr uintptr, size uintptr, mode PageMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unmapRangeClient(c.RootTable(), win, vaddr, size, mode)
}

// IsMapped reports whether vaddr currently has a present leaf mapping.
// Mirrors ClientPageSpace::isMapped.
func (c *ClientPageSpace) IsMapped(win mem.Window, vaddr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return isMapped(c.RootTable(), win, vaddr)
}

// Release relinquishes this space's root table frame. It does not walk
// and free the page tables the client built underneath it: spec.md
// lists page-table reclamation as a non-goal, and
// ClientPageSpace::~ClientPageSpace in original_source/thor only logs a
// warning about exactly this, verbatim:
//
//	"thor: ClientPageSpace does not properly deallocate page tables"
//
// corevm keeps that behavior rather than inventing the reclamation the
// spec explicitly excludes.
func (c *ClientPageSpace) Release(alloc mem.FrameAllocator) {
	fmt.Printf("\x1b[31mvm: ClientPageSpace does not properly deallocate page tables\x1b[39m\n")
	alloc.FreeFrame(c.RootTable())
}
