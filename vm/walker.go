package vm

import (
	"corevm/mem"
	"corevm/util"
)

// PageMode mirrors original_source/thor's PageMode enum: it governs how
// UnmapRange treats intermediate levels that are already absent.
type PageMode int

const (
	// PageModeNormal requires every intermediate level to be present;
	// unmapping an address that was never mapped is a caller bug.
	PageModeNormal PageMode = iota
	// PageModeRemap silently skips absent intermediate levels, for
	// unmapping a range that may only be partially populated.
	PageModeRemap
)

// indices splits a canonical 48-bit virtual address into its four
// 9-bit page-table indices, most significant first, per
// original_source/thor/kernel/src/arch/x86/paging.cpp's walkers and the
// teacher's own pgbits (biscuit/src/mem/dmap.go).
func indices(vaddr uintptr) (l4, l3, l2, l1 int) {
	l4 = int((vaddr >> 39) & 0x1ff)
	l3 = int((vaddr >> 30) & 0x1ff)
	l2 = int((vaddr >> 21) & 0x1ff)
	l1 = int((vaddr >> 12) & 0x1ff)
	return
}

type mapOptions struct {
	access          AccessFlags
	caching         CachingMode
	user            bool
	global          bool
	kernelHierarchy bool
}

// mapSingle4k installs a single 4KiB leaf mapping, allocating
// intermediate tables on demand. It mirrors
// KernelPageSpace::mapSingle4k / ClientPageSpace::mapSingle4k in
// original_source/thor/.../paging.cpp: both walk four levels, assert
// (for the kernel hierarchy) that no existing intermediate entry is
// user-accessible, and panic if the leaf is already mapped.
func mapSingle4k(root mem.Pa_t, win mem.Window, alloc mem.FrameAllocator, vaddr uintptr, phys mem.Pa_t, opts mapOptions) {
	l4, l3, l2, l1 := indices(vaddr)

	table := tableAt(win, root)
	for _, i := range [3]int{l4, l3, l2} {
		entry := table.slot(i)
		if opts.kernelHierarchy && entry.Valid() && entry.load()&flagUser != 0 {
			faultPanic("kernel hierarchy entry is unexpectedly user-accessible", vaddr)
		}
		if !entry.Valid() {
			child := alloc.AllocateZeroedFrame()
			entry.store(PTE(child) | intermediateFlags(opts.user))
		} else if opts.user && entry.load()&flagUser == 0 {
			entry.store(entry.load() | flagUser)
		}
		table = tableAt(win, entry.Address())
	}

	leaf := table.slot(l1)
	if leaf.Valid() {
		faultPanic("mapSingle4k: address is already mapped", vaddr)
	}
	leaf.store(PTE(phys) | leafFlags(opts.access, opts.caching, opts.user, opts.global))
}

// walkToLeaf descends the four levels toward vaddr's leaf entry.
// requirePresent controls how an absent intermediate level is handled: when true, an
// absent level panics (PageModeNormal / kernel unmap semantics); when
// false, it is reported via the second return value so the caller can
// skip it (PageModeRemap semantics).
func walkToLeaf(root mem.Pa_t, win mem.Window, vaddr uintptr, requirePresent bool) (leaf *PTE, ok bool) {
	l4, l3, l2, l1 := indices(vaddr)
	table := tableAt(win, root)
	for _, i := range [3]int{l4, l3, l2} {
		entry := table.slot(i)
		if !entry.Valid() {
			if requirePresent {
				faultPanic("intermediate level not present", vaddr)
			}
			return nil, false
		}
		table = tableAt(win, entry.Address())
	}
	return table.slot(l1), true
}

// unmapSingle4k clears the present bit of the leaf entry mapping vaddr,
// preserving every other bit, and returns the frame it had mapped.
// This mirrors KernelPageSpace::unmapSingle4k's `entry ^= kPagePresent`.
func unmapSingle4k(root mem.Pa_t, win mem.Window, vaddr uintptr) mem.Pa_t {
	leaf, _ := walkToLeaf(root, win, vaddr, true)
	if !leaf.Valid() {
		faultPanic("unmapSingle4k: address is not mapped", vaddr)
	}
	addr := leaf.Address()
	leaf.store(leaf.load() &^ flagPresent)
	return addr
}

// unmapRangeClient clears the present bit of every 4KiB leaf in
// [vaddr, vaddr+size), honoring mode's treatment of absent intermediate
// levels. Mirrors ClientPageSpace::unmapRange.
func unmapRangeClient(root mem.Pa_t, win mem.Window, vaddr uintptr, size uintptr, mode PageMode) {
	if util.Rounddown(vaddr, mem.PageSize) != vaddr || util.Rounddown(size, mem.PageSize) != size {
		panic("vm: unmapRange: address and size must be page-aligned")
	}
	for off := uintptr(0); off < size; off += mem.PageSize {
		addr := vaddr + off
		leaf, ok := walkToLeaf(root, win, addr, mode == PageModeNormal)
		if !ok {
			continue
		}
		if mode == PageModeNormal && !leaf.Valid() {
			faultPanic("unmapRange: address is not mapped", addr)
		}
		if leaf.Valid() {
			leaf.store(leaf.load() &^ flagPresent)
		}
	}
}

// isMapped reports whether vaddr's leaf entry is present, returning
// false (rather than panicking) at the first absent intermediate level,
// exactly as ClientPageSpace::isMapped does.
func isMapped(root mem.Pa_t, win mem.Window, vaddr uintptr) bool {
	leaf, ok := walkToLeaf(root, win, vaddr, false)
	if !ok {
		return false
	}
	return leaf.Valid()
}
