// Package vm implements the four-level x86-64 page-table walker, the
// per-CPU PCID-tagged TLB binding machinery, and cross-CPU TLB
// shootdown described by original_source/thor/kernel/src/arch/x86/
// paging.{hpp,cpp}.
package vm

import (
	"sync/atomic"
	"unsafe"

	"corevm/mem"
)

// PTE is a single page-table entry. Its bit layout follows
// original_source/thor/.../paging.cpp's kPage* constants; the atomic
// load/store discipline follows aghosn-enclosures's PTE type
// (gosb/vtx/platform/ring0/pagetables/pagetables_x86.go), which keeps
// every access atomic.Uintptr-based because a page table can be walked
// by one CPU while mapped/unmapped by another.
type PTE uint64

const (
	flagPresent      PTE = 1 << 0
	flagWritable     PTE = 1 << 1
	flagUser         PTE = 1 << 2
	flagWriteThrough PTE = 1 << 3
	flagCacheDisable PTE = 1 << 4
	flagAccessed     PTE = 1 << 5
	flagDirty        PTE = 1 << 6
	flagPAT          PTE = 1 << 7
	flagGlobal       PTE = 1 << 8
	flagExecuteDisable PTE = 1 << 63

	addrMask PTE = 0x000ffffffffff000
)

// Entries is the number of PTEs per page-table level.
const Entries = 512

// Table is one level of the page-table hierarchy: 512 64-bit entries
// occupying exactly one physical page.
type Table [Entries]PTE

func (t *Table) slot(i int) *PTE {
	return &t[i]
}

func (p *PTE) load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

func (p *PTE) store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Valid reports whether the entry's present bit is set.
func (p *PTE) Valid() bool {
	return p.load()&flagPresent != 0
}

// Address returns the physical address this entry points at, whether
// that is a next-level table or, at a leaf, a mapped frame.
func (p *PTE) Address() mem.Pa_t {
	return mem.Pa_t(p.load() & addrMask)
}

// Clear zeroes the entry, unmapping whatever it pointed to.
func (p *PTE) Clear() {
	p.store(0)
}

// AccessFlags mirrors original_source/thor's page_access namespace:
// the permission bits requested by a caller of MapSingle4k, independent
// of how they get encoded into hardware PTE bits.
type AccessFlags uint32

const (
	AccessWrite   AccessFlags = 1 << 0
	AccessExecute AccessFlags = 1 << 1
)

// CachingMode mirrors original_source/thor's CachingMode enum exactly,
// including its distinct Null and Uncached values (paging.cpp encodes
// both the same way; Go keeps the distinction for callers that care
// about the difference between "unspecified" and "explicitly
// uncached").
type CachingMode int

const (
	CachingNull CachingMode = iota
	CachingUncached
	CachingWriteCombine
	CachingWriteThrough
	CachingWriteBack
)

// cachingBits encodes mode's PWT/PAT bits, per SPEC_FULL.md §5:
// writeThrough sets PWT only, writeCombine sets PAT+PWT, and
// null/uncached/writeBack all encode as neither bit set.
func cachingBits(mode CachingMode) PTE {
	switch mode {
	case CachingWriteThrough:
		return flagWriteThrough
	case CachingWriteCombine:
		return flagPAT | flagWriteThrough
	default:
		return 0
	}
}

// leafFlags builds the hardware bits for a leaf PTE from the caller's
// AccessFlags and CachingMode, plus the present bit every leaf carries
// and the user/global bits when requested.
func leafFlags(access AccessFlags, caching CachingMode, user bool, global bool) PTE {
	bits := flagPresent | cachingBits(caching)
	if access&AccessWrite != 0 {
		bits |= flagWritable
	}
	if access&AccessExecute == 0 {
		bits |= flagExecuteDisable
	}
	if user {
		bits |= flagUser
	}
	if global {
		bits |= flagGlobal
	}
	return bits
}

// intermediateFlags builds the hardware bits for a non-leaf entry: it
// must be present, writable (so the walker can always descend and
// modify lower levels), and carries the user bit only when the
// hierarchy below it is user-accessible.
func intermediateFlags(user bool) PTE {
	bits := flagPresent | flagWritable
	if user {
		bits |= flagUser
	}
	return bits
}

func tableAt(win mem.Window, pa mem.Pa_t) *Table {
	return (*Table)(unsafe.Pointer(win.Access(pa)))
}
