// Package hw is the hardware-intrinsics boundary for the paging core:
// TLB invalidation, CR3 loads, and PCID slot bookkeeping.
//
// spec.md §6 lists invlpg, invpcid, and the CR3 write as "inline
// assembly, strictly at the hardware boundary". The teacher never
// inlines assembly into its mem/vm packages either: it calls into
// package-level functions supplied by a lower layer it does not itself
// implement (runtime.Cpuid, runtime.Rcr4, runtime.Vtop,
// runtime.Pml4freeze in biscuit/src/mem/dmap.go) and registers a
// CPU-to-APIC-id translation via a package-level setter
// (Cpumap(f func(int) uint32) in the teacher's deleted vm/as.go).
// hw follows both idioms: each intrinsic is a function variable with a
// software default for tests, overridable by a real boot layer.
package hw

import "sync/atomic"

// MaxPCIDCount is the number of tagged-TLB contexts a CPU can track at
// once, per original_source/thor/kernel/src/arch/x86/paging.hpp's
// maxPcidCount = 8.
const MaxPCIDCount = 8

// call counters, exposed for tests that want to assert an intrinsic was
// (or was not) invoked without stubbing the function variable itself.
var (
	InvlpgCalls                atomic.Uint64
	InvalidatePCIDCalls        atomic.Uint64
	InvalidatePCIDAddressCalls atomic.Uint64
	WriteCR3Calls              atomic.Uint64
)

// Invlpg invalidates the TLB entry covering addr on the current CPU.
// Overridden by the boot layer with the real `invlpg` instruction.
var Invlpg = func(addr uintptr) {
	InvlpgCalls.Add(1)
}

// InvalidatePCID invalidates every TLB entry tagged with pcid (invpcid
// type 1, "single-context invalidation, all addresses" in
// original_source/thor/.../paging.cpp's invalidatePcid).
var InvalidatePCID = func(pcid uint16) {
	InvalidatePCIDCalls.Add(1)
}

// InvalidatePCIDAddress invalidates the single TLB entry tagged with
// pcid covering addr (invpcid type 0 in the same source).
var InvalidatePCIDAddress = func(pcid uint16, addr uintptr) {
	InvalidatePCIDAddressCalls.Add(1)
}

// WriteCR3 loads root as the active page-table root for pcid. When
// noFlush is set it sets the CR3 no-flush bit (bit 63), matching
// PageBinding::makePrimary's `if (havePcids) value |= uintptr_t(1) << 63`.
var WriteCR3 = func(root uintptr, pcid uint16, noFlush bool) {
	WriteCR3Calls.Add(1)
}

// HavePCIDs reports whether the current CPU supports PCID-tagged TLB
// entries. A real boot layer populates this from CPUID, exactly as the
// teacher's Dmap_init probes feature bits via runtime.Cpuid before
// relying on them. Tests may flip it to exercise both code paths.
var HavePCIDs = true

// InterruptsDisabled reports whether the calling CPU currently has
// interrupts masked. PageBinding.MakePrimary asserts this is true,
// mirroring original_source/thor's `assert(!intsAreEnabled())`.
var InterruptsDisabled = func() bool {
	return true
}

// PCIDAllocator hands out PCID slot numbers from a fixed pool of
// MaxPCIDCount, grounded on maxPcidCount's role in
// original_source/thor/kernel/src/arch/x86/paging.hpp: PCID assignment
// itself is not shown in the retrieved sources (PageBinding::setupPcid
// is called from elsewhere), so this bitmap allocator is new code built
// to serve that gap.
type PCIDAllocator struct {
	mu   chan struct{}
	used [MaxPCIDCount]bool
}

// NewPCIDAllocator returns an allocator with all MaxPCIDCount slots free.
func NewPCIDAllocator() *PCIDAllocator {
	a := &PCIDAllocator{mu: make(chan struct{}, 1)}
	a.mu <- struct{}{}
	return a
}

// Allocate reserves and returns the lowest-numbered free PCID. It
// panics if every slot is in use: a CPU never binds more than
// MaxPCIDCount spaces (spec.md §4, PageContext holds an 8-entry array),
// so exhaustion here indicates a caller bug, not a resource limit to
// recover from.
func (a *PCIDAllocator) Allocate() uint16 {
	<-a.mu
	defer func() { a.mu <- struct{}{} }()

	for i, inUse := range a.used {
		if !inUse {
			a.used[i] = true
			return uint16(i)
		}
	}
	panic("hw: no free PCID slots")
}

// Free releases pcid back to the pool.
func (a *PCIDAllocator) Free(pcid uint16) {
	<-a.mu
	defer func() { a.mu <- struct{}{} }()

	if int(pcid) >= len(a.used) || !a.used[pcid] {
		panic("hw: freeing a PCID that was not allocated")
	}
	a.used[pcid] = false
}
