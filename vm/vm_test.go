package vm

import (
	"runtime"
	"testing"

	"corevm/hw"
	"corevm/mem"
)

// withHavePCIDs temporarily overrides hw.HavePCIDs for the duration of
// a test.
func withHavePCIDs(t *testing.T, v bool) {
	t.Helper()
	old := hw.HavePCIDs
	hw.HavePCIDs = v
	t.Cleanup(func() { hw.HavePCIDs = old })
}

func newTestKernel(t *testing.T) (*mem.MockAllocator, *KernelPageSpace) {
	t.Helper()
	alloc := mem.NewMockAllocator(256, 0x10000)
	root := alloc.AllocateZeroedFrame()
	return alloc, newKernelPageSpace(root)
}

func TestMapUnmapRoundTrip(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	const vaddr = uintptr(0xffff800000000000)
	phys := alloc.AllocateZeroedFrame()

	kernel.MapSingle4k(alloc, alloc, vaddr, phys, AccessWrite, CachingWriteBack)

	leaf, ok := walkToLeaf(kernel.RootTable(), alloc, vaddr, true)
	if !ok || !leaf.Valid() {
		t.Fatal("expected mapping to be present after MapSingle4k")
	}
	if leaf.Address() != phys {
		t.Fatalf("leaf address = %#x, want %#x", leaf.Address(), phys)
	}

	got := kernel.UnmapSingle4k(alloc, vaddr)
	if got != phys {
		t.Fatalf("UnmapSingle4k returned %#x, want %#x", got, phys)
	}
	leaf, _ = walkToLeaf(kernel.RootTable(), alloc, vaddr, true)
	if leaf.Valid() {
		t.Fatal("expected mapping to be absent after UnmapSingle4k")
	}
}

func TestMapSingle4kRejectsDoubleMap(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	const vaddr = uintptr(0xffff800000001000)
	phys := alloc.AllocateZeroedFrame()
	kernel.MapSingle4k(alloc, alloc, vaddr, phys, AccessWrite, CachingWriteBack)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic mapping an already-mapped address")
		}
	}()
	kernel.MapSingle4k(alloc, alloc, vaddr, alloc.AllocateZeroedFrame(), AccessWrite, CachingWriteBack)
}

func TestPermissionEncoding(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	const vaddr = uintptr(0xffff800000002000)
	phys := alloc.AllocateZeroedFrame()

	kernel.MapSingle4k(alloc, alloc, vaddr, phys, AccessWrite, CachingWriteBack)
	leaf, _ := walkToLeaf(kernel.RootTable(), alloc, vaddr, true)
	bits := leaf.load()
	if bits&flagWritable == 0 {
		t.Fatal("expected writable bit set for AccessWrite")
	}
	if bits&flagExecuteDisable == 0 {
		t.Fatal("expected execute-disable set when AccessExecute not requested")
	}
	if bits&flagGlobal == 0 {
		t.Fatal("expected global bit set on kernel mapping")
	}
}

func TestClientPageSpaceCopiesKernelHalf(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	const kvaddr = uintptr(0xffff800000003000)
	kphys := alloc.AllocateZeroedFrame()
	kernel.MapSingle4k(alloc, alloc, kvaddr, kphys, AccessWrite, CachingWriteBack)

	client := NewClientPageSpace(alloc, alloc, kernel)

	if !isMapped(client.RootTable(), alloc, kvaddr) {
		t.Fatal("expected client space to inherit kernel half mapping")
	}
	if isMapped(client.RootTable(), alloc, 0x1000) {
		t.Fatal("expected client space's user half to start unmapped")
	}
}

func TestClientMapUnmapRange(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	const base = uintptr(0x400000)
	for i := 0; i < 3; i++ {
		phys := alloc.AllocateZeroedFrame()
		client.MapSingle4k(alloc, alloc, base+uintptr(i)*mem.PageSize, phys, true, AccessWrite, CachingWriteBack)
	}
	for i := 0; i < 3; i++ {
		if !client.IsMapped(alloc, base+uintptr(i)*mem.PageSize) {
			t.Fatalf("expected page %d mapped", i)
		}
	}

	client.UnmapRange(alloc, base, 3*mem.PageSize, PageModeNormal)
	for i := 0; i < 3; i++ {
		if client.IsMapped(alloc, base+uintptr(i)*mem.PageSize) {
			t.Fatalf("expected page %d unmapped after UnmapRange", i)
		}
	}
}

func TestClientUnmapRangeRemapModeSkipsAbsent(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	// Nothing mapped in this range at all; PageModeNormal would panic on
	// the first absent intermediate level, PageModeRemap must not.
	client.UnmapRange(alloc, 0x500000, 4*mem.PageSize, PageModeRemap)
}

func TestClientUnmapRangeNormalModePanicsOnAbsent(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping an absent range in PageModeNormal")
		}
	}()
	client.UnmapRange(alloc, 0x600000, mem.PageSize, PageModeNormal)
}

func TestActivateFastPathSkipsRedundantReload(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	ctx := NewPageContext()
	b1 := ctx.Activate(client.PageSpace)
	before := hw.WriteCR3Calls.Load()
	b2 := ctx.Activate(client.PageSpace)
	after := hw.WriteCR3Calls.Load()

	if b1 != b2 {
		t.Fatal("expected the same binding to be reused for the same space")
	}
	if after != before {
		t.Fatalf("expected no additional CR3 reload on fast path, got %d more", after-before)
	}
}

func TestActivateLRUEviction(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	ctx := NewPageContext()

	spaces := make([]*ClientPageSpace, hw.MaxPCIDCount+1)
	for i := range spaces {
		spaces[i] = NewClientPageSpace(alloc, alloc, kernel)
	}

	// Fill all 8 slots, oldest (spaces[0]) activated first.
	for i := 0; i < hw.MaxPCIDCount; i++ {
		ctx.Activate(spaces[i].PageSpace)
	}

	// Activating a 9th space must evict the least-recently-made-primary
	// binding, i.e. the one serving spaces[0].
	ctx.Activate(spaces[hw.MaxPCIDCount].PageSpace)

	for _, b := range ctx.Bindings() {
		if b.BoundSpace() == spaces[0].PageSpace {
			t.Fatal("expected the LRU binding (serving the oldest space) to have been evicted")
		}
	}
	found := false
	for _, b := range ctx.Bindings() {
		if b.BoundSpace() == spaces[hw.MaxPCIDCount].PageSpace {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the newly activated space to occupy a binding")
	}
}

func TestActivateWithoutPCIDsUsesSingleSlot(t *testing.T) {
	withHavePCIDs(t, false)
	alloc, kernel := newTestKernel(t)
	ctx := NewPageContext()

	a := NewClientPageSpace(alloc, alloc, kernel)
	b := NewClientPageSpace(alloc, alloc, kernel)

	ba := ctx.Activate(a.PageSpace)
	bb := ctx.Activate(b.PageSpace)
	if ba != bb {
		t.Fatal("expected the same single binding to be reused when PCIDs are unavailable")
	}
	if ba != ctx.Bindings()[0] {
		t.Fatal("expected binding 0 to be the only slot used without PCID support")
	}
}

func TestSubmitShootdownCompletesSynchronouslyWithNoBindings(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	done := false
	node := &ShootNode{
		Address: 0x1000, Size: mem.PageSize,
		ShotDown: func(*ShootNode) { done = true },
	}
	client.SubmitShootdown(node)
	if !done {
		t.Fatal("expected synchronous completion when the space has no bindings")
	}
}

func TestShootdownAcrossThreeCPUs(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	cpus := make([]*PageContext, 3)
	bindings := make([]*PageBinding, 3)
	for i := range cpus {
		cpus[i] = NewPageContext()
		bindings[i] = cpus[i].Activate(client.PageSpace)
	}

	completed := false
	var ipiTargets []*PageBinding
	SetIPISender(func(space *PageSpace) {
		ipiTargets = bindings
	})
	t.Cleanup(func() { SetIPISender(func(*PageSpace) {}) })

	node := &ShootNode{
		Address: 0x2000, Size: mem.PageSize,
		ShotDown: func(*ShootNode) { completed = true },
	}
	client.SubmitShootdown(node)
	if completed {
		t.Fatal("shootdown must not complete before every binding has processed it")
	}

	for i, b := range ipiTargets {
		if i == len(ipiTargets)-1 {
			before := completed
			b.Shootdown()
			if before == completed {
				t.Fatal("expected the last binding's Shootdown to complete the node")
			}
			continue
		}
		b.Shootdown()
		if completed {
			t.Fatal("shootdown completed before all bindings processed it")
		}
	}
}

func TestRebindDrainsOldSpaceQueue(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	oldSpace := NewClientPageSpace(alloc, alloc, kernel)
	newSpace := NewClientPageSpace(alloc, alloc, kernel)

	ctx := NewPageContext()
	binding := ctx.Activate(oldSpace.PageSpace)

	completed := false
	node := &ShootNode{
		Address: 0x3000, Size: mem.PageSize,
		ShotDown: func(*ShootNode) { completed = true },
	}
	oldSpace.SubmitShootdown(node)
	if completed {
		t.Fatal("shootdown must not complete synchronously when a binding exists")
	}

	// Rebinding away from oldSpace must drain and complete its queue
	// without a separate Shootdown call, since the binding will never
	// observe an IPI for a space it no longer tags.
	binding.Rebind(newSpace.PageSpace)
	if !completed {
		t.Fatal("expected Rebind to drain and complete the departed space's shootdown queue")
	}
}

func TestShootdownServicesSubmissionAtNonzeroSequence(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	client := NewClientPageSpace(alloc, alloc, kernel)

	ctx := NewPageContext()
	binding := ctx.Activate(client.PageSpace)

	first := &ShootNode{Address: 0x4000, Size: mem.PageSize}
	client.SubmitShootdown(first)
	binding.Shootdown()

	// The space's shootSequence is now nonzero. A binding's watermark
	// must still fall strictly below whatever sequence the next node
	// gets, not just below the very first node ever submitted.
	secondCompleted := false
	second := &ShootNode{
		Address: 0x5000, Size: mem.PageSize,
		ShotDown: func(*ShootNode) { secondCompleted = true },
	}
	client.SubmitShootdown(second)
	if secondCompleted {
		t.Fatal("shootdown must not complete before the sole binding has processed it")
	}
	binding.Shootdown()
	if !secondCompleted {
		t.Fatal("expected Shootdown to service a node submitted at a nonzero sequence")
	}
}

func TestShootdownAfterSpaceCollectedOnlyInvalidatesPCID(t *testing.T) {
	alloc, kernel := newTestKernel(t)
	ctx := NewPageContext()

	var binding *PageBinding
	func() {
		space := NewClientPageSpace(alloc, alloc, kernel)
		binding = ctx.Activate(space.PageSpace)
	}()
	runtime.GC()
	runtime.GC()

	before := hw.InvalidatePCIDCalls.Load()
	binding.Shootdown()
	after := hw.InvalidatePCIDCalls.Load()
	if after <= before && hw.HavePCIDs {
		t.Fatal("expected Shootdown to invalidate the PCID when its space is gone")
	}
}
