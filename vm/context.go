package vm

import "corevm/hw"

// PageContext is the per-CPU state needed to activate address spaces:
// the LRU timestamp counter and the fixed pool of PCID-tagged bindings
// that CPU can hold at once.
//
// Grounded on original_source/thor/kernel/src/arch/x86/paging.hpp's
// PageContext, sized to maxPcidCount (hw.MaxPCIDCount == 8).
type PageContext struct {
	nextStamp      uint64
	primaryBinding *PageBinding
	bindings       [hw.MaxPCIDCount]PageBinding
}

// NewPageContext builds a PageContext with one binding per PCID slot,
// pcid equal to the binding's slot index. Positional PCID assignment
// keeps the 1:1 relationship spec.md's scenarios assume between "PCID
// slot" and "binding" without needing a separate allocator for a
// resource that is inherently per-CPU and fixed-size.
func NewPageContext() *PageContext {
	// Stamps start at 1 so a binding that has been made primary always
	// ranks above one that never has (stamp 0) in Activate's LRU scan.
	ctx := &PageContext{nextStamp: 1}
	for i := range ctx.bindings {
		ctx.bindings[i] = *newPageBinding(i)
	}
	return ctx
}

// Bindings returns the CPU's fixed pool of PCID-tagged bindings, for
// tests and diagnostics that need to inspect LRU state directly.
func (ctx *PageContext) Bindings() []*PageBinding {
	out := make([]*PageBinding, len(ctx.bindings))
	for i := range ctx.bindings {
		out[i] = &ctx.bindings[i]
	}
	return out
}

// Activate makes space the active page-table root on this CPU,
// choosing a binding to serve it:
//
//   - if some binding already tags space, that binding is reused and no
//     PCID invalidation or queue drain happens at all (spec.md P6/P7,
//     the "no redundant CR3 reload" fast path);
//   - otherwise, the least-recently-made-primary binding is evicted via
//     Rebind (spec.md P8, the 8-slot LRU scenario);
//   - if the CPU has no PCID support at all, only binding 0 is ever
//     used, mirroring PageSpace::activate's `!havePcids` restriction to
//     a single hardware TLB tag for the whole CPU.
//
// Mirrors PageSpace::activate.
func (ctx *PageContext) Activate(space *PageSpace) *PageBinding {
	limit := len(ctx.bindings)
	if !hw.HavePCIDs {
		limit = 1
	}

	for i := 0; i < limit; i++ {
		b := &ctx.bindings[i]
		if b.BoundSpace() == space {
			b.MakePrimary(ctx)
			return b
		}
	}

	victim := &ctx.bindings[0]
	for i := 1; i < limit; i++ {
		if ctx.bindings[i].PrimaryStamp() < victim.PrimaryStamp() {
			victim = &ctx.bindings[i]
		}
	}
	victim.Rebind(space)
	victim.MakePrimary(ctx)
	return victim
}
