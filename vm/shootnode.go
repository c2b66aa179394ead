package vm

import (
	"container/list"
	"sync/atomic"
)

// ShootNode describes one pending cross-CPU TLB invalidation: the
// address range to invalidate and the callback to run once every
// binding that could have cached it has processed it.
//
// Grounded on original_source/thor/kernel/src/arch/x86/paging.hpp's
// ShootNode, whose frg::intrusive_list hook is replaced here by the
// standard library container/list (spec.md calls out an intrusive-list
// primitive as an ambient concern this core doesn't invent).
type ShootNode struct {
	Address uintptr
	Size    uintptr

	// ShotDown is invoked exactly once, after every binding that was
	// counted at submission time has finished invalidating its TLB (or
	// dropped the space entirely). It runs outside any PageSpace lock.
	ShotDown func(*ShootNode)

	sequence        uint64
	bindingsToShoot atomic.Int32

	elem *list.Element
}

func (n *ShootNode) creditOne() (completed bool) {
	return n.bindingsToShoot.Add(-1) == 0
}
