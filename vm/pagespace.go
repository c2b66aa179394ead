package vm

import (
	"container/list"

	"corevm/mem"
	"corevm/ticketlock"
)

// ipiSender delivers a shootdown IPI to every CPU currently bound to
// space, prompting each to call PageBinding.Shootdown. spec.md §6
// treats IPI dispatch as an external collaborator; the teacher exposes
// the analogous CPU-to-APIC-id translation via a package-level setter
// (Cpumap, in the deleted vm/as.go), so SetIPISender follows the same
// shape. The default is a no-op, matching a single-CPU or test harness
// that drives Shootdown directly.
var ipiSender = func(space *PageSpace) {}

// SetIPISender installs the function used to notify other CPUs that a
// PageSpace has pending shootdown work.
func SetIPISender(f func(space *PageSpace)) {
	ipiSender = f
}

// PageSpace is the root of a page-table hierarchy shared by every CPU
// binding that has activated it, plus the bookkeeping needed to
// coordinate a TLB shootdown across those bindings.
//
// Grounded directly on original_source/thor/kernel/src/arch/x86/
// paging.hpp's PageSpace: rootTable, a ticket-lock-guarded numBindings/
// shootSequence/shootQueue triple.
type PageSpace struct {
	root mem.Pa_t

	mu            ticketlock.Lock
	numBindings   uint32
	shootSequence uint64
	shootQueue    *list.List
}

func newPageSpace(root mem.Pa_t) *PageSpace {
	return &PageSpace{root: root, shootQueue: list.New()}
}

// RootTable returns the physical address of this space's top-level
// (PML4) page table.
func (s *PageSpace) RootTable() mem.Pa_t {
	return s.root
}

// SubmitShootdown enqueues node for every binding currently attached to
// s and asks the IPI layer to notify them, or completes it synchronously
// if s has no bindings at all. Mirrors PageSpace::submitShootdown.
func (s *PageSpace) SubmitShootdown(node *ShootNode) {
	s.mu.Lock()
	anyBindings := s.numBindings
	if anyBindings > 0 {
		// Pre-increment: a binding that attached when shootSequence was N
		// recorded N as its watermark, so the next node must carry a
		// sequence strictly greater than N to be seen as pending by that
		// binding. Assigning the already-incremented value guarantees that.
		s.shootSequence++
		node.sequence = s.shootSequence
		node.bindingsToShoot.Store(int32(anyBindings))
		node.elem = s.shootQueue.PushBack(node)
	}
	s.mu.Unlock()

	if anyBindings > 0 {
		ipiSender(s)
	} else if node.ShotDown != nil {
		node.ShotDown(node)
	}
}

// pendingSince returns every node in the queue whose sequence exceeds
// after, oldest first, under s's lock. Used by both Rebind's drain
// (which credits without invalidating) and Shootdown (which
// invalidates each range before crediting). The last element of nodes,
// if any, is the queue's back (newest) node at the time of the call —
// callers advance their watermark to that node's sequence, not to
// s.shootSequence, since a node submitted after this snapshot is still
// genuinely pending.
func (s *PageSpace) pendingSince(after uint64) (nodes []*ShootNode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.shootQueue.Back(); e != nil; e = e.Prev() {
		n := e.Value.(*ShootNode)
		if n.sequence <= after {
			break
		}
		nodes = append(nodes, n)
	}
	// Restore chronological (oldest-first) order for the caller.
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes
}

// completeIfDone credits one binding's worth of progress against node
// and, if that was the last outstanding binding, removes it from s's
// queue and returns it so the caller can invoke ShotDown outside any
// lock.
func (s *PageSpace) completeIfDone(node *ShootNode) (completed *ShootNode) {
	if !node.creditOne() {
		return nil
	}
	s.mu.Lock()
	if node.elem != nil {
		s.shootQueue.Remove(node.elem)
		node.elem = nil
	}
	s.mu.Unlock()
	return node
}

// attach registers a new binding with s and returns the shootdown
// sequence number that binding should record as its "already shot"
// watermark: since attaching wholesale-invalidates the binding's TLB
// tag, nothing submitted up to and including this point needs a
// further per-range invalidation from it. The increment to numBindings
// and the read of shootSequence happen under one lock acquisition so
// that a concurrent SubmitShootdown either runs entirely before attach
// (in which case this binding was never counted in it and owes it
// nothing) or entirely after (in which case it assigns a sequence
// strictly greater than the watermark returned here). Splitting those
// two steps across separate lock acquisitions would let a submission
// land in between, counting the binding in bindingsToShoot while also
// handing it a watermark that already considers that node shot.
func (s *PageSpace) attach() (watermark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numBindings++
	return s.shootSequence
}

func (s *PageSpace) removeBinding() {
	s.mu.Lock()
	s.numBindings--
	s.mu.Unlock()
}
