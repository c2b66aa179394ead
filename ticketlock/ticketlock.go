// Package ticketlock implements a fair, fifo spinlock.
//
// Grounded on other_examples/ycoroneos-golang_embedded__gert_arm.go's
// Ticketlock_t, which keeps the ticket and serving counters as package
// globals (next_ticket, now_serving) shared by every caller. That works
// for a single hardware lock but not for the per-PageSpace and
// per-KernelPageSpace/ClientPageSpace locks spec.md §5 calls for, so the
// counters are fields of a Lock value here instead of globals.
package ticketlock

import "sync/atomic"

// Lock is a ticket spinlock: callers queue in arrival order and each
// waits for its own ticket number to come up, giving the mutual
// exclusion fairness that a plain sync.Mutex does not guarantee.
type Lock struct {
	ticket  atomic.Uint64
	serving atomic.Uint64
}

// Lock blocks until the caller holds the lock.
func (l *Lock) Lock() {
	my := l.ticket.Add(1) - 1
	for l.serving.Load() != my {
		// spin
	}
}

// Unlock releases the lock, waking the next waiter in arrival order.
func (l *Lock) Unlock() {
	l.serving.Add(1)
}

// TryLock attempts to acquire the lock without blocking. It only
// succeeds when the caller would have been served immediately, i.e.
// when the lock is uncontended.
func (l *Lock) TryLock() bool {
	my := l.serving.Load()
	return l.ticket.CompareAndSwap(my, my+1)
}
