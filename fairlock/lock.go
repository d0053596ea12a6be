// Package fairlock implements a FIFO-fair, reentrant shared/exclusive lock.
//
// Lock grants are served strictly in arrival order across both modes, so a
// steady stream of shared holders cannot starve a waiting exclusive request
// (and vice versa). The holder of the exclusive lock may re-enter it, and may
// also take shared holds, without blocking on itself. Reentrancy is keyed on
// an explicit Owner token rather than goroutine identity.
package fairlock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Owner identifies a logical holder of a Lock. The zero Owner is anonymous
// and never matches a current holder, so its acquisitions are never reentrant.
type Owner uint64

// NewOwner returns a process-unique, non-zero Owner.
func NewOwner() Owner { return Owner(atomic.AddUint64(&lastOwner, 1)) }

var lastOwner uint64

// Lock is a FIFO-fair shared/exclusive lock. The zero value is an unlocked Lock.
// A Lock must not be copied after first use.
type Lock struct {
	mu sync.Mutex

	exclusive int   // Reentrancy depth of the running exclusive holder.
	shared    int   // Number of running shared holds.
	owner     Owner // Owner of the running exclusive hold.

	head, tail *waiter // Intrusive FIFO of blocked acquisitions.
	waiting    int
}

// waiter is a blocked acquisition. It lives for the duration of the
// acquiring call; the Lock holds it only while it's queued.
type waiter struct {
	exclusive bool
	owner     Owner
	ready     chan struct{} // Closed when the acquisition is granted.
	next      *waiter
}

// Stats is a point-in-time view of Lock state.
type Stats struct {
	Exclusive int   // Reentrancy depth of the exclusive holder, or zero.
	Shared    int   // Running shared holds.
	Owner     Owner // Exclusive holder, if Exclusive != 0.
	Waiting   int   // Queued acquisitions.
}

// LockShared acquires a shared hold. It's granted immediately if no exclusive
// hold is running and nothing is queued, or if |owner| holds the exclusive lock.
func (l *Lock) LockShared(owner Owner) {
	l.mu.Lock()

	if l.isOwner(owner) || (l.exclusive == 0 && l.head == nil) {
		l.shared++
		l.mu.Unlock()
		return
	}
	var w = l.enqueue(false, owner)
	l.mu.Unlock()

	<-w.ready
}

// UnlockShared releases a shared hold.
func (l *Lock) UnlockShared() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shared == 0 {
		panic("fairlock: UnlockShared of Lock without shared holds")
	}
	l.shared--
	l.wakeLocked()
}

// LockExclusive acquires the exclusive hold for |owner|, returning true if
// |owner| already held it and the acquisition is a reentrant, nested one.
func (l *Lock) LockExclusive(owner Owner) (reentrant bool) {
	l.mu.Lock()

	if l.isOwner(owner) {
		l.exclusive++
		l.mu.Unlock()
		return true
	} else if l.exclusive == 0 && l.shared == 0 && l.head == nil {
		l.exclusive, l.owner = 1, owner
		l.mu.Unlock()
		return false
	}
	var w = l.enqueue(true, owner)
	l.mu.Unlock()

	<-w.ready
	return false
}

// UnlockExclusive releases one level of |owner|'s exclusive hold, returning
// true if the released level was a reentrant, nested one (and |owner| still
// holds the Lock).
func (l *Lock) UnlockExclusive(owner Owner) (reentrant bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.exclusive == 0 {
		panic("fairlock: UnlockExclusive of Lock without an exclusive hold")
	} else if l.owner != owner {
		panic(fmt.Sprintf("fairlock: UnlockExclusive by %d, but held by %d", owner, l.owner))
	}

	if l.exclusive--; l.exclusive != 0 {
		return true
	}
	l.owner = 0
	l.wakeLocked()
	return false
}

// Stats returns current Lock state.
func (l *Lock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Exclusive: l.exclusive,
		Shared:    l.shared,
		Owner:     l.owner,
		Waiting:   l.waiting,
	}
}

func (l *Lock) isOwner(owner Owner) bool {
	return owner != 0 && l.exclusive != 0 && l.owner == owner
}

func (l *Lock) enqueue(exclusive bool, owner Owner) *waiter {
	var w = &waiter{
		exclusive: exclusive,
		owner:     owner,
		ready:     make(chan struct{}),
	}
	if l.tail == nil {
		l.head = w
	} else {
		l.tail.next = w
	}
	l.tail = w
	l.waiting++

	return w
}

func (l *Lock) pop() *waiter {
	var w = l.head
	if l.head = w.next; l.head == nil {
		l.tail = nil
	}
	w.next = nil
	l.waiting--

	return w
}

// wakeLocked grants queued acquisitions if nothing is running. An exclusive
// head is granted alone. A shared head is granted with the contiguous run of
// shared waiters which follow it.
func (l *Lock) wakeLocked() {
	if l.exclusive != 0 || l.shared != 0 || l.head == nil {
		return
	}

	if l.head.exclusive {
		var w = l.pop()
		l.exclusive, l.owner = 1, w.owner
		close(w.ready)
		return
	}
	for l.head != nil && !l.head.exclusive {
		var w = l.pop()
		l.shared++
		close(w.ready)
	}
}
