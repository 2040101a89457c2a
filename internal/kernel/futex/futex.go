// Package futex implements address-keyed wait/wake for user-space
// synchronization.
//
// A futex word is a 32-bit cell in user memory, keyed by (address-space
// identity, virtual address) so distinct spaces never collide while threads
// sharing a space contend on the same words. The kernel reads the word
// exactly once, to compare it against the caller's expected value before
// sleeping; everything else about the user-space mutex or condvar built on
// top is user space's problem. Wakes are delivered FIFO by sleep order.
package futex

import (
	"hash/maphash"
	"sync"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/usermem"
)

// Op codes for the futex syscall.
const (
	OpWait uint64 = 0
	OpWake uint64 = 1
)

const buckets = 16

type key struct {
	as   usermem.ASID
	addr uint64
}

type bucket struct {
	mu      sync.Mutex
	waiters map[key][]sched.TaskID
}

// Table is the kernel-wide futex table, hashed into buckets so unrelated
// words never share a lock.
type Table struct {
	engine *sched.Engine
	clock  *sched.Clock
	logger *logging.Logger
	seed   maphash.Seed
	bkts   [buckets]bucket
}

// NewTable wires the futex layer onto the sleep/wake engine.
func NewTable(engine *sched.Engine, clock *sched.Clock, logger *logging.Logger) *Table {
	t := &Table{
		engine: engine,
		clock:  clock,
		logger: logger,
		seed:   maphash.MakeSeed(),
	}
	for i := range t.bkts {
		t.bkts[i].waiters = make(map[key][]sched.TaskID)
	}
	return t
}

func (t *Table) bucket(k key) *bucket {
	var h maphash.Hash
	h.SetSeed(t.seed)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(k.as) >> (8 * i))
		buf[8+i] = byte(k.addr >> (8 * i))
	}
	h.Write(buf[:])
	return &t.bkts[h.Sum64()%buckets]
}

// enqueue appends task to the key's FIFO.
func (b *bucket) enqueue(k key, id sched.TaskID) {
	b.mu.Lock()
	b.waiters[k] = append(b.waiters[k], id)
	b.mu.Unlock()
}

// unlink removes task from the key's FIFO if a wake did not already.
func (b *bucket) unlink(k key, id sched.TaskID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.waiters[k]
	for i, w := range q {
		if w == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(b.waiters, k)
	} else {
		b.waiters[k] = q
	}
}

// Wait sleeps the caller until the word at addr is woken, keyed by the
// caller's address space. If the word's current value differs from expected
// the call returns ErrWouldBlock immediately so user space can retry its
// own compare-and-swap. timeoutMs 0 waits forever.
//
// The waiter is registered before the value check, so a Wake racing between
// the check and the sleep still finds a wait cell to deliver into.
func (t *Table) Wait(task *sched.Task, as *usermem.AddressSpace, addr uint64, expected uint32, timeoutMs uint64) error {
	k := key{as: as.ID(), addr: addr}
	b := t.bucket(k)
	deadline := t.clock.Deadline(timeoutMs)

	w, err := t.engine.Prepare(task, sched.CauseFutex, deadline)
	if err != nil {
		return err
	}
	b.enqueue(k, task.ID)

	val, err := as.ReadUint32(addr)
	if err != nil {
		b.unlink(k, task.ID)
		t.engine.Abort(w)
		return err
	}
	if val != expected {
		b.unlink(k, task.ID)
		t.engine.Abort(w)
		return syserr.ErrWouldBlock
	}

	out := w.Block()
	// On wake the waker already unlinked us; on timeout, cancel or kill
	// nobody did. Unlink is idempotent either way.
	b.unlink(k, task.ID)
	return out.Err()
}

// Wake wakes up to max tasks sleeping on (as, addr), FIFO by sleep order,
// and returns how many actually woke. Waiters that died or were already
// interrupted are skipped without counting; they do not consume wake slots.
func (t *Table) Wake(as usermem.ASID, addr uint64, max uint64) uint64 {
	if max == 0 {
		return 0
	}
	k := key{as: as, addr: addr}
	b := t.bucket(k)

	var woken uint64
	for woken < max {
		b.mu.Lock()
		q := b.waiters[k]
		if len(q) == 0 {
			delete(b.waiters, k)
			b.mu.Unlock()
			break
		}
		id := q[0]
		q = q[1:]
		if len(q) == 0 {
			delete(b.waiters, k)
		} else {
			b.waiters[k] = q
		}
		b.mu.Unlock()

		if t.engine.Wake(id, sched.CauseFutex) {
			woken++
		}
	}
	if woken > 0 {
		t.logger.Debug("futex wake",
			zap.Uint64("asid", uint64(as)),
			zap.Uint64("addr", addr),
			zap.Uint64("woken", woken))
	}
	return woken
}

// WaitingCount reports how many tasks are queued across every word, for
// metrics. Queued includes waiters mid-wakeup that have not unlinked yet.
func (t *Table) WaitingCount() int {
	n := 0
	for i := range t.bkts {
		b := &t.bkts[i]
		b.mu.Lock()
		for _, q := range b.waiters {
			n += len(q)
		}
		b.mu.Unlock()
	}
	return n
}
