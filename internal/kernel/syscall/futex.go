package syscall

import (
	"crypto/rand"

	"github.com/tokuhirom/sabos/internal/kernel/futex"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// sysFutex multiplexes wait and wake on one number. Wait compares the
// 32-bit word at addr against expected and parks on match; wake releases
// up to max sleepers and returns how many actually woke.
func (d *Dispatcher) sysFutex(t *sched.Task, op, addr, val, timeoutMs uint64) (uint64, error) {
	as := t.AddressSpace()
	switch op {
	case futex.OpWait:
		if err := d.futex.Wait(t, as, addr, uint32(val), timeoutMs); err != nil {
			return 0, err
		}
		return 0, nil
	case futex.OpWake:
		return d.futex.Wake(as.ID(), addr, val), nil
	default:
		return 0, syserr.ErrInvalidArgument
	}
}

func (d *Dispatcher) sysGetrandom(t *sched.Task, bufPtr, bufLen uint64) (uint64, error) {
	out, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	b := make([]byte, out.Len())
	if _, err := rand.Read(b); err != nil {
		return 0, syserr.ErrIO
	}
	if err := out.CopyOut(b); err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}
