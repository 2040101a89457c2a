package syscall

import (
	"github.com/tokuhirom/sabos/internal/kernel/cap"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
)

func (d *Dispatcher) sysIPCSend(t *sched.Task, dest, bufPtr, bufLen uint64) (uint64, error) {
	s, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	if err := d.ipc.Send(t, sched.TaskID(dest), s.Bytes()); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysIPCRecv pops the oldest message, copies as much as fits into the
// caller's buffer and stores the sender ID. Returns the copied length;
// anything past the buffer is dropped. Pointers are validated before the
// call can park.
func (d *Dispatcher) sysIPCRecv(t *sched.Task, senderPtr, bufPtr, bufLen, timeoutMs uint64) (uint64, error) {
	as := t.AddressSpace()
	if _, err := as.ReadUint64(senderPtr); err != nil {
		return 0, err
	}
	out, err := as.Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	msg, err := d.ipc.Recv(t, timeoutMs)
	if err != nil {
		return 0, err
	}
	n := copy(out.Bytes(), msg.Data)
	if err := as.WriteUint64(senderPtr, uint64(msg.Sender)); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (d *Dispatcher) sysIPCRecvFrom(t *sched.Task, from, bufPtr, bufLen, timeoutMs uint64) (uint64, error) {
	out, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	msg, err := d.ipc.RecvFrom(t, sched.TaskID(from), timeoutMs)
	if err != nil {
		return 0, err
	}
	return uint64(copy(out.Bytes(), msg.Data)), nil
}

// sysIPCSendHandle delegates handle h to dest alongside a payload. The
// sender keeps its own handle; the receiver gets a duplicate carrying the
// exact same rights.
func (d *Dispatcher) sysIPCSendHandle(t *sched.Task, dest, bufPtr, bufLen, h uint64) (uint64, error) {
	s, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	obj, rights, err := d.caps.Table(t.ID).Delegate(cap.Handle(h))
	if err != nil {
		return 0, err
	}
	if err := d.ipc.SendHandle(t, sched.TaskID(dest), s.Bytes(), obj, rights); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysIPCRecvHandle consumes the handle queue only. The delegated object is
// adopted into the receiver's table and its new handle written through
// handlePtr; the wait has no deadline.
func (d *Dispatcher) sysIPCRecvHandle(t *sched.Task, senderPtr, bufPtr, bufLen, handlePtr uint64) (uint64, error) {
	as := t.AddressSpace()
	if _, err := as.ReadUint64(senderPtr); err != nil {
		return 0, err
	}
	if _, err := as.ReadUint64(handlePtr); err != nil {
		return 0, err
	}
	out, err := as.Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	msg, err := d.ipc.RecvHandle(t, 0)
	if err != nil {
		return 0, err
	}
	n := copy(out.Bytes(), msg.Data)
	h := d.caps.Table(t.ID).Adopt(msg.Obj, msg.Rights)
	if err := as.WriteUint64(senderPtr, uint64(msg.Sender)); err != nil {
		return 0, err
	}
	if err := as.WriteUint64(handlePtr, uint64(h)); err != nil {
		return 0, err
	}
	return uint64(n), nil
}
