package syscall

import (
	"encoding/binary"
	"errors"

	"github.com/tokuhirom/sabos/internal/kernel/cap"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// userString validates a (ptr, len) pair and decodes it as UTF-8 text.
func (d *Dispatcher) userString(t *sched.Task, ptr, length uint64) (string, error) {
	s, err := t.AddressSpace().Slice(ptr, length)
	if err != nil {
		return "", err
	}
	return s.Str()
}

func (d *Dispatcher) sysOpen(t *sched.Task, pathPtr, pathLen, rights uint64) (uint64, error) {
	path, err := d.userString(t, pathPtr, pathLen)
	if err != nil {
		return 0, err
	}
	h, err := d.caps.Table(t.ID).Open(path, cap.Rights(rights))
	return uint64(h), err
}

func (d *Dispatcher) sysOpenAt(t *sched.Task, dir, relPtr, relLen, rights uint64) (uint64, error) {
	rel, err := d.userString(t, relPtr, relLen)
	if err != nil {
		return 0, err
	}
	h, err := d.caps.Table(t.ID).OpenAt(cap.Handle(dir), rel, cap.Rights(rights))
	return uint64(h), err
}

func (d *Dispatcher) sysRestrict(t *sched.Task, h, newRights uint64) (uint64, error) {
	nh, err := d.caps.Table(t.ID).Restrict(cap.Handle(h), cap.Rights(newRights))
	return uint64(nh), err
}

// sysHandleRead reads into a user buffer. Pipe reads that would block park
// the task on the pipe cause and retry after every wake, so a reader sees
// bytes or EOF, never a spurious would-block.
func (d *Dispatcher) sysHandleRead(t *sched.Task, h, bufPtr, bufLen uint64) (uint64, error) {
	out, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	table := d.caps.Table(t.ID)
	for {
		data, err := table.Read(cap.Handle(h), bufLen)
		if err == nil {
			if err := out.CopyOut(data); err != nil {
				return 0, err
			}
			return uint64(len(data)), nil
		}
		if !errors.Is(err, syserr.ErrWouldBlock) {
			return 0, err
		}

		w, perr := d.engine.Prepare(t, sched.CausePipe, 0)
		if perr != nil {
			return 0, perr
		}
		data, err = table.Read(cap.Handle(h), bufLen)
		if err == nil || !errors.Is(err, syserr.ErrWouldBlock) {
			d.engine.Abort(w)
			if err != nil {
				return 0, err
			}
			if err := out.CopyOut(data); err != nil {
				return 0, err
			}
			return uint64(len(data)), nil
		}
		if outc := w.Block(); outc != sched.Woken {
			return 0, outc.Err()
		}
	}
}

func (d *Dispatcher) sysHandleWrite(t *sched.Task, h, bufPtr, bufLen uint64) (uint64, error) {
	s, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	return d.caps.Table(t.ID).Write(cap.Handle(h), s.Bytes())
}

func (d *Dispatcher) sysHandleEnum(t *sched.Task, h, bufPtr, bufLen uint64) (uint64, error) {
	out, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	listing, err := d.caps.Table(t.ID).Enum(cap.Handle(h), bufLen)
	if err != nil {
		return 0, err
	}
	if err := out.CopyOut(listing); err != nil {
		return 0, err
	}
	return uint64(len(listing)), nil
}

// statRecordLen is the wire size of a stat record: three little-endian
// u64 fields {size, kind, rights}.
const statRecordLen = 24

func (d *Dispatcher) sysHandleStat(t *sched.Task, h, statPtr uint64) (uint64, error) {
	out, err := t.AddressSpace().Slice(statPtr, statRecordLen)
	if err != nil {
		return 0, err
	}
	st, err := d.caps.Table(t.ID).Stat(cap.Handle(h))
	if err != nil {
		return 0, err
	}
	var rec [statRecordLen]byte
	binary.LittleEndian.PutUint64(rec[0:], st.Size)
	binary.LittleEndian.PutUint64(rec[8:], uint64(st.Kind))
	binary.LittleEndian.PutUint64(rec[16:], uint64(st.Rights))
	if err := out.CopyOut(rec[:]); err != nil {
		return 0, err
	}
	return 0, nil
}

func (d *Dispatcher) sysHandleSeek(t *sched.Task, h, offset, whence uint64) (uint64, error) {
	return d.caps.Table(t.ID).Seek(cap.Handle(h), int64(offset), whence)
}

func (d *Dispatcher) sysCreateFile(t *sched.Task, dir, namePtr, nameLen uint64) (uint64, error) {
	name, err := d.userString(t, namePtr, nameLen)
	if err != nil {
		return 0, err
	}
	h, err := d.caps.Table(t.ID).CreateChild(cap.Handle(dir), name)
	return uint64(h), err
}

func (d *Dispatcher) sysUnlink(t *sched.Task, dir, namePtr, nameLen uint64) (uint64, error) {
	name, err := d.userString(t, namePtr, nameLen)
	if err != nil {
		return 0, err
	}
	return 0, d.caps.Table(t.ID).DeleteChild(cap.Handle(dir), name)
}

func (d *Dispatcher) sysMkdir(t *sched.Task, dir, namePtr, nameLen uint64) (uint64, error) {
	name, err := d.userString(t, namePtr, nameLen)
	if err != nil {
		return 0, err
	}
	return 0, d.caps.Table(t.ID).Mkdir(cap.Handle(dir), name)
}

// sysPipe writes the new pipe's read and write handles into two u64 slots.
// Both slots are validated before the pipe exists, so a bad pointer leaks
// nothing.
func (d *Dispatcher) sysPipe(t *sched.Task, readPtr, writePtr uint64) (uint64, error) {
	as := t.AddressSpace()
	if _, err := as.ReadUint64(readPtr); err != nil {
		return 0, err
	}
	if _, err := as.ReadUint64(writePtr); err != nil {
		return 0, err
	}
	rh, wh := d.caps.Table(t.ID).NewPipe()
	if err := as.WriteUint64(readPtr, uint64(rh)); err != nil {
		return 0, err
	}
	if err := as.WriteUint64(writePtr, uint64(wh)); err != nil {
		return 0, err
	}
	return 0, nil
}
