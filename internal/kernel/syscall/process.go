package syscall

import (
	"strings"

	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// loadProgram resolves the (path, args) pair spawn and exec share.
func (d *Dispatcher) loadProgram(t *sched.Task, pathPtr, pathLen, argsPtr, argsLen uint64) (string, sched.Body, error) {
	if d.loader == nil {
		return "", nil, syserr.ErrNotSupported
	}
	path, err := d.userString(t, pathPtr, pathLen)
	if err != nil {
		return "", nil, err
	}
	var args []string
	if argsLen > 0 {
		s, err := t.AddressSpace().Slice(argsPtr, argsLen)
		if err != nil {
			return "", nil, err
		}
		args, err = DecodeArgs(s.Bytes())
		if err != nil {
			return "", nil, err
		}
	}
	return d.loader.Load(path, args)
}

func (d *Dispatcher) sysSpawn(t *sched.Task, pathPtr, pathLen, argsPtr, argsLen uint64) (uint64, error) {
	name, body, err := d.loadProgram(t, pathPtr, pathLen, argsPtr, argsLen)
	if err != nil {
		return 0, err
	}
	child := d.sched.Spawn(t, name, body)
	return uint64(child.ID), nil
}

// sysExec replaces the caller's image. On success the current body must
// unwind: the zero return never reaches user code.
func (d *Dispatcher) sysExec(t *sched.Task, pathPtr, pathLen, argsPtr, argsLen uint64) (uint64, error) {
	name, body, err := d.loadProgram(t, pathPtr, pathLen, argsPtr, argsLen)
	if err != nil {
		return 0, err
	}
	return 0, d.sched.Exec(t, name, body)
}

func (d *Dispatcher) sysWait(t *sched.Task, target, timeoutMs uint64) (uint64, error) {
	_, code, err := d.sched.Wait(t, sched.TaskID(target), timeoutMs)
	if err != nil {
		return 0, err
	}
	return uint64(int64(code)), nil
}

// sysWaitpid returns the reaped child's ID and, when codePtr is non-null,
// stores the exit code through it. With WNOHANG and no zombie the result
// is task 0.
func (d *Dispatcher) sysWaitpid(t *sched.Task, target, codePtr, flags uint64) (uint64, error) {
	if codePtr != 0 {
		// Validate before blocking so a bad pointer fails fast.
		if _, err := t.AddressSpace().ReadUint64(codePtr); err != nil {
			return 0, err
		}
	}
	id, code, err := d.sched.Waitpid(t, sched.TaskID(target), flags)
	if err != nil {
		return 0, err
	}
	if codePtr != 0 {
		if err := t.AddressSpace().WriteUint64(codePtr, uint64(int64(code))); err != nil {
			return 0, err
		}
	}
	return uint64(id), nil
}

func (d *Dispatcher) sysGetenv(t *sched.Task, keyPtr, keyLen, valPtr, valLen uint64) (uint64, error) {
	key, err := d.userString(t, keyPtr, keyLen)
	if err != nil {
		return 0, err
	}
	out, err := t.AddressSpace().Slice(valPtr, valLen)
	if err != nil {
		return 0, err
	}
	val, ok := t.Getenv(key)
	if !ok {
		return 0, syserr.ErrNotFound
	}
	if err := out.CopyOut([]byte(val)); err != nil {
		return 0, err
	}
	return uint64(len(val)), nil
}

func (d *Dispatcher) sysSetenv(t *sched.Task, keyPtr, keyLen, valPtr, valLen uint64) (uint64, error) {
	key, err := d.userString(t, keyPtr, keyLen)
	if err != nil {
		return 0, err
	}
	if key == "" || strings.Contains(key, "=") {
		return 0, syserr.ErrInvalidArgument
	}
	val, err := d.userString(t, valPtr, valLen)
	if err != nil {
		return 0, err
	}
	t.Setenv(key, val)
	return 0, nil
}

func (d *Dispatcher) sysListenv(t *sched.Task, bufPtr, bufLen uint64) (uint64, error) {
	out, err := t.AddressSpace().Slice(bufPtr, bufLen)
	if err != nil {
		return 0, err
	}
	var sb strings.Builder
	for _, line := range t.Environ() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := out.CopyOut([]byte(sb.String())); err != nil {
		return 0, err
	}
	return uint64(sb.Len()), nil
}

func (d *Dispatcher) sysThreadCreate(t *sched.Task, entry, stackTop, arg uint64) (uint64, error) {
	if d.threads == nil {
		return 0, syserr.ErrNotSupported
	}
	th, err := d.sched.SpawnThread(t, stackTop, d.threads(entry, arg))
	if err != nil {
		return 0, err
	}
	return uint64(th.ID), nil
}

func (d *Dispatcher) sysThreadJoin(t *sched.Task, target, timeoutMs uint64) (uint64, error) {
	code, err := d.sched.ThreadJoin(t, sched.TaskID(target), timeoutMs)
	if err != nil {
		return 0, err
	}
	return uint64(int64(code)), nil
}
