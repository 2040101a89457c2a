package userland

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/cap"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syscall"
)

// jsBody wraps a JS source into a task body. Each run gets a fresh VM.
func (r *Registry) jsBody(path, source string, args []string) sched.Body {
	return func(t *sched.Task) int32 {
		run := &runner{
			disp:   r.dispatcher(),
			task:   t,
			logger: r.logger.Named("js"),
		}
		return run.execute(path, source, args)
	}
}

// runner is one JS program execution bound to one task. The bridge stages
// strings through the task's address space and issues real syscalls, so
// scripts cross the same validated boundary native tasks would.
type runner struct {
	disp   *syscall.Dispatcher
	task   *sched.Task
	vm     *goja.Runtime
	logger *logging.Logger
}

func (r *runner) execute(path, source string, args []string) int32 {
	r.vm = goja.New()
	r.vm.SetMaxCallStackSize(1024)
	r.setupGlobals(args)

	// Unwind the VM when the task is killed or execed from outside.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.task.Context().Done():
			r.vm.Interrupt("task terminated")
		case <-done:
		}
	}()

	val, err := r.vm.RunString(source)
	if err != nil {
		if r.task.Unwind() {
			// exit/exec/kill; the run loop decides what happens next.
			return 0
		}
		r.logger.Error("program crashed",
			zap.String("program", path),
			zap.Uint64("task", uint64(r.task.ID)),
			zap.Error(err))
		return 1
	}
	if code, ok := exportInt(val); ok {
		return int32(code)
	}
	return 0
}

func (r *runner) setupGlobals(args []string) {
	vm := r.vm
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	jsArgs := make([]interface{}, len(args))
	for i, a := range args {
		jsArgs[i] = a
	}
	vm.Set("args", jsArgs)

	console := vm.NewObject()
	console.Set("log", r.makeConsoleFunc(func(msg string, f ...zap.Field) { r.logger.Info(msg, f...) }))
	console.Set("warn", r.makeConsoleFunc(func(msg string, f ...zap.Field) { r.logger.Warn(msg, f...) }))
	console.Set("error", r.makeConsoleFunc(func(msg string, f ...zap.Field) { r.logger.Error(msg, f...) }))
	vm.Set("console", console)

	sys := vm.NewObject()
	sys.Set("getpid", func() int64 {
		return r.call(syscall.NumGetpid, 0, 0, 0, 0)
	})
	sys.Set("uptime", func() int64 {
		return r.call(syscall.NumClockMonotonic, 0, 0, 0, 0)
	})
	sys.Set("yield", func() {
		r.call(syscall.NumYield, 0, 0, 0, 0)
	})
	sys.Set("sleep", func(ms int64) {
		r.call(syscall.NumSleep, uint64(ms), 0, 0, 0)
	})
	sys.Set("exit", func(code int64) {
		r.call(syscall.NumExit, uint64(code), 0, 0, 0)
		r.vm.Interrupt("exit")
	})
	sys.Set("open", func(path string, rights int64) int64 {
		ptr, n := r.stage([]byte(path))
		return r.checked("open", r.call(syscall.NumOpen, ptr, n, uint64(rights), 0))
	})
	sys.Set("read", func(h, max int64) string {
		buf := r.alloc(uint64(max), 1)
		n := r.checked("handle_read", r.call(syscall.NumHandleRead, uint64(h), buf, uint64(max), 0))
		return r.peek(buf, uint64(n))
	})
	sys.Set("write", func(h int64, data string) int64 {
		ptr, n := r.stage([]byte(data))
		return r.checked("handle_write", r.call(syscall.NumHandleWrite, uint64(h), ptr, n, 0))
	})
	sys.Set("seek", func(h, offset, whence int64) int64 {
		return r.checked("handle_seek", r.call(syscall.NumHandleSeek, uint64(h), uint64(offset), uint64(whence), 0))
	})
	sys.Set("close", func(h int64) {
		r.checked("handle_close", r.call(syscall.NumHandleClose, uint64(h), 0, 0, 0))
	})
	sys.Set("restrict", func(h, rights int64) int64 {
		return r.checked("restrict_rights", r.call(syscall.NumRestrictRights, uint64(h), uint64(rights), 0, 0))
	})
	sys.Set("spawn", func(path string, progArgs []string) int64 {
		pp, pl := r.stage([]byte(path))
		ap, al := r.stageArgs(progArgs)
		return r.checked("spawn", r.call(syscall.NumSpawn, pp, pl, ap, al))
	})
	sys.Set("exec", func(path string, progArgs []string) {
		pp, pl := r.stage([]byte(path))
		ap, al := r.stageArgs(progArgs)
		r.checked("exec", r.call(syscall.NumExec, pp, pl, ap, al))
		r.vm.Interrupt("exec")
	})
	sys.Set("wait", func(pid, timeoutMs int64) int64 {
		return r.checked("wait", r.call(syscall.NumWait, uint64(pid), uint64(timeoutMs), 0, 0))
	})
	sys.Set("kill", func(pid int64) {
		r.checked("kill", r.call(syscall.NumKill, uint64(pid), 0, 0, 0))
	})
	sys.Set("send", func(dest int64, data string) {
		ptr, n := r.stage([]byte(data))
		r.checked("ipc_send", r.call(syscall.NumIPCSend, uint64(dest), ptr, n, 0))
	})
	sys.Set("recv", func(timeoutMs int64) map[string]interface{} {
		senderPtr := r.alloc(8, 8)
		buf := r.alloc(4096, 1)
		n := r.checked("ipc_recv", r.call(syscall.NumIPCRecv, senderPtr, buf, 4096, uint64(timeoutMs)))
		sender, _ := r.task.AddressSpace().ReadUint64(senderPtr)
		return map[string]interface{}{
			"sender": int64(sender),
			"data":   r.peek(buf, uint64(n)),
		}
	})
	sys.Set("recvFrom", func(sender, timeoutMs int64) string {
		buf := r.alloc(4096, 1)
		n := r.checked("ipc_recv_from", r.call(syscall.NumIPCRecvFrom, uint64(sender), buf, 4096, uint64(timeoutMs)))
		return r.peek(buf, uint64(n))
	})
	sys.Set("getenv", func(key string) goja.Value {
		kp, kl := r.stage([]byte(key))
		buf := r.alloc(4096, 1)
		n := r.call(syscall.NumGetenv, kp, kl, buf, 4096)
		if n < 0 {
			return goja.Null()
		}
		return r.vm.ToValue(r.peek(buf, uint64(n)))
	})
	sys.Set("setenv", func(key, value string) {
		kp, kl := r.stage([]byte(key))
		vp, vl := r.stage([]byte(value))
		r.checked("setenv", r.call(syscall.NumSetenv, kp, kl, vp, vl))
	})
	sys.Set("listenv", func() string {
		buf := r.alloc(4096, 1)
		n := r.checked("listenv", r.call(syscall.NumListenv, buf, 4096, 0, 0))
		return r.peek(buf, uint64(n))
	})
	sys.Set("call", func(num, a1, a2, a3, a4 int64) int64 {
		return r.call(syscall.Num(num), uint64(a1), uint64(a2), uint64(a3), uint64(a4))
	})
	vm.Set("sys", sys)

	vm.Set("RIGHT_READ", int64(cap.RightRead))
	vm.Set("RIGHT_WRITE", int64(cap.RightWrite))
	vm.Set("FILE_READ", int64(cap.FileRead))
	vm.Set("FILE_RW", int64(cap.FileRW))
	vm.Set("DIR_READ", int64(cap.DirRead))
	vm.Set("DIR_FULL", int64(cap.DirFull))

	vm.Set("setTimeout", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	vm.Set("setInterval", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
}

func (r *runner) call(num syscall.Num, a1, a2, a3, a4 uint64) int64 {
	ret := r.disp.Dispatch(r.task, num, a1, a2, a3, a4)
	if r.task.Unwind() {
		r.vm.Interrupt("task terminated")
	}
	return ret
}

// checked throws a JS exception on negative errno returns so scripts can
// use try/catch instead of checking every return code.
func (r *runner) checked(op string, ret int64) int64 {
	if ret < 0 {
		panic(r.vm.ToValue(fmt.Sprintf("%s failed: errno %d", op, ret)))
	}
	return ret
}

func (r *runner) stage(b []byte) (uint64, uint64) {
	ptr, err := r.task.AddressSpace().AllocBytes(b)
	if err != nil {
		panic(r.vm.ToValue(fmt.Sprintf("out of task memory: %v", err)))
	}
	return ptr, uint64(len(b))
}

func (r *runner) stageArgs(args []string) (uint64, uint64) {
	if len(args) == 0 {
		return 0, 0
	}
	buf, err := syscall.EncodeArgs(args)
	if err != nil {
		panic(r.vm.ToValue(fmt.Sprintf("bad arguments: %v", err)))
	}
	return r.stage(buf)
}

func (r *runner) alloc(size, align uint64) uint64 {
	ptr, err := r.task.AddressSpace().Alloc(size, align)
	if err != nil {
		panic(r.vm.ToValue(fmt.Sprintf("out of task memory: %v", err)))
	}
	return ptr
}

func (r *runner) peek(addr, n uint64) string {
	s, err := r.task.AddressSpace().Slice(addr, n)
	if err != nil {
		panic(r.vm.ToValue(fmt.Sprintf("bad buffer: %v", err)))
	}
	return string(s.Bytes())
}

func (r *runner) makeConsoleFunc(log func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}
		log(msg, zap.Uint64("task", uint64(r.task.ID)))
		return goja.Undefined()
	}
}

func exportInt(val goja.Value) (int64, bool) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return 0, false
	}
	if n, ok := val.Export().(int64); ok {
		return n, true
	}
	if f, ok := val.Export().(float64); ok {
		return int64(f), true
	}
	return 0, false
}
