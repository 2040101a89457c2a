// Package server is the HTTP and WebSocket gateway in front of the kernel.
//
// REST endpoints expose introspection (/health, /tasks, /fs/stat,
// /snapshot, /metrics) and control (/spawn). The /stream WebSocket gives a
// client its own kernel task: each frame dispatches a syscall on that
// task's goroutine, with alloc/poke/peek ops to stage buffers in the
// task's address space. Disconnecting kills the task.
package server
