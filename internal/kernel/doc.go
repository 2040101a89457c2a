/*
Package kernel assembles the capability/IPC core into one bootable unit.

# Overview

The kernel is a user-space rendition of an operating system core: tasks are
goroutines owning simulated address spaces, syscalls are function calls
through a validating dispatcher, and blocking behavior is provided by a
single sleep/wake engine every subsystem parks on.

The subsystems live in the subpackages:

  - usermem: address spaces and validated user pointers
  - cap: rights, refcounted objects and per-task handle tables
  - vfs: the mount router with memfs, procfs and remotefs backends
  - pipe: byte pipes delegated between tasks as handle pairs
  - sched: tick clock, sleep/wake engine, tasks, scheduler
  - ipc: per-task message queues with handle delegation
  - futex: hashed wait queues keyed by (address space, word)
  - syscall: numbers, argument codecs, the dispatch table
  - syserr: the error taxonomy and errno mapping

# Boot

New wires the subsystems from configuration; Boot mounts the manifest's
backends, seeds files from the host, and spawns init programs resolved by
the userland registry. Start runs the tick loop that drives timeouts,
sleeps and the metrics gauges; Shutdown stops it and terminates every
remaining task.
*/
package kernel
