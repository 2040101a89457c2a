// Package main boots the sabos user-space kernel and its HTTP gateway.
//
// The process assembles the kernel (scheduler, capability tables, VFS,
// IPC, futexes), mounts filesystems from the boot manifest, spawns the
// init programs, then serves introspection and syscall streaming over
// HTTP/WebSocket.
//
// Configuration:
//   - Environment variables with the SABOS_ prefix (12-factor)
//   - -boot flag overrides SABOS_BOOT_FILE
//
// Usage:
//
//	# Defaults: memfs root, procfs on /proc, gateway on :8080
//	./kernel
//
//	# Boot from a manifest (mounts, seeded files, init programs)
//	./kernel -boot boot.yaml
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
