/*
Package monitoring provides Prometheus metrics for the kernel core and its
HTTP gateway.

# Overview

The collector tracks syscall throughput and latency by syscall name and
result class, task lifecycle counts, IPC traffic, futex and engine wait
depth, open capability handles, pipes, HTTP requests and WebSocket syscall
sessions. Every Metrics owns a private registry, so tests can build as many
collectors as they need.

# Usage

	metrics := monitoring.NewMetrics()

	// Gin integration
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// The dispatcher records every syscall through the Recorder interface
	metrics.RecordSyscall("open", "ok", 0.000004)

	// The kernel tick loop refreshes the census gauges
	metrics.SetTaskCounts(sched.Counts())
	metrics.UpdateUptime()

# Latency summary

Alongside the histogram, a bounded ring of recent observations backs
Summary(), which reports mean/stddev and p50/p95/p99 computed with
gonum/stat for the /metrics/summary endpoint.
*/
package monitoring
