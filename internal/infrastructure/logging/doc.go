// Package logging provides structured logging using uber/zap.
//
// Two modes cover the kernel's needs:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for humans watching a boot
//
// Subsystems receive a *Logger at construction and attach structured
// fields (task ids, paths, handles) rather than formatting strings.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("task spawned", zap.Uint64("task", id))
//	logger.Error("mount failed", zap.String("prefix", "/proc"), zap.Error(err))
package logging
