// Package syserr defines the kernel error taxonomy and its syscall errno mapping.
//
// Subsystems return these sentinels (usually wrapped with %w and context);
// the syscall boundary converts whatever it receives into a negative errno
// via Errno. Non-negative syscall returns always mean success.
package syserr

import "errors"

var (
	// Pointer validation.
	ErrNullPointer    = errors.New("null pointer")
	ErrBadAddress     = errors.New("address outside user range")
	ErrMisaligned     = errors.New("misaligned pointer")
	ErrBufferOverflow = errors.New("buffer overflows address space")
	ErrInvalidUTF8    = errors.New("buffer is not valid utf-8")

	// Capability and path checks.
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrPathTraversal    = errors.New("path escapes its directory")
	ErrReadOnly         = errors.New("mount is read-only")

	// Lookup and argument errors.
	ErrNotFound        = errors.New("no such file or task")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownSyscall  = errors.New("unknown syscall")
	ErrNotSupported    = errors.New("operation not supported")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotADirectory   = errors.New("not a directory")
	ErrIsADirectory    = errors.New("is a directory")
	ErrNoSpace         = errors.New("no space left")
	ErrIO              = errors.New("i/o error")

	// Blocking outcomes.
	ErrWouldBlock = errors.New("operation would block")
	ErrBrokenPipe = errors.New("broken pipe")
	ErrTimeout    = errors.New("timed out")
	ErrCancelled  = errors.New("cancelled")
	ErrKilled     = errors.New("task killed")
)

// errno values follow the Linux convention so user code sees familiar signs.
var errnos = []struct {
	err  error
	code int64
}{
	{ErrNullPointer, -1},
	{ErrBadAddress, -14},  // EFAULT
	{ErrMisaligned, -22},  // EINVAL
	{ErrBufferOverflow, -14},
	{ErrInvalidUTF8, -22},
	{ErrPermissionDenied, -13}, // EACCES
	{ErrInvalidHandle, -9},     // EBADF
	{ErrPathTraversal, -40},    // ELOOP
	{ErrReadOnly, -30},         // EROFS
	{ErrNotFound, -2},          // ENOENT
	{ErrInvalidArgument, -22},
	{ErrUnknownSyscall, -38}, // ENOSYS
	{ErrNotSupported, -95},   // EOPNOTSUPP
	{ErrAlreadyExists, -17},  // EEXIST
	{ErrNotADirectory, -20},  // ENOTDIR
	{ErrIsADirectory, -21},   // EISDIR
	{ErrNoSpace, -28},        // ENOSPC
	{ErrIO, -5},              // EIO
	{ErrWouldBlock, -11},     // EAGAIN
	{ErrBrokenPipe, -32},     // EPIPE
	{ErrTimeout, -110},       // ETIMEDOUT
	{ErrCancelled, -125},     // ECANCELED
	{ErrKilled, -4},          // EINTR
}

// Errno maps an error to its negative errno. Wrapped errors unwrap to their
// sentinel; anything unrecognized maps to -1.
func Errno(err error) int64 {
	if err == nil {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return -1
}

// Class returns a short label for metrics, "ok" for nil.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrKilled):
		return "killed"
	case errors.Is(err, ErrWouldBlock):
		return "would_block"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrPathTraversal), errors.Is(err, ErrReadOnly):
		return "denied"
	case errors.Is(err, ErrInvalidHandle):
		return "bad_handle"
	case errors.Is(err, ErrNullPointer), errors.Is(err, ErrBadAddress),
		errors.Is(err, ErrMisaligned), errors.Is(err, ErrBufferOverflow):
		return "fault"
	default:
		return "error"
	}
}
