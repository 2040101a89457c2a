// Package userland resolves program paths for spawn and exec. Built-ins
// are Go bodies registered by path; everything else is JavaScript loaded
// from the mounted filesystem and run in a sandboxed VM that issues real
// syscalls through the dispatcher.
package userland

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syscall"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
)

// Builtin produces a task body for a registered program path.
type Builtin func(args []string) sched.Body

// Registry maps program paths to runnable bodies. It satisfies the
// dispatcher's Loader interface.
type Registry struct {
	router   *vfs.Router
	logger   *logging.Logger
	builtins sync.Map // path -> Builtin

	mu   sync.RWMutex
	disp *syscall.Dispatcher
}

// NewRegistry creates a program registry reading JS sources from router.
func NewRegistry(router *vfs.Router, logger *logging.Logger) *Registry {
	return &Registry{router: router, logger: logger}
}

// SetDispatcher installs the syscall dispatcher JS programs call into.
// The registry and the dispatcher reference each other, so one of the two
// is wired after construction.
func (r *Registry) SetDispatcher(d *syscall.Dispatcher) {
	r.mu.Lock()
	r.disp = d
	r.mu.Unlock()
}

func (r *Registry) dispatcher() *syscall.Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disp
}

// RegisterBuiltin binds a Go program to an absolute path.
func (r *Registry) RegisterBuiltin(p string, b Builtin) {
	r.builtins.Store(p, b)
}

// Load resolves a program path. Built-ins win over the filesystem; .js
// files are compiled into VM-backed bodies.
func (r *Registry) Load(p string, args []string) (string, sched.Body, error) {
	if b, ok := r.builtins.Load(p); ok {
		return path.Base(p), b.(Builtin)(args), nil
	}
	if strings.HasSuffix(p, ".js") {
		source, err := r.router.ReadFile(p)
		if err != nil {
			return "", nil, fmt.Errorf("failed to load program %s: %w", p, err)
		}
		if r.dispatcher() == nil {
			return "", nil, syserr.ErrNotSupported
		}
		return path.Base(p), r.jsBody(p, string(source), args), nil
	}
	return "", nil, fmt.Errorf("no program at %q: %w", p, syserr.ErrNotFound)
}
