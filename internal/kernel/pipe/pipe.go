// Package pipe implements in-kernel byte pipes.
//
// A pipe is a FIFO byte buffer with one read end and one write end, each
// backed by a refcounted handle object. Reads on an empty pipe report
// ErrWouldBlock while a writer is alive and EOF once it is gone; writes
// after the reader is gone report ErrBrokenPipe. The registry itself never
// blocks; callers park on the sleep/wake engine and re-check after every
// notification.
package pipe

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// ID names one pipe inside the registry.
type ID uint64

// Registry owns all live pipes.
type Registry struct {
	mu     sync.Mutex
	pipes  map[ID]*state
	nextID ID
	notify func()
	logger *logging.Logger
}

type state struct {
	buf         []byte
	readClosed  bool
	writeClosed bool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		pipes:  make(map[ID]*state),
		logger: logger,
	}
}

// SetNotify installs the wakeup hook invoked whenever a pipe gains data or
// loses its writer. The kernel points this at the engine's pipe broadcast.
func (r *Registry) SetNotify(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// wake invokes the hook outside the registry lock so the engine can take
// its own locks freely.
func wake(fn func()) {
	if fn != nil {
		fn()
	}
}

// Create allocates a pipe with both ends open.
func (r *Registry) Create() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.pipes[id] = &state{}
	r.logger.Debug("pipe created", zap.Uint64("pipe", uint64(id)))
	return id
}

// Read pops up to max bytes. Empty with a live writer reports ErrWouldBlock;
// empty with the writer gone is EOF, returned as zero bytes and no error.
func (r *Registry) Read(id ID, max int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipes[id]
	if !ok {
		return nil, syserr.ErrInvalidHandle
	}
	if len(p.buf) == 0 {
		if p.writeClosed {
			return nil, nil
		}
		return nil, syserr.ErrWouldBlock
	}
	n := len(p.buf)
	if max < n {
		n = max
	}
	out := make([]byte, n)
	copy(out, p.buf[:n])
	p.buf = p.buf[n:]
	return out, nil
}

// Write appends data. Fails with ErrBrokenPipe once the read end is closed.
func (r *Registry) Write(id ID, data []byte) (int, error) {
	r.mu.Lock()
	p, ok := r.pipes[id]
	if !ok {
		r.mu.Unlock()
		return 0, syserr.ErrInvalidHandle
	}
	if p.readClosed {
		r.mu.Unlock()
		return 0, syserr.ErrBrokenPipe
	}
	p.buf = append(p.buf, data...)
	notify := r.notify
	r.mu.Unlock()

	wake(notify)
	return len(data), nil
}

// Buffered reports how many bytes wait in the pipe, for introspection.
func (r *Registry) Buffered(id ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pipes[id]; ok {
		return len(p.buf)
	}
	return 0
}

// CloseRead retires the read end. Buffered data is discarded; subsequent
// writes break.
func (r *Registry) CloseRead(id ID) {
	r.mu.Lock()
	p, ok := r.pipes[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.readClosed = true
	p.buf = nil
	done := p.writeClosed
	if done {
		delete(r.pipes, id)
	}
	r.mu.Unlock()
	if done {
		r.logger.Debug("pipe destroyed", zap.Uint64("pipe", uint64(id)))
	}
}

// CloseWrite retires the write end. Readers drain what remains and then see
// EOF.
func (r *Registry) CloseWrite(id ID) {
	r.mu.Lock()
	p, ok := r.pipes[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.writeClosed = true
	done := p.readClosed
	if done {
		delete(r.pipes, id)
	}
	notify := r.notify
	r.mu.Unlock()

	if done {
		r.logger.Debug("pipe destroyed", zap.Uint64("pipe", uint64(id)))
	}
	wake(notify)
}

// Count reports live pipes for introspection.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipes)
}
