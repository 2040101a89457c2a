package cap

import (
	"sync"

	"github.com/tokuhirom/sabos/internal/kernel/pipe"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
)

// ObjectKind tags the closed set of backing objects. The values double as
// the kind codes written into stat records.
type ObjectKind uint8

const (
	ObjectFile ObjectKind = iota
	ObjectDir
	ObjectPipeRead
	ObjectPipeWrite
)

// String returns the kind name for logs and procfs.
func (k ObjectKind) String() string {
	switch k {
	case ObjectFile:
		return "file"
	case ObjectDir:
		return "directory"
	case ObjectPipeRead:
		return "pipe_read"
	case ObjectPipeWrite:
		return "pipe_write"
	default:
		return "unknown"
	}
}

// Object is a reference-counted backing object. Every handle derived from
// the same open shares it: restrict adds a handle to it in the same table,
// delegation moves a reference into another task's table. File contents are
// buffered here and written back to the backend when the last reference
// across all tables goes away.
type Object struct {
	kind   ObjectKind
	path   string
	router *vfs.Router
	pipes  *pipe.Registry
	pipeID pipe.ID

	mu    sync.Mutex
	refs  int
	data  []byte
	dirty bool
}

func newFileObject(router *vfs.Router, path string, data []byte) *Object {
	return &Object{kind: ObjectFile, path: path, router: router, refs: 1, data: data}
}

func newDirObject(router *vfs.Router, path string) *Object {
	return &Object{kind: ObjectDir, path: path, router: router, refs: 1}
}

func newPipeObject(pipes *pipe.Registry, id pipe.ID, kind ObjectKind) *Object {
	return &Object{kind: kind, pipes: pipes, pipeID: id, refs: 1}
}

// Kind returns the object's variant.
func (o *Object) Kind() ObjectKind { return o.kind }

// Path returns the backing path; empty for pipe ends.
func (o *Object) Path() string { return o.path }

// Refs reports the live reference count.
func (o *Object) Refs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refs
}

// Retain adds a reference on behalf of a new handle.
func (o *Object) Retain() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

// Release drops one reference. The final release closes pipe ends and
// flushes dirty file data to the backend; until then the object stays fully
// usable by its other holders.
func (o *Object) Release() error {
	o.mu.Lock()
	o.refs--
	last := o.refs == 0
	flush := last && o.kind == ObjectFile && o.dirty && o.path != ""
	data := o.data
	o.mu.Unlock()

	if !last {
		return nil
	}
	switch o.kind {
	case ObjectPipeRead:
		o.pipes.CloseRead(o.pipeID)
	case ObjectPipeWrite:
		o.pipes.CloseWrite(o.pipeID)
	case ObjectFile:
		if flush {
			return o.router.WriteFile(o.path, data)
		}
	}
	return nil
}

// readAt copies up to max bytes starting at pos. Nil means EOF.
func (o *Object) readAt(pos, max uint64) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	size := uint64(len(o.data))
	if pos >= size {
		return nil
	}
	n := size - pos
	if n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, o.data[pos:pos+n])
	return out
}

// writeAt overwrites at pos, growing the buffer past the end, and marks the
// object dirty for write-back. Returns the position after the write.
func (o *Object) writeAt(pos uint64, b []byte) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	end := pos + uint64(len(b))
	if end > uint64(len(o.data)) {
		grown := make([]byte, end)
		copy(grown, o.data)
		o.data = grown
	}
	copy(o.data[pos:end], b)
	o.dirty = true
	return end
}

// size returns the buffered length; zero for directories and pipe ends.
func (o *Object) size() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return uint64(len(o.data))
}
