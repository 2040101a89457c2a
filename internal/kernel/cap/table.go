// Package cap implements capability handles: per-task tables of
// rights-carrying references to files, directories, and pipe ends.
//
// A handle is a small integer naming a slot in its task's table; slot zero
// is never valid and the lowest free slot is reused. Each slot pairs a
// rights mask with a shared backing Object and its own cursor. Rights are
// monotonically non-increasing across every derivation: restrict, openat,
// and IPC delegation can narrow them, nothing can widen them.
package cap

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/pipe"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
)

// Handle names one slot in a task's table. Zero is never valid.
type Handle uint64

// Seek anchors for Table.Seek.
const (
	SeekSet uint64 = 0
	SeekCur uint64 = 1
	SeekEnd uint64 = 2
)

// Stat is the metadata record every handle kind answers with.
type Stat struct {
	Size   uint64
	Kind   ObjectKind
	Rights Rights
}

type slot struct {
	obj    *Object
	rights Rights
	pos    uint64
}

// Registry hands out per-task handle tables and tears them down on exit.
type Registry struct {
	router *vfs.Router
	pipes  *pipe.Registry
	logger *logging.Logger

	mu     sync.Mutex
	tables map[sched.TaskID]*Table
}

func NewRegistry(router *vfs.Router, pipes *pipe.Registry, logger *logging.Logger) *Registry {
	return &Registry{
		router: router,
		pipes:  pipes,
		logger: logger,
		tables: make(map[sched.TaskID]*Table),
	}
}

// Table returns the task's handle table, creating it on first use.
func (r *Registry) Table(id sched.TaskID) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[id]
	if !ok {
		t = &Table{reg: r, task: id}
		r.tables[id] = t
	}
	return t
}

// CleanupTask closes everything a dead task left open and drops its table.
// Flush failures on exit are logged, not surfaced; there is nobody left to
// return them to.
func (r *Registry) CleanupTask(id sched.TaskID) {
	r.mu.Lock()
	t, ok := r.tables[id]
	delete(r.tables, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	closed, failed := t.closeAll()
	if closed > 0 || failed > 0 {
		r.logger.Debug("handles released on exit",
			zap.Uint64("task", uint64(id)),
			zap.Int("closed", closed),
			zap.Int("flush_failures", failed))
	}
}

// OpenHandles counts open slots across every table, for metrics.
func (r *Registry) OpenHandles() int {
	r.mu.Lock()
	tables := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.Unlock()

	n := 0
	for _, t := range tables {
		n += t.Count()
	}
	return n
}

// Table is one task's handle table. It is touched only from that task's
// syscall context and from exit cleanup, so the lock is uncontended.
type Table struct {
	reg  *Registry
	task sched.TaskID

	mu    sync.Mutex
	slots []*slot
}

func (t *Table) get(h Handle) (*slot, error) {
	idx := int(h) - 1
	if h == 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return nil, syserr.ErrInvalidHandle
	}
	return t.slots[idx], nil
}

// insert claims the lowest free slot. Caller holds t.mu.
func (t *Table) insert(obj *Object, rights Rights) Handle {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = &slot{obj: obj, rights: rights}
			return Handle(i + 1)
		}
	}
	t.slots = append(t.slots, &slot{obj: obj, rights: rights})
	return Handle(len(t.slots))
}

func (t *Table) put(obj *Object, rights Rights) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(obj, rights)
}

// Count reports how many slots are open.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Rights returns the handle's rights mask.
func (t *Table) Rights(h Handle) (Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	return s.rights, nil
}

// Open resolves path through the mount router and returns a handle to it.
// rights 0 picks the kind's default bundle. Write intent through a
// read-only mount fails with ErrReadOnly; a missing file opened with write
// intent becomes an empty buffered file that materializes on the final
// close once something was written.
func (t *Table) Open(path string, rights Rights) (Handle, error) {
	if path == "" || path == "/" {
		return t.dirHandle("/", rights, true)
	}
	norm, err := vfs.Normalize(path)
	if err != nil {
		return 0, err
	}
	return t.openPath(norm, rights, true)
}

// OpenAt opens rel against a directory handle. The relative path must not
// be absolute and must not contain dot components. Effective rights are the
// request intersected with the directory's rights; a zero request inherits
// the directory's rights unchanged.
func (t *Table) OpenAt(dir Handle, rel string, rights Rights) (Handle, error) {
	t.mu.Lock()
	s, err := t.get(dir)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	dirRights := s.rights
	kind := s.obj.kind
	base := s.obj.path
	t.mu.Unlock()

	if !dirRights.Has(RightLookup) {
		return 0, syserr.ErrPermissionDenied
	}
	if kind != ObjectDir {
		return 0, syserr.ErrInvalidArgument
	}
	if err := vfs.ValidateRelative(rel); err != nil {
		return 0, err
	}

	eff := rights & dirRights
	if rights == 0 {
		eff = dirRights
	}

	full, err := vfs.Join(base, rel)
	if err != nil {
		return 0, err
	}
	return t.openPath(full, eff, false)
}

// openPath finishes an open against a normalized absolute path. defaulted
// controls whether a zero rights mask may expand to the kind's default
// bundle; derived opens pass their mask through literally.
func (t *Table) openPath(norm string, rights Rights, defaulted bool) (Handle, error) {
	wantWrite := rights.Has(RightWrite)

	res, err := t.reg.router.Resolve(norm)
	if err != nil {
		return 0, err
	}
	if wantWrite && res.ReadOnly {
		return 0, fmt.Errorf("open %s: %w", norm, syserr.ErrReadOnly)
	}

	info, err := t.reg.router.Stat(norm)
	switch {
	case err == nil && info.Kind == vfs.KindDirectory:
		if wantWrite {
			return 0, syserr.ErrNotSupported
		}
		return t.dirHandle(norm, rights, defaulted)

	case err == nil:
		data, err := t.reg.router.ReadFile(norm)
		if err != nil {
			return 0, err
		}
		return t.fileHandle(norm, data, rights, wantWrite, defaulted)

	case errors.Is(err, syserr.ErrNotFound) && wantWrite:
		return t.fileHandle(norm, nil, rights, true, defaulted)

	default:
		return 0, err
	}
}

// dirHandle installs a directory handle. Directory handles must keep at
// least one of Enum or Lookup or they could never be used for anything.
func (t *Table) dirHandle(path string, rights Rights, defaulted bool) (Handle, error) {
	eff := rights
	if eff == 0 && defaulted {
		eff = DirRead
	}
	if eff&(RightEnum|RightLookup) == 0 {
		return 0, syserr.ErrInvalidArgument
	}
	h := t.put(newDirObject(t.reg.router, path), eff)
	t.reg.logger.Debug("dir opened",
		zap.Uint64("task", uint64(t.task)),
		zap.String("path", path),
		zap.Stringer("rights", eff))
	return h, nil
}

// fileHandle installs a file handle around buffered contents. Read-less,
// write-less file handles are useless and rejected.
func (t *Table) fileHandle(path string, data []byte, rights Rights, wantWrite, defaulted bool) (Handle, error) {
	eff := rights
	if eff == 0 && defaulted {
		if wantWrite {
			eff = FileRW
		} else {
			eff = FileRead
		}
	}
	if !wantWrite && !eff.Has(RightRead) {
		return 0, syserr.ErrInvalidArgument
	}
	h := t.put(newFileObject(t.reg.router, path, data), eff)
	t.reg.logger.Debug("file opened",
		zap.Uint64("task", uint64(t.task)),
		zap.String("path", path),
		zap.Int("size", len(data)),
		zap.Stringer("rights", eff))
	return h, nil
}

// Restrict derives a new handle with exactly newRights on the same object.
// Widening is denied; the source handle stays open and unchanged.
func (t *Table) Restrict(h Handle, newRights Rights) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	if newRights&^s.rights != 0 {
		return 0, syserr.ErrPermissionDenied
	}
	s.obj.Retain()
	return t.insert(s.obj, newRights), nil
}

// Read copies up to max bytes from the handle's cursor. Files at EOF read
// empty; pipe reads can fail with ErrWouldBlock, which callers turn into a
// parked wait.
func (t *Table) Read(h Handle, max uint64) ([]byte, error) {
	t.mu.Lock()
	s, err := t.get(h)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if !s.rights.Has(RightRead) {
		t.mu.Unlock()
		return nil, syserr.ErrPermissionDenied
	}
	obj := s.obj
	if obj.kind == ObjectFile {
		out := obj.readAt(s.pos, max)
		s.pos += uint64(len(out))
		t.mu.Unlock()
		return out, nil
	}
	t.mu.Unlock()

	if obj.kind == ObjectPipeRead {
		return obj.pipes.Read(obj.pipeID, int(max))
	}
	return nil, syserr.ErrNotSupported
}

// Write appends data at the handle's cursor. File writes land in the
// write-back buffer; pipe writes fail with ErrBrokenPipe once the read side
// is gone.
func (t *Table) Write(h Handle, data []byte) (uint64, error) {
	t.mu.Lock()
	s, err := t.get(h)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if !s.rights.Has(RightWrite) {
		t.mu.Unlock()
		return 0, syserr.ErrPermissionDenied
	}
	obj := s.obj
	if obj.kind == ObjectFile {
		s.pos = obj.writeAt(s.pos, data)
		t.mu.Unlock()
		return uint64(len(data)), nil
	}
	t.mu.Unlock()

	if obj.kind == ObjectPipeWrite {
		n, err := obj.pipes.Write(obj.pipeID, data)
		return uint64(n), err
	}
	return 0, syserr.ErrNotSupported
}

// Seek moves the handle's cursor. Only files seek; the result is clamped to
// [0, size].
func (t *Table) Seek(h Handle, offset int64, whence uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	if !s.rights.Has(RightSeek) {
		return 0, syserr.ErrPermissionDenied
	}
	if s.obj.kind != ObjectFile {
		return 0, syserr.ErrNotSupported
	}

	size := int64(s.obj.size())
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(s.pos)
	case SeekEnd:
		base = size
	default:
		return 0, syserr.ErrInvalidArgument
	}
	pos := base + offset
	if pos < 0 {
		pos = 0
	}
	if pos > size {
		pos = size
	}
	s.pos = uint64(pos)
	return s.pos, nil
}

// Stat reports size, kind and the handle's own rights. Size is the buffered
// length, so directories and pipe ends stat as zero.
func (t *Table) Stat(h Handle) (Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return Stat{}, err
	}
	if !s.rights.Has(RightStat) {
		return Stat{}, syserr.ErrPermissionDenied
	}
	return Stat{Size: s.obj.size(), Kind: s.obj.kind, Rights: s.rights}, nil
}

// Enum renders a directory handle's entries into at most max bytes, one
// name per line with directories suffixed by a slash. Entries that do not
// fit whole are dropped, never split.
func (t *Table) Enum(h Handle, max uint64) ([]byte, error) {
	t.mu.Lock()
	s, err := t.get(h)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if !s.rights.Has(RightEnum) {
		t.mu.Unlock()
		return nil, syserr.ErrPermissionDenied
	}
	if s.obj.kind != ObjectDir {
		t.mu.Unlock()
		return nil, syserr.ErrInvalidArgument
	}
	path := s.obj.path
	t.mu.Unlock()

	names, err := t.reg.router.List(path)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 64)
	for _, name := range names {
		line := name
		if child, err := vfs.Join(path, name); err == nil {
			if info, err := t.reg.router.Stat(child); err == nil && info.Kind == vfs.KindDirectory {
				line += "/"
			}
		}
		line += "\n"
		if uint64(len(out)+len(line)) > max {
			break
		}
		out = append(out, line...)
	}
	return out, nil
}

// childPath validates a create/delete style request against a directory
// handle and returns the absolute child path.
func (t *Table) childPath(dir Handle, name string, want Rights) (string, error) {
	t.mu.Lock()
	s, err := t.get(dir)
	if err != nil {
		t.mu.Unlock()
		return "", err
	}
	rights := s.rights
	kind := s.obj.kind
	base := s.obj.path
	t.mu.Unlock()

	if !rights.Has(want) {
		return "", syserr.ErrPermissionDenied
	}
	if kind != ObjectDir {
		return "", syserr.ErrInvalidArgument
	}
	if err := vfs.ValidateEntryName(name); err != nil {
		return "", err
	}
	if base == "" || base == "/" {
		return "/" + name, nil
	}
	return base + "/" + name, nil
}

// CreateChild creates (or truncates) a file under a directory handle and
// returns a read-write handle to it.
func (t *Table) CreateChild(dir Handle, name string) (Handle, error) {
	path, err := t.childPath(dir, name, RightCreateChild)
	if err != nil {
		return 0, err
	}
	if err := t.reg.router.Create(path); err != nil {
		return 0, err
	}
	return t.put(newFileObject(t.reg.router, path, nil), FileRW), nil
}

// DeleteChild removes the named file, falling back to removing it as an
// empty directory.
func (t *Table) DeleteChild(dir Handle, name string) error {
	path, err := t.childPath(dir, name, RightDeleteChild)
	if err != nil {
		return err
	}
	if err := t.reg.router.RemoveFile(path); err == nil {
		return nil
	}
	return t.reg.router.RemoveDir(path)
}

// Mkdir creates a subdirectory under a directory handle.
func (t *Table) Mkdir(dir Handle, name string) error {
	path, err := t.childPath(dir, name, RightCreateChild)
	if err != nil {
		return err
	}
	return t.reg.router.Mkdir(path)
}

// NewPipe creates a pipe and returns its read and write handles. Each end
// carries exactly the one right it needs.
func (t *Table) NewPipe() (Handle, Handle) {
	id := t.reg.pipes.Create()
	t.mu.Lock()
	defer t.mu.Unlock()
	rh := t.insert(newPipeObject(t.reg.pipes, id, ObjectPipeRead), RightRead)
	wh := t.insert(newPipeObject(t.reg.pipes, id, ObjectPipeWrite), RightWrite)
	return rh, wh
}

// Delegate hands out the handle's object and rights for IPC attachment,
// retaining the object once on the future receiver's behalf. The sender's
// own handle is untouched.
func (t *Table) Delegate(h Handle) (*Object, Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return nil, 0, err
	}
	s.obj.Retain()
	return s.obj, s.rights, nil
}

// Adopt installs a delegated object into this table, taking over the
// reference retained at send time. The cursor starts fresh.
func (t *Table) Adopt(obj *Object, rights Rights) Handle {
	return t.put(obj, rights)
}

// Close frees the slot and drops the object reference. The last reference
// across every table flushes write-back data, so this can surface backend
// errors.
func (t *Table) Close(h Handle) error {
	t.mu.Lock()
	idx := int(h) - 1
	if h == 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		t.mu.Unlock()
		return syserr.ErrInvalidHandle
	}
	s := t.slots[idx]
	t.slots[idx] = nil
	t.mu.Unlock()
	return s.obj.Release()
}

// closeAll releases every open slot. Returns how many closed and how many
// failed to flush.
func (t *Table) closeAll() (closed, failed int) {
	t.mu.Lock()
	open := make([]*slot, 0, len(t.slots))
	for i, s := range t.slots {
		if s != nil {
			open = append(open, s)
			t.slots[i] = nil
		}
	}
	t.mu.Unlock()

	for _, s := range open {
		if err := s.obj.Release(); err != nil {
			failed++
		}
	}
	return len(open) - failed, failed
}
