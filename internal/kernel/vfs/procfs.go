package vfs

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// ProcSources supplies the snapshots procfs renders. Each entry becomes one
// file under the mount; nil entries are simply absent. Values marshal to
// JSON at read time, so readers always see current state.
type ProcSources struct {
	Tasks   func() any
	MemInfo func() any
	Mounts  func() any
	IPC     func() any
}

// ProcFS is the pseudo variant: a flat read-only directory of kernel state
// files. The router strips the mount prefix, so this backend only ever sees
// bare file names.
type ProcFS struct {
	files map[string]func() any
}

// NewProcFS builds the file table from the provided sources.
func NewProcFS(src ProcSources) *ProcFS {
	files := make(map[string]func() any)
	if src.Tasks != nil {
		files["tasks"] = src.Tasks
	}
	if src.MemInfo != nil {
		files["meminfo"] = src.MemInfo
	}
	if src.Mounts != nil {
		files["mounts"] = src.Mounts
	}
	if src.IPC != nil {
		files["ipc"] = src.IPC
	}
	return &ProcFS{files: files}
}

// Name implements Backend.
func (p *ProcFS) Name() string { return "procfs" }

func (p *ProcFS) render(name string) ([]byte, error) {
	src, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, syserr.ErrNotFound)
	}
	out, err := sonic.Marshal(src())
	if err != nil {
		return nil, fmt.Errorf("render %q: %w", name, syserr.ErrIO)
	}
	return out, nil
}

// Stat implements Backend. Sizes reflect the current render.
func (p *ProcFS) Stat(rel string) (Info, error) {
	if rel == "" {
		return Info{Kind: KindDirectory}, nil
	}
	out, err := p.render(rel)
	if err != nil {
		return Info{}, err
	}
	return Info{Kind: KindFile, Size: uint64(len(out))}, nil
}

// ReadFile implements Backend.
func (p *ProcFS) ReadFile(rel string) ([]byte, error) {
	if rel == "" {
		return nil, fmt.Errorf("mount root: %w", syserr.ErrIsADirectory)
	}
	return p.render(rel)
}

// List implements Backend.
func (p *ProcFS) List(rel string) ([]string, error) {
	if rel != "" {
		if _, ok := p.files[rel]; ok {
			return nil, fmt.Errorf("%q: %w", rel, syserr.ErrNotADirectory)
		}
		return nil, fmt.Errorf("%q: %w", rel, syserr.ErrNotFound)
	}
	names := make([]string, 0, len(p.files))
	for name := range p.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// The pseudo filesystem has no mutable state; the mount is read-only as
// well, so these are unreachable through the router.

func (p *ProcFS) WriteFile(string, []byte) error { return syserr.ErrNotSupported }
func (p *ProcFS) Create(string) error            { return syserr.ErrNotSupported }
func (p *ProcFS) RemoveFile(string) error        { return syserr.ErrNotSupported }
func (p *ProcFS) RemoveDir(string) error         { return syserr.ErrNotSupported }
func (p *ProcFS) Mkdir(string) error             { return syserr.ErrNotSupported }
