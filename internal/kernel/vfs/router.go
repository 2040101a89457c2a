package vfs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// Router is the mount table. Prefixes are unique normalized absolute paths;
// resolution picks the longest prefix that matches on a component boundary.
type Router struct {
	mu     sync.RWMutex
	mounts []mountEntry // sorted by prefix length, longest first
	logger *logging.Logger
}

type mountEntry struct {
	prefix   string
	backend  Backend
	readOnly bool
}

// MountInfo is the introspection view of one mount.
type MountInfo struct {
	Prefix   string `json:"prefix"`
	Backend  string `json:"backend"`
	ReadOnly bool   `json:"read_only"`
}

// Resolved is the outcome of routing one absolute path.
type Resolved struct {
	Backend  Backend
	ReadOnly bool
	Prefix   string
	Rel      string // path inside the mount, "" is the mount root
}

// NewRouter returns an empty mount table.
func NewRouter(logger *logging.Logger) *Router {
	return &Router{logger: logger}
}

// Mount attaches a backend at prefix. Duplicate prefixes fail with
// ErrAlreadyExists; use Remount to replace.
func (r *Router) Mount(prefix string, b Backend, readOnly bool) error {
	norm, err := Normalize(prefix)
	if err != nil {
		return fmt.Errorf("mount %q: %w", prefix, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mounts {
		if m.prefix == norm {
			return fmt.Errorf("mount %q: %w", norm, syserr.ErrAlreadyExists)
		}
	}
	r.insert(mountEntry{prefix: norm, backend: b, readOnly: readOnly})
	r.logger.Info("mounted",
		zap.String("prefix", norm),
		zap.String("backend", b.Name()),
		zap.Bool("read_only", readOnly))
	return nil
}

// Remount replaces the backend at prefix, or mounts it fresh. This is how a
// filesystem daemon takes over a subtree at runtime.
func (r *Router) Remount(prefix string, b Backend, readOnly bool) error {
	norm, err := Normalize(prefix)
	if err != nil {
		return fmt.Errorf("remount %q: %w", prefix, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.mounts {
		if m.prefix == norm {
			r.mounts[i].backend = b
			r.mounts[i].readOnly = readOnly
			r.logger.Info("remounted",
				zap.String("prefix", norm),
				zap.String("backend", b.Name()),
				zap.Bool("read_only", readOnly))
			return nil
		}
	}
	r.insert(mountEntry{prefix: norm, backend: b, readOnly: readOnly})
	r.logger.Info("mounted",
		zap.String("prefix", norm),
		zap.String("backend", b.Name()),
		zap.Bool("read_only", readOnly))
	return nil
}

// insert keeps mounts ordered longest-prefix first. Caller holds the lock.
func (r *Router) insert(m mountEntry) {
	r.mounts = append(r.mounts, m)
	sort.SliceStable(r.mounts, func(i, j int) bool {
		return len(r.mounts[i].prefix) > len(r.mounts[j].prefix)
	})
}

// Resolve normalizes path and routes it to the longest matching mount.
func (r *Router) Resolve(path string) (Resolved, error) {
	norm, err := Normalize(path)
	if err != nil {
		return Resolved{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mounts {
		rel, ok := matchPrefix(norm, m.prefix)
		if !ok {
			continue
		}
		return Resolved{
			Backend:  m.backend,
			ReadOnly: m.readOnly,
			Prefix:   m.prefix,
			Rel:      rel,
		}, nil
	}
	return Resolved{}, fmt.Errorf("resolve %q: %w", norm, syserr.ErrNotFound)
}

// matchPrefix reports whether norm lives under prefix and returns the
// remainder. Matches only on component boundaries: "/proc" does not own
// "/procfoo".
func matchPrefix(norm, prefix string) (string, bool) {
	if prefix == "/" {
		if norm == "/" {
			return "", true
		}
		return norm[1:], true
	}
	if norm == prefix {
		return "", true
	}
	if len(norm) > len(prefix) && norm[:len(prefix)] == prefix && norm[len(prefix)] == '/' {
		return norm[len(prefix)+1:], true
	}
	return "", false
}

// Mounts returns the table for introspection, longest prefix first.
func (r *Router) Mounts() []MountInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MountInfo, 0, len(r.mounts))
	for _, m := range r.mounts {
		out = append(out, MountInfo{Prefix: m.prefix, Backend: m.backend.Name(), ReadOnly: m.readOnly})
	}
	return out
}

// Stat resolves and stats a node.
func (r *Router) Stat(path string) (Info, error) {
	res, err := r.Resolve(path)
	if err != nil {
		return Info{}, err
	}
	return res.Backend.Stat(res.Rel)
}

// ReadFile resolves and reads a whole file.
func (r *Router) ReadFile(path string) ([]byte, error) {
	res, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	return res.Backend.ReadFile(res.Rel)
}

// List resolves and lists a directory.
func (r *Router) List(path string) ([]string, error) {
	res, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	return res.Backend.List(res.Rel)
}

// WriteFile resolves and replaces file contents. Fails on read-only mounts
// before touching the backend.
func (r *Router) WriteFile(path string, data []byte) error {
	res, err := r.writable(path)
	if err != nil {
		return err
	}
	return res.Backend.WriteFile(res.Rel, data)
}

// Create resolves and creates an empty file, truncating an existing one.
func (r *Router) Create(path string) error {
	res, err := r.writable(path)
	if err != nil {
		return err
	}
	return res.Backend.Create(res.Rel)
}

// RemoveFile unlinks a file.
func (r *Router) RemoveFile(path string) error {
	res, err := r.writable(path)
	if err != nil {
		return err
	}
	return res.Backend.RemoveFile(res.Rel)
}

// RemoveDir removes an empty directory.
func (r *Router) RemoveDir(path string) error {
	res, err := r.writable(path)
	if err != nil {
		return err
	}
	return res.Backend.RemoveDir(res.Rel)
}

// Mkdir creates a directory.
func (r *Router) Mkdir(path string) error {
	res, err := r.writable(path)
	if err != nil {
		return err
	}
	return res.Backend.Mkdir(res.Rel)
}

func (r *Router) writable(path string) (Resolved, error) {
	res, err := r.Resolve(path)
	if err != nil {
		return Resolved{}, err
	}
	if res.ReadOnly {
		return Resolved{}, fmt.Errorf("%s: %w", res.Prefix, syserr.ErrReadOnly)
	}
	return res, nil
}
