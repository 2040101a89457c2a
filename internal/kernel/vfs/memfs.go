package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// MemFS is the file-backed variant: a plain in-memory tree. It backs the
// root mount and anything the boot image seeds.
type MemFS struct {
	mu   sync.RWMutex
	root *memNode
}

type memNode struct {
	kind     Kind
	data     []byte
	children map[string]*memNode
}

func newDirNode() *memNode {
	return &memNode{kind: KindDirectory, children: make(map[string]*memNode)}
}

// NewMemFS returns an empty tree with just the root directory.
func NewMemFS() *MemFS {
	return &MemFS{root: newDirNode()}
}

// Name implements Backend.
func (m *MemFS) Name() string { return "memfs" }

// walk resolves rel to a node. Caller holds at least a read lock.
func (m *MemFS) walk(rel string) (*memNode, error) {
	node := m.root
	if rel == "" {
		return node, nil
	}
	for _, c := range strings.Split(rel, "/") {
		if node.kind != KindDirectory {
			return nil, fmt.Errorf("%q: %w", rel, syserr.ErrNotADirectory)
		}
		next, ok := node.children[c]
		if !ok {
			return nil, fmt.Errorf("%q: %w", rel, syserr.ErrNotFound)
		}
		node = next
	}
	return node, nil
}

// walkParent resolves the directory containing rel's last component.
func (m *MemFS) walkParent(rel string) (*memNode, string, error) {
	if rel == "" {
		return nil, "", fmt.Errorf("mount root: %w", syserr.ErrInvalidArgument)
	}
	dir, name := "", rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		dir, name = rel[:i], rel[i+1:]
	}
	parent, err := m.walk(dir)
	if err != nil {
		return nil, "", err
	}
	if parent.kind != KindDirectory {
		return nil, "", fmt.Errorf("%q: %w", dir, syserr.ErrNotADirectory)
	}
	return parent, name, nil
}

// Stat implements Backend.
func (m *MemFS) Stat(rel string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, err := m.walk(rel)
	if err != nil {
		return Info{}, err
	}
	info := Info{Kind: node.kind}
	if node.kind == KindFile {
		info.Size = uint64(len(node.data))
	}
	return info, nil
}

// ReadFile implements Backend.
func (m *MemFS) ReadFile(rel string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, err := m.walk(rel)
	if err != nil {
		return nil, err
	}
	if node.kind != KindFile {
		return nil, fmt.Errorf("%q: %w", rel, syserr.ErrIsADirectory)
	}
	out := make([]byte, len(node.data))
	copy(out, node.data)
	return out, nil
}

// WriteFile implements Backend.
func (m *MemFS) WriteFile(rel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.walkParent(rel)
	if err != nil {
		return err
	}
	node, ok := parent.children[name]
	if !ok {
		node = &memNode{kind: KindFile}
		parent.children[name] = node
	}
	if node.kind != KindFile {
		return fmt.Errorf("%q: %w", rel, syserr.ErrIsADirectory)
	}
	node.data = make([]byte, len(data))
	copy(node.data, data)
	return nil
}

// List implements Backend.
func (m *MemFS) List(rel string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, err := m.walk(rel)
	if err != nil {
		return nil, err
	}
	if node.kind != KindDirectory {
		return nil, fmt.Errorf("%q: %w", rel, syserr.ErrNotADirectory)
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Create implements Backend.
func (m *MemFS) Create(rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.walkParent(rel)
	if err != nil {
		return err
	}
	if node, ok := parent.children[name]; ok && node.kind != KindFile {
		return fmt.Errorf("%q: %w", rel, syserr.ErrIsADirectory)
	}
	parent.children[name] = &memNode{kind: KindFile}
	return nil
}

// RemoveFile implements Backend.
func (m *MemFS) RemoveFile(rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.walkParent(rel)
	if err != nil {
		return err
	}
	node, ok := parent.children[name]
	if !ok {
		return fmt.Errorf("%q: %w", rel, syserr.ErrNotFound)
	}
	if node.kind != KindFile {
		return fmt.Errorf("%q: %w", rel, syserr.ErrIsADirectory)
	}
	delete(parent.children, name)
	return nil
}

// RemoveDir implements Backend.
func (m *MemFS) RemoveDir(rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.walkParent(rel)
	if err != nil {
		return err
	}
	node, ok := parent.children[name]
	if !ok {
		return fmt.Errorf("%q: %w", rel, syserr.ErrNotFound)
	}
	if node.kind != KindDirectory {
		return fmt.Errorf("%q: %w", rel, syserr.ErrNotADirectory)
	}
	if len(node.children) > 0 {
		return fmt.Errorf("%q not empty: %w", rel, syserr.ErrInvalidArgument)
	}
	delete(parent.children, name)
	return nil
}

// Mkdir implements Backend.
func (m *MemFS) Mkdir(rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.walkParent(rel)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return fmt.Errorf("%q: %w", rel, syserr.ErrAlreadyExists)
	}
	parent.children[name] = newDirNode()
	return nil
}
