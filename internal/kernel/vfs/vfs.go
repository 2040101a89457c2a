// Package vfs routes filesystem paths to mounted backends.
//
// A Router owns an ordered mount table and resolves absolute paths by
// longest matching prefix, handing backends paths relative to their mount
// point. Read-only is a property of the mount, enforced here for every
// mutation regardless of what rights a handle carries. The backend variants
// are closed: memfs (file-backed), procfs (pseudo, read-only) and remotefs
// (network share).
package vfs

import (
	"strings"

	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// Kind distinguishes node types. Values are part of the stat ABI.
type Kind uint32

const (
	KindFile Kind = iota
	KindDirectory
)

// String returns the kind name used in listings and logs.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Info describes a resolved node.
type Info struct {
	Kind Kind
	Size uint64
}

// Backend is a mounted filesystem. Paths arrive already normalized and
// relative to the mount point, without a leading slash; "" is the mount
// root. Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend variant in mount tables and logs.
	Name() string

	Stat(rel string) (Info, error)
	ReadFile(rel string) ([]byte, error)
	// WriteFile replaces the file's contents, creating it when absent.
	// The parent directory must exist.
	WriteFile(rel string, data []byte) error
	// List returns the sorted child names of a directory.
	List(rel string) ([]string, error)
	// Create makes an empty file, truncating any existing one.
	Create(rel string) error
	// RemoveFile unlinks a file; RemoveDir removes an empty directory.
	RemoveFile(rel string) error
	RemoveDir(rel string) error
	Mkdir(rel string) error
}

// Normalize cleans an absolute path: collapses repeated slashes, drops "."
// components, requires a leading slash, and rejects any upward traversal.
// The result never has a trailing slash except for "/" itself.
func Normalize(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", syserr.ErrInvalidArgument
	}
	parts := make([]string, 0, 8)
	for _, c := range strings.Split(path, "/") {
		switch c {
		case "", ".":
		case "..":
			return "", syserr.ErrPathTraversal
		default:
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(parts, "/"), nil
}

// ValidateRelative checks a path used relative to a directory handle.
// Absolute paths are an argument error; "." and ".." components are
// traversal attempts. Empty components collapse later in Normalize.
func ValidateRelative(rel string) error {
	if rel == "" || rel[0] == '/' {
		return syserr.ErrInvalidArgument
	}
	for _, c := range strings.Split(rel, "/") {
		switch c {
		case ".", "..":
			return syserr.ErrPathTraversal
		}
	}
	return nil
}

// ValidateEntryName checks a single directory entry name for create, mkdir
// and unlink.
func ValidateEntryName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return syserr.ErrInvalidArgument
	}
	if name == "." || name == ".." {
		return syserr.ErrPathTraversal
	}
	return nil
}

// Join appends a validated relative path to a normalized absolute one.
func Join(dir, rel string) (string, error) {
	if err := ValidateRelative(rel); err != nil {
		return "", err
	}
	if dir == "/" {
		return Normalize("/" + rel)
	}
	return Normalize(dir + "/" + rel)
}
