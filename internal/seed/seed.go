// Package seed populates the mounted filesystem tree from a host
// directory at boot: programs, configuration and demo data land in memfs
// before the first task runs.
package seed

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
)

// Options selects what to copy. Include/Exclude are doublestar globs
// matched against the slash-separated path relative to From; an empty
// include list takes everything.
type Options struct {
	From    string
	To      string
	Include []string
	Exclude []string
}

// Result summarizes one seeding run. Digests maps the target path of every
// written file to its blake2b-256 hex digest.
type Result struct {
	Files   int
	Bytes   uint64
	Digests map[string]string
}

// Run walks Options.From and writes every selected file into the router
// under Options.To, creating intermediate directories as needed.
func Run(router *vfs.Router, opts Options, logger *logging.Logger) (Result, error) {
	res := Result{Digests: make(map[string]string)}
	if !strings.HasPrefix(opts.To, "/") {
		return res, fmt.Errorf("seed target must be absolute, got %q", opts.To)
	}

	root, err := filepath.Abs(opts.From)
	if err != nil {
		return res, fmt.Errorf("failed to resolve seed source: %w", err)
	}

	type entry struct {
		rel  string
		data []byte
	}
	var (
		mu      sync.Mutex
		entries []entry
	)

	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !selected(rel, opts.Include, opts.Exclude) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		mu.Lock()
		entries = append(entries, entry{rel: rel, data: data})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("seed walk failed: %w", err)
	}

	// Deterministic write order regardless of walk parallelism.
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	for _, e := range entries {
		target := path.Join(opts.To, e.rel)
		if err := mkdirAll(router, path.Dir(target)); err != nil {
			return res, err
		}
		if err := router.WriteFile(target, e.data); err != nil {
			return res, fmt.Errorf("failed to seed %s: %w", target, err)
		}
		sum := blake2b.Sum256(e.data)
		digest := hex.EncodeToString(sum[:])
		res.Files++
		res.Bytes += uint64(len(e.data))
		res.Digests[target] = digest
		logger.Info("seeded file",
			zap.String("path", target),
			zap.Int("bytes", len(e.data)),
			zap.String("blake2b", digest))
	}
	return res, nil
}

func selected(rel string, include, exclude []string) bool {
	for _, pat := range exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pat := range include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// mkdirAll creates every missing ancestor of dir in the mounted tree.
func mkdirAll(router *vfs.Router, dir string) error {
	if dir == "/" || dir == "" {
		return nil
	}
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		err := router.Mkdir(cur)
		if err != nil && !errors.Is(err, syserr.ErrAlreadyExists) {
			return fmt.Errorf("failed to create %s: %w", cur, err)
		}
	}
	return nil
}
