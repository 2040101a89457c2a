package vfs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// shareServer is a minimal in-memory implementation of the remotefs wire
// protocol, standing in for an out-of-kernel file server.
type shareServer struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func newShareServer() *shareServer {
	return &shareServer{files: map[string][]byte{}, dirs: map[string]bool{"": true}}
}

func (s *shareServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := r.URL.Query().Get("path")

	switch r.URL.Path {
	case "/stat":
		if s.dirs[path] {
			body, _ := sonic.Marshal(remoteStat{Kind: "directory"})
			w.Write(body)
			return
		}
		if data, ok := s.files[path]; ok {
			body, _ := sonic.Marshal(remoteStat{Kind: "file", Size: uint64(len(data))})
			w.Write(body)
			return
		}
		http.NotFound(w, r)
	case "/file":
		switch r.Method {
		case http.MethodGet:
			data, ok := s.files[path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			s.files[path] = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if _, ok := s.files[path]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(s.files, path)
			w.WriteHeader(http.StatusNoContent)
		}
	case "/list":
		if !s.dirs[path] {
			http.NotFound(w, r)
			return
		}
		var names []string
		prefix := ""
		if path != "" {
			prefix = path + "/"
		}
		seen := map[string]bool{}
		for f := range s.files {
			if strings.HasPrefix(f, prefix) {
				rest := strings.TrimPrefix(f, prefix)
				if !strings.Contains(rest, "/") && !seen[rest] {
					names = append(names, rest)
					seen[rest] = true
				}
			}
		}
		sort.Strings(names)
		body, _ := sonic.Marshal(names)
		w.Write(body)
	case "/create":
		s.files[path] = nil
		w.WriteHeader(http.StatusCreated)
	case "/mkdir":
		if s.dirs[path] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		s.dirs[path] = true
		w.WriteHeader(http.StatusCreated)
	case "/dir":
		if r.Method == http.MethodDelete {
			delete(s.dirs, path)
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestRemote(t *testing.T) (*RemoteFS, *shareServer) {
	t.Helper()
	share := newShareServer()
	srv := httptest.NewServer(share)
	t.Cleanup(srv.Close)
	return NewRemoteFS(srv.URL, RemoteConfig{RetryMax: -1}), share
}

func TestRemoteFSRoundTrip(t *testing.T) {
	fs, _ := newTestRemote(t)

	require.NoError(t, fs.Mkdir("docs"))
	require.NoError(t, fs.WriteFile("docs/readme", []byte("remote bytes")))

	out, err := fs.ReadFile("docs/readme")
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(out))

	info, err := fs.Stat("docs/readme")
	require.NoError(t, err)
	assert.Equal(t, KindFile, info.Kind)
	assert.Equal(t, uint64(12), info.Size)

	info, err = fs.Stat("docs")
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, info.Kind)

	names, err := fs.List("docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"readme"}, names)

	require.NoError(t, fs.RemoveFile("docs/readme"))
	_, err = fs.ReadFile("docs/readme")
	assert.ErrorIs(t, err, syserr.ErrNotFound)
	require.NoError(t, fs.RemoveDir("docs"))
}

func TestRemoteFSErrorMapping(t *testing.T) {
	fs, _ := newTestRemote(t)

	_, err := fs.ReadFile("nope")
	assert.ErrorIs(t, err, syserr.ErrNotFound)
	_, err = fs.Stat("nope")
	assert.ErrorIs(t, err, syserr.ErrNotFound)

	require.NoError(t, fs.Mkdir("d"))
	assert.ErrorIs(t, fs.Mkdir("d"), syserr.ErrAlreadyExists)
}

func TestRemoteFSBreakerTripsOnDeadShare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	fs := NewRemoteFS(srv.URL, RemoteConfig{RetryMax: -1})

	// Hammer until the breaker trips, then calls fail without traffic.
	for i := 0; i < 10; i++ {
		_, err := fs.ReadFile("f")
		assert.ErrorIs(t, err, syserr.ErrIO)
	}
	_, err := fs.ReadFile("f")
	assert.ErrorIs(t, err, syserr.ErrIO)
}

func TestRemoteFSThroughRouter(t *testing.T) {
	fs, _ := newTestRemote(t)
	r := NewRouter(logging.Nop())
	require.NoError(t, r.Mount("/srv", fs, false))

	require.NoError(t, r.WriteFile("/srv/hello", []byte("hi")))
	out, err := r.ReadFile("/srv/hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))
}
