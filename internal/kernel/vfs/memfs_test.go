package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

func TestMemFSFiles(t *testing.T) {
	fs := NewMemFS()

	_, err := fs.ReadFile("missing")
	assert.ErrorIs(t, err, syserr.ErrNotFound)

	require.NoError(t, fs.WriteFile("motd", []byte("hello")))
	out, err := fs.ReadFile("motd")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	info, err := fs.Stat("motd")
	require.NoError(t, err)
	assert.Equal(t, KindFile, info.Kind)
	assert.Equal(t, uint64(5), info.Size)

	// WriteFile replaces contents.
	require.NoError(t, fs.WriteFile("motd", []byte("x")))
	info, err = fs.Stat("motd")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Size)

	// Returned bytes are a copy.
	out, _ = fs.ReadFile("motd")
	out[0] = 'z'
	again, _ := fs.ReadFile("motd")
	assert.Equal(t, byte('x'), again[0])
}

func TestMemFSDirectories(t *testing.T) {
	fs := NewMemFS()

	require.NoError(t, fs.Mkdir("etc"))
	require.NoError(t, fs.Mkdir("etc/conf.d"))
	require.NoError(t, fs.WriteFile("etc/motd", []byte("hi")))
	require.NoError(t, fs.WriteFile("etc/hosts", []byte("")))

	info, err := fs.Stat("")
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, info.Kind)

	names, err := fs.List("etc")
	require.NoError(t, err)
	assert.Equal(t, []string{"conf.d", "hosts", "motd"}, names)

	assert.ErrorIs(t, fs.Mkdir("etc"), syserr.ErrAlreadyExists)

	_, err = fs.List("etc/motd")
	assert.ErrorIs(t, err, syserr.ErrNotADirectory)
	_, err = fs.ReadFile("etc")
	assert.ErrorIs(t, err, syserr.ErrIsADirectory)

	// Walking through a file fails.
	_, err = fs.Stat("etc/motd/child")
	assert.ErrorIs(t, err, syserr.ErrNotADirectory)
}

func TestMemFSCreateTruncates(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, fs.WriteFile("f", []byte("full")))
	require.NoError(t, fs.Create("f"))
	info, err := fs.Stat("f")
	require.NoError(t, err)
	assert.Zero(t, info.Size)

	// Create requires the parent to exist.
	assert.ErrorIs(t, fs.Create("nodir/f"), syserr.ErrNotFound)
}

func TestMemFSRemove(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, fs.Mkdir("d"))
	require.NoError(t, fs.WriteFile("d/f", []byte("x")))

	assert.ErrorIs(t, fs.RemoveFile("d"), syserr.ErrIsADirectory)
	assert.ErrorIs(t, fs.RemoveDir("d/f"), syserr.ErrNotADirectory)
	assert.ErrorIs(t, fs.RemoveDir("d"), syserr.ErrInvalidArgument) // not empty

	require.NoError(t, fs.RemoveFile("d/f"))
	assert.ErrorIs(t, fs.RemoveFile("d/f"), syserr.ErrNotFound)
	require.NoError(t, fs.RemoveDir("d"))
	_, err := fs.Stat("d")
	assert.ErrorIs(t, err, syserr.ErrNotFound)
}

func TestMemFSWriteFileIntoMissingParent(t *testing.T) {
	fs := NewMemFS()
	assert.ErrorIs(t, fs.WriteFile("a/b/c", []byte("x")), syserr.ErrNotFound)
}
