package cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/pipe"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
)

func newTestRegistry(t *testing.T) (*Registry, *vfs.Router, *pipe.Registry) {
	t.Helper()
	router := vfs.NewRouter(logging.Nop())
	root := vfs.NewMemFS()
	require.NoError(t, router.Mount("/", root, false))
	require.NoError(t, router.Mkdir("/data"))
	require.NoError(t, router.Mkdir("/data/logs"))
	require.NoError(t, router.WriteFile("/data/hello.txt", []byte("hello world")))

	frozen := vfs.NewMemFS()
	require.NoError(t, frozen.WriteFile("frozen.txt", []byte("immutable")))
	require.NoError(t, router.Mount("/ro", frozen, true))

	pipes := pipe.NewRegistry(logging.Nop())
	return NewRegistry(router, pipes, logging.Nop()), router, pipes
}

func TestOpenDefaultRights(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/hello.txt", 0)
	require.NoError(t, err)
	st, err := tbl.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, FileRead, st.Rights)
	assert.Equal(t, ObjectFile, st.Kind)
	assert.Equal(t, uint64(11), st.Size)

	d, err := tbl.Open("/data", 0)
	require.NoError(t, err)
	st, err = tbl.Stat(d)
	require.NoError(t, err)
	assert.Equal(t, DirRead, st.Rights)
	assert.Equal(t, ObjectDir, st.Kind)
	assert.Equal(t, uint64(0), st.Size)

	root, err := tbl.Open("/", 0)
	require.NoError(t, err)
	rights, err := tbl.Rights(root)
	require.NoError(t, err)
	assert.Equal(t, DirRead, rights)
}

func TestOpenValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	cases := []struct {
		name   string
		path   string
		rights Rights
		want   error
	}{
		{"write intent on a directory", "/data", FileRW, syserr.ErrNotSupported},
		{"file handle without read or write", "/data/hello.txt", RightSeek, syserr.ErrInvalidArgument},
		{"dir handle without enum or lookup", "/data", RightStat, syserr.ErrInvalidArgument},
		{"missing file without write", "/data/nope.txt", 0, syserr.ErrNotFound},
		{"missing file on read-only mount", "/ro/new.txt", FileRW, syserr.ErrReadOnly},
		{"write intent on read-only mount", "/ro/frozen.txt", FileRW, syserr.ErrReadOnly},
		{"relative path", "data/hello.txt", 0, syserr.ErrInvalidArgument},
		{"upward traversal", "/data/../etc", 0, syserr.ErrPathTraversal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tbl.Open(tc.path, tc.rights)
			require.ErrorIs(t, err, tc.want)
		})
	}

	// Read-only mounts still open fine without write intent.
	h, err := tbl.Open("/ro/frozen.txt", 0)
	require.NoError(t, err)
	data, err := tbl.Read(h, 64)
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(data))
}

func TestReadAdvancesCursor(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/hello.txt", 0)
	require.NoError(t, err)

	part, err := tbl.Read(h, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(part))

	rest, err := tbl.Read(h, 64)
	require.NoError(t, err)
	assert.Equal(t, " world", string(rest))

	eof, err := tbl.Read(h, 64)
	require.NoError(t, err)
	assert.Empty(t, eof, "reads at EOF return empty, not an error")
}

func TestWriteBackOnFinalClose(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/out.txt", RightWrite|RightStat)
	require.NoError(t, err)
	n, err := tbl.Write(h, []byte("written"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	// Buffered until close: the backend has no file yet.
	_, err = router.ReadFile("/data/out.txt")
	require.ErrorIs(t, err, syserr.ErrNotFound)

	require.NoError(t, tbl.Close(h))
	data, err := router.ReadFile("/data/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestUntouchedCreateOpenLeavesNoFile(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/ghost.txt", FileRW)
	require.NoError(t, err)
	require.NoError(t, tbl.Close(h))

	// Opened for write but never written: nothing materializes.
	_, err = router.ReadFile("/data/ghost.txt")
	require.ErrorIs(t, err, syserr.ErrNotFound)
}

func TestWriteExtendsAndOverwrites(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/hello.txt", FileRW)
	require.NoError(t, err)

	// Overwrite the first five bytes, then extend past the end.
	_, err = tbl.Write(h, []byte("HELLO"))
	require.NoError(t, err)
	_, err = tbl.Seek(h, 0, SeekEnd)
	require.NoError(t, err)
	_, err = tbl.Write(h, []byte("!!"))
	require.NoError(t, err)

	st, err := tbl.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), st.Size)

	require.NoError(t, tbl.Close(h))
	data, err := router.ReadFile("/data/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "HELLO world!!", string(data))
}

func TestSeekClamped(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/hello.txt", 0)
	require.NoError(t, err)

	pos, err := tbl.Seek(h, 6, SeekSet)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), pos)

	pos, err = tbl.Seek(h, -2, SeekCur)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)

	pos, err = tbl.Seek(h, -100, SeekCur)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos, "seeks below zero clamp to zero")

	pos, err = tbl.Seek(h, 100, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), pos, "seeks past the end clamp to size")

	_, err = tbl.Seek(h, 0, 9)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)

	// A directory handle that carries the seek right still cannot seek.
	d, err := tbl.Open("/data", DirRead|RightSeek)
	require.NoError(t, err)
	_, err = tbl.Seek(d, 0, SeekSet)
	require.ErrorIs(t, err, syserr.ErrNotSupported)
}

func TestRightsGateEveryOperation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	// Write-only file handle: read and seek and stat all denied.
	h, err := tbl.Open("/data/hello.txt", RightWrite)
	require.NoError(t, err)
	_, err = tbl.Read(h, 4)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
	_, err = tbl.Seek(h, 0, SeekSet)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
	_, err = tbl.Stat(h)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)

	// Read-only directory: create, delete denied; enum works.
	d, err := tbl.Open("/data", 0)
	require.NoError(t, err)
	_, err = tbl.CreateChild(d, "x.txt")
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
	err = tbl.DeleteChild(d, "hello.txt")
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
	_, err = tbl.Enum(d, 1024)
	require.NoError(t, err)
}

func TestEnumFormat(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", 0)
	require.NoError(t, err)

	out, err := tbl.Enum(d, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt\nlogs/\n", string(out), "directories carry a slash suffix")

	// Truncation drops whole entries, never splits one.
	out, err = tbl.Enum(d, 12)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt\n", string(out))

	out, err = tbl.Enum(d, 3)
	require.NoError(t, err)
	assert.Empty(t, out)

	// Enum is a directory operation even when the handle carries the right.
	f, err := tbl.Open("/data/hello.txt", RightRead|RightEnum)
	require.NoError(t, err)
	_, err = tbl.Enum(f, 1024)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)

	// Without the right the denial comes first.
	f2, err := tbl.Open("/data/hello.txt", 0)
	require.NoError(t, err)
	_, err = tbl.Enum(f2, 1024)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
}

func TestRestrictNarrowsOnly(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	h, err := tbl.Open("/data/hello.txt", FileRW)
	require.NoError(t, err)

	narrowed, err := tbl.Restrict(h, RightRead|RightStat)
	require.NoError(t, err)

	_, err = tbl.Write(narrowed, []byte("x"))
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)

	// Widening is rejected, including from the narrowed handle.
	_, err = tbl.Restrict(narrowed, FileRW)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)

	// The source handle is unchanged and both see the same object.
	_, err = tbl.Write(h, []byte("HELLO"))
	require.NoError(t, err)
	data, err := tbl.Read(narrowed, 5)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data), "restricted handle shares the backing object")
}

func TestOpenAtDerivation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", DirFull|RightRead|RightSeek)
	require.NoError(t, err)

	// Zero request inherits the directory's rights.
	h, err := tbl.OpenAt(d, "hello.txt", 0)
	require.NoError(t, err)
	rights, err := tbl.Rights(h)
	require.NoError(t, err)
	assert.Equal(t, DirFull|RightRead|RightSeek, rights)

	// Requested rights intersect with the directory's: write disappears.
	h2, err := tbl.OpenAt(d, "hello.txt", FileRW)
	require.NoError(t, err)
	rights, err = tbl.Rights(h2)
	require.NoError(t, err)
	assert.Equal(t, FileRead, rights, "rights never widen through openat")

	data, err := tbl.Read(h2, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOpenAtValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", DirFull|RightRead)
	require.NoError(t, err)

	_, err = tbl.OpenAt(d, "/etc/passwd", 0)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)
	_, err = tbl.OpenAt(d, "../hello.txt", 0)
	require.ErrorIs(t, err, syserr.ErrPathTraversal)
	_, err = tbl.OpenAt(d, "./hello.txt", 0)
	require.ErrorIs(t, err, syserr.ErrPathTraversal)

	// Lookup right is required.
	noLookup, err := tbl.Open("/data", RightEnum|RightStat)
	require.NoError(t, err)
	_, err = tbl.OpenAt(noLookup, "hello.txt", 0)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)

	// Files are not directories, even holding the lookup right.
	f, err := tbl.Open("/data/hello.txt", RightRead|RightLookup)
	require.NoError(t, err)
	_, err = tbl.OpenAt(f, "x", 0)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)
}

func TestCreateChildTruncatesAndReturnsRW(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", DirFull)
	require.NoError(t, err)

	h, err := tbl.CreateChild(d, "new.txt")
	require.NoError(t, err)
	rights, err := tbl.Rights(h)
	require.NoError(t, err)
	assert.Equal(t, FileRW, rights)

	_, err = tbl.Write(h, []byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, tbl.Close(h))

	// Creating over an existing file truncates it.
	h, err = tbl.CreateChild(d, "new.txt")
	require.NoError(t, err)
	st, err := tbl.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Size)
	require.NoError(t, tbl.Close(h))

	data, err := router.ReadFile("/data/new.txt")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestDeleteChildFileThenDir(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", DirFull)
	require.NoError(t, err)

	require.NoError(t, tbl.DeleteChild(d, "hello.txt"))
	_, err = router.Stat("/data/hello.txt")
	require.ErrorIs(t, err, syserr.ErrNotFound)

	require.NoError(t, tbl.DeleteChild(d, "logs"))
	_, err = router.Stat("/data/logs")
	require.ErrorIs(t, err, syserr.ErrNotFound)

	require.ErrorIs(t, tbl.DeleteChild(d, "absent"), syserr.ErrNotFound)
}

func TestChildNameValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", DirFull)
	require.NoError(t, err)

	for _, name := range []string{"", "a/b", "a\\b"} {
		_, err := tbl.CreateChild(d, name)
		assert.ErrorIs(t, err, syserr.ErrInvalidArgument, "name %q", name)
	}
	for _, name := range []string{".", ".."} {
		assert.ErrorIs(t, tbl.Mkdir(d, name), syserr.ErrPathTraversal, "name %q", name)
	}
}

func TestMutationsOnReadOnlyMount(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/ro", DirFull)
	require.NoError(t, err)

	_, err = tbl.CreateChild(d, "new.txt")
	require.ErrorIs(t, err, syserr.ErrReadOnly)
	require.ErrorIs(t, tbl.DeleteChild(d, "frozen.txt"), syserr.ErrReadOnly)
	require.ErrorIs(t, tbl.Mkdir(d, "sub"), syserr.ErrReadOnly)
}

func TestMkdir(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	d, err := tbl.Open("/data", DirFull)
	require.NoError(t, err)
	require.NoError(t, tbl.Mkdir(d, "sub"))

	info, err := router.Stat("/data/sub")
	require.NoError(t, err)
	assert.Equal(t, vfs.KindDirectory, info.Kind)
}

func TestPipeHandles(t *testing.T) {
	reg, _, pipes := newTestRegistry(t)
	tbl := reg.Table(1)

	rh, wh := tbl.NewPipe()

	// Each end carries exactly one right.
	_, err := tbl.Write(rh, []byte("x"))
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
	_, err = tbl.Read(wh, 1)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)

	_, err = tbl.Read(rh, 16)
	require.ErrorIs(t, err, syserr.ErrWouldBlock)

	n, err := tbl.Write(wh, []byte("through"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	data, err := tbl.Read(rh, 16)
	require.NoError(t, err)
	assert.Equal(t, "through", string(data))

	// Closing the write end turns empty reads into EOF.
	require.NoError(t, tbl.Close(wh))
	data, err = tbl.Read(rh, 16)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, tbl.Close(rh))
	assert.Equal(t, 0, pipes.Count(), "both ends closed destroys the pipe")
}

func TestDelegationSharesObject(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	sender := reg.Table(1)
	receiver := reg.Table(2)

	h, err := sender.Open("/data/shared.txt", FileRW)
	require.NoError(t, err)
	_, err = sender.Write(h, []byte("from sender"))
	require.NoError(t, err)

	obj, rights, err := sender.Delegate(h)
	require.NoError(t, err)
	assert.Equal(t, FileRW, rights, "delegation preserves rights exactly")
	assert.Equal(t, 2, obj.Refs())

	got := receiver.Adopt(obj, rights)

	// Fresh cursor on the adopted handle, same bytes underneath.
	data, err := receiver.Read(got, 64)
	require.NoError(t, err)
	assert.Equal(t, "from sender", string(data))

	// Sender closing its handle does not take the object away.
	require.NoError(t, sender.Close(h))
	assert.Equal(t, 1, obj.Refs())
	_, err = router.ReadFile("/data/shared.txt")
	require.ErrorIs(t, err, syserr.ErrNotFound, "write-back waits for the last reference")

	// Final close flushes once.
	require.NoError(t, receiver.Close(got))
	data, err = router.ReadFile("/data/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "from sender", string(data))
}

func TestDelegatedPipeEndKeepsPipeOpen(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	a := reg.Table(1)
	b := reg.Table(2)

	rh, wh := a.NewPipe()
	obj, rights, err := a.Delegate(wh)
	require.NoError(t, err)
	bw := b.Adopt(obj, rights)

	// A's write end closes; B still holds the object, so no EOF yet.
	require.NoError(t, a.Close(wh))
	_, err = a.Read(rh, 8)
	require.ErrorIs(t, err, syserr.ErrWouldBlock)

	_, err = b.Write(bw, []byte("hi"))
	require.NoError(t, err)
	data, err := a.Read(rh, 8)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	// Last write reference gone: EOF.
	require.NoError(t, b.Close(bw))
	data, err = a.Read(rh, 8)
	require.NoError(t, err)
	assert.Empty(t, data)
	require.NoError(t, a.Close(rh))
}

func TestCloseAndSlotReuse(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tbl := reg.Table(1)

	require.ErrorIs(t, tbl.Close(0), syserr.ErrInvalidHandle)
	require.ErrorIs(t, tbl.Close(42), syserr.ErrInvalidHandle)

	h1, err := tbl.Open("/data/hello.txt", 0)
	require.NoError(t, err)
	h2, err := tbl.Open("/data", 0)
	require.NoError(t, err)
	assert.Equal(t, Handle(1), h1)
	assert.Equal(t, Handle(2), h2)

	require.NoError(t, tbl.Close(h1))
	require.ErrorIs(t, tbl.Close(h1), syserr.ErrInvalidHandle)

	h3, err := tbl.Open("/ro/frozen.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, h1, h3, "lowest free slot is reused")
	assert.Equal(t, 2, tbl.Count())
}

func TestCleanupTaskFlushesAndDrops(t *testing.T) {
	reg, router, _ := newTestRegistry(t)
	tbl := reg.Table(7)

	h, err := tbl.Open("/data/exitdump.txt", FileRW)
	require.NoError(t, err)
	_, err = tbl.Write(h, []byte("last words"))
	require.NoError(t, err)
	_, err = tbl.Open("/data", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.OpenHandles())

	reg.CleanupTask(7)
	assert.Equal(t, 0, reg.OpenHandles())

	data, err := router.ReadFile("/data/exitdump.txt")
	require.NoError(t, err)
	assert.Equal(t, "last words", string(data), "exit cleanup flushes dirty handles")

	// The table is gone; a new one starts empty.
	assert.Equal(t, 0, reg.Table(7).Count())
}
