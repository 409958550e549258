package tree_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/cache"
	"github.com/mrizaln/madbfs/internal/connection"
	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/path"
	"github.com/mrizaln/madbfs/internal/tree"
	"github.com/mrizaln/madbfs/internal/wire"
)

const (
	modeDir = 0o40755
	modeReg = 0o100644
)

type fakeEntry struct {
	stat wire.Stat
	data []byte
}

// fakeConn is a minimal in-memory connection.Connection for exercising
// the tree without a real device (spec §8 end-to-end scenarios).
type fakeConn struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	writes  int
}

func newFakeConn() *fakeConn {
	c := &fakeConn{entries: make(map[string]*fakeEntry)}
	c.entries["/"] = &fakeEntry{stat: wire.Stat{Mode: modeDir}}
	return c
}

func (c *fakeConn) addDir(p string) { c.entries[p] = &fakeEntry{stat: wire.Stat{Mode: modeDir}} }

// setSizeExternally mutates an entry's reported size without going
// through Write, standing in for a change made by some other process
// on the device.
func (c *fakeConn) setSizeExternally(p string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p].stat.Size = size
}

func (c *fakeConn) addFile(p string, data []byte) {
	c.entries[p] = &fakeEntry{stat: wire.Stat{Mode: modeReg, Size: int64(len(data))}, data: data}
}

func (c *fakeConn) Stat(p string) (wire.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	if !ok {
		return wire.Stat{}, errs.ErrNotFound
	}
	return e.stat, nil
}

func (c *fakeConn) Statdir(p string) ([]wire.DirEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := p
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	var out []wire.DirEntry
	for k, e := range c.entries {
		if k == p || k == "/" {
			continue
		}
		rest := trimPrefix(k, prefix)
		if rest == "" || contains(rest, "/") {
			continue
		}
		out = append(out, wire.DirEntry{Name: rest, Stat: e.stat})
	}
	return out, nil
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return ""
}
func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func (c *fakeConn) Readlink(p string) (string, error) { return "", errs.ErrNotSupported }

func (c *fakeConn) Mknod(p string, mode uint32, dev uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = &fakeEntry{stat: wire.Stat{Mode: modeReg}}
	return nil
}

func (c *fakeConn) Mkdir(p string, mode uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = &fakeEntry{stat: wire.Stat{Mode: modeDir}}
	return nil
}

func (c *fakeConn) Unlink(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, p)
	return nil
}

func (c *fakeConn) Rmdir(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := p + "/"
	for k := range c.entries {
		if k != p && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			return errs.ErrDirectoryNotEmpty
		}
	}
	delete(c.entries, p)
	return nil
}

func (c *fakeConn) Rename(from, to string, flags uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.entries[from]
	b, bExists := c.entries[to]
	if flags == connection.RenameExchange && bExists {
		c.entries[from], c.entries[to] = b, a
		return nil
	}
	c.entries[to] = a
	delete(c.entries, from)
	return nil
}

func (c *fakeConn) Truncate(p string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[p]
	if int64(len(e.data)) > size {
		e.data = e.data[:size]
	}
	e.stat.Size = size
	return nil
}

func (c *fakeConn) Read(p string, buf []byte, offset int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	if !ok {
		return 0, errs.ErrNotFound
	}
	if offset >= int64(len(e.data)) {
		return 0, nil
	}
	return copy(buf, e.data[offset:]), nil
}

func (c *fakeConn) Write(p string, data []byte, offset int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	e, ok := c.entries[p]
	if !ok {
		e = &fakeEntry{stat: wire.Stat{Mode: modeReg}}
		c.entries[p] = e
	}
	end := offset + int64(len(data))
	if int64(len(e.data)) < end {
		grown := make([]byte, end)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[offset:], data)
	if end > e.stat.Size {
		e.stat.Size = end
	}
	return len(data), nil
}

func (c *fakeConn) Utimens(p string, atime, mtime wire.Timespec) error { return nil }

func (c *fakeConn) CopyFileRange(inPath string, inOff int64, outPath string, outOff int64, size int64) (int64, error) {
	buf := make([]byte, size)
	n, err := c.Read(inPath, buf, inOff)
	if err != nil {
		return 0, err
	}
	return int64(n), func() error { _, err := c.Write(outPath, buf[:n], outOff); return err }()
}

func (c *fakeConn) Close() error { return nil }

func newTestTree(conn *fakeConn) (*tree.FileTree, *cache.PageCache) {
	pc := cache.New(conn, 4096, 128)
	return tree.New(conn, pc, 30*time.Second), pc
}

func TestCreateWriteReadBack(t *testing.T) {
	conn := newFakeConn()
	ft, _ := newTestTree(conn)

	p := path.MustNew("/a.txt")
	require.NoError(t, ft.Mknod(p, modeReg, 0))

	fd, node, err := ft.Open(p, 2)
	require.NoError(t, err)

	n, err := ft.Write(node, fd, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = ft.Read(node, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, ft.Release(node, fd))

	st, err := conn.Stat("/a.txt")
	require.NoError(t, err)
	require.Equal(t, int64(5), st.Size)
}

func TestDirectoryNotEmpty(t *testing.T) {
	conn := newFakeConn()
	ft, _ := newTestTree(conn)

	require.NoError(t, ft.Mkdir(path.MustNew("/d"), modeDir))
	require.NoError(t, ft.Mknod(path.MustNew("/d/f"), modeReg, 0))

	err := ft.Rmdir(path.MustNew("/d"))
	require.ErrorIs(t, err, errs.ErrDirectoryNotEmpty)

	require.NoError(t, ft.Unlink(path.MustNew("/d/f")))
	require.NoError(t, ft.Rmdir(path.MustNew("/d")))
}

func TestRenameExchange(t *testing.T) {
	conn := newFakeConn()
	conn.addFile("/x", []byte("A"))
	conn.addFile("/y", []byte("B"))
	ft, pc := newTestTree(conn)

	_, err := ft.Readdir(path.Root())
	require.NoError(t, err)

	xNode, err := ft.Traverse(path.MustNew("/x"))
	require.NoError(t, err)
	yNode, err := ft.Traverse(path.MustNew("/y"))
	require.NoError(t, err)

	xFd, _, err := ft.Open(path.MustNew("/x"), 2)
	require.NoError(t, err)
	_, _ = ft.Read(xNode, xFd, make([]byte, 1), 0)
	_ = pc

	require.NoError(t, ft.Rename(path.MustNew("/x"), path.MustNew("/y"), connection.RenameExchange))

	newY, err := ft.Traverse(path.MustNew("/y"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	fd, _, err := ft.Open(path.MustNew("/y"), 0)
	require.NoError(t, err)
	n, err := ft.Read(newY, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "A", string(buf))
	_ = yNode
}

func TestReaddirListsChildren(t *testing.T) {
	conn := newFakeConn()
	conn.addDir("/dir")
	conn.addFile("/dir/f1", []byte("x"))
	conn.addFile("/dir/f2", []byte("y"))
	ft, _ := newTestTree(conn)

	children, err := ft.Readdir(path.MustNew("/dir"))
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestTraverseOrBuildNotFound(t *testing.T) {
	conn := newFakeConn()
	ft, _ := newTestTree(conn)
	_, err := ft.TraverseOrBuild(path.MustNew("/missing"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

// TestExpiryRefreshDetectsExternalChange covers the within-TTL stale
// read vs. post-TTL re-stat contract: a short-lived stat cache returns
// the old size until it expires, then picks up an external change
// without going through a write/flush path.
func TestExpiryRefreshDetectsExternalChange(t *testing.T) {
	conn := newFakeConn()
	conn.addFile("/f", []byte("hello"))
	pc := cache.New(conn, 4096, 128)
	ft := tree.New(conn, pc, 20*time.Millisecond)

	p := path.MustNew("/f")

	n, err := ft.TraverseOrBuild(p)
	require.NoError(t, err)
	require.EqualValues(t, 5, n.Stat().Size)

	conn.setSizeExternally("/f", 42)

	// Still within the TTL window: the cached stat is stale on purpose.
	n, err = ft.TraverseOrBuild(p)
	require.NoError(t, err)
	require.EqualValues(t, 5, n.Stat().Size)

	time.Sleep(30 * time.Millisecond)

	n, err = ft.TraverseOrBuild(p)
	require.NoError(t, err)
	require.EqualValues(t, 42, n.Stat().Size)

	require.Equal(t, 0, conn.writes, "expiry revalidation must not flush or write back")
}
