package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mrizaln/madbfs/internal/cache"
)

type fakeBackend struct {
	mu        sync.Mutex
	data      map[string][]byte
	readCalls int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string][]byte)}
}

func (f *fakeBackend) Read(path string, buf []byte, offset int64) (int, error) {
	atomic.AddInt32(&f.readCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.data[path]
	if offset >= int64(len(d)) {
		return 0, nil
	}
	n := copy(buf, d[offset:])
	return n, nil
}

func (f *fakeBackend) Write(path string, data []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.data[path]
	end := offset + int64(len(data))
	if int64(len(d)) < end {
		grown := make([]byte, end)
		copy(grown, d)
		d = grown
	}
	copy(d[offset:], data)
	f.data[path] = d
	return len(data), nil
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	c := cache.New(backend, 4096, 128)

	data := []byte("hello world")
	n, err := c.Write(1, "/a", data, 10)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	out := make([]byte, len(data))
	n, err = c.Read(1, "/a", out, 10)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)
}

func TestFlushClearsDirty(t *testing.T) {
	backend := newFakeBackend()
	c := cache.New(backend, 4096, 128)

	_, err := c.Write(1, "/a", []byte("xyz"), 0)
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().DirtyCount)

	require.NoError(t, c.Flush(1))
	require.Equal(t, 0, c.Stats().DirtyCount)

	backend.mu.Lock()
	got := backend.data["/a"]
	backend.mu.Unlock()
	require.Equal(t, []byte("xyz"), got)
}

func TestSingleFlightFill(t *testing.T) {
	backend := newFakeBackend()
	backend.data["/c"] = make([]byte, 8192)
	for i := range backend.data["/c"] {
		backend.data["/c"][i] = byte(i % 256)
	}

	c := cache.New(backend, 4096, 128)

	var g errgroup.Group
	results := make([][]byte, 2)
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			buf := make([]byte, 100)
			_, err := c.Read(1, "/c", buf, 0)
			results[i] = buf
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, results[0], results[1])
	require.Equal(t, int32(1), atomic.LoadInt32(&backend.readCalls))
}

func TestTruncateDropsPagesBeyondNewSize(t *testing.T) {
	backend := newFakeBackend()
	c := cache.New(backend, 16, 128)

	_, err := c.Write(1, "/a", []byte("0123456789abcdef0123"), 0)
	require.NoError(t, err)
	require.Equal(t, 2, c.Stats().PageCount)

	c.Truncate(1, 5)
	require.Equal(t, 1, c.Stats().PageCount)

	out := make([]byte, 5)
	n, err := c.Read(1, "/a", out, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("01234"), out)
}

func TestRenameExchangeSwapsPaths(t *testing.T) {
	backend := newFakeBackend()
	c := cache.New(backend, 4096, 128)

	_, err := c.Write(1, "/x", []byte("A"), 0)
	require.NoError(t, err)
	_, err = c.Write(2, "/y", []byte("B"), 0)
	require.NoError(t, err)
	require.NoError(t, c.Flush(1))
	require.NoError(t, c.Flush(2))

	c.Exchange(1, 2)
	c.Rename(1, "/y")
	c.Rename(2, "/x")

	out := make([]byte, 1)
	_, err = c.Read(1, "/y", out, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("A"), out)
}
