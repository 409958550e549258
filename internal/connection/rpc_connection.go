package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mrizaln/madbfs/internal/rpc"
	"github.com/mrizaln/madbfs/internal/wire"
)

// RPCConnection is the fast-path Connection implementation: it issues a
// single wire request per call (spec §4.4). Read/Write operate on
// server-assigned handles (spec §6's Open/Close/Read/Write procedures),
// so this type keeps a small path→handle cache, opening lazily and
// reusing the handle across calls, to present the path-based contract
// the tree expects while still exercising the handle-oriented wire
// procedures.
type RPCConnection struct {
	client       *rpc.Client
	timeoutNanos atomic.Int64

	mu      sync.Mutex
	handles map[string]uint64
}

// NewRPCConnection wraps an already-started rpc.Client.
func NewRPCConnection(client *rpc.Client, timeout time.Duration) *RPCConnection {
	c := &RPCConnection{
		client:  client,
		handles: make(map[string]uint64),
	}
	c.timeoutNanos.Store(int64(timeout))
	return c
}

func (c *RPCConnection) timeout() time.Duration {
	return time.Duration(c.timeoutNanos.Load())
}

// SetTimeout changes the per-call timeout used by subsequent requests,
// serving the control endpoint's set_timeout op (spec §4.8).
func (c *RPCConnection) SetTimeout(d time.Duration) {
	c.timeoutNanos.Store(int64(d))
}

func (c *RPCConnection) Stat(path string) (wire.Stat, error) {
	return c.client.Stat(c.timeout(), path)
}

func (c *RPCConnection) Statdir(path string) ([]wire.DirEntry, error) {
	return c.client.Listdir(c.timeout(), path)
}

func (c *RPCConnection) Readlink(path string) (string, error) {
	return c.client.Readlink(c.timeout(), path)
}

func (c *RPCConnection) Mknod(path string, mode uint32, dev uint64) error {
	return c.client.Mknod(c.timeout(), path, mode, dev)
}

func (c *RPCConnection) Mkdir(path string, mode uint32) error {
	return c.client.Mkdir(c.timeout(), path, mode)
}

func (c *RPCConnection) Unlink(path string) error {
	c.dropHandle(path)
	return c.client.Unlink(c.timeout(), path)
}

func (c *RPCConnection) Rmdir(path string) error {
	return c.client.Rmdir(c.timeout(), path)
}

func (c *RPCConnection) Rename(from, to string, flags uint32) error {
	if err := c.client.Rename(c.timeout(), from, to, flags); err != nil {
		return err
	}
	c.mu.Lock()
	if h, ok := c.handles[from]; ok {
		delete(c.handles, from)
		c.handles[to] = h
	}
	c.mu.Unlock()
	return nil
}

func (c *RPCConnection) Truncate(path string, size int64) error {
	return c.client.Truncate(c.timeout(), path, size)
}

func (c *RPCConnection) Utimens(path string, atime, mtime wire.Timespec) error {
	return c.client.Utimens(c.timeout(), path, atime, mtime)
}

func (c *RPCConnection) CopyFileRange(inPath string, inOff int64, outPath string, outOff int64, size int64) (int64, error) {
	return c.client.CopyFileRange(c.timeout(), inPath, inOff, outPath, outOff, size)
}

func (c *RPCConnection) Read(path string, buf []byte, offset int64) (int, error) {
	handle, err := c.handleFor(path, unix.O_RDONLY)
	if err != nil {
		return 0, err
	}
	data, err := c.client.Read(c.timeout(), handle, offset, int64(len(buf)), buf)
	if err != nil {
		return 0, err
	}
	if len(data) > 0 && len(buf) > 0 && &data[0] != &buf[0] {
		copy(buf, data)
	}
	return len(data), nil
}

func (c *RPCConnection) Write(path string, data []byte, offset int64) (int, error) {
	handle, err := c.handleFor(path, unix.O_RDWR)
	if err != nil {
		return 0, err
	}
	n, err := c.client.Write(c.timeout(), handle, offset, data)
	return int(n), err
}

// handleFor lazily opens path and caches the handle, so that repeated
// read/write calls issue exactly one Open per file in steady state.
func (c *RPCConnection) handleFor(path string, flags uint32) (uint64, error) {
	c.mu.Lock()
	if h, ok := c.handles[path]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	h, err := c.client.Open(c.timeout(), path, flags)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if existing, ok := c.handles[path]; ok {
		c.mu.Unlock()
		_ = c.client.Close(c.timeout(), h)
		return existing, nil
	}
	c.handles[path] = h
	c.mu.Unlock()
	return h, nil
}

func (c *RPCConnection) dropHandle(path string) {
	c.mu.Lock()
	h, ok := c.handles[path]
	delete(c.handles, path)
	c.mu.Unlock()
	if ok {
		_ = c.client.Close(c.timeout(), h)
	}
}

// Close closes every cached handle and stops the underlying client.
func (c *RPCConnection) Close() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]uint64)
	c.mu.Unlock()

	for _, h := range handles {
		_ = c.client.Close(c.timeout(), h)
	}
	c.client.Stop()
	return nil
}
