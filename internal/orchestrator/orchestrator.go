// Package orchestrator owns one mount's whole runtime (C8, spec §4.7):
// it picks a connection, builds the cache and tree on top of it, starts
// the control endpoint, and exposes a plain synchronous API a
// filesystem-callback layer can call directly. The source's
// callback-thread/single-executor split has no analogue worth forcing
// here: the tree and the page cache guard their own state with internal
// mutexes (spec §5's "mutated only inside coroutines on the one
// executor" becomes "guarded by an internal mutex" in this runtime),
// while connection calls run outside those locks and may proceed
// concurrently. This package's methods themselves stand in for the
// "blocking adaptor" the source builds out of coroutines and one-shot
// futures.
package orchestrator

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrizaln/madbfs/internal/adb"
	"github.com/mrizaln/madbfs/internal/cache"
	"github.com/mrizaln/madbfs/internal/config"
	"github.com/mrizaln/madbfs/internal/connection"
	"github.com/mrizaln/madbfs/internal/control"
	"github.com/mrizaln/madbfs/internal/madbfslog"
	"github.com/mrizaln/madbfs/internal/path"
	"github.com/mrizaln/madbfs/internal/rpc"
	"github.com/mrizaln/madbfs/internal/tree"
	"github.com/mrizaln/madbfs/internal/wire"
)

// connectTimeout bounds the initial attempt to reach the on-device
// helper before falling back to the shell connection (spec §4.7:
// "bounded timeout").
const connectTimeout = 2 * time.Second

// Mount owns every live component of one mount: the connection, cache,
// tree, and (best-effort) control endpoint.
type Mount struct {
	cfg    config.Config
	conn   connection.Connection
	cache  *cache.PageCache
	tree   *tree.FileTree
	logger *logrus.Logger
	hook   *madbfslog.FanoutHook
	ctrl   *control.Server

	usingRPC bool
}

// Start builds a Mount from cfg: it tries the on-device helper first,
// falls back to the shell connection on any failure, then wires the
// cache, tree, and control endpoint (spec §4.7).
func Start(cfg config.Config, logger *logrus.Logger, hook *madbfslog.FanoutHook) (*Mount, error) {
	conn, usingRPC := dialConnection(cfg, logger)

	pageCache := cache.New(conn, cfg.PageSize, cfg.MaxPages())
	fileTree := tree.New(conn, pageCache, cfg.TTL)

	m := &Mount{
		cfg:      cfg,
		conn:     conn,
		cache:    pageCache,
		tree:     fileTree,
		logger:   logger,
		hook:     hook,
		usingRPC: usingRPC,
	}

	m.startControl()
	return m, nil
}

// dialConnection attempts the fast RPC path and falls back to the
// shell connection on any failure, matching spec §4.7's "on any
// failure, fall back to the shell-backed connection."
func dialConnection(cfg config.Config, logger *logrus.Logger) (connection.Connection, bool) {
	if !cfg.NoServer {
		if c, err := connectRPC(cfg); err == nil {
			return c, true
		} else if logger != nil {
			logger.WithError(err).Warn("orchestrator: falling back to shell connection")
		}
	}
	return connection.NewShellConnection("", cfg.Serial, cfg.Timeout), false
}

func connectRPC(cfg config.Config) (connection.Connection, error) {
	if err := adb.Forward("", cfg.Serial, cfg.Port); err != nil {
		return nil, errors.Wrap(err, "orchestrator: adb forward")
	}

	addr := "127.0.0.1:" + strconv.Itoa(cfg.Port)
	raw, err := rpc.Dial(addr, connectTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: rpc dial")
	}

	client := rpc.NewClient(raw, 0)
	client.Start()
	return connection.NewRPCConnection(client, cfg.Timeout), nil
}

// startControl starts the control endpoint best-effort: a failure to
// bind the socket is logged, not fatal (spec §4.7).
func (m *Mount) startControl() {
	ts, ok := m.conn.(control.TimeoutSetter)
	if !ok {
		if m.logger != nil {
			m.logger.Warn("orchestrator: connection does not support set_timeout")
		}
		return
	}

	srv := &control.Server{
		Tree:   m.tree,
		Cache:  m.cache,
		Conn:   ts,
		Logger: m.logger,
		Hook:   m.hook,
		Serial: m.cfg.Serial,
	}
	if err := srv.Listen(); err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("orchestrator: control endpoint unavailable")
		}
		return
	}
	m.ctrl = srv
	go srv.Serve()
}

// UsingRPC reports whether the fast on-device helper path is active,
// for --info-style reporting.
func (m *Mount) UsingRPC() bool { return m.usingRPC }

// Stat resolves a path to its node's current metadata.
func (m *Mount) Stat(p path.Path) (*tree.Node, error) {
	return m.tree.TraverseOrBuild(p)
}

// Readdir lists a directory's children.
func (m *Mount) Readdir(p path.Path) ([]*tree.Node, error) {
	return m.tree.Readdir(p)
}

// Readlink returns a symlink node's target.
func (m *Mount) Readlink(p path.Path) (string, error) {
	n, err := m.tree.TraverseOrBuild(p)
	if err != nil {
		return "", err
	}
	if n.Kind() != tree.KindLink {
		return "", errors.New("orchestrator: not a symlink")
	}
	if target := n.LinkTarget(); target != "" {
		return target, nil
	}
	return m.conn.Readlink(p.String())
}

// Open allocates a read/write handle on a regular file.
func (m *Mount) Open(p path.Path, flags uint32) (uint64, *tree.Node, error) {
	return m.tree.Open(p, flags)
}

// Read services a read on an already-open handle.
func (m *Mount) Read(n *tree.Node, fd uint64, buf []byte, offset int64) (int, error) {
	return m.tree.Read(n, fd, buf, offset)
}

// Write services a write on an already-open handle.
func (m *Mount) Write(n *tree.Node, fd uint64, data []byte, offset int64) (int, error) {
	return m.tree.Write(n, fd, data, offset)
}

// Flush writes back a node's dirty pages without closing its handle.
func (m *Mount) Flush(n *tree.Node) error {
	return m.tree.Flush(n)
}

// Release flushes and closes an open handle.
func (m *Mount) Release(n *tree.Node, fd uint64) error {
	return m.tree.Release(n, fd)
}

// Mknod creates a regular file or device node.
func (m *Mount) Mknod(p path.Path, mode uint32, dev uint64) error {
	return m.tree.Mknod(p, mode, dev)
}

// Mkdir creates a directory.
func (m *Mount) Mkdir(p path.Path, mode uint32) error {
	return m.tree.Mkdir(p, mode)
}

// Unlink removes a regular file, link, or other non-directory entry.
func (m *Mount) Unlink(p path.Path) error {
	return m.tree.Unlink(p)
}

// Rmdir removes an empty directory.
func (m *Mount) Rmdir(p path.Path) error {
	return m.tree.Rmdir(p)
}

// Rename moves or atomically exchanges two paths.
func (m *Mount) Rename(from, to path.Path, flags uint32) error {
	return m.tree.Rename(from, to, flags)
}

// Truncate resizes a regular file.
func (m *Mount) Truncate(p path.Path, size int64) error {
	return m.tree.Truncate(p, size)
}

// Utimens sets a node's access/modification times.
func (m *Mount) Utimens(p path.Path, atime, mtime wire.Timespec) error {
	return m.tree.Utimens(p, atime, mtime)
}

// CopyFileRange copies size bytes between two regular files server-side
// when possible.
func (m *Mount) CopyFileRange(in path.Path, inOff int64, out path.Path, outOff int64, size int64) (int64, error) {
	return m.tree.CopyFileRange(in, inOff, out, outOff, size)
}

// Shutdown drains pending flushes, stops the control endpoint, and
// closes the connection (spec §4.7).
func (m *Mount) Shutdown() error {
	flushErr := m.tree.FlushAll()

	if m.ctrl != nil {
		_ = m.ctrl.Close()
	}

	closeErr := m.conn.Close()
	if m.usingRPC {
		_ = adb.RemoveForward("", m.cfg.Serial, m.cfg.Port)
	}

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
