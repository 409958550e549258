package control

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrizaln/madbfs/internal/cache"
	"github.com/mrizaln/madbfs/internal/config"
	"github.com/mrizaln/madbfs/internal/madbfslog"
	"github.com/mrizaln/madbfs/internal/tree"
)

// TimeoutSetter is satisfied by both connection implementations'
// SetTimeout method, kept narrow here so this package does not import
// internal/connection directly.
type TimeoutSetter interface {
	SetTimeout(d time.Duration)
}

// Version is the build version reported by the version op. It can be
// overridden at link time and is "dev" otherwise.
var Version = "dev"

// Server answers one control op per connection (spec §4.8). It binds
// directly to the live tree/cache/connection/logger of one mount, the
// same way rclone's rc package binds handlers to a running fs.
type Server struct {
	Tree    *tree.FileTree
	Cache   *cache.PageCache
	Conn    TimeoutSetter
	Logger  *logrus.Logger
	Hook    *madbfslog.FanoutHook
	Serial  string
	started time.Time

	listener net.Listener
}

// Listen opens the control socket for serial, removing any stale socket
// file left behind by a previous, uncleanly terminated run.
func (s *Server) Listen() error {
	path := SocketPath(s.Serial)
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = l
	s.started = time.Now()
	return nil
}

// Addr returns the bound socket path, valid after Listen succeeds.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until an accept fails (as it does once the
// listener is closed), handling each connection on its own goroutine.
// The accept error that ends the loop is not logged.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	path := s.listener.Addr().String()
	err := s.listener.Close()
	_ = os.Remove(path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := readFrame(conn, &req); err != nil {
		if s.Logger != nil && err != io.EOF {
			s.Logger.WithError(err).Debug("control: read request")
		}
		return
	}

	if req.Op == "logcat" {
		s.handleLogcat(conn)
		return
	}

	resp := s.dispatch(req)
	if err := writeFrame(conn, resp); err != nil && s.Logger != nil {
		s.Logger.WithError(err).Debug("control: write response")
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case "help":
		return ok(helpText)

	case "version":
		return ok(map[string]string{"version": Version})

	case "info":
		return ok(s.info())

	case "invalidate_cache":
		if err := s.Cache.InvalidateAll(); err != nil {
			return fail(err)
		}
		return ok(nil)

	case "set_page_size":
		kib, err := decodeInt(req.Value)
		if err != nil {
			return fail(err)
		}
		size := clamp(kib, config.MinPageSizeKiB, config.MaxPageSizeKiB) * 1024
		if err := s.Cache.SetPageSize(nextPowerOfTwo(size)); err != nil {
			return fail(err)
		}
		return ok(nil)

	case "set_cache_size":
		mib, err := decodeInt(req.Value)
		if err != nil {
			return fail(err)
		}
		if mib < config.MinCacheSizeMiB {
			mib = config.MinCacheSizeMiB
		}
		pages := (mib * 1024 * 1024) / max(1, s.Cache.PageSize())
		if pages < 128 {
			pages = 128
		}
		if err := s.Cache.SetMaxPages(pages); err != nil {
			return fail(err)
		}
		return ok(nil)

	case "set_ttl":
		secs, err := decodeInt(req.Value)
		if err != nil {
			return fail(err)
		}
		if secs < 0 {
			secs = 0
		}
		s.Tree.SetTTL(time.Duration(secs) * time.Second)
		return ok(nil)

	case "set_timeout":
		secs, err := decodeInt(req.Value)
		if err != nil {
			return fail(err)
		}
		if secs < 0 {
			secs = 0
		}
		s.Conn.SetTimeout(time.Duration(secs) * time.Second)
		return ok(nil)

	case "set_log_level":
		var levelStr string
		if err := json.Unmarshal(req.Value, &levelStr); err != nil {
			return fail(err)
		}
		lvl, err := madbfslog.ParseLevel(levelStr)
		if err != nil {
			return fail(err)
		}
		madbfslog.SetLevel(s.Logger, lvl)
		return ok(nil)

	default:
		return Response{Ok: false, Error: "unknown op: " + req.Op}
	}
}

// handleLogcat keeps the connection open and streams every subsequently
// logged line as its own frame until the hook has none left to send or
// the peer disconnects (spec §4.8).
func (s *Server) handleLogcat(conn net.Conn) {
	if s.Hook == nil {
		_ = writeFrame(conn, Response{Ok: false, Error: "logcat not available"})
		return
	}
	ch := s.Hook.Subscribe()
	defer s.Hook.Unsubscribe(ch)

	if err := writeFrame(conn, Response{Ok: true}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	for {
		select {
		case line, open := <-ch:
			if !open {
				return
			}
			if err := writeFrame(conn, Response{Ok: true, Result: line}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type infoReport struct {
	Serial    string      `json:"serial"`
	UptimeSec float64     `json:"uptime_seconds"`
	Cache     cache.Stats `json:"cache"`
}

func (s *Server) info() infoReport {
	return infoReport{
		Serial:    s.Serial,
		UptimeSec: time.Since(s.started).Seconds(),
		Cache:     s.Cache.Stats(),
	}
}

func ok(result interface{}) Response        { return Response{Ok: true, Result: result} }
func fail(err error) Response               { return Response{Ok: false, Error: err.Error()} }
func decodeInt(raw json.RawMessage) (int, error) {
	var n int
	err := json.Unmarshal(raw, &n)
	return n, err
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

const helpText = "ops: help, version, info, invalidate_cache, set_page_size, " +
	"set_cache_size, set_ttl, set_timeout, set_log_level, logcat"
