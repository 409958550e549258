package rpc

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/wire"
)

// copyChunkSize bounds a single copy_file_range fallback transfer (spec
// §4.3: "in 256 KiB chunks").
const copyChunkSize = 256 * 1024

// Server dispatches decoded requests from one connection at a time to
// local OS calls. Each accepted connection is handled serially: this
// mirrors spec §4.3 ("read one request, invoke handler, write response,
// repeat") and lets the handler reuse its buffer across calls safely.
type Server struct {
	mu      sync.Mutex
	handles map[uint64]*os.File
	nextID  uint64
}

// NewServer constructs a Server with no open handles.
func NewServer() *Server {
	return &Server{handles: make(map[uint64]*os.File)}
}

// Serve handles one connection until it errors or is closed, logging
// and returning on the first unrecoverable framing error.
func (s *Server) Serve(conn io.ReadWriter) {
	for {
		hdr, err := wire.ReadRequestHeader(conn)
		if err != nil {
			if !errors.Is(err, errs.ErrBrokenPipe) {
				logrus.WithError(err).Warn("rpc server: read request header")
			}
			return
		}

		status, respBody, err := s.dispatch(hdr.Proc, conn)
		if err != nil {
			logrus.WithError(err).WithField("proc", hdr.Proc).Debug("rpc server: dispatch error")
		}

		if err := wire.WriteResponseHeader(conn, wire.ResponseHeader{ID: hdr.ID, Proc: hdr.Proc, Status: status}); err != nil {
			logrus.WithError(err).Warn("rpc server: write response header")
			return
		}
		if status == 0 && respBody != nil {
			if _, err := conn.Write(respBody); err != nil {
				logrus.WithError(err).Warn("rpc server: write response body")
				return
			}
		}
	}
}

func (s *Server) dispatch(proc wire.Procedure, r io.Reader) (uint8, []byte, error) {
	var buf bufWriter

	switch proc {
	case wire.ProcStat:
		req, err := wire.DecodeStatRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		st, err := s.handleStat(req.Path)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.StatResponse{Stat: st}), nil

	case wire.ProcListdir:
		req, err := wire.DecodeListdirRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		entries, err := s.handleListdir(req.Path)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.ListdirResponse{Entries: entries}), nil

	case wire.ProcReadlink:
		req, err := wire.DecodeReadlinkRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		target, err := readlink(req.Path)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.ReadlinkResponse{Target: target}), nil

	case wire.ProcMknod:
		req, err := wire.DecodeMknodRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		if err := unix.Mknod(req.Path, req.Mode, int(req.Dev)); err != nil {
			werr := asErrnoErr(err)
			return wire.StatusFromError(werr), nil, werr
		}
		return 0, buf.encode(wire.MknodResponse{}), nil

	case wire.ProcMkdir:
		req, err := wire.DecodeMkdirRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		if err := unix.Mkdir(req.Path, req.Mode); err != nil {
			werr := asErrnoErr(err)
			return wire.StatusFromError(werr), nil, werr
		}
		return 0, buf.encode(wire.MkdirResponse{}), nil

	case wire.ProcUnlink:
		req, err := wire.DecodeUnlinkRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		if err := unix.Unlink(req.Path); err != nil {
			werr := asErrnoErr(err)
			return wire.StatusFromError(werr), nil, werr
		}
		return 0, buf.encode(wire.UnlinkResponse{}), nil

	case wire.ProcRmdir:
		req, err := wire.DecodeRmdirRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		if err := unix.Rmdir(req.Path); err != nil {
			werr := asErrnoErr(err)
			return wire.StatusFromError(werr), nil, werr
		}
		return 0, buf.encode(wire.RmdirResponse{}), nil

	case wire.ProcRename:
		req, err := wire.DecodeRenameRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		if err := unix.Renameat2(unix.AT_FDCWD, req.From, unix.AT_FDCWD, req.To, int(req.Flags)); err != nil {
			werr := asErrnoErr(err)
			return wire.StatusFromError(werr), nil, werr
		}
		return 0, buf.encode(wire.RenameResponse{}), nil

	case wire.ProcTruncate:
		req, err := wire.DecodeTruncateRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		if err := unix.Truncate(req.Path, req.Size); err != nil {
			werr := asErrnoErr(err)
			return wire.StatusFromError(werr), nil, werr
		}
		return 0, buf.encode(wire.TruncateResponse{}), nil

	case wire.ProcUtimens:
		req, err := wire.DecodeUtimensRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		err = s.handleUtimens(req.Path, req.Atime, req.Mtime)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.UtimensResponse{}), nil

	case wire.ProcCopyFileRange:
		req, err := wire.DecodeCopyFileRangeRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		n, err := s.handleCopyFileRange(req)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.CopyFileRangeResponse{Copied: n}), nil

	case wire.ProcOpen:
		req, err := wire.DecodeOpenRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		handle, err := s.handleOpen(req.Path, req.Flags)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.OpenResponse{Handle: handle}), nil

	case wire.ProcClose:
		req, err := wire.DecodeCloseRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		err = s.handleClose(req.Handle)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.CloseResponse{}), nil

	case wire.ProcRead:
		req, err := wire.DecodeReadRequest(r)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		data, err := s.handleRead(req.Handle, req.Offset, req.Size)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.ReadResponse{Data: data}), nil

	case wire.ProcWrite:
		req, err := wire.DecodeWriteRequest(r, MaxReadSize)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		n, err := s.handleWrite(req.Handle, req.Offset, req.Data)
		if err != nil {
			return wire.StatusFromError(err), nil, err
		}
		return 0, buf.encode(wire.WriteResponse{Written: n}), nil
	}

	return wire.StatusFromError(errs.ErrInvalidArgument), nil, errors.Errorf("rpc server: unknown procedure %d", proc)
}

func (s *Server) handleStat(path string) (wire.Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return wire.Stat{}, asErrnoErr(err)
	}
	return statFromUnix(st), nil
}

func asErrnoErr(err error) error {
	if en, ok := err.(unix.Errno); ok {
		return errs.Errno(en)
	}
	return errors.Wrap(errs.ErrIO, err.Error())
}

// readlink grows buf until the target fits, mirroring os.Readlink's
// retry loop but returning a raw errno on failure.
func readlink(path string) (string, error) {
	for size := 128; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlink(path, buf)
		if err != nil {
			return "", asErrnoErr(err)
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

func (s *Server) handleListdir(path string) ([]wire.DirEntry, error) {
	dir, err := os.Open(path)
	if err != nil {
		return nil, translateOSError(err)
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, translateOSError(err)
	}

	entries := make([]wire.DirEntry, 0, len(names))
	for _, name := range names {
		var st unix.Stat_t
		full := path + "/" + name
		if path == "/" {
			full = "/" + name
		}
		if err := unix.Lstat(full, &st); err != nil {
			continue
		}
		entries = append(entries, wire.DirEntry{Name: name, Stat: statFromUnix(st)})
	}
	return entries, nil
}

func (s *Server) handleUtimens(path string, atime, mtime wire.Timespec) error {
	ts := [2]unix.Timespec{
		toUnixTimespec(atime),
		toUnixTimespec(mtime),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts[:], 0); err != nil {
		return asErrnoErr(err)
	}
	return nil
}

func toUnixTimespec(t wire.Timespec) unix.Timespec {
	switch {
	case t.IsNow():
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_NOW}
	case t.IsOmit():
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	default:
		return unix.Timespec{Sec: t.Sec, Nsec: t.Nsec}
	}
}

func (s *Server) handleCopyFileRange(req wire.CopyFileRangeRequest) (int64, error) {
	in, err := os.Open(req.InPath)
	if err != nil {
		return 0, translateOSError(err)
	}
	defer in.Close()

	out, err := os.OpenFile(req.OutPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, translateOSError(err)
	}
	defer out.Close()

	var copied int64
	buf := make([]byte, copyChunkSize)
	remaining := req.Size
	inOff, outOff := req.InOff, req.OutOff

	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := in.ReadAt(buf[:chunk], inOff)
		if n > 0 {
			if _, werr := out.WriteAt(buf[:n], outOff); werr != nil {
				return copied, translateOSError(werr)
			}
			copied += int64(n)
			inOff += int64(n)
			outOff += int64(n)
			remaining -= int64(n)
		}
		if err != nil {
			break // short read, including EOF: return what we copied
		}
		if n == 0 {
			break
		}
	}
	return copied, nil
}

func (s *Server) handleOpen(path string, flags uint32) (uint64, error) {
	f, err := os.OpenFile(path, int(flags), 0o644)
	if err != nil {
		return 0, translateOSError(err)
	}

	s.mu.Lock()
	s.nextID++
	handle := s.nextID
	s.handles[handle] = f
	s.mu.Unlock()

	return handle, nil
}

func (s *Server) handleClose(handle uint64) error {
	s.mu.Lock()
	f, ok := s.handles[handle]
	delete(s.handles, handle)
	s.mu.Unlock()

	if !ok {
		return errs.ErrBadFileDescriptor
	}
	return f.Close()
}

func (s *Server) handleRead(handle uint64, offset, size int64) ([]byte, error) {
	s.mu.Lock()
	f, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return nil, errs.ErrBadFileDescriptor
	}

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, translateOSError(err)
	}
	return buf[:n], nil
}

func (s *Server) handleWrite(handle uint64, offset int64, data []byte) (int64, error) {
	s.mu.Lock()
	f, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return 0, errs.ErrBadFileDescriptor
	}

	n, err := f.WriteAt(data, offset)
	if err != nil {
		return int64(n), translateOSError(err)
	}
	return int64(n), nil
}

func statFromUnix(st unix.Stat_t) wire.Stat {
	return wire.Stat{
		Size:  st.Size,
		Nlink: uint64(st.Nlink),
		Atime: wire.Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)},
		Mtime: wire.Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)},
		Ctime: wire.Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)},
		Mode:  st.Mode,
		Uid:   st.Uid,
		Gid:   st.Gid,
	}
}

// translateOSError unwraps a *os.PathError/*os.LinkError down to its
// underlying errno and reports it as an errs.Errno; anything else
// becomes the catch-all I/O error (spec §7).
func translateOSError(err error) error {
	var errno unix.Errno
	if e, ok := err.(*os.PathError); ok {
		if en, ok := e.Err.(unix.Errno); ok {
			errno = en
		}
	} else if en, ok := err.(unix.Errno); ok {
		errno = en
	}
	if errno != 0 {
		return errs.Errno(errno)
	}
	return errors.Wrap(errs.ErrIO, err.Error())
}

// bufWriter lazily encodes a wire message into a byte slice, matching
// the handler's "may reuse the per-connection buffer for response
// payloads" contract (spec §4.3) without requiring every branch above
// to juggle bytes.Buffer plumbing.
type bufWriter struct{}

func (bufWriter) encode(m interface{ Encode(w io.Writer) error }) []byte {
	var b pipeBuf
	_ = m.Encode(&b)
	return b.data
}

type pipeBuf struct{ data []byte }

func (p *pipeBuf) Write(b []byte) (int, error) {
	p.data = append(p.data, b...)
	return len(b), nil
}
