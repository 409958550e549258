// Package wire implements the length-prefixed, big-endian binary wire
// codec used between the host and the on-device helper (spec §4.1, §6).
//
// All integers are fixed-width big-endian. Byte strings and paths are
// length-prefixed with a 64-bit length followed by raw bytes. Times are
// two signed 64-bit values (seconds, nanoseconds). Mode/uid/gid are
// 32-bit unsigned. Sizes and offsets are signed 64-bit.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/mrizaln/madbfs/internal/errs"
)

// Procedure identifies a remote operation. Values are assigned
// sequentially per spec §6 and form a closed set; do not reorder.
type Procedure uint8

const (
	ProcStat Procedure = iota
	ProcListdir
	ProcReadlink
	ProcMknod
	ProcMkdir
	ProcUnlink
	ProcRmdir
	ProcRename
	ProcTruncate
	ProcUtimens
	ProcCopyFileRange
	ProcOpen
	ProcClose
	ProcRead
	ProcWrite
)

func (p Procedure) String() string {
	names := [...]string{
		"Stat", "Listdir", "Readlink", "Mknod", "Mkdir", "Unlink", "Rmdir",
		"Rename", "Truncate", "Utimens", "CopyFileRange", "Open", "Close",
		"Read", "Write",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// Handshake is the fixed 15-byte ASCII token both sides of the TCP
// connection exchange before any framed traffic (spec §6).
const Handshake = "SERVER_IS_READY"

// Rename flags (spec §4.4), the Go analogue of renameat2(2)'s flags.
const (
	RenameNone      uint32 = 0
	RenameNoReplace uint32 = 1 << 0
	RenameExchange  uint32 = 1 << 1
)

// Special utimens markers, matching utimensat(2)'s UTIME_NOW/UTIME_OMIT
// sentinel nanosecond values so a Timespec can be passed through
// verbatim to a capable backend.
const (
	UTimeNow  int64 = (1 << 30) - 1
	UTimeOmit int64 = (1 << 30) - 2
)

// MaxControlMessage bounds a single control-endpoint JSON message (spec
// §4.1, §6).
const MaxControlMessage = 4 * 1024 * 1024

// RequestHeader is the fixed prefix of every request frame:
// request-id:u32 | procedure:u8.
type RequestHeader struct {
	ID   uint32
	Proc Procedure
}

// ResponseHeader is the fixed prefix of every response frame:
// request-id:u32 | procedure:u8 | status:u8.
type ResponseHeader struct {
	ID     uint32
	Proc   Procedure
	Status uint8
}

// Timespec is a POSIX-style (seconds, nanoseconds) pair.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// IsNow reports whether t is the special "set to current time" marker.
func (t Timespec) IsNow() bool { return t.Nsec == UTimeNow }

// IsOmit reports whether t is the special "leave unchanged" marker.
func (t Timespec) IsOmit() bool { return t.Nsec == UTimeOmit }

// Stat mirrors spec §3's Stat data: size, link count, the three POSIX
// timestamps, mode bits (including file type), and ownership. Id is
// assigned locally by the FileTree and is never sent over the wire.
type Stat struct {
	Size  int64
	Nlink uint64
	Atime Timespec
	Mtime Timespec
	Ctime Timespec
	Mode  uint32
	Uid   uint32
	Gid   uint32
}

// DirEntry is one record of a Listdir response: a child name plus its
// Stat, as returned by the on-device helper's opendir/readdir handler.
type DirEntry struct {
	Name string
	Stat Stat
}

// reader wraps an io.Reader with the partial-read-loops-until-satisfied
// discipline spec §4.1 requires, and turns a zero-length read into
// ErrBrokenPipe rather than a bare io.EOF.
type reader struct {
	r io.Reader
}

func newReader(r io.Reader) reader { return reader{r: r} }

func (r reader) readFull(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := io.ReadFull(r.r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(errs.ErrBrokenPipe, "wire: read")
	}
	if err != nil {
		return errors.Wrap(errs.ErrIO, err.Error())
	}
	return nil
}

func (r reader) readUint8() (uint8, error) {
	var b [1]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r reader) readUint32() (uint32, error) {
	var b [4]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r reader) readUint64() (uint64, error) {
	var b [8]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r reader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

// readBytes reads a u64-length-prefixed byte string, rejecting lengths
// over maxLen (spec §4.1: "lengths exceeding a configured maximum ...
// are rejected").
func (r reader) readBytes(maxLen uint64) ([]byte, error) {
	n, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, errors.Wrapf(errs.ErrBadMessage, "wire: length %d exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	if err := r.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r reader) readString(maxLen uint64) (string, error) {
	b, err := r.readBytes(maxLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r reader) readTimespec() (Timespec, error) {
	sec, err := r.readInt64()
	if err != nil {
		return Timespec{}, err
	}
	nsec, err := r.readInt64()
	if err != nil {
		return Timespec{}, err
	}
	return Timespec{Sec: sec, Nsec: nsec}, nil
}

func (r reader) readStat() (Stat, error) {
	var s Stat
	var err error
	if s.Size, err = r.readInt64(); err != nil {
		return s, err
	}
	if s.Nlink, err = r.readUint64(); err != nil {
		return s, err
	}
	if s.Atime, err = r.readTimespec(); err != nil {
		return s, err
	}
	if s.Mtime, err = r.readTimespec(); err != nil {
		return s, err
	}
	if s.Ctime, err = r.readTimespec(); err != nil {
		return s, err
	}
	mode, err := r.readUint32()
	if err != nil {
		return s, err
	}
	s.Mode = mode
	if s.Uid, err = r.readUint32(); err != nil {
		return s, err
	}
	if s.Gid, err = r.readUint32(); err != nil {
		return s, err
	}
	return s, nil
}

// writer wraps an io.Writer with a partial-write loop, matching reader.
type writer struct {
	w io.Writer
}

func newWriter(w io.Writer) writer { return writer{w: w} }

func (w writer) write(buf []byte) error {
	for len(buf) > 0 {
		n, err := w.w.Write(buf)
		if err != nil {
			return errors.Wrap(errs.ErrBrokenPipe, "wire: write")
		}
		buf = buf[n:]
	}
	return nil
}

func (w writer) writeUint8(v uint8) error {
	return w.write([]byte{v})
}

func (w writer) writeUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return w.write(b[:])
}

func (w writer) writeUint64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return w.write(b[:])
}

func (w writer) writeInt64(v int64) error {
	return w.writeUint64(uint64(v))
}

func (w writer) writeBytes(b []byte) error {
	if err := w.writeUint64(uint64(len(b))); err != nil {
		return err
	}
	return w.write(b)
}

func (w writer) writeString(s string) error {
	return w.writeBytes([]byte(s))
}

func (w writer) writeTimespec(t Timespec) error {
	if err := w.writeInt64(t.Sec); err != nil {
		return err
	}
	return w.writeInt64(t.Nsec)
}

func (w writer) writeStat(s Stat) error {
	if err := w.writeInt64(s.Size); err != nil {
		return err
	}
	if err := w.writeUint64(s.Nlink); err != nil {
		return err
	}
	if err := w.writeTimespec(s.Atime); err != nil {
		return err
	}
	if err := w.writeTimespec(s.Mtime); err != nil {
		return err
	}
	if err := w.writeTimespec(s.Ctime); err != nil {
		return err
	}
	if err := w.writeUint32(s.Mode); err != nil {
		return err
	}
	if err := w.writeUint32(s.Uid); err != nil {
		return err
	}
	return w.writeUint32(s.Gid)
}

// WriteRequestHeader writes request-id:u32 | procedure:u8.
func WriteRequestHeader(w io.Writer, h RequestHeader) error {
	wr := newWriter(w)
	if err := wr.writeUint32(h.ID); err != nil {
		return err
	}
	return wr.writeUint8(uint8(h.Proc))
}

// ReadRequestHeader reads request-id:u32 | procedure:u8.
func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	rd := newReader(r)
	id, err := rd.readUint32()
	if err != nil {
		return RequestHeader{}, err
	}
	proc, err := rd.readUint8()
	if err != nil {
		return RequestHeader{}, err
	}
	return RequestHeader{ID: id, Proc: Procedure(proc)}, nil
}

// WriteResponseHeader writes request-id:u32 | procedure:u8 | status:u8.
func WriteResponseHeader(w io.Writer, h ResponseHeader) error {
	wr := newWriter(w)
	if err := wr.writeUint32(h.ID); err != nil {
		return err
	}
	if err := wr.writeUint8(uint8(h.Proc)); err != nil {
		return err
	}
	return wr.writeUint8(h.Status)
}

// ReadResponseHeader reads request-id:u32 | procedure:u8 | status:u8.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	rd := newReader(r)
	id, err := rd.readUint32()
	if err != nil {
		return ResponseHeader{}, err
	}
	proc, err := rd.readUint8()
	if err != nil {
		return ResponseHeader{}, err
	}
	status, err := rd.readUint8()
	if err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{ID: id, Proc: Procedure(proc), Status: status}, nil
}

// StatusFromError converts a POSIX error into a wire status byte. nil
// maps to 0 (success).
func StatusFromError(err error) uint8 {
	if err == nil {
		return 0
	}
	var en errs.Errno
	if e, ok := asErrno(err); ok {
		en = e
	} else {
		en = errs.ErrIO
	}
	return uint8(en.Sys())
}

// ErrorFromStatus converts a non-zero wire status byte back into an
// Errno. Status 0 must be checked by the caller before calling this.
func ErrorFromStatus(status uint8) error {
	return errs.Errno(status)
}

func asErrno(err error) (errs.Errno, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if en, ok := err.(errs.Errno); ok {
			return en, true
		}
		c, ok := err.(causer)
		if !ok {
			return 0, false
		}
		err = c.Cause()
	}
	return 0, false
}
