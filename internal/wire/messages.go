package wire

import (
	"io"

	"github.com/pkg/errors"

	"github.com/mrizaln/madbfs/internal/errs"
)

func errBadMessageTooLong(n, max uint64) error {
	return errors.Wrapf(errs.ErrBadMessage, "wire: length %d exceeds max %d", n, max)
}

// DefaultMaxPathLen bounds path/string fields that aren't otherwise
// bounded by a page size (spec §4.1).
const DefaultMaxPathLen = 64 * 1024

// StatRequest/Response -- ProcStat.
type StatRequest struct{ Path string }
type StatResponse struct{ Stat Stat }

func (m StatRequest) Encode(w io.Writer) error {
	return newWriter(w).writeString(m.Path)
}
func DecodeStatRequest(r io.Reader) (StatRequest, error) {
	path, err := newReader(r).readString(DefaultMaxPathLen)
	return StatRequest{Path: path}, err
}
func (m StatResponse) Encode(w io.Writer) error {
	return newWriter(w).writeStat(m.Stat)
}
func DecodeStatResponse(r io.Reader) (StatResponse, error) {
	s, err := newReader(r).readStat()
	return StatResponse{Stat: s}, err
}

// ListdirRequest/Response -- ProcListdir. The response is a sequence of
// DirEntry records followed by an end marker (spec §6); we encode the
// count up front instead of a sentinel record, which is equivalent and
// simpler to decode without a lookahead.
type ListdirRequest struct{ Path string }
type ListdirResponse struct{ Entries []DirEntry }

func (m ListdirRequest) Encode(w io.Writer) error {
	return newWriter(w).writeString(m.Path)
}
func DecodeListdirRequest(r io.Reader) (ListdirRequest, error) {
	path, err := newReader(r).readString(DefaultMaxPathLen)
	return ListdirRequest{Path: path}, err
}
func (m ListdirResponse) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeUint64(uint64(len(m.Entries))); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := wr.writeString(e.Name); err != nil {
			return err
		}
		if err := wr.writeStat(e.Stat); err != nil {
			return err
		}
	}
	return nil
}
func DecodeListdirResponse(r io.Reader) (ListdirResponse, error) {
	rd := newReader(r)
	n, err := rd.readUint64()
	if err != nil {
		return ListdirResponse{}, err
	}
	entries := make([]DirEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		name, err := rd.readString(DefaultMaxPathLen)
		if err != nil {
			return ListdirResponse{}, err
		}
		stat, err := rd.readStat()
		if err != nil {
			return ListdirResponse{}, err
		}
		entries = append(entries, DirEntry{Name: name, Stat: stat})
	}
	return ListdirResponse{Entries: entries}, nil
}

// ReadlinkRequest/Response -- ProcReadlink.
type ReadlinkRequest struct{ Path string }
type ReadlinkResponse struct{ Target string }

func (m ReadlinkRequest) Encode(w io.Writer) error {
	return newWriter(w).writeString(m.Path)
}
func DecodeReadlinkRequest(r io.Reader) (ReadlinkRequest, error) {
	path, err := newReader(r).readString(DefaultMaxPathLen)
	return ReadlinkRequest{Path: path}, err
}
func (m ReadlinkResponse) Encode(w io.Writer) error {
	return newWriter(w).writeString(m.Target)
}
func DecodeReadlinkResponse(r io.Reader) (ReadlinkResponse, error) {
	target, err := newReader(r).readString(DefaultMaxPathLen)
	return ReadlinkResponse{Target: target}, err
}

// MknodRequest/Response -- ProcMknod.
type MknodRequest struct {
	Path string
	Mode uint32
	Dev  uint64
}
type MknodResponse struct{}

func (m MknodRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.Path); err != nil {
		return err
	}
	if err := wr.writeUint32(m.Mode); err != nil {
		return err
	}
	return wr.writeUint64(m.Dev)
}
func DecodeMknodRequest(r io.Reader) (MknodRequest, error) {
	rd := newReader(r)
	path, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return MknodRequest{}, err
	}
	mode, err := rd.readUint32()
	if err != nil {
		return MknodRequest{}, err
	}
	dev, err := rd.readUint64()
	return MknodRequest{Path: path, Mode: mode, Dev: dev}, err
}
func (MknodResponse) Encode(io.Writer) error             { return nil }
func DecodeMknodResponse(io.Reader) (MknodResponse, error) { return MknodResponse{}, nil }

// MkdirRequest/Response -- ProcMkdir.
type MkdirRequest struct {
	Path string
	Mode uint32
}
type MkdirResponse struct{}

func (m MkdirRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.Path); err != nil {
		return err
	}
	return wr.writeUint32(m.Mode)
}
func DecodeMkdirRequest(r io.Reader) (MkdirRequest, error) {
	rd := newReader(r)
	path, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return MkdirRequest{}, err
	}
	mode, err := rd.readUint32()
	return MkdirRequest{Path: path, Mode: mode}, err
}
func (MkdirResponse) Encode(io.Writer) error             { return nil }
func DecodeMkdirResponse(io.Reader) (MkdirResponse, error) { return MkdirResponse{}, nil }

// UnlinkRequest/Response -- ProcUnlink.
type UnlinkRequest struct{ Path string }
type UnlinkResponse struct{}

func (m UnlinkRequest) Encode(w io.Writer) error { return newWriter(w).writeString(m.Path) }
func DecodeUnlinkRequest(r io.Reader) (UnlinkRequest, error) {
	path, err := newReader(r).readString(DefaultMaxPathLen)
	return UnlinkRequest{Path: path}, err
}
func (UnlinkResponse) Encode(io.Writer) error              { return nil }
func DecodeUnlinkResponse(io.Reader) (UnlinkResponse, error) { return UnlinkResponse{}, nil }

// RmdirRequest/Response -- ProcRmdir.
type RmdirRequest struct{ Path string }
type RmdirResponse struct{}

func (m RmdirRequest) Encode(w io.Writer) error { return newWriter(w).writeString(m.Path) }
func DecodeRmdirRequest(r io.Reader) (RmdirRequest, error) {
	path, err := newReader(r).readString(DefaultMaxPathLen)
	return RmdirRequest{Path: path}, err
}
func (RmdirResponse) Encode(io.Writer) error             { return nil }
func DecodeRmdirResponse(io.Reader) (RmdirResponse, error) { return RmdirResponse{}, nil }

// RenameRequest/Response -- ProcRename. Flags is one of RenameNone,
// RenameNoReplace, RenameExchange.
type RenameRequest struct {
	From  string
	To    string
	Flags uint32
}
type RenameResponse struct{}

func (m RenameRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.From); err != nil {
		return err
	}
	if err := wr.writeString(m.To); err != nil {
		return err
	}
	return wr.writeUint32(m.Flags)
}
func DecodeRenameRequest(r io.Reader) (RenameRequest, error) {
	rd := newReader(r)
	from, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return RenameRequest{}, err
	}
	to, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return RenameRequest{}, err
	}
	flags, err := rd.readUint32()
	return RenameRequest{From: from, To: to, Flags: flags}, err
}
func (RenameResponse) Encode(io.Writer) error              { return nil }
func DecodeRenameResponse(io.Reader) (RenameResponse, error) { return RenameResponse{}, nil }

// TruncateRequest/Response -- ProcTruncate.
type TruncateRequest struct {
	Path string
	Size int64
}
type TruncateResponse struct{}

func (m TruncateRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.Path); err != nil {
		return err
	}
	return wr.writeInt64(m.Size)
}
func DecodeTruncateRequest(r io.Reader) (TruncateRequest, error) {
	rd := newReader(r)
	path, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return TruncateRequest{}, err
	}
	size, err := rd.readInt64()
	return TruncateRequest{Path: path, Size: size}, err
}
func (TruncateResponse) Encode(io.Writer) error                { return nil }
func DecodeTruncateResponse(io.Reader) (TruncateResponse, error) { return TruncateResponse{}, nil }

// UtimensRequest/Response -- ProcUtimens. Atime/Mtime may carry the
// UTimeNow/UTimeOmit sentinels.
type UtimensRequest struct {
	Path  string
	Atime Timespec
	Mtime Timespec
}
type UtimensResponse struct{}

func (m UtimensRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.Path); err != nil {
		return err
	}
	if err := wr.writeTimespec(m.Atime); err != nil {
		return err
	}
	return wr.writeTimespec(m.Mtime)
}
func DecodeUtimensRequest(r io.Reader) (UtimensRequest, error) {
	rd := newReader(r)
	path, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return UtimensRequest{}, err
	}
	atime, err := rd.readTimespec()
	if err != nil {
		return UtimensRequest{}, err
	}
	mtime, err := rd.readTimespec()
	return UtimensRequest{Path: path, Atime: atime, Mtime: mtime}, err
}
func (UtimensResponse) Encode(io.Writer) error               { return nil }
func DecodeUtimensResponse(io.Reader) (UtimensResponse, error) { return UtimensResponse{}, nil }

// CopyFileRangeRequest/Response -- ProcCopyFileRange.
type CopyFileRangeRequest struct {
	InPath  string
	InOff   int64
	OutPath string
	OutOff  int64
	Size    int64
}
type CopyFileRangeResponse struct{ Copied int64 }

func (m CopyFileRangeRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.InPath); err != nil {
		return err
	}
	if err := wr.writeInt64(m.InOff); err != nil {
		return err
	}
	if err := wr.writeString(m.OutPath); err != nil {
		return err
	}
	if err := wr.writeInt64(m.OutOff); err != nil {
		return err
	}
	return wr.writeInt64(m.Size)
}
func DecodeCopyFileRangeRequest(r io.Reader) (CopyFileRangeRequest, error) {
	rd := newReader(r)
	in, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return CopyFileRangeRequest{}, err
	}
	inOff, err := rd.readInt64()
	if err != nil {
		return CopyFileRangeRequest{}, err
	}
	out, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return CopyFileRangeRequest{}, err
	}
	outOff, err := rd.readInt64()
	if err != nil {
		return CopyFileRangeRequest{}, err
	}
	size, err := rd.readInt64()
	return CopyFileRangeRequest{InPath: in, InOff: inOff, OutPath: out, OutOff: outOff, Size: size}, err
}
func (m CopyFileRangeResponse) Encode(w io.Writer) error {
	return newWriter(w).writeInt64(m.Copied)
}
func DecodeCopyFileRangeResponse(r io.Reader) (CopyFileRangeResponse, error) {
	n, err := newReader(r).readInt64()
	return CopyFileRangeResponse{Copied: n}, err
}

// OpenRequest/Response -- ProcOpen. Handle is an opaque server-assigned
// id that Read/Write/Close refer back to (the on-device analogue of an
// fd returned by openat(2)).
type OpenRequest struct {
	Path  string
	Flags uint32
}
type OpenResponse struct{ Handle uint64 }

func (m OpenRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeString(m.Path); err != nil {
		return err
	}
	return wr.writeUint32(m.Flags)
}
func DecodeOpenRequest(r io.Reader) (OpenRequest, error) {
	rd := newReader(r)
	path, err := rd.readString(DefaultMaxPathLen)
	if err != nil {
		return OpenRequest{}, err
	}
	flags, err := rd.readUint32()
	return OpenRequest{Path: path, Flags: flags}, err
}
func (m OpenResponse) Encode(w io.Writer) error { return newWriter(w).writeUint64(m.Handle) }
func DecodeOpenResponse(r io.Reader) (OpenResponse, error) {
	h, err := newReader(r).readUint64()
	return OpenResponse{Handle: h}, err
}

// CloseRequest/Response -- ProcClose.
type CloseRequest struct{ Handle uint64 }
type CloseResponse struct{}

func (m CloseRequest) Encode(w io.Writer) error { return newWriter(w).writeUint64(m.Handle) }
func DecodeCloseRequest(r io.Reader) (CloseRequest, error) {
	h, err := newReader(r).readUint64()
	return CloseRequest{Handle: h}, err
}
func (CloseResponse) Encode(io.Writer) error             { return nil }
func DecodeCloseResponse(io.Reader) (CloseResponse, error) { return CloseResponse{}, nil }

// ReadRequest/Response -- ProcRead. Size is capped by the negotiated
// page size at the caller (spec §4.1: "lengths exceeding a configured
// maximum ... page_size for read payloads").
type ReadRequest struct {
	Handle uint64
	Offset int64
	Size   int64
}
type ReadResponse struct{ Data []byte }

func (m ReadRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeUint64(m.Handle); err != nil {
		return err
	}
	if err := wr.writeInt64(m.Offset); err != nil {
		return err
	}
	return wr.writeInt64(m.Size)
}
func DecodeReadRequest(r io.Reader) (ReadRequest, error) {
	rd := newReader(r)
	h, err := rd.readUint64()
	if err != nil {
		return ReadRequest{}, err
	}
	off, err := rd.readInt64()
	if err != nil {
		return ReadRequest{}, err
	}
	size, err := rd.readInt64()
	return ReadRequest{Handle: h, Offset: off, Size: size}, err
}
func (m ReadResponse) Encode(w io.Writer) error { return newWriter(w).writeBytes(m.Data) }

// DecodeReadResponse decodes into buf if it is large enough, per C3's
// contract that the caller's buffer backs any Span/Str fields of the
// decoded response; otherwise it allocates.
func DecodeReadResponse(r io.Reader, buf []byte, maxLen uint64) (ReadResponse, error) {
	rd := newReader(r)
	n, err := rd.readUint64()
	if err != nil {
		return ReadResponse{}, err
	}
	if n > maxLen {
		return ReadResponse{}, errBadMessageTooLong(n, maxLen)
	}
	var data []byte
	if uint64(cap(buf)) >= n {
		data = buf[:n]
	} else {
		data = make([]byte, n)
	}
	if err := rd.readFull(data); err != nil {
		return ReadResponse{}, err
	}
	return ReadResponse{Data: data}, nil
}

// WriteRequest/Response -- ProcWrite.
type WriteRequest struct {
	Handle uint64
	Offset int64
	Data   []byte
}
type WriteResponse struct{ Written int64 }

func (m WriteRequest) Encode(w io.Writer) error {
	wr := newWriter(w)
	if err := wr.writeUint64(m.Handle); err != nil {
		return err
	}
	if err := wr.writeInt64(m.Offset); err != nil {
		return err
	}
	return wr.writeBytes(m.Data)
}
func DecodeWriteRequest(r io.Reader, maxLen uint64) (WriteRequest, error) {
	rd := newReader(r)
	h, err := rd.readUint64()
	if err != nil {
		return WriteRequest{}, err
	}
	off, err := rd.readInt64()
	if err != nil {
		return WriteRequest{}, err
	}
	data, err := rd.readBytes(maxLen)
	return WriteRequest{Handle: h, Offset: off, Data: data}, err
}
func (m WriteResponse) Encode(w io.Writer) error { return newWriter(w).writeInt64(m.Written) }
func DecodeWriteResponse(r io.Reader) (WriteResponse, error) {
	n, err := newReader(r).readInt64()
	return WriteResponse{Written: n}, err
}
