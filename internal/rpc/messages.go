package rpc

import (
	"io"
	"time"

	"github.com/mrizaln/madbfs/internal/wire"
)

// MaxReadSize bounds a single Read response body (spec §4.1: "page_size
// for read payloads"); callers pass the negotiated page size instead
// when one is known.
const MaxReadSize = 4 * 1024 * 1024

func decodeAny[T any](decode func(io.Reader) (T, error)) func(io.Reader) (any, error) {
	return func(r io.Reader) (any, error) {
		return decode(r)
	}
}

// Stat issues ProcStat and returns the decoded Stat.
func (c *Client) Stat(timeout time.Duration, path string) (wire.Stat, error) {
	v, err := c.sendTimeout(timeout, wire.ProcStat,
		wire.StatRequest{Path: path}.Encode,
		decodeAny(wire.DecodeStatResponse))
	if err != nil {
		return wire.Stat{}, err
	}
	return v.(wire.StatResponse).Stat, nil
}

// Listdir issues ProcListdir and returns the decoded entries.
func (c *Client) Listdir(timeout time.Duration, path string) ([]wire.DirEntry, error) {
	v, err := c.sendTimeout(timeout, wire.ProcListdir,
		wire.ListdirRequest{Path: path}.Encode,
		decodeAny(wire.DecodeListdirResponse))
	if err != nil {
		return nil, err
	}
	return v.(wire.ListdirResponse).Entries, nil
}

// Readlink issues ProcReadlink.
func (c *Client) Readlink(timeout time.Duration, path string) (string, error) {
	v, err := c.sendTimeout(timeout, wire.ProcReadlink,
		wire.ReadlinkRequest{Path: path}.Encode,
		decodeAny(wire.DecodeReadlinkResponse))
	if err != nil {
		return "", err
	}
	return v.(wire.ReadlinkResponse).Target, nil
}

// Mknod issues ProcMknod.
func (c *Client) Mknod(timeout time.Duration, path string, mode uint32, dev uint64) error {
	_, err := c.sendTimeout(timeout, wire.ProcMknod,
		wire.MknodRequest{Path: path, Mode: mode, Dev: dev}.Encode,
		decodeAny(wire.DecodeMknodResponse))
	return err
}

// Mkdir issues ProcMkdir.
func (c *Client) Mkdir(timeout time.Duration, path string, mode uint32) error {
	_, err := c.sendTimeout(timeout, wire.ProcMkdir,
		wire.MkdirRequest{Path: path, Mode: mode}.Encode,
		decodeAny(wire.DecodeMkdirResponse))
	return err
}

// Unlink issues ProcUnlink.
func (c *Client) Unlink(timeout time.Duration, path string) error {
	_, err := c.sendTimeout(timeout, wire.ProcUnlink,
		wire.UnlinkRequest{Path: path}.Encode,
		decodeAny(wire.DecodeUnlinkResponse))
	return err
}

// Rmdir issues ProcRmdir.
func (c *Client) Rmdir(timeout time.Duration, path string) error {
	_, err := c.sendTimeout(timeout, wire.ProcRmdir,
		wire.RmdirRequest{Path: path}.Encode,
		decodeAny(wire.DecodeRmdirResponse))
	return err
}

// Rename issues ProcRename with the given flags (0, no-replace, or
// exchange; spec §4.4).
func (c *Client) Rename(timeout time.Duration, from, to string, flags uint32) error {
	_, err := c.sendTimeout(timeout, wire.ProcRename,
		wire.RenameRequest{From: from, To: to, Flags: flags}.Encode,
		decodeAny(wire.DecodeRenameResponse))
	return err
}

// Truncate issues ProcTruncate.
func (c *Client) Truncate(timeout time.Duration, path string, size int64) error {
	_, err := c.sendTimeout(timeout, wire.ProcTruncate,
		wire.TruncateRequest{Path: path, Size: size}.Encode,
		decodeAny(wire.DecodeTruncateResponse))
	return err
}

// Utimens issues ProcUtimens, honoring the UTimeNow/UTimeOmit sentinels
// carried in atime/mtime (spec §4.6).
func (c *Client) Utimens(timeout time.Duration, path string, atime, mtime wire.Timespec) error {
	_, err := c.sendTimeout(timeout, wire.ProcUtimens,
		wire.UtimensRequest{Path: path, Atime: atime, Mtime: mtime}.Encode,
		decodeAny(wire.DecodeUtimensResponse))
	return err
}

// CopyFileRange issues ProcCopyFileRange and returns the number of bytes
// actually transferred, which may be less than size (spec §4.3).
func (c *Client) CopyFileRange(timeout time.Duration, inPath string, inOff int64, outPath string, outOff int64, size int64) (int64, error) {
	v, err := c.sendTimeout(timeout, wire.ProcCopyFileRange,
		wire.CopyFileRangeRequest{InPath: inPath, InOff: inOff, OutPath: outPath, OutOff: outOff, Size: size}.Encode,
		decodeAny(wire.DecodeCopyFileRangeResponse))
	if err != nil {
		return 0, err
	}
	return v.(wire.CopyFileRangeResponse).Copied, nil
}

// Open issues ProcOpen and returns the server-assigned handle.
func (c *Client) Open(timeout time.Duration, path string, flags uint32) (uint64, error) {
	v, err := c.sendTimeout(timeout, wire.ProcOpen,
		wire.OpenRequest{Path: path, Flags: flags}.Encode,
		decodeAny(wire.DecodeOpenResponse))
	if err != nil {
		return 0, err
	}
	return v.(wire.OpenResponse).Handle, nil
}

// Close issues ProcClose on a handle previously returned by Open.
func (c *Client) Close(timeout time.Duration, handle uint64) error {
	_, err := c.sendTimeout(timeout, wire.ProcClose,
		wire.CloseRequest{Handle: handle}.Encode,
		decodeAny(wire.DecodeCloseResponse))
	return err
}

// Read issues ProcRead against an open handle. buf backs the decoded
// payload when large enough, matching the "caller buffer as decode
// target" contract of spec §4.2.
func (c *Client) Read(timeout time.Duration, handle uint64, offset, size int64, buf []byte) ([]byte, error) {
	maxLen := uint64(size)
	if maxLen == 0 {
		maxLen = MaxReadSize
	}
	v, err := c.sendTimeout(timeout, wire.ProcRead,
		wire.ReadRequest{Handle: handle, Offset: offset, Size: size}.Encode,
		decodeAny(func(r io.Reader) (wire.ReadResponse, error) {
			return wire.DecodeReadResponse(r, buf, maxLen)
		}))
	if err != nil {
		return nil, err
	}
	return v.(wire.ReadResponse).Data, nil
}

// Write issues ProcWrite against an open handle and returns the number
// of bytes actually written.
func (c *Client) Write(timeout time.Duration, handle uint64, offset int64, data []byte) (int64, error) {
	v, err := c.sendTimeout(timeout, wire.ProcWrite,
		wire.WriteRequest{Handle: handle, Offset: offset, Data: data}.Encode,
		decodeAny(wire.DecodeWriteResponse))
	if err != nil {
		return 0, err
	}
	return v.(wire.WriteResponse).Written, nil
}
