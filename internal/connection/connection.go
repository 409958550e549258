// Package connection defines the Connection capability set the file
// tree uses to reach the remote device, and its two implementations:
// an RPC-backed fast path and an ADB-shell-backed fallback (spec
// §4.4).
package connection

import "github.com/mrizaln/madbfs/internal/wire"

// RenameFlags mirrors the wire rename flags (spec §4.4).
type RenameFlags = uint32

const (
	RenameNone      = wire.RenameNone
	RenameNoReplace = wire.RenameNoReplace
	RenameExchange  = wire.RenameExchange
)

// Connection is the capability set exposed to the file tree. Both
// implementations are used uniformly by the tree (spec §4.4).
type Connection interface {
	Stat(path string) (wire.Stat, error)
	Statdir(path string) ([]wire.DirEntry, error)
	Readlink(path string) (string, error)
	Mknod(path string, mode uint32, dev uint64) error
	Mkdir(path string, mode uint32) error
	Unlink(path string) error
	Rmdir(path string) error
	Rename(from, to string, flags uint32) error
	Truncate(path string, size int64) error
	Read(path string, buf []byte, offset int64) (int, error)
	Write(path string, data []byte, offset int64) (int, error)
	Utimens(path string, atime, mtime wire.Timespec) error
	CopyFileRange(inPath string, inOff int64, outPath string, outOff int64, size int64) (int64, error)
	Close() error
}
