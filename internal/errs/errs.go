// Package errs defines the POSIX error taxonomy shared by every madbfs
// component (spec §7). Every remote operation completes with either nil
// or one of the sentinel errors below; components compare with errors.Is
// rather than switching on wire status bytes directly.
package errs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX error code. It implements error so it can be returned,
// wrapped and compared with errors.Is/errors.As directly.
type Errno unix.Errno

func (e Errno) Error() string {
	return unix.Errno(e).Error()
}

// Is lets errors.Is match two Errno values, or an Errno against a raw
// unix.Errno / syscall.Errno of the same value.
func (e Errno) Is(target error) bool {
	switch t := target.(type) {
	case Errno:
		return e == t
	case unix.Errno:
		return unix.Errno(e) == t
	}
	return false
}

// Sys returns the underlying unix.Errno, e.g. to hand to a FUSE binding
// that wants a raw negative errno.
func (e Errno) Sys() unix.Errno {
	return unix.Errno(e)
}

// The taxonomy from spec §7, reusing POSIX codes rather than inventing a
// parallel language-level type.
const (
	ErrNotFound             = Errno(unix.ENOENT)
	ErrNotADirectory        = Errno(unix.ENOTDIR)
	ErrIsADirectory         = Errno(unix.EISDIR)
	ErrDirectoryNotEmpty    = Errno(unix.ENOTEMPTY)
	ErrFileExists           = Errno(unix.EEXIST)
	ErrPermissionDenied     = Errno(unix.EACCES)
	ErrReadOnlyFilesystem   = Errno(unix.EROFS)
	ErrInvalidArgument      = Errno(unix.EINVAL)
	ErrNotSupported         = Errno(unix.ENOTSUP)
	ErrFilenameTooLong      = Errno(unix.ENAMETOOLONG)
	ErrBadFileDescriptor    = Errno(unix.EBADF)
	ErrBrokenPipe           = Errno(unix.EPIPE)
	ErrNotConnected         = Errno(unix.ENOTCONN)
	ErrTimedOut             = Errno(unix.ETIMEDOUT)
	ErrOperationCanceled    = Errno(unix.ECANCELED)
	ErrResourceUnavailable  = Errno(unix.EAGAIN)
	ErrIO                   = Errno(unix.EIO)
	ErrBadMessage           = Errno(unix.EBADMSG)
)

// Transient reports whether err is one of the two errors that must never
// overwrite a tree Node's cached kind with Error (spec §4.6, §7): a
// revalidation that merely couldn't reach the device tells us nothing
// about whether the node still exists.
func Transient(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimedOut)
}
