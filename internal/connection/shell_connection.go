package connection

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/wire"
)

// ShellConnection is the fallback Connection implementation, used when
// no on-device helper is reachable (spec §4.4, §4.7). It shells out to
// the platform debug bridge the way backend/adb's execDevice does:
// `adb -s <serial> shell sh -c 'cmd "$0"; echo :$?' arg`, parsing the
// trailing exit code out of the combined output.
type ShellConnection struct {
	adbPath      string
	serial       string
	timeoutNanos atomic.Int64
}

// NewShellConnection constructs a fallback connection targeting the
// device with the given serial (adbPath may be "" to use "adb" from
// PATH). timeout of 0 disables per-command deadlines (spec §6).
func NewShellConnection(adbPath, serial string, timeout time.Duration) *ShellConnection {
	if adbPath == "" {
		adbPath = "adb"
	}
	c := &ShellConnection{adbPath: adbPath, serial: serial}
	c.timeoutNanos.Store(int64(timeout))
	return c
}

// SetTimeout changes the per-command deadline used by subsequent shell
// invocations, serving the control endpoint's set_timeout op.
func (c *ShellConnection) SetTimeout(d time.Duration) {
	c.timeoutNanos.Store(int64(d))
}

// commandContext returns a context bounded by the configured timeout,
// or context.Background() when disabled.
func (c *ShellConnection) commandContext() (context.Context, context.CancelFunc) {
	if d := time.Duration(c.timeoutNanos.Load()); d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.Background(), func() {}
}

// shellOut runs `sh -c '<cmd> "$0"; echo :$?' <arg>` on the device and
// returns (stdout, exitCode), mirroring execCommandWithExitCode in
// backend/adb/adb.go.
func (c *ShellConnection) shellOut(cmd string, arg string) (string, int, error) {
	quoted := strings.ReplaceAll(arg, "'", `'\''`)
	script := fmt.Sprintf(`sh -c '%s "$0"; echo :$?' '%s'`, cmd, quoted)

	args := []string{}
	if c.serial != "" {
		args = append(args, "-s", c.serial)
	}
	args = append(args, "shell", script)

	ctx, cancel := c.commandContext()
	defer cancel()
	command := exec.CommandContext(ctx, c.adbPath, args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return "", -1, errs.ErrTimedOut
		}
		return "", -1, translateShellError(stderr.String(), err)
	}

	out := stdout.String()
	idx := strings.LastIndexByte(out, ':')
	if idx == -1 {
		return out, -1, errors.Wrap(errs.ErrIO, "adb shell: could not parse exit code")
	}
	code, _ := strconv.Atoi(strings.TrimSpace(out[idx+1:]))
	return out[:idx], code, nil
}

func (c *ShellConnection) Stat(path string) (wire.Stat, error) {
	out, code, err := c.shellOut(`stat -c "%f,%s,%Y,%X,%Z,%h,%u,%g"`, path)
	if err != nil {
		return wire.Stat{}, err
	}
	if code != 0 {
		return wire.Stat{}, classifyExitCode(out, code)
	}

	parts := strings.Split(strings.TrimSpace(out), ",")
	if len(parts) != 8 {
		return wire.Stat{}, errors.Wrapf(errs.ErrIO, "stat: unexpected output %q", out)
	}
	mode, _ := strconv.ParseUint(parts[0], 16, 32)
	size, _ := strconv.ParseInt(parts[1], 10, 64)
	mtime, _ := strconv.ParseInt(parts[2], 10, 64)
	atime, _ := strconv.ParseInt(parts[3], 10, 64)
	ctime, _ := strconv.ParseInt(parts[4], 10, 64)
	nlink, _ := strconv.ParseUint(parts[5], 10, 64)
	uid, _ := strconv.ParseUint(parts[6], 10, 32)
	gid, _ := strconv.ParseUint(parts[7], 10, 32)

	return wire.Stat{
		Size:  size,
		Nlink: nlink,
		Atime: wire.Timespec{Sec: atime},
		Mtime: wire.Timespec{Sec: mtime},
		Ctime: wire.Timespec{Sec: ctime},
		Mode:  uint32(mode),
		Uid:   uint32(uid),
		Gid:   uint32(gid),
	}, nil
}

func (c *ShellConnection) Statdir(path string) ([]wire.DirEntry, error) {
	out, code, err := c.shellOut(`for f in "$0"/*; do [ -e "$f" ] && basename "$f"; done`, path)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, classifyExitCode(out, code)
	}

	var entries []wire.DirEntry
	for _, name := range strings.Split(strings.TrimSpace(out), "\n") {
		if name == "" {
			continue
		}
		st, err := c.Stat(path + "/" + name)
		if err != nil {
			continue
		}
		entries = append(entries, wire.DirEntry{Name: name, Stat: st})
	}
	return entries, nil
}

func (c *ShellConnection) Readlink(path string) (string, error) {
	out, code, err := c.shellOut("readlink", path)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", classifyExitCode(out, code)
	}
	return strings.TrimSpace(out), nil
}

func (c *ShellConnection) Mknod(path string, mode uint32, dev uint64) error {
	_, code, err := c.shellOut("touch", path)
	if err != nil {
		return err
	}
	if code != 0 {
		return classifyExitCode("", code)
	}
	return nil
}

func (c *ShellConnection) Mkdir(path string, mode uint32) error {
	out, code, err := c.shellOut("mkdir -p", path)
	if err != nil {
		return err
	}
	if code != 0 {
		return classifyExitCode(out, code)
	}
	return nil
}

func (c *ShellConnection) Unlink(path string) error {
	out, code, err := c.shellOut("rm", path)
	if err != nil {
		return err
	}
	if code != 0 {
		return classifyExitCode(out, code)
	}
	return nil
}

func (c *ShellConnection) Rmdir(path string) error {
	out, code, err := c.shellOut("rmdir", path)
	if err != nil {
		return err
	}
	if code != 0 {
		return classifyExitCode(out, code)
	}
	return nil
}

// Rename has no single-shell-arg form (it needs two paths), so it
// bypasses shellOut and builds its own script.
func (c *ShellConnection) Rename(from, to string, flags uint32) error {
	if flags == RenameExchange {
		// mv cannot express an atomic exchange; the shell fallback
		// reports this the way renameat2 itself would on an
		// unsupporting filesystem (spec §9 open question).
		return errs.ErrInvalidArgument
	}
	mvFlag := ""
	if flags == RenameNoReplace {
		mvFlag = "-n "
	}
	quotedFrom := strings.ReplaceAll(from, "'", `'\''`)
	quotedTo := strings.ReplaceAll(to, "'", `'\''`)
	script := fmt.Sprintf(`sh -c 'mv %s"$0" "$1"; echo :$?' '%s' '%s'`, mvFlag, quotedFrom, quotedTo)

	args := []string{}
	if c.serial != "" {
		args = append(args, "-s", c.serial)
	}
	args = append(args, "shell", script)

	ctx, cancel := c.commandContext()
	defer cancel()
	command := exec.CommandContext(ctx, c.adbPath, args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return errs.ErrTimedOut
		}
		return translateShellError(stderr.String(), err)
	}

	out := stdout.String()
	idx := strings.LastIndexByte(out, ':')
	if idx == -1 {
		return errors.Wrap(errs.ErrIO, "adb shell: could not parse exit code")
	}
	code, _ := strconv.Atoi(strings.TrimSpace(out[idx+1:]))
	if code != 0 {
		return classifyExitCode(out[:idx], code)
	}
	return nil
}

func (c *ShellConnection) Truncate(path string, size int64) error {
	out, code, err := c.shellOut(fmt.Sprintf("truncate -s %d", size), path)
	if err != nil {
		return err
	}
	if code != 0 {
		return classifyExitCode(out, code)
	}
	return nil
}

// Utimens picks the later of atime/mtime when both are explicit
// timestamps, since `touch` cannot set them independently (spec §4.6,
// §9 open question); "now"/"omit" are honored directly.
func (c *ShellConnection) Utimens(path string, atime, mtime wire.Timespec) error {
	if mtime.IsOmit() && atime.IsOmit() {
		return nil
	}
	target := mtime
	if mtime.IsOmit() || (!atime.IsOmit() && !atime.IsNow() && !mtime.IsNow() && atime.Sec > mtime.Sec) {
		target = atime
	}

	var arg string
	if target.IsNow() {
		arg = "touch"
	} else {
		ts := time.Unix(target.Sec, target.Nsec).UTC().Format("200601021504.05")
		arg = fmt.Sprintf("touch -t %s", ts)
	}
	out, code, err := c.shellOut(arg, path)
	if err != nil {
		return err
	}
	if code != 0 {
		return classifyExitCode(out, code)
	}
	return nil
}

func (c *ShellConnection) CopyFileRange(inPath string, inOff int64, outPath string, outOff int64, size int64) (int64, error) {
	buf := make([]byte, size)
	n, err := c.Read(inPath, buf, inOff)
	if err != nil {
		return 0, err
	}
	written, err := c.Write(outPath, buf[:n], outOff)
	return int64(written), err
}

func (c *ShellConnection) Read(path string, buf []byte, offset int64) (int, error) {
	const blockSize = 4096
	offsetBlocks, offsetRest := offset/blockSize, offset%blockSize
	count := int64(len(buf))
	countBlocks := (count+offsetRest-1)/blockSize + 1

	quoted := strings.ReplaceAll(path, "'", `'\''`)
	script := fmt.Sprintf(`sh -c 'dd "if=$0" bs=%d skip=%d count=%d 2>/dev/null'`, blockSize, offsetBlocks, countBlocks)
	args := []string{}
	if c.serial != "" {
		args = append(args, "-s", c.serial)
	}
	args = append(args, "shell", script, quoted)

	ctx, cancel := c.commandContext()
	defer cancel()
	command := exec.CommandContext(ctx, c.adbPath, args...)
	var stdout bytes.Buffer
	command.Stdout = &stdout
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, errs.ErrTimedOut
		}
		return 0, errors.Wrap(errs.ErrIO, err.Error())
	}

	data := stdout.Bytes()
	if int64(len(data)) < offsetRest {
		return 0, nil
	}
	data = data[offsetRest:]
	n := copy(buf, data)
	return n, nil
}

func (c *ShellConnection) Write(path string, data []byte, offset int64) (int, error) {
	quoted := strings.ReplaceAll(path, "'", `'\''`)
	script := fmt.Sprintf(`sh -c 'dd "of=$0" bs=1 seek=%d conv=notrunc 2>/dev/null'`, offset)
	args := []string{}
	if c.serial != "" {
		args = append(args, "-s", c.serial)
	}
	args = append(args, "shell", script, quoted)

	ctx, cancel := c.commandContext()
	defer cancel()
	command := exec.CommandContext(ctx, c.adbPath, args...)
	command.Stdin = bytes.NewReader(data)
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, errs.ErrTimedOut
		}
		return 0, errors.Wrap(errs.ErrIO, err.Error())
	}
	return len(data), nil
}

func (c *ShellConnection) Close() error { return nil }

// classifyExitCode maps a nonzero exit code plus captured stderr/stdout
// text into the POSIX taxonomy (spec §4.4: "parses a small fixed set
// of substrings in stderr... unrecognized stderr becomes I/O error").
func classifyExitCode(output string, code int) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "no such file"):
		return errs.ErrNotFound
	case strings.Contains(lower, "not a directory"):
		return errs.ErrNotADirectory
	case strings.Contains(lower, "is a directory"):
		return errs.ErrIsADirectory
	case strings.Contains(lower, "directory not empty"):
		return errs.ErrDirectoryNotEmpty
	case strings.Contains(lower, "file exists"):
		return errs.ErrFileExists
	case strings.Contains(lower, "permission denied"):
		return errs.ErrPermissionDenied
	case strings.Contains(lower, "read-only"):
		return errs.ErrReadOnlyFilesystem
	case strings.Contains(lower, "invalid argument"):
		return errs.ErrInvalidArgument
	case strings.Contains(lower, "not supported"):
		return errs.ErrNotSupported
	case strings.Contains(lower, "name too long"):
		return errs.ErrFilenameTooLong
	default:
		return errors.Wrapf(errs.ErrIO, "adb shell exited %d: %s", code, output)
	}
}

func translateShellError(stderr string, err error) error {
	if _, ok := err.(*exec.ExitError); ok {
		return classifyExitCode(stderr, 1)
	}
	return errors.Wrap(errs.ErrNotConnected, err.Error())
}
