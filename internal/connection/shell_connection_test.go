package connection

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/errs"
)

func TestClassifyExitCode(t *testing.T) {
	cases := []struct {
		output string
		want   error
	}{
		{"no such file or directory", errs.ErrNotFound},
		{"Not a directory", errs.ErrNotADirectory},
		{"cp: omitting directory 'd': Is a directory", errs.ErrIsADirectory},
		{"rmdir: failed: Directory not empty", errs.ErrDirectoryNotEmpty},
		{"mkdir: cannot create: File exists", errs.ErrFileExists},
		{"touch: permission denied", errs.ErrPermissionDenied},
		{"Read-only file system", errs.ErrReadOnlyFilesystem},
		{"invalid argument", errs.ErrInvalidArgument},
		{"operation not supported", errs.ErrNotSupported},
		{"File name too long", errs.ErrFilenameTooLong},
	}
	for _, c := range cases {
		got := classifyExitCode(c.output, 1)
		require.ErrorIs(t, got, c.want, "input %q", c.output)
	}
}

func TestClassifyExitCodeDefaultsToIO(t *testing.T) {
	err := classifyExitCode("some unrecognized message", 7)
	require.ErrorIs(t, err, errs.ErrIO)
}

func TestTranslateShellErrorExitError(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 1")
	runErr := cmd.Run()
	require.Error(t, runErr)

	got := translateShellError("permission denied", runErr)
	require.ErrorIs(t, got, errs.ErrPermissionDenied)
}

func TestTranslateShellErrorNonExitError(t *testing.T) {
	_, lookErr := exec.LookPath("definitely-not-a-real-binary-xyz")
	require.Error(t, lookErr)

	got := translateShellError("", lookErr)
	require.ErrorIs(t, got, errs.ErrNotConnected)
}

func TestSetTimeoutAffectsCommandContext(t *testing.T) {
	c := NewShellConnection("adb", "", 0)
	ctx, cancel := c.commandContext()
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	require.False(t, hasDeadline)

	c.SetTimeout(50 * time.Millisecond)
	ctx2, cancel2 := c.commandContext()
	defer cancel2()
	_, hasDeadline2 := ctx2.Deadline()
	require.True(t, hasDeadline2)
}
