package control

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketPath resolves the control socket location for serial: spec §6
// names it "madbfs@<serial>.sock" under the user's runtime directory,
// the Unix analogue of XDG_RUNTIME_DIR, falling back to os.TempDir
// when that variable is unset.
func SocketPath(serial string) string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("madbfs@%s.sock", serial))
}
