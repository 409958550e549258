package adb

import (
	"fmt"
	"os/exec"

	"github.com/pkg/errors"
)

// Forward runs `adb -s <serial> forward tcp:<port> tcp:<port>`, mapping
// the on-device helper's listening port onto localhost so the RPC
// client can dial it directly (spec §4.7's "launch/connect to the
// on-device helper on the configured port").
func Forward(adbPath, serial string, port int) error {
	if adbPath == "" {
		adbPath = "adb"
	}
	spec := fmt.Sprintf("tcp:%d", port)
	args := []string{}
	if serial != "" {
		args = append(args, "-s", serial)
	}
	args = append(args, "forward", spec, spec)

	cmd := exec.Command(adbPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "adb forward: %s", string(out))
	}
	return nil
}

// RemoveForward tears down a forward previously set up with Forward,
// best-effort; callers typically ignore its error on shutdown.
func RemoveForward(adbPath, serial string, port int) error {
	if adbPath == "" {
		adbPath = "adb"
	}
	spec := fmt.Sprintf("tcp:%d", port)
	args := []string{}
	if serial != "" {
		args = append(args, "-s", serial)
	}
	args = append(args, "forward", "--remove", spec)

	cmd := exec.Command(adbPath, args...)
	return cmd.Run()
}
