// Package adb supplements the core madbfs contract with the device
// discovery step spec §6 names but does not shape: resolving --serial
// when omitted, and prompting interactively when more than one device
// is attached. It shells out to the platform debug bridge the same way
// internal/connection's ShellConnection does, rather than depending on
// a client library, since none is wired into this module's dependency
// set (see DESIGN.md).
package adb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Device is one line of `adb devices -l` output.
type Device struct {
	Serial string
	Model  string
	State  string
}

// ErrNoDevices is returned by ListDevices when the bridge reports none
// attached.
var ErrNoDevices = errors.New("adb: no devices found")

// ListDevices runs `<adbPath> devices -l` and parses attached devices,
// mirroring the enumeration backend/adb.go performs via
// client.ListDeviceSerials before picking a descriptor.
func ListDevices(adbPath string) ([]Device, error) {
	if adbPath == "" {
		adbPath = "adb"
	}
	cmd := exec.Command(adbPath, "devices", "-l")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrap(err, "adb: devices")
	}

	var out []Device
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if model, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = model
			}
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrNoDevices
	}
	return out, nil
}

// ChooseDevice resolves the serial to mount against. If serial is
// non-empty it is returned unchanged (the caller already decided). If
// exactly one device is attached it is chosen automatically. If more
// than one is attached, the caller is prompted on in/out (spec §6:
// "discover via the debug bridge; prompt if ambiguous"); a nil in
// means non-interactive callers get an error instead of a hang.
func ChooseDevice(adbPath, serial string, in io.Reader, out io.Writer) (string, error) {
	if serial != "" {
		return serial, nil
	}

	devices, err := ListDevices(adbPath)
	if err != nil {
		return "", err
	}
	if len(devices) == 1 {
		return devices[0].Serial, nil
	}
	if in == nil {
		return "", errors.New("adb: multiple devices attached and no --serial given")
	}

	fmt.Fprintln(out, "Multiple devices attached:")
	for i, d := range devices {
		fmt.Fprintf(out, "  [%d] %s (%s) %s\n", i+1, d.Serial, d.State, d.Model)
	}
	fmt.Fprint(out, "Choose a device number: ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "adb: reading device choice")
	}
	line = strings.TrimSpace(line)

	var choice int
	if _, err := fmt.Sscanf(line, "%d", &choice); err != nil || choice < 1 || choice > len(devices) {
		return "", errors.Errorf("adb: invalid device choice %q", line)
	}
	return devices[choice-1].Serial, nil
}
