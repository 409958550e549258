// Command madbfs-msg talks to a running mount's control endpoint: it
// sends one op per invocation and prints the JSON response, or streams
// log lines when the op is logcat.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrizaln/madbfs/internal/control"
)

var serial string

var rootCmd = &cobra.Command{
	Use:   "madbfs-msg <op> [value]",
	Short: "Send a control command to a running madbfs mount",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := args[0]
		var value json.RawMessage
		if len(args) == 2 {
			if json.Valid([]byte(args[1])) {
				value = json.RawMessage(args[1])
			} else {
				b, err := json.Marshal(args[1])
				if err != nil {
					return err
				}
				value = b
			}
		}
		return send(serial, op, value)
	},
}

func init() {
	rootCmd.Flags().StringVar(&serial, "serial", "", "device serial whose mount to address")
}

func send(serial, op string, value json.RawMessage) error {
	path := control.SocketPath(serial)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("madbfs-msg: connect %s: %w", path, err)
	}
	defer conn.Close()

	req := control.Request{Op: op, Value: value}
	if err := writeFrame(conn, req); err != nil {
		return err
	}

	if op == "logcat" {
		return streamLogcat(conn)
	}

	var resp control.Response
	if err := readFrame(conn, &resp); err != nil {
		return err
	}
	return printResponse(resp)
}

func streamLogcat(conn net.Conn) error {
	for {
		var resp control.Response
		if err := readFrame(conn, &resp); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !resp.Ok {
			return fmt.Errorf("madbfs-msg: %s", resp.Error)
		}
		if line, ok := resp.Result.(string); ok {
			fmt.Println(line)
		}
	}
}

func printResponse(resp control.Response) error {
	if !resp.Ok {
		return fmt.Errorf("madbfs-msg: %s", resp.Error)
	}
	if resp.Result == nil {
		fmt.Println("ok")
		return nil
	}
	b, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// writeFrame and readFrame mirror the unexported framing in
// internal/control, duplicated here since that package keeps its wire
// helpers private to the server/request types it controls directly.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
