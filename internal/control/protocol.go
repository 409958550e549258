// Package control implements the madbfs control endpoint (C9, spec
// §4.8): a local stream socket accepting one length-prefixed JSON
// command per connection, modeled on rclone's fs/rc JSON remote
// control plane but scoped to this module's fixed op set.
package control

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/wire"
)

// Request is the JSON body of a control message (spec §4.8: "{op,
// value?}").
type Request struct {
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Response is the JSON body of every reply frame, including logcat's
// follow-up frames, which carry a bare log line in Result.
type Response struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON encoding of v (spec §6: "Each message is a 4-byte big-endian
// length followed by JSON text").
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > wire.MaxControlMessage {
		return errors.Wrap(errs.ErrInvalidArgument, "control: response too large")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON message into v.
func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > wire.MaxControlMessage {
		return errors.Wrap(errs.ErrInvalidArgument, "control: message too large")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
