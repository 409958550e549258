package rpc

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/wire"
)

// Dial connects to the on-device helper at addr, exchanges the fixed
// handshake token, and returns the raw connection ready to back a
// Client (spec §6: "both sides exchange a fixed 15-byte ASCII token
// before any framed traffic").
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrap(errs.ErrNotConnected, err.Error())
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if err := handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return conn, nil
}

// handshake is the client half: read the server's token, then echo it
// back.
func handshake(conn io.ReadWriter) error {
	buf := make([]byte, len(wire.Handshake))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return errors.Wrap(errs.ErrNotConnected, "rpc: handshake read: "+err.Error())
	}
	if string(buf) != wire.Handshake {
		return errors.Wrap(errs.ErrBadMessage, "rpc: unexpected handshake token")
	}
	if _, err := conn.Write([]byte(wire.Handshake)); err != nil {
		return errors.Wrap(errs.ErrNotConnected, "rpc: handshake write: "+err.Error())
	}
	return nil
}

// ServerHandshake is the server half: send the token first, then
// require the client to echo it back before any framed traffic.
func ServerHandshake(conn io.ReadWriter) error {
	if _, err := conn.Write([]byte(wire.Handshake)); err != nil {
		return errors.Wrap(errs.ErrNotConnected, "rpc: handshake write: "+err.Error())
	}
	buf := make([]byte, len(wire.Handshake))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return errors.Wrap(errs.ErrNotConnected, "rpc: handshake read: "+err.Error())
	}
	if string(buf) != wire.Handshake {
		return errors.Wrap(errs.ErrBadMessage, "rpc: unexpected handshake echo")
	}
	return nil
}
