// Package rpc implements the multiplexed request/response client and
// the serial dispatch server of madbfs's on-device RPC protocol
// (spec §4.2, §4.3).
package rpc

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mrizaln/madbfs/internal/errs"
	"github.com/mrizaln/madbfs/internal/wire"
)

// skipDecoders drains exactly the response body for each procedure
// without keeping the decoded value, used by readLoop to stay framed
// after a stray/unmatched request-id (spec §4.2: "on miss it logs and
// drops").
var skipDecoders = map[wire.Procedure]func(io.Reader) (any, error){
	wire.ProcStat:          decodeAny(wire.DecodeStatResponse),
	wire.ProcListdir:       decodeAny(wire.DecodeListdirResponse),
	wire.ProcReadlink:      decodeAny(wire.DecodeReadlinkResponse),
	wire.ProcMknod:         decodeAny(wire.DecodeMknodResponse),
	wire.ProcMkdir:         decodeAny(wire.DecodeMkdirResponse),
	wire.ProcUnlink:        decodeAny(wire.DecodeUnlinkResponse),
	wire.ProcRmdir:         decodeAny(wire.DecodeRmdirResponse),
	wire.ProcRename:        decodeAny(wire.DecodeRenameResponse),
	wire.ProcTruncate:      decodeAny(wire.DecodeTruncateResponse),
	wire.ProcUtimens:       decodeAny(wire.DecodeUtimensResponse),
	wire.ProcCopyFileRange: decodeAny(wire.DecodeCopyFileRangeResponse),
	wire.ProcOpen:          decodeAny(wire.DecodeOpenResponse),
	wire.ProcClose:         decodeAny(wire.DecodeCloseResponse),
	wire.ProcRead: decodeAny(func(r io.Reader) (wire.ReadResponse, error) {
		return wire.DecodeReadResponse(r, nil, MaxReadSize)
	}),
	wire.ProcWrite: decodeAny(wire.DecodeWriteResponse),
}

// state is the client's lifecycle state machine (spec §4.2).
type state int

const (
	stateDisconnected state = iota
	stateStarted
	stateStopping
	stateClosed
)

// pending is one in-flight request: decode consumes exactly the
// response body from the shared connection reader once the header
// matches, and writes the result into done.
type pending struct {
	decode func(io.Reader) (any, error)
	done   chan result
}

type result struct {
	value any
	err   error
}

type outgoing struct {
	id   uint32
	proc wire.Procedure
	body []byte
}

// Client is a single multiplexed connection to the on-device helper. A
// single Client instance is shared by every concurrent caller; requests
// are distinguished by request-id, not by opening new connections.
type Client struct {
	conn io.ReadWriteCloser

	mu      sync.Mutex
	state   state
	nextID  uint32
	pending map[uint32]*pending

	writeCh chan outgoing
	limiter *rate.Limiter // nil = unlimited (spec §6: off by default)

	closeOnce sync.Once
	stopped   chan struct{}
}

// NewClient wraps conn, which must already be past the handshake
// exchange (spec §6). If rps > 0, outgoing requests are rate limited;
// 0 means unlimited, the default (spec's transport is a trusted local
// helper, not a rate-limited cloud API).
func NewClient(conn io.ReadWriteCloser, rps float64) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]*pending),
		writeCh: make(chan outgoing, 64),
		stopped: make(chan struct{}),
	}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

// Start launches the reader and writer loops. It must be called before
// the first Send.
func (c *Client) Start() {
	c.mu.Lock()
	c.state = stateStarted
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
}

// send is the shared implementation behind the typed per-procedure
// helpers in messages.go: encode builds the request body, decode reads
// exactly the response body for a successful reply.
func (c *Client) send(ctx context.Context, proc wire.Procedure, encode func(io.Writer) error, decode func(io.Reader) (any, error)) (any, error) {
	c.mu.Lock()
	if c.state != stateStarted {
		c.mu.Unlock()
		return nil, errs.ErrNotConnected
	}
	id := c.nextID
	c.nextID++
	p := &pending{decode: decode, done: make(chan result, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.dropPending(id)
			return nil, errs.ErrTimedOut
		}
	}

	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case c.writeCh <- outgoing{id: id, proc: proc, body: buf.Bytes()}:
	case <-c.stopped:
		c.dropPending(id)
		return nil, errs.ErrNotConnected
	case <-ctx.Done():
		c.dropPending(id)
		return nil, errs.ErrTimedOut
	}

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
		// The in-flight entry stays registered: a late response must
		// still be consumed and discarded by readLoop, never mixed up
		// with the next response on the wire (spec §4.2).
		return nil, errs.ErrTimedOut
	}
}

// sendTimeout applies a fixed timeout, or no deadline at all when d <= 0
// (spec §6: `--timeout=0` disables it).
func (c *Client) sendTimeout(d time.Duration, proc wire.Procedure, encode func(io.Writer) error, decode func(io.Reader) (any, error)) (any, error) {
	ctx := context.Background()
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return c.send(ctx, proc, encode, decode)
}

func (c *Client) dropPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) writeLoop() {
	for {
		select {
		case f := <-c.writeCh:
			if err := wire.WriteRequestHeader(c.conn, wire.RequestHeader{ID: f.id, Proc: f.proc}); err != nil {
				c.fail(err)
				return
			}
			if _, err := c.conn.Write(f.body); err != nil {
				c.fail(errors.Wrap(errs.ErrBrokenPipe, "rpc: write"))
				return
			}
		case <-c.stopped:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		hdr, err := wire.ReadResponseHeader(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		p, ok := c.pending[hdr.ID]
		if ok {
			delete(c.pending, hdr.ID)
		}
		c.mu.Unlock()

		if !ok {
			logrus.WithFields(logrus.Fields{"id": hdr.ID, "proc": hdr.Proc}).
				Warn("rpc client: unmatched response id, dropping")

			skip, known := skipDecoders[hdr.Proc]
			if !known {
				c.fail(errors.Wrap(errs.ErrBadMessage, "rpc: unknown procedure in stray response"))
				return
			}
			if hdr.Status == 0 {
				if _, err := skip(c.conn); err != nil {
					c.fail(err)
					return
				}
			}
			continue
		}

		if hdr.Status != 0 {
			p.done <- result{err: wire.ErrorFromStatus(hdr.Status)}
			continue
		}

		value, err := p.decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		p.done <- result{value: value}
	}
}

// fail transitions the client to Closed and fulfills every outstanding
// waiter with broken-pipe (spec §4.2).
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		pending := c.pending
		c.pending = make(map[uint32]*pending)
		c.mu.Unlock()

		for _, p := range pending {
			p.done <- result{err: errs.ErrBrokenPipe}
		}
		close(c.stopped)
		_ = c.conn.Close()
	})
}

// Stop cancels all in-flight waiters with operation-canceled and closes
// the connection (spec §4.2, §5).
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateStopping {
		c.mu.Unlock()
		return
	}
	c.state = stateStopping
	pending := c.pending
	c.pending = make(map[uint32]*pending)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: errs.ErrOperationCanceled}
	}

	c.closeOnce.Do(func() {
		close(c.stopped)
		_ = c.conn.Close()
	})

	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}
