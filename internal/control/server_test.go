package control_test

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/cache"
	"github.com/mrizaln/madbfs/internal/control"
	"github.com/mrizaln/madbfs/internal/madbfslog"
)

type nopBackend struct{}

func (nopBackend) Read(path string, buf []byte, offset int64) (int, error)  { return 0, nil }
func (nopBackend) Write(path string, data []byte, offset int64) (int, error) { return len(data), nil }

type fakeTimeoutSetter struct{ last time.Duration }

func (f *fakeTimeoutSetter) SetTimeout(d time.Duration) { f.last = d }

func newTestServer(t *testing.T) (*control.Server, net.Conn) {
	t.Helper()

	pc := cache.New(nopBackend{}, 64*1024, 128)
	logger := logrus.New()
	hook := madbfslog.NewFanoutHook()
	logger.AddHook(hook)

	srv := &control.Server{
		Cache:  pc,
		Conn:   &fakeTimeoutSetter{},
		Logger: logger,
		Hook:   hook,
		Serial: "test-serial-" + t.Name(),
	}
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, conn
}

func sendRequest(t *testing.T, conn net.Conn, op string, value interface{}) control.Response {
	t.Helper()

	var raw json.RawMessage
	if value != nil {
		b, err := json.Marshal(value)
		require.NoError(t, err)
		raw = b
	}

	req := control.Request{Op: op, Value: raw}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	var lenBuf [4]byte
	lenBuf[0] = byte(len(body) >> 24)
	lenBuf[1] = byte(len(body) >> 16)
	lenBuf[2] = byte(len(body) >> 8)
	lenBuf[3] = byte(len(body))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)

	var respLenBuf [4]byte
	_, err = io.ReadFull(conn, respLenBuf[:])
	require.NoError(t, err)
	n := int(respLenBuf[0])<<24 | int(respLenBuf[1])<<16 | int(respLenBuf[2])<<8 | int(respLenBuf[3])
	respBody := make([]byte, n)
	_, err = io.ReadFull(conn, respBody)
	require.NoError(t, err)

	var resp control.Response
	require.NoError(t, json.Unmarshal(respBody, &resp))
	return resp
}

func TestVersionAndHelp(t *testing.T) {
	srv, conn := newTestServer(t)

	resp := sendRequest(t, conn, "version", nil)
	require.True(t, resp.Ok)

	conn2, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	defer conn2.Close()
	resp2 := sendRequest(t, conn2, "help", nil)
	require.True(t, resp2.Ok)
}

func TestInvalidateCache(t *testing.T) {
	_, conn := newTestServer(t)
	resp := sendRequest(t, conn, "invalidate_cache", nil)
	require.True(t, resp.Ok)
}

func TestSetTimeoutAffectsConnection(t *testing.T) {
	srv, conn := newTestServer(t)
	resp := sendRequest(t, conn, "set_timeout", 5)
	require.True(t, resp.Ok)
	require.Equal(t, 5*time.Second, srv.Conn.(*fakeTimeoutSetter).last)
}

func TestUnknownOpFails(t *testing.T) {
	_, conn := newTestServer(t)
	resp := sendRequest(t, conn, "nonsense", nil)
	require.False(t, resp.Ok)
}

func TestSetLogLevelRejectsBogus(t *testing.T) {
	_, conn := newTestServer(t)
	resp := sendRequest(t, conn, "set_log_level", "bogus")
	require.False(t, resp.Ok)
}
