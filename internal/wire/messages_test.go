package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/wire"
)

func sampleStat() wire.Stat {
	return wire.Stat{
		Size:  4096,
		Nlink: 1,
		Atime: wire.Timespec{Sec: 1700000000, Nsec: 123},
		Mtime: wire.Timespec{Sec: 1700000001, Nsec: 456},
		Ctime: wire.Timespec{Sec: 1700000002, Nsec: 789},
		Mode:  0o100644,
		Uid:   1000,
		Gid:   1000,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.RequestHeader{ID: 42, Proc: wire.ProcRead}
	require.NoError(t, wire.WriteRequestHeader(&buf, req))
	got, err := wire.ReadRequestHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, req, got)

	buf.Reset()
	resp := wire.ResponseHeader{ID: 7, Proc: wire.ProcWrite, Status: 2}
	require.NoError(t, wire.WriteResponseHeader(&buf, resp))
	gotResp, err := wire.ReadResponseHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestStatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.StatRequest{Path: "/a/b"}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeStatRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	resp := wire.StatResponse{Stat: sampleStat()}
	require.NoError(t, resp.Encode(&buf))
	gotResp, err := wire.DecodeStatResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestListdirRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.ListdirRequest{Path: "/dir"}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeListdirRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	resp := wire.ListdirResponse{Entries: []wire.DirEntry{
		{Name: "foo", Stat: sampleStat()},
		{Name: "bar", Stat: sampleStat()},
	}}
	require.NoError(t, resp.Encode(&buf))
	gotResp, err := wire.DecodeListdirResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestListdirEmptyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := wire.ListdirResponse{}
	require.NoError(t, resp.Encode(&buf))
	got, err := wire.DecodeListdirResponse(&buf)
	require.NoError(t, err)
	require.Empty(t, got.Entries)
}

func TestReadlinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.ReadlinkRequest{Path: "/link"}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeReadlinkRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	resp := wire.ReadlinkResponse{Target: "/target"}
	require.NoError(t, resp.Encode(&buf))
	gotResp, err := wire.DecodeReadlinkResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestMknodRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.MknodRequest{Path: "/dev/node", Mode: 0o600, Dev: 123}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeMknodRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)
}

func TestMkdirRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.MkdirRequest{Path: "/newdir", Mode: 0o755}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeMkdirRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)
}

func TestUnlinkRmdirRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.UnlinkRequest{Path: "/f"}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeUnlinkRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	rreq := wire.RmdirRequest{Path: "/d"}
	require.NoError(t, rreq.Encode(&buf))
	gotRReq, err := wire.DecodeRmdirRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, rreq, gotRReq)
}

func TestRenameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.RenameRequest{From: "/a", To: "/b", Flags: wire.RenameExchange}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeRenameRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)
}

func TestTruncateRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.TruncateRequest{Path: "/f", Size: 1024}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeTruncateRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)
}

func TestUtimensRoundTripWithSentinels(t *testing.T) {
	var buf bytes.Buffer
	req := wire.UtimensRequest{
		Path:  "/f",
		Atime: wire.Timespec{Sec: 0, Nsec: wire.UTimeNow},
		Mtime: wire.Timespec{Sec: 0, Nsec: wire.UTimeOmit},
	}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeUtimensRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)
	require.True(t, gotReq.Atime.IsNow())
	require.True(t, gotReq.Mtime.IsOmit())
}

func TestCopyFileRangeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.CopyFileRangeRequest{InPath: "/a", InOff: 10, OutPath: "/b", OutOff: 20, Size: 30}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeCopyFileRangeRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	resp := wire.CopyFileRangeResponse{Copied: 30}
	require.NoError(t, resp.Encode(&buf))
	gotResp, err := wire.DecodeCopyFileRangeResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.OpenRequest{Path: "/f", Flags: 0o1}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeOpenRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	resp := wire.OpenResponse{Handle: 99}
	require.NoError(t, resp.Encode(&buf))
	gotResp, err := wire.DecodeOpenResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)

	buf.Reset()
	creq := wire.CloseRequest{Handle: 99}
	require.NoError(t, creq.Encode(&buf))
	gotCReq, err := wire.DecodeCloseRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, creq, gotCReq)
}

func TestReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := wire.ReadRequest{Handle: 1, Offset: 100, Size: 4096}
	require.NoError(t, req.Encode(&buf))
	gotReq, err := wire.DecodeReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	buf.Reset()
	resp := wire.ReadResponse{Data: []byte("hello world")}
	require.NoError(t, resp.Encode(&buf))
	gotResp, err := wire.DecodeReadResponse(&buf, nil, 1<<20)
	require.NoError(t, err)
	require.Equal(t, resp.Data, gotResp.Data)

	buf.Reset()
	wreq := wire.WriteRequest{Handle: 1, Offset: 50, Data: []byte("payload")}
	require.NoError(t, wreq.Encode(&buf))
	gotWReq, err := wire.DecodeWriteRequest(&buf, 1<<20)
	require.NoError(t, err)
	require.Equal(t, wreq, gotWReq)

	buf.Reset()
	wresp := wire.WriteResponse{Written: 7}
	require.NoError(t, wresp.Encode(&buf))
	gotWResp, err := wire.DecodeWriteResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, wresp, gotWResp)
}

func TestReadResponseRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	resp := wire.ReadResponse{Data: make([]byte, 100)}
	require.NoError(t, resp.Encode(&buf))
	_, err := wire.DecodeReadResponse(&buf, nil, 10)
	require.Error(t, err)
}

func TestStatusFromErrorNilIsSuccess(t *testing.T) {
	require.Equal(t, uint8(0), wire.StatusFromError(nil))
}
