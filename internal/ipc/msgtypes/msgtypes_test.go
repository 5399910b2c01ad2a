package msgtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/ipc/frame"
)

func roundTrip(t *testing.T, f *frame.Frame) *frame.Frame {
	t.Helper()
	raw := f.Bytes()
	r, err := frame.NewReader(raw)
	require.NoError(t, err)
	return r
}

func TestRegisterStrandRoundTrip(t *testing.T) {
	m := RegisterStrand{KidID: 3, Pid: 4242, HasTag: true, Tag: "webserver"}
	f, err := m.Encode()
	require.NoError(t, err)
	got, err := DecodeRegisterStrand(roundTrip(t, f))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRegisterStrandWithoutTag(t *testing.T) {
	m := RegisterStrand{KidID: 1, Pid: 100}
	f, err := m.Encode()
	require.NoError(t, err)
	got, err := DecodeRegisterStrand(roundTrip(t, f))
	require.NoError(t, err)
	assert.False(t, got.HasTag)
	assert.Equal(t, "", got.Tag)
}

func TestSharedListenRoundTrip(t *testing.T) {
	req := SharedListenRequest{Addr: "0.0.0.0:3128", SockType: 1, Proto: 6, MapID: "abc-123"}
	f, err := req.Encode()
	require.NoError(t, err)
	gotReq, err := DecodeSharedListenRequest(roundTrip(t, f))
	require.NoError(t, err)
	assert.Equal(t, req, gotReq)

	resp := SharedListenResponse{MapID: "abc-123", Addr: "0.0.0.0:3128", SockType: 1, Proto: 6, Errno: 0}
	f2, err := resp.Encode()
	require.NoError(t, err)
	gotResp, err := DecodeSharedListenResponse(roundTrip(t, f2))
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}

func TestCacheMgrRoundTrip(t *testing.T) {
	req := CacheMgrRequest{Qid: 555, ReqIdx: 9, Action: "counters", Params: ""}
	f, err := req.Encode()
	require.NoError(t, err)
	gotReq, err := DecodeCacheMgrRequest(roundTrip(t, f))
	require.NoError(t, err)
	assert.Equal(t, req, gotReq)

	resp := CacheMgrResponse{Qid: 555, ReqIdx: 9, Body: `{"client_http_requests":12}`}
	f2, err := resp.Encode()
	require.NoError(t, err)
	gotResp, err := DecodeCacheMgrResponse(roundTrip(t, f2))
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}

func TestIpcIoNotificationRoundTrip(t *testing.T) {
	var key [16]byte
	copy(key[:], "0123456789abcdef")
	m := IpcIoNotification{Key: key}
	f, err := m.Encode()
	require.NoError(t, err)
	got, err := DecodeIpcIoNotification(roundTrip(t, f))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	m := StrandReady{KidID: 2}
	f, err := m.Encode()
	require.NoError(t, err)
	_, err = DecodeRegisterStrand(roundTrip(t, f))
	assert.Error(t, err)
}

func TestCollapsedForwardingNotificationRoundTrip(t *testing.T) {
	m := CollapsedForwardingNotification{FromKid: 7}
	f, err := m.Encode()
	require.NoError(t, err)
	got, err := DecodeCollapsedForwardingNotification(roundTrip(t, f))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
