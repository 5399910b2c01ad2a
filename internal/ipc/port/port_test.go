package port

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

func bindHelper(t *testing.T, path string) (*transport.Endpoint, error) {
	t.Helper()
	return transport.Bind(path)
}

type fakeStrandDelegate struct {
	sharedListenResp chan msgtypes.SharedListenResponse
	cacheMgrReq      chan msgtypes.CacheMgrRequest
}

func newFakeStrandDelegate() *fakeStrandDelegate {
	return &fakeStrandDelegate{
		sharedListenResp: make(chan msgtypes.SharedListenResponse, 4),
		cacheMgrReq:      make(chan msgtypes.CacheMgrRequest, 4),
	}
}

func (f *fakeStrandDelegate) HandleSharedListenResponse(ctx context.Context, m msgtypes.SharedListenResponse, fd int, hasFD bool) {
	f.sharedListenResp <- m
}
func (f *fakeStrandDelegate) HandleIpcIoNotification(ctx context.Context, m msgtypes.IpcIoNotification) {
}
func (f *fakeStrandDelegate) HandleCollapsedForwardingNotification(ctx context.Context, m msgtypes.CollapsedForwardingNotification) {
}
func (f *fakeStrandDelegate) HandleCacheMgrRequest(ctx context.Context, m msgtypes.CacheMgrRequest) {
	f.cacheMgrReq <- m
}
func (f *fakeStrandDelegate) HandleCacheMgrResponse(ctx context.Context, m msgtypes.CacheMgrResponse) {
}

type fakeCoordDelegate struct {
	sharedListenReq chan msgtypes.SharedListenRequest
	cacheMgrReq     chan msgtypes.CacheMgrRequest
	cacheMgrResp    chan msgtypes.CacheMgrResponse
}

func newFakeCoordDelegate() *fakeCoordDelegate {
	return &fakeCoordDelegate{
		sharedListenReq: make(chan msgtypes.SharedListenRequest, 4),
		cacheMgrReq:     make(chan msgtypes.CacheMgrRequest, 4),
		cacheMgrResp:    make(chan msgtypes.CacheMgrResponse, 4),
	}
}

func (f *fakeCoordDelegate) HandleSharedListenRequest(ctx context.Context, fromPath string, req msgtypes.SharedListenRequest) {
	f.sharedListenReq <- req
}
func (f *fakeCoordDelegate) HandleCacheMgrRequest(ctx context.Context, fromPath string, req msgtypes.CacheMgrRequest) {
	f.cacheMgrReq <- req
}
func (f *fakeCoordDelegate) HandleCacheMgrResponse(ctx context.Context, fromPath string, resp msgtypes.CacheMgrResponse) {
	f.cacheMgrResp <- resp
}

func TestStrandRegistrationHandshake(t *testing.T) {
	dir := t.TempDir()
	coordPath := filepath.Join(dir, "coordinator.ipc")
	kidPath := filepath.Join(dir, "kid-1.ipc")

	coordDelegate := newFakeCoordDelegate()
	coord, err := NewCoordinator(coordPath, coordDelegate)
	require.NoError(t, err)
	defer coord.Port.Endpoint.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go coord.Run(ctx)

	strandDelegate := newFakeStrandDelegate()
	strand, err := NewStrand(kidPath, 1, "", coordPath, strandDelegate)
	require.NoError(t, err)
	defer strand.Port.Endpoint.Close()

	require.NoError(t, strand.Register(ctx))

	strands := coord.Strands()
	require.Len(t, strands, 1)
	assert.Equal(t, int32(1), strands[0].KidID)
	assert.Equal(t, kidPath, strands[0].Path)
}

func TestFindStrandAnsweredOnLateRegistration(t *testing.T) {
	dir := t.TempDir()
	coordPath := filepath.Join(dir, "coordinator.ipc")
	kidPath := filepath.Join(dir, "kid-2.ipc")
	searcherPath := filepath.Join(dir, "searcher.ipc")

	coordDelegate := newFakeCoordDelegate()
	coord, err := NewCoordinator(coordPath, coordDelegate)
	require.NoError(t, err)
	defer coord.Port.Endpoint.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go coord.Run(ctx)

	searcherEP, err := bindHelper(t, searcherPath)
	require.NoError(t, err)
	defer searcherEP.Close()

	find := msgtypes.FindStrand{Tag: "webserver"}
	f, err := find.Encode()
	require.NoError(t, err)
	require.NoError(t, searcherEP.Send(ctx, coordPath, f))

	strandDelegate := newFakeStrandDelegate()
	strand, err := NewStrand(kidPath, 9, "webserver", coordPath, strandDelegate)
	require.NoError(t, err)
	defer strand.Port.Endpoint.Close()
	require.NoError(t, strand.Register(ctx))

	recvd, err := searcherEP.Recv(ctx)
	require.NoError(t, err)
	ready, err := msgtypes.DecodeStrandReady(recvd.Frame)
	require.NoError(t, err)
	assert.Equal(t, int32(9), ready.KidID)
}

func TestCoordinatorDelegatesSharedListenRequest(t *testing.T) {
	dir := t.TempDir()
	coordPath := filepath.Join(dir, "coordinator.ipc")
	kidPath := filepath.Join(dir, "kid-3.ipc")

	coordDelegate := newFakeCoordDelegate()
	coord, err := NewCoordinator(coordPath, coordDelegate)
	require.NoError(t, err)
	defer coord.Port.Endpoint.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go coord.Run(ctx)

	kidEP, err := bindHelper(t, kidPath)
	require.NoError(t, err)
	defer kidEP.Close()

	req := msgtypes.SharedListenRequest{Addr: "0.0.0.0:80", SockType: 1, Proto: 6, MapID: "m1"}
	f, err := req.Encode()
	require.NoError(t, err)
	require.NoError(t, kidEP.Send(ctx, coordPath, f))

	select {
	case got := <-coordDelegate.sharedListenReq:
		assert.Equal(t, req, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delegate dispatch")
	}
}
