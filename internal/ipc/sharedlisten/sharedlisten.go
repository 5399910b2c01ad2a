// Package sharedlisten implements Coordinator-owned shared listening sockets
// passed to strands on demand via SCM_RIGHTS: a Coordinator-side listener
// cache keyed by (addr, sock_type, proto), and a Strand-side requester that
// correlates responses by a uuid map_id.
package sharedlisten

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

type listenerKey struct {
	addr     string
	sockType int32
	proto    int32
}

// Coordinator is the Coordinator-side listener cache; strands never mutate
// it directly.
type Coordinator struct {
	endpoint *transport.Endpoint

	mu    sync.Mutex
	cache map[listenerKey]int
}

func NewCoordinator(endpoint *transport.Endpoint) *Coordinator {
	return &Coordinator{endpoint: endpoint, cache: make(map[listenerKey]int)}
}

func (c *Coordinator) String() string { return "sharedlisten.Coordinator" }

// HandleSharedListenRequest implements the Coordinator-side half of
// listener sharing: params are compared as (addr, sock_type, proto);
// other request
// fields are ignored for keying. On miss a fresh listener is opened
// (conceptually "under elevated privileges then dropped", the original's
// privilege-separation note — the core's responsibility ends at opening and
// caching the fd) and cached; on hit the cached fd is reused.
func (c *Coordinator) HandleSharedListenRequest(ctx context.Context, fromPath string, req msgtypes.SharedListenRequest) {
	key := listenerKey{addr: req.Addr, sockType: req.SockType, proto: req.Proto}

	c.mu.Lock()
	fd, ok := c.cache[key]
	c.mu.Unlock()

	if !ok {
		newFD, err := openListener(req.Addr, req.SockType, req.Proto)
		if err != nil {
			corelog.Errorf(ctx, c, "open listener %s: %v", req.Addr, err)
			c.reply(ctx, fromPath, req, -1, errnoOf(err))
			return
		}
		c.mu.Lock()
		if existing, raced := c.cache[key]; raced {
			// another request opened the same listener while we were
			// working; keep the winner, close our duplicate.
			_ = unix.Close(newFD)
			fd = existing
		} else {
			c.cache[key] = newFD
			fd = newFD
		}
		c.mu.Unlock()
	}

	c.reply(ctx, fromPath, req, fd, 0)
}

func (c *Coordinator) reply(ctx context.Context, fromPath string, req msgtypes.SharedListenRequest, fd int, errno int32) {
	resp := msgtypes.SharedListenResponse{
		MapID:    req.MapID,
		Addr:     req.Addr,
		SockType: req.SockType,
		Proto:    req.Proto,
		Errno:    errno,
	}
	f, err := resp.Encode()
	if err != nil {
		corelog.Errorf(ctx, c, "encode SharedListenResponse: %v", err)
		return
	}
	if err := c.endpoint.SendFD(ctx, fromPath, f, fd); err != nil {
		corelog.Errorf(ctx, c, "send SharedListenResponse to %s: %v", fromPath, err)
	}
}

func errnoOf(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return -1
}

// openListener binds and, for stream sockets, listens on addr using a
// raw socket so the resulting fd can be handed off via SCM_RIGHTS; a
// *net.Listener's fd would require an extra dup through File().
func openListener(addr string, sockType, proto int32) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, errors.Wrapf(err, "sharedlisten: parse addr %s", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrapf(err, "sharedlisten: parse port in %s", addr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}

	fd, err := unix.Socket(unix.AF_INET, int(sockType), int(proto))
	if err != nil {
		return -1, errors.Wrap(err, "sharedlisten: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "sharedlisten: SO_REUSEADDR")
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "sharedlisten: bind %s", addr)
	}
	if sockType == unix.SOCK_STREAM {
		if err := unix.Listen(fd, 128); err != nil {
			_ = unix.Close(fd)
			return -1, errors.Wrapf(err, "sharedlisten: listen %s", addr)
		}
	}
	return fd, nil
}

// OpenResult is delivered to a strand once its SharedListenRequest is
// answered.
type OpenResult struct {
	FD       int
	Addr     string
	SockType int32
	Proto    int32
	Errno    int32
}

func (r OpenResult) String() string {
	return fmt.Sprintf("sharedlisten.OpenResult(addr=%s errno=%d)", r.Addr, r.Errno)
}

// Requester is the Strand-side half: it issues SharedListenRequest messages
// tagged with a fresh uuid map_id and matches the eventual
// SharedListenResponse back to the waiting caller by that id, rather than by
// reconstructing the original request.
type Requester struct {
	endpoint *transport.Endpoint

	mu      sync.Mutex
	pending map[string]chan OpenResult
}

func NewRequester(endpoint *transport.Endpoint) *Requester {
	return &Requester{endpoint: endpoint, pending: make(map[string]chan OpenResult)}
}

// Request sends a SharedListenRequest to coordinatorPath and returns a
// channel that receives exactly one OpenResult.
func (r *Requester) Request(ctx context.Context, coordinatorPath, addr string, sockType, proto int32) (<-chan OpenResult, error) {
	mapID := uuid.NewString()
	ch := make(chan OpenResult, 1)

	r.mu.Lock()
	r.pending[mapID] = ch
	r.mu.Unlock()

	req := msgtypes.SharedListenRequest{Addr: addr, SockType: sockType, Proto: proto, MapID: mapID}
	f, err := req.Encode()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, mapID)
		r.mu.Unlock()
		return nil, err
	}
	if err := r.endpoint.Send(ctx, coordinatorPath, f); err != nil {
		r.mu.Lock()
		delete(r.pending, mapID)
		r.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// HandleSharedListenResponse dispatches an incoming response to its
// waiting Request call by map_id; a response whose map_id has no
// pending entry (late, or from a Request call this process never made)
// is dropped.
func (r *Requester) HandleSharedListenResponse(ctx context.Context, m msgtypes.SharedListenResponse, fd int, hasFD bool) {
	r.mu.Lock()
	ch, ok := r.pending[m.MapID]
	if ok {
		delete(r.pending, m.MapID)
	}
	r.mu.Unlock()
	if !ok {
		corelog.Infof(nil, "sharedlisten: dropping response for unknown map_id %s", m.MapID)
		return
	}
	result := OpenResult{Addr: m.Addr, SockType: m.SockType, Proto: m.Proto, Errno: m.Errno, FD: -1}
	if hasFD {
		result.FD = fd
	}
	ch <- result
}
