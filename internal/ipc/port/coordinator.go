package port

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// StrandCoord is the Coordinator's registry row per worker.
type StrandCoord struct {
	KidID int32
	Pid   int32
	Tag   string
	Path  string
}

type waitingSearcher struct {
	tag  string
	from string
}

// CoordinatorDelegate handles the two message families the Coordinator
// does not own bookkeeping for directly: shared-listener fd passing
// (internal/ipc/sharedlisten) and cache-manager fan-out
// (internal/ipc/coordination). Keeping them as injected handlers avoids
// an import cycle between port and those packages, which both need the
// StrandCoords snapshot this file maintains.
type CoordinatorDelegate interface {
	HandleSharedListenRequest(ctx context.Context, fromPath string, req msgtypes.SharedListenRequest)
	HandleCacheMgrRequest(ctx context.Context, fromPath string, req msgtypes.CacheMgrRequest)
	HandleCacheMgrResponse(ctx context.Context, fromPath string, resp msgtypes.CacheMgrResponse)
}

// Coordinator is the singleton process bound to coordinator.ipc.
type Coordinator struct {
	Port *Port

	mu       sync.Mutex
	strands  map[int32]StrandCoord
	waiting  []waitingSearcher

	delegate CoordinatorDelegate
}

func (c *Coordinator) String() string { return "coordinator" }

// NewCoordinator binds coordinator.ipc.
func NewCoordinator(path string, delegate CoordinatorDelegate) (*Coordinator, error) {
	ep, err := transport.Bind(path)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{strands: make(map[int32]StrandCoord), delegate: delegate}
	c.Port = &Port{Endpoint: ep, Handler: c}
	return c, nil
}

// Strands returns a snapshot of the registry sorted by kid-id, the
// deterministic fan-out order Inquirer relies on.
func (c *Coordinator) Strands() []StrandCoord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StrandCoord, 0, len(c.strands))
	for _, s := range c.strands {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KidID < out[j].KidID })
	return out
}

// upsertStrand records or refreshes a registration. A re-registration that
// omits its tag preserves the previously-known one.
func (c *Coordinator) upsertStrand(ctx context.Context, m msgtypes.RegisterStrand, fromPath string) StrandCoord {
	c.mu.Lock()
	tag := m.Tag
	if !m.HasTag {
		if prev, ok := c.strands[m.KidID]; ok {
			tag = prev.Tag
		}
	}
	sc := StrandCoord{KidID: m.KidID, Pid: m.Pid, Tag: tag, Path: fromPath}
	c.strands[m.KidID] = sc

	var matched []waitingSearcher
	remaining := c.waiting[:0:0]
	for _, w := range c.waiting {
		if tag != "" && w.tag == tag {
			matched = append(matched, w)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiting = remaining
	c.mu.Unlock()

	for _, w := range matched {
		reply := msgtypes.StrandReady{KidID: sc.KidID}
		f, err := reply.Encode()
		if err != nil {
			corelog.Errorf(ctx, c, "encode StrandReady: %v", err)
			continue
		}
		if err := c.Port.Endpoint.Send(ctx, w.from, f); err != nil {
			corelog.Errorf(ctx, c, "send StrandReady to %s: %v", w.from, err)
		}
	}
	return sc
}

func (c *Coordinator) handleFindStrand(ctx context.Context, fromPath string, m msgtypes.FindStrand) {
	c.mu.Lock()
	for _, sc := range c.strands {
		if sc.Tag == m.Tag {
			c.mu.Unlock()
			reply := msgtypes.StrandReady{KidID: sc.KidID}
			f, err := reply.Encode()
			if err != nil {
				corelog.Errorf(ctx, c, "encode StrandReady: %v", err)
				return
			}
			if err := c.Port.Endpoint.Send(ctx, fromPath, f); err != nil {
				corelog.Errorf(ctx, c, "send StrandReady to %s: %v", fromPath, err)
			}
			return
		}
	}
	c.waiting = append(c.waiting, waitingSearcher{tag: m.Tag, from: fromPath})
	c.mu.Unlock()
}

// Receive implements Handler for the Coordinator.
func (c *Coordinator) Receive(ctx context.Context, fromPath string, recvd *transport.Received) error {
	switch recvd.Frame.Type() {
	case msgtypes.RegisterStrandType:
		m, err := msgtypes.DecodeRegisterStrand(recvd.Frame)
		if err != nil {
			return err
		}
		c.upsertStrand(ctx, m, fromPath)
		ack := msgtypes.StrandRegistered{}
		f, err := ack.Encode()
		if err != nil {
			return err
		}
		return c.Port.Endpoint.Send(ctx, fromPath, f)
	case msgtypes.FindStrandType:
		m, err := msgtypes.DecodeFindStrand(recvd.Frame)
		if err != nil {
			return err
		}
		c.handleFindStrand(ctx, fromPath, m)
		return nil
	case msgtypes.SharedListenRequestType:
		m, err := msgtypes.DecodeSharedListenRequest(recvd.Frame)
		if err != nil {
			return err
		}
		c.delegate.HandleSharedListenRequest(ctx, fromPath, m)
		return nil
	case msgtypes.CacheMgrRequestType:
		m, err := msgtypes.DecodeCacheMgrRequest(recvd.Frame)
		if err != nil {
			return err
		}
		c.delegate.HandleCacheMgrRequest(ctx, fromPath, m)
		return nil
	case msgtypes.CacheMgrResponseType:
		m, err := msgtypes.DecodeCacheMgrResponse(recvd.Frame)
		if err != nil {
			return err
		}
		c.delegate.HandleCacheMgrResponse(ctx, fromPath, m)
		return nil
	default:
		return errors.Errorf("coordinator: unexpected message type %v", recvd.Frame.Type())
	}
}

// Broadcast sends sig to every registered strand's process, used for
// reconfigure/rotate/shutdown.
func (c *Coordinator) Broadcast(sig syscall.Signal) []error {
	var errs []error
	for _, sc := range c.Strands() {
		if err := syscall.Kill(int(sc.Pid), sig); err != nil {
			errs = append(errs, errors.Wrapf(err, "broadcast to kid %d (pid %d)", sc.KidID, sc.Pid))
		}
	}
	return errs
}

// Run starts the Coordinator's event loop.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.Port.Run(ctx)
}

var _ fmt.Stringer = (*Coordinator)(nil)
