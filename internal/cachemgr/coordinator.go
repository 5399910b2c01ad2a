package cachemgr

import (
	"context"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/coordination"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/port"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// StrandLister returns the registered strands to fan an aggregatable
// action out to (port.Coordinator.Strands already returns them kid-id
// sorted, the order the Inquirer relies on).
type StrandLister func() []port.StrandCoord

// CoordinatorService is the Coordinator-side half of the action framework:
// on a forwarded aggregatable request it runs an Inquirer round across every
// strand, merges their answers with the action's own Merge rule, and replies
// once to the originating strand.
type CoordinatorService struct {
	registry *Registry
	inquirer *coordination.Inquirer
	endpoint *transport.Endpoint
	strands  StrandLister
}

func NewCoordinatorService(registry *Registry, inquirer *coordination.Inquirer, endpoint *transport.Endpoint, strands StrandLister) *CoordinatorService {
	return &CoordinatorService{registry: registry, inquirer: inquirer, endpoint: endpoint, strands: strands}
}

func (c *CoordinatorService) String() string { return "cachemgr.CoordinatorService" }

// HandleCacheMgrRequest implements the part of port.CoordinatorDelegate this
// package owns: a strand has forwarded an aggregatable action. The fan-out
// round runs on its own goroutine so the Coordinator's single event-loop
// thread keeps dispatching other traffic while strands answer (the
// Inquirer's own waits are the only blocking points, scoped to this
// goroutine).
func (c *CoordinatorService) HandleCacheMgrRequest(ctx context.Context, fromPath string, req msgtypes.CacheMgrRequest) {
	reg, ok := c.registry.Get(req.Action)
	if !ok || !reg.Profile.Aggregatable || reg.Merge == nil {
		corelog.Errorf(ctx, c, "unknown or non-aggregatable action %q forwarded to coordinator", req.Action)
		return
	}
	go c.run(ctx, fromPath, req, reg)
}

func (c *CoordinatorService) run(ctx context.Context, fromPath string, req msgtypes.CacheMgrRequest, reg Registration) {
	strands := c.strands()
	answers := c.inquirer.Dispatch(ctx, strands, req.Action, req.Params)

	var acc Params
	for _, a := range answers {
		p, err := reg.Profile.Format.Parse(a.Body)
		if err != nil {
			corelog.Errorf(ctx, c, "parse %s answer: %v", req.Action, err)
			continue
		}
		acc = reg.Merge(acc, p)
	}

	body, err := reg.Profile.Format.Render(acc)
	if err != nil {
		corelog.Errorf(ctx, c, "render aggregated %s: %v", req.Action, err)
		return
	}
	resp := msgtypes.CacheMgrResponse{Qid: req.Qid, ReqIdx: req.ReqIdx, Body: body}
	f, err := resp.Encode()
	if err != nil {
		corelog.Errorf(ctx, c, "encode aggregated %s response: %v", req.Action, err)
		return
	}
	if err := c.endpoint.Send(ctx, fromPath, f); err != nil {
		corelog.Errorf(ctx, c, "send aggregated %s response to %s: %v", req.Action, fromPath, err)
	}
}

// HandleCacheMgrResponse feeds one strand's answer to the Inquirer
// round currently waiting on it.
func (c *CoordinatorService) HandleCacheMgrResponse(ctx context.Context, fromPath string, resp msgtypes.CacheMgrResponse) {
	c.inquirer.HandleCacheMgrResponse(ctx, fromPath, resp)
}
