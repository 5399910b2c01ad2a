package cachemgr

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/coordination"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// EncodeQueryParams/DecodeQueryParams carry an action's input arguments
// across the wire as a single string field (msgtypes.CacheMgrRequest.
// Params); JSON is used rather than a second format tag since these are
// always small, flat argument maps, not an action's rendered output.
func EncodeQueryParams(p Params) string {
	if len(p) == 0 {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

func DecodeQueryParams(s string) Params {
	p := make(Params)
	if s == "" {
		return p
	}
	_ = json.Unmarshal([]byte(s), &p)
	return p
}

// StrandService is the strand-side half of the action framework: it answers
// an HTTP-originated action invocation either locally or by forwarding to
// the Coordinator, and it answers the Coordinator's own per-strand
// collection request when an Inquirer round reaches this kid.
type StrandService struct {
	registry        *Registry
	endpoint        *transport.Endpoint
	forwarder       *coordination.Forwarder
	coordinatorPath string
}

func NewStrandService(registry *Registry, endpoint *transport.Endpoint, forwarder *coordination.Forwarder, coordinatorPath string) *StrandService {
	return &StrandService{registry: registry, endpoint: endpoint, forwarder: forwarder, coordinatorPath: coordinatorPath}
}

func (s *StrandService) String() string { return "cachemgr.StrandService" }

// Invoke runs name for an HTTP-originated request: non-aggregatable actions
// are collected and rendered locally; aggregatable ones are forwarded to the
// Coordinator and the call blocks until the merged answer (or a timeout)
// comes back.
func (s *StrandService) Invoke(ctx context.Context, name string, params Params) (string, error) {
	reg, ok := s.registry.Get(name)
	if !ok {
		return "", errors.Errorf("cachemgr: unknown action %q", name)
	}
	if !reg.Profile.Aggregatable {
		out, err := reg.Collect(ctx, params)
		if err != nil {
			return "", errors.Wrapf(err, "cachemgr: collect %s", name)
		}
		return reg.Profile.Format.Render(out)
	}

	type outcome struct {
		resp     msgtypes.CacheMgrResponse
		timedOut bool
	}
	done := make(chan outcome, 1)
	err := s.forwarder.Ask(ctx, s.coordinatorPath, name, EncodeQueryParams(params), func(resp msgtypes.CacheMgrResponse, timedOut bool) {
		done <- outcome{resp, timedOut}
	})
	if err != nil {
		return "", errors.Wrapf(err, "cachemgr: forward %s", name)
	}
	select {
	case o := <-done:
		if o.timedOut {
			return "", errors.Errorf("cachemgr: %s timed out", name)
		}
		return o.resp.Body, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleCacheMgrRequest implements the collection side of port.
// StrandDelegate: the Coordinator's Inquirer asked this kid for its local
// contribution to an aggregatable action.
func (s *StrandService) HandleCacheMgrRequest(ctx context.Context, m msgtypes.CacheMgrRequest) {
	var body string
	reg, ok := s.registry.Get(m.Action)
	if ok {
		out, err := reg.Collect(ctx, DecodeQueryParams(m.Params))
		if err != nil {
			corelog.Errorf(ctx, s, "collect %s: %v", m.Action, err)
		} else if rendered, err := reg.Profile.Format.Render(out); err == nil {
			body = rendered
		}
	} else {
		corelog.Errorf(ctx, s, "collect request for unknown action %q", m.Action)
	}

	resp := msgtypes.CacheMgrResponse{Qid: m.Qid, ReqIdx: m.ReqIdx, Body: body}
	f, err := resp.Encode()
	if err != nil {
		corelog.Errorf(ctx, s, "encode CacheMgrResponse for %s: %v", m.Action, err)
		return
	}
	if err := s.endpoint.Send(ctx, s.coordinatorPath, f); err != nil {
		corelog.Errorf(ctx, s, "send CacheMgrResponse for %s: %v", m.Action, err)
	}
}

// HandleCacheMgrResponse routes the Coordinator's final merged answer
// back to whichever Invoke call is waiting.
func (s *StrandService) HandleCacheMgrResponse(ctx context.Context, m msgtypes.CacheMgrResponse) {
	s.forwarder.HandleCacheMgrResponse(ctx, m)
}
