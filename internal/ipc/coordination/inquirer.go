package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/identity"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/port"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// Inquirer is the Coordinator-side fan-out half: given a
// snapshot of registered strands (already sorted by kid-id by
// port.Coordinator.Strands), it asks each one in turn and collects
// whichever answer before a per-strand timeout.
type Inquirer struct {
	endpoint *transport.Endpoint
	timeout  time.Duration
	idx      identity.Index

	mu      sync.Mutex
	pending map[identity.RequestId]chan msgtypes.CacheMgrResponse
}

func NewInquirer(endpoint *transport.Endpoint, timeout time.Duration) *Inquirer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Inquirer{endpoint: endpoint, timeout: timeout, pending: make(map[identity.RequestId]chan msgtypes.CacheMgrResponse)}
}

func (inq *Inquirer) String() string { return "coordination.Inquirer" }

// Dispatch iterates strands in order, asking each and waiting for one
// response before moving to the next. The caller aggregates the returned
// responses in arrival order. Every strand gets a fresh request index:
// if one index were reused across the loop, a late answer from a
// timed-out strand would correlate against the next strand's pending
// entry and be misattributed to it.
func (inq *Inquirer) Dispatch(ctx context.Context, strands []port.StrandCoord, action, params string) []msgtypes.CacheMgrResponse {
	results := make([]msgtypes.CacheMgrResponse, 0, len(strands))

	for _, sc := range strands {
		reqIdx := inq.idx.Next()
		respCh := make(chan msgtypes.CacheMgrResponse, 1)
		inq.mu.Lock()
		inq.pending[reqIdx] = respCh
		inq.mu.Unlock()

		msg := msgtypes.CacheMgrRequest{
			Qid:    uint32(identity.MyQuestionerId()),
			ReqIdx: uint64(reqIdx),
			Action: action,
			Params: params,
		}
		f, err := msg.Encode()
		if err != nil {
			corelog.Errorf(ctx, inq, "encode CacheMgrRequest for kid %d: %v", sc.KidID, err)
			inq.clearPending(reqIdx)
			continue
		}
		if err := inq.endpoint.Send(ctx, sc.Path, f); err != nil {
			corelog.Errorf(ctx, inq, "send to kid %d: %v", sc.KidID, err)
			inq.clearPending(reqIdx)
			continue
		}

		select {
		case resp := <-respCh:
			results = append(results, resp)
		case <-time.After(inq.timeout):
			corelog.Infof(inq, "kid %d timed out answering %s", sc.KidID, action)
		case <-ctx.Done():
			inq.clearPending(reqIdx)
			return results
		}
		inq.clearPending(reqIdx)
	}
	return results
}

func (inq *Inquirer) clearPending(reqIdx identity.RequestId) {
	inq.mu.Lock()
	delete(inq.pending, reqIdx)
	inq.mu.Unlock()
}

// HandleCacheMgrResponse feeds an incoming strand answer to whichever
// Dispatch call is currently waiting on it, after the questioner-id
// check. Matches port.CoordinatorDelegate's signature.
func (inq *Inquirer) HandleCacheMgrResponse(ctx context.Context, fromPath string, resp msgtypes.CacheMgrResponse) {
	if !identity.AcceptAnswer(identity.QuestionerId(resp.Qid)) {
		corelog.Infof(inq, "dropping stale CacheMgrResponse qid=%d from %s", resp.Qid, fromPath)
		return
	}
	inq.mu.Lock()
	ch, ok := inq.pending[identity.RequestId(resp.ReqIdx)]
	inq.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
