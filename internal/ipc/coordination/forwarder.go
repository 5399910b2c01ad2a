// Package coordination implements the Forwarder (strand→Coordinator) and
// Inquirer (Coordinator→strands) templates, narrowed to the one
// question type actually asked over them: CacheMgr action requests.
// SNMP passthrough shares the same message shapes but has no
// aggregation semantics of its own to wire up, so it is not templated
// here.
package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/identity"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// DefaultTimeout is the Forwarder/Inquirer wall-clock timeout.
const DefaultTimeout = 15 * time.Second

// Continuation is invoked exactly once per Forwarder.Ask call: either
// with the matching response, or with timedOut=true if no response
// arrived in time.
type Continuation func(resp msgtypes.CacheMgrResponse, timedOut bool)

type pendingAsk struct {
	cont  Continuation
	timer *time.Timer
}

// Forwarder is the strand-side half: it assigns a fresh
// RequestId, parks its continuation in a process-local pending map,
// sends the request, and arms a timeout.
type Forwarder struct {
	endpoint *transport.Endpoint
	timeout  time.Duration
	idx      identity.Index

	mu      sync.Mutex
	pending map[identity.RequestId]*pendingAsk
}

func NewForwarder(endpoint *transport.Endpoint, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{endpoint: endpoint, timeout: timeout, pending: make(map[identity.RequestId]*pendingAsk)}
}

func (fw *Forwarder) String() string { return "coordination.Forwarder" }

// Ask sends a CacheMgrRequest to coordinatorPath and arranges for cont to
// run once an ack arrives or the request times out. It does not block: the
// async-job boundary is the send itself.
func (fw *Forwarder) Ask(ctx context.Context, coordinatorPath, action, params string, cont Continuation) error {
	reqIdx := fw.idx.Next()
	msg := msgtypes.CacheMgrRequest{
		Qid:    uint32(identity.MyQuestionerId()),
		ReqIdx: uint64(reqIdx),
		Action: action,
		Params: params,
	}
	f, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "forwarder: encode CacheMgrRequest")
	}

	ask := &pendingAsk{cont: cont}
	ask.timer = time.AfterFunc(fw.timeout, func() { fw.handleTimeout(reqIdx) })

	fw.mu.Lock()
	fw.pending[reqIdx] = ask
	fw.mu.Unlock()

	if err := fw.endpoint.Send(ctx, coordinatorPath, f); err != nil {
		fw.mu.Lock()
		delete(fw.pending, reqIdx)
		fw.mu.Unlock()
		ask.timer.Stop()
		return errors.Wrap(err, "forwarder: send CacheMgrRequest")
	}
	return nil
}

func (fw *Forwarder) handleTimeout(reqIdx identity.RequestId) {
	fw.mu.Lock()
	ask, ok := fw.pending[reqIdx]
	if ok {
		delete(fw.pending, reqIdx)
	}
	fw.mu.Unlock()
	if !ok {
		return
	}
	ask.cont(msgtypes.CacheMgrResponse{}, true)
}

// HandleCacheMgrResponse dispatches an incoming ack to the pending Ask
// call it answers, applying the questioner-id check before anything
// else. Matches port.StrandDelegate's signature
// so a Forwarder can be embedded directly as a strand's cache-manager
// response handler.
func (fw *Forwarder) HandleCacheMgrResponse(ctx context.Context, resp msgtypes.CacheMgrResponse) {
	if !identity.AcceptAnswer(identity.QuestionerId(resp.Qid)) {
		corelog.Infof(fw, "dropping stale CacheMgrResponse qid=%d", resp.Qid)
		return
	}
	reqIdx := identity.RequestId(resp.ReqIdx)
	fw.mu.Lock()
	ask, ok := fw.pending[reqIdx]
	if ok {
		delete(fw.pending, reqIdx)
	}
	fw.mu.Unlock()
	if !ok {
		// no owner job for this index: already timed out, or a stray duplicate
		// ack. Silently dropped
		return
	}
	ask.timer.Stop()
	ask.cont(resp, false)
}

var _ fmt.Stringer = (*Forwarder)(nil)
