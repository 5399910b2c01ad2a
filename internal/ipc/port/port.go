// Package port implements the process-local IPC endpoints and the central
// Coordinator registry: a receive loop that dispatches typed frames to
// handlers, specialized into a worker-side Strand and the singleton
// Coordinator.
package port

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/frame"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// Handler dispatches one received frame. Implementations type-switch on
// recvd.Frame.Type(), one method per message family.
type Handler interface {
	Receive(ctx context.Context, fromPath string, recvd *transport.Received) error
}

// Port is a receive loop bound to one Endpoint. It is not safe to Run
// concurrently from two goroutines; each process runs exactly one event loop
// per bound socket.
type Port struct {
	Endpoint *transport.Endpoint
	Handler  Handler
}

func (p *Port) String() string { return fmt.Sprintf("port(%s)", p.Endpoint.Path()) }

// Run drives the receive loop until ctx is cancelled. A malformed frame is
// logged and dropped; any other Recv error ends the loop.
func (p *Port) Run(ctx context.Context) error {
	for {
		recvd, err := p.Endpoint.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isProtocolViolation(err) {
				corelog.Infof(p, "dropping malformed frame: %v", err)
				continue
			}
			return errors.Wrapf(err, "port: recv loop")
		}
		if err := p.Handler.Receive(ctx, recvd.From, recvd); err != nil {
			corelog.Errorf(ctx, p, "handler error: %v", err)
		}
	}
}

// isProtocolViolation reports whether err is the "malformed frame"
// wrapped error transport.Recv produces for a truncated/invalid header,
// as opposed to a socket-level failure that should end the loop.
func isProtocolViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "malformed frame")
}

// SendFrame is a convenience used by Strand/Coordinator to address a
// peer by path without constructing a raw transport call each time.
func SendFrame(ctx context.Context, ep *transport.Endpoint, toPath string, f *frame.Frame) error {
	return ep.Send(ctx, toPath, f)
}
