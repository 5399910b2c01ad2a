package port

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/ipc/msgtypes"
	"github.com/squidcore/storecore/internal/ipc/transport"
)

// DefaultRegistrationTimeout is the Strand-side registration deadline;
// expiry is fatal.
const DefaultRegistrationTimeout = 6 * time.Second

// StrandDelegate receives the Strand-specific message types once
// registration completes. IpcIoNotification, CollapsedForwarding,
// SharedListen responses, and CacheMgr requests/responses are routed
// here; Strand itself only owns the registration handshake.
type StrandDelegate interface {
	HandleSharedListenResponse(ctx context.Context, m msgtypes.SharedListenResponse, fd int, hasFD bool)
	HandleIpcIoNotification(ctx context.Context, m msgtypes.IpcIoNotification)
	HandleCollapsedForwardingNotification(ctx context.Context, m msgtypes.CollapsedForwardingNotification)
	HandleCacheMgrRequest(ctx context.Context, m msgtypes.CacheMgrRequest)
	HandleCacheMgrResponse(ctx context.Context, m msgtypes.CacheMgrResponse)
}

// Strand is a worker-side Port bound to kid-<N>.ipc.
type Strand struct {
	Port *Port

	KidID          int32
	Tag            string
	CoordinatorPath string

	delegate StrandDelegate
}

func (s *Strand) String() string { return fmt.Sprintf("strand(kid=%d)", s.KidID) }

// NewStrand binds kid-N.ipc and wires delegate for post-registration
// message routing.
func NewStrand(path string, kidID int32, tag, coordinatorPath string, delegate StrandDelegate) (*Strand, error) {
	ep, err := transport.Bind(path)
	if err != nil {
		return nil, err
	}
	s := &Strand{KidID: kidID, Tag: tag, CoordinatorPath: coordinatorPath, delegate: delegate}
	s.Port = &Port{Endpoint: ep, Handler: s}
	return s, nil
}

// Register emits RegisterStrand and blocks for StrandRegistered within
// DefaultRegistrationTimeout. Failure to register in time is fatal:
// the caller is expected to abort the process.
func (s *Strand) Register(ctx context.Context) error {
	msg := msgtypes.RegisterStrand{KidID: s.KidID, Pid: int32(os.Getpid()), HasTag: s.Tag != "", Tag: s.Tag}
	f, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "strand: encode RegisterStrand")
	}
	if err := s.Port.Endpoint.Send(ctx, s.CoordinatorPath, f); err != nil {
		return errors.Wrap(err, "strand: send RegisterStrand")
	}

	deadline, cancel := context.WithTimeout(ctx, DefaultRegistrationTimeout)
	defer cancel()
	for {
		recvd, err := s.Port.Endpoint.Recv(deadline)
		if err != nil {
			return errors.Errorf("kid%d registration timed out", s.KidID)
		}
		if recvd.Frame.Type() == msgtypes.StrandRegisteredType {
			corelog.Infof(s, "registered with coordinator at %s", s.CoordinatorPath)
			return nil
		}
		// any other message arriving before the ack is dispatched right
		// away through Receive, as if it came from the coordinator.
		if err := s.Receive(ctx, s.CoordinatorPath, recvd); err != nil {
			corelog.Errorf(ctx, s, "pre-registration dispatch error: %v", err)
		}
	}
}

// Receive implements Handler for the Strand's post-registration traffic.
func (s *Strand) Receive(ctx context.Context, fromPath string, recvd *transport.Received) error {
	switch recvd.Frame.Type() {
	case msgtypes.SharedListenResponseType:
		m, err := msgtypes.DecodeSharedListenResponse(recvd.Frame)
		if err != nil {
			return err
		}
		s.delegate.HandleSharedListenResponse(ctx, m, recvd.FD, recvd.HasFD)
		return nil
	case msgtypes.IpcIoNotificationType:
		m, err := msgtypes.DecodeIpcIoNotification(recvd.Frame)
		if err != nil {
			return err
		}
		s.delegate.HandleIpcIoNotification(ctx, m)
		return nil
	case msgtypes.CollapsedForwardingNotificationType:
		m, err := msgtypes.DecodeCollapsedForwardingNotification(recvd.Frame)
		if err != nil {
			return err
		}
		s.delegate.HandleCollapsedForwardingNotification(ctx, m)
		return nil
	case msgtypes.CacheMgrRequestType:
		m, err := msgtypes.DecodeCacheMgrRequest(recvd.Frame)
		if err != nil {
			return err
		}
		s.delegate.HandleCacheMgrRequest(ctx, m)
		return nil
	case msgtypes.CacheMgrResponseType:
		m, err := msgtypes.DecodeCacheMgrResponse(recvd.Frame)
		if err != nil {
			return err
		}
		s.delegate.HandleCacheMgrResponse(ctx, m)
		return nil
	case msgtypes.StrandRegisteredType:
		// a duplicate/late ack after registration already completed; ignore.
		return nil
	default:
		return errors.Errorf("strand: unexpected message type %v", recvd.Frame.Type())
	}
}

// Run starts the Strand's event loop. Call Register first.
func (s *Strand) Run(ctx context.Context) error {
	return s.Port.Run(ctx)
}
