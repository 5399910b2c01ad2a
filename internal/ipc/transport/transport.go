// Package transport implements the unix-domain-socket datagram control plane
// endpoints: path-addressed SOCK_DGRAM sockets with retrying sends and a
// receive loop that unpacks frames and, where present, a single passed file
// descriptor.
package transport

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/squidcore/storecore/internal/ipc/frame"
)

// DefaultSendRetries and DefaultSendTimeout bound a Send call's retry
// budget.
const (
	DefaultSendRetries = 5
	DefaultSendTimeout = 2 * time.Second
	sendRetryBackoff   = 10 * time.Millisecond
)

// Endpoint is one bound datagram socket, either the Coordinator's
// coordinator.ipc or a strand's kid-N.ipc.
type Endpoint struct {
	path string
	fd   int
}

// Bind creates a non-blocking SOCK_DGRAM socket at path, removing any
// stale socket file left behind by a prior crashed process first.
func Bind(path string) (*Endpoint, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "transport: removing stale socket %s", path)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: socket")
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "transport: bind %s", path)
	}
	return &Endpoint{path: path, fd: fd}, nil
}

// Path returns the filesystem path this endpoint is bound to.
func (e *Endpoint) Path() string { return e.path }

// Close releases the underlying socket and removes the socket file.
func (e *Endpoint) Close() error {
	err := unix.Close(e.fd)
	_ = os.Remove(e.path)
	return err
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.EWOULDBLOCK)
}

// Send delivers f to the socket at toPath, retrying on transient errors
// (EAGAIN/EINTR on a non-blocking send) up to DefaultSendRetries within
// DefaultSendTimeout. On permanent failure it returns a wrapped error for
// the submitting job to surface.
func (e *Endpoint) Send(ctx context.Context, toPath string, f *frame.Frame) error {
	return e.SendFD(ctx, toPath, f, -1)
}

// SendFD is Send but additionally passes fd as SCM_RIGHTS ancillary data
// when fd >= 0.
func (e *Endpoint) SendFD(ctx context.Context, toPath string, f *frame.Frame, fd int) error {
	to := &unix.SockaddrUnix{Name: toPath}
	data := f.Bytes()
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	deadline := time.Now().Add(DefaultSendTimeout)
	var lastErr error
	for attempt := 0; attempt < DefaultSendRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := unix.Sendmsg(e.fd, data, oob, to, 0)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return errors.Wrapf(err, "transport: send to %s", toPath)
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendRetryBackoff):
		}
	}
	return errors.Wrapf(lastErr, "transport: send to %s exhausted retries", toPath)
}

// Received is one datagram lifted off the socket: its parsed frame, the
// sender's bound socket path and, if the sender attached one, the passed
// descriptor.
type Received struct {
	Frame *frame.Frame
	From  string
	FD    int
	HasFD bool
}

// Recv performs one blocking-ish receive, polling the non-blocking socket
// until a datagram arrives or ctx is cancelled. This is the single-threaded
// cooperative event loop's read step: the caller's loop calls Recv once per
// iteration and dispatches by frame.Type().
func (e *Endpoint) Recv(ctx context.Context) (*Received, error) {
	buf := make([]byte, frame.MaxSize+4)
	oob := make([]byte, unix.CmsgSpace(4)) // exactly one fd slot

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, oobn, _, from, err := unix.Recvmsg(e.fd, buf, oob, 0)
		if err != nil {
			if isTransient(err) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(sendRetryBackoff):
					continue
				}
			}
			return nil, errors.Wrapf(err, "transport: recv on %s", e.path)
		}
		f, ferr := frame.NewReader(buf[:n])
		if ferr != nil {
			// A truncated or malformed frame is dropped with a log message by
			// the caller; Recv reports it so the Port can decide whether to
			// log and continue.
			return nil, errors.Wrapf(ferr, "transport: malformed frame from %s", e.path)
		}
		r := &Received{Frame: f}
		if sa, ok := from.(*unix.SockaddrUnix); ok {
			r.From = sa.Name
		}
		if oobn > 0 {
			scms, scmErr := unix.ParseSocketControlMessage(oob[:oobn])
			if scmErr == nil && len(scms) > 0 {
				fds, rightsErr := unix.ParseUnixRights(&scms[0])
				if rightsErr == nil && len(fds) > 0 {
					r.FD = fds[0]
					r.HasFD = true
				}
			}
		}
		return r, nil
	}
}
