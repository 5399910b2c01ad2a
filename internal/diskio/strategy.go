package diskio

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/squidcore/storecore/internal/corelog"
)

// Backpressure thresholds: queue length over magic1 reports a
// load-proportional admission score; over magic2, swap-in open/create is
// refused outright.
const (
	magic1Factor = 5
	magic2Factor = 20
)

// Strategy is the async disk I/O layer: a fixed pool of N worker
// threads draining a request queue and posting completions to a done
// queue. Completion delivery is poll-based from the main loop rather
// than fire-and-forget goroutines, so the event loop stays
// single-threaded.
type Strategy struct {
	numThreads int
	numDirs    int

	reqQ  requestQueue
	doneQ doneQueue

	bufs *BufferPool

	group  *errgroup.Group
	cancel context.CancelFunc
	wake   chan struct{}

	nextID   uint64
	inFlight sync.Map // uint64 id -> *Request, for sync()/stats

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

func (s *Strategy) String() string { return fmt.Sprintf("diskio.Strategy(%d threads)", s.numThreads) }

// New builds a Strategy. numDirs is the number of configured cache_dirs,
// used to size the default thread count.
func New(numDirs int) *Strategy {
	n := numDirs * 4
	if n < 2 {
		n = 2
	}
	if max := runtime.NumCPU() * 8; n > max {
		n = max
	}
	return &Strategy{
		numThreads: n,
		numDirs:    numDirs,
		bufs:       NewBufferPool(),
	}
}

// magic1 / magic2 are the backpressure thresholds for the configured
// worker count.
func (s *Strategy) magic1() int { return s.numThreads * s.numDirs * magic1Factor }
func (s *Strategy) magic2() int { return s.numThreads * s.numDirs * magic2Factor }

// LoadScore returns a value in [0,1] proportional to queue depth past
// magic1, feeding SwapDir.canStore's admission score.
func (s *Strategy) LoadScore() float64 {
	depth := s.reqQ.len()
	m1 := s.magic1()
	if m1 <= 0 || depth <= m1 {
		return 0
	}
	m2 := s.magic2()
	if depth >= m2 {
		return 1
	}
	return float64(depth-m1) / float64(m2-m1)
}

// Overloaded reports whether swap-in open/create requests should be
// refused outright (queue depth at or past magic2).
func (s *Strategy) Overloaded() bool {
	return s.reqQ.len() >= s.magic2()
}

// Start launches the worker pool. The original (a C thread pool) blocks
// SIGPIPE/SIGCHLD/SIGTERM on each worker thread so host signals can't
// disrupt coordination primitives running on it. Go's goroutines are
// multiplexed over OS threads by the runtime scheduler, so a literal per-
// thread sigmask doesn't carry the same meaning here; instead Start installs
// a process-wide ignore for SIGPIPE, the one signal whose default action
// (process death) would otherwise race disk I/O on a broken pipe, and leaves
// SIGCHLD/SIGTERM to the process's own signal.Notify-based shutdown path,
// which never runs on a worker goroutine in the first place.
func (s *Strategy) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		g, gctx := errgroup.WithContext(ctx)
		s.group = g
		s.wake = make(chan struct{}, 1)
		for i := 0; i < s.numThreads; i++ {
			id := i
			g.Go(func() error {
				s.worker(gctx, id)
				return nil
			})
		}
		s.started = true
		corelog.Infof(s, "started %d worker threads", s.numThreads)
	})
	return startErr
}

// Stop cancels all workers and waits for them to exit.
func (s *Strategy) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.group != nil {
			_ = s.group.Wait()
		}
	})
}

const workerIdlePoll = 2 * time.Millisecond

func (s *Strategy) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		req := s.reqQ.popWorker()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(workerIdlePoll):
			}
			continue
		}
		res := s.execute(req)
		req.result = res
		s.doneQ.push(req)
	}
}

// execute performs the actual syscall for req, translating OS errors to the
// closed Outcome set. It runs unconditionally even if req has been
// cancelled in the meantime: a cancelled request is still executed but
// its result is discarded (e.g. an in-flight cancelled open's fd is
// still closed on completion).
func (s *Strategy) execute(req *Request) Result {
	switch req.Op {
	case OpOpen:
		return s.doOpen(req)
	case OpRead:
		return s.doRead(req)
	case OpWrite:
		return s.doWrite(req)
	case OpClose:
		return s.doClose(req)
	case OpUnlink:
		return s.doUnlink(req)
	case OpTruncate:
		return s.doTruncate(req)
	case OpStat:
		return s.doStat(req)
	default:
		return Result{Outcome: Corruption, Err: errors.Errorf("unknown op %v", req.Op)}
	}
}

func classify(err error) Outcome {
	if err == nil {
		return OK
	}
	switch {
	case errors.Is(err, syscall.ENFILE), errors.Is(err, syscall.EMFILE):
		return Exhaustion
	case errors.Is(err, syscall.ENOSPC):
		return NoSpace
	case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
		return Transient
	default:
		return Corruption
	}
}

func (s *Strategy) doOpen(req *Request) Result {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(req.Path, flags, 0644)
	if req.Cancelled() {
		if f != nil {
			_ = f.Close()
		}
		return Result{Outcome: OK}
	}
	if err != nil {
		return Result{Outcome: classify(err), Err: errors.Wrapf(err, "open %s", req.Path)}
	}
	h := fileHandles.Put(f)
	req.Handle = h
	return Result{Outcome: OK}
}

func (s *Strategy) doRead(req *Request) Result {
	f, ok := lookupFile(req.Handle)
	if !ok {
		return Result{Outcome: Corruption, Err: errors.Errorf("read: stale handle")}
	}
	n, err := f.ReadAt(req.Buf, req.Offset)
	if req.Cancelled() {
		return Result{Outcome: OK}
	}
	if err != nil && n == 0 {
		return Result{N: n, Outcome: classify(err), Err: errors.Wrapf(err, "read %s", req.Path)}
	}
	return Result{N: n, Outcome: OK}
}

func (s *Strategy) doWrite(req *Request) Result {
	f, ok := lookupFile(req.Handle)
	if !ok {
		return Result{Outcome: Corruption, Err: errors.Errorf("write: stale handle")}
	}
	n, err := f.WriteAt(req.Buf, req.Offset)
	if req.Cancelled() {
		return Result{Outcome: OK}
	}
	if err != nil {
		return Result{N: n, Outcome: classify(err), Err: errors.Wrapf(err, "write %s", req.Path)}
	}
	return Result{N: n, Outcome: OK}
}

func (s *Strategy) doClose(req *Request) Result {
	f, ok := lookupFile(req.Handle)
	// A cancelled close still closes the fd in cleanup.
	if ok {
		_ = f.Close()
		fileHandles.Release(req.Handle)
	}
	if req.Cancelled() {
		return Result{Outcome: OK}
	}
	if !ok {
		return Result{Outcome: Corruption, Err: errors.Errorf("close: stale handle")}
	}
	return Result{Outcome: OK}
}

func (s *Strategy) doUnlink(req *Request) Result {
	err := os.Remove(req.Path)
	if req.Cancelled() {
		return Result{Outcome: OK}
	}
	if err != nil && !os.IsNotExist(err) {
		return Result{Outcome: classify(err), Err: errors.Wrapf(err, "unlink %s", req.Path)}
	}
	return Result{Outcome: OK}
}

func (s *Strategy) doTruncate(req *Request) Result {
	err := os.Truncate(req.Path, req.Offset)
	if req.Cancelled() {
		return Result{Outcome: OK}
	}
	if err != nil {
		return Result{Outcome: classify(err), Err: errors.Wrapf(err, "truncate %s", req.Path)}
	}
	return Result{Outcome: OK}
}

func (s *Strategy) doStat(req *Request) Result {
	info, err := os.Stat(req.Path)
	if req.Cancelled() {
		return Result{Outcome: OK}
	}
	if err != nil {
		return Result{Outcome: classify(err), Err: errors.Wrapf(err, "stat %s", req.Path)}
	}
	return Result{Outcome: OK, Info: info}
}

// Submit enqueues req from the main loop. Backpressure is the caller's
// responsibility to check via Overloaded before submitting swap-in
// open/create requests.
func (s *Strategy) Submit(req *Request) {
	req.id = atomic.AddUint64(&s.nextID, 1)
	s.inFlight.Store(req.id, req)
	s.reqQ.drainOverflow()
	s.reqQ.pushMain(req)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel marks req cancelled; always safe.
func (s *Strategy) Cancel(req *Request) {
	req.Cancel()
}

// PollDone drains every completed request queued so far, drops each from
// the in-flight set and fires its callback (a cancelled request's callback
// is skipped), then returns the last request of that batch, which may be a
// cancelled one. It does not hand completions back one per call. Returns
// nil when nothing is ready.
func (s *Strategy) PollDone() *Request {
	for {
		done := s.doneQ.drain()
		if len(done) == 0 {
			return nil
		}
		for _, r := range done {
			s.inFlight.Delete(r.id)
			r.fire(r.result)
		}
		// All drained entries have already been fired; report the last
		// one processed so callers that want a single synchronous
		// "something finished" signal have it, while multi-entry drains
		// still deliver every callback.
		return done[len(done)-1]
	}
}

// Sync drains the done queue (and waits for in-flight requests to complete)
// until no requests remain in flight.
func (s *Strategy) Sync() {
	for {
		n := 0
		s.inFlight.Range(func(_, _ any) bool { n++; return true })
		if n == 0 {
			return
		}
		for s.PollDone() != nil {
		}
	}
}

