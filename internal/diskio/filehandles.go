package diskio

import (
	"os"

	"github.com/squidcore/storecore/internal/arena"
)

// fileHandles is the process-wide generational table of open *os.File
// handles addressed by the arena.Handle embedded in each Request.
var fileHandles = arena.New()

func lookupFile(h arena.Handle) (*os.File, bool) {
	v, ok := fileHandles.Get(h)
	if !ok {
		return nil, false
	}
	f, ok := v.(*os.File)
	return f, ok
}

// Buffers exposes the strategy's size-classed buffer pool so callers can
// obtain thread-private Read/Write buffers without allocating fresh ones per
// request.
func (s *Strategy) Buffers() *BufferPool { return s.bufs }
