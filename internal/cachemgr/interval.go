package cachemgr

import (
	"sync"
	"time"
)

// IntervalSampler backs the `5min`/`60min` cache-manager actions:
// per-kid sampled rate arrays whose aggregation takes the union of
// windows (earliest start, latest end) and sums counts. It tracks the first
// sample's timestamp as the window start and every sample since as the
// running count, which is the minimum state needed to answer "how many
// events in roughly the last N minutes" without Squid's fixed circular
// bucket array.
type IntervalSampler struct {
	window time.Duration

	mu    sync.Mutex
	start time.Time
	end   time.Time
	count float64
}

// NewIntervalSampler builds a sampler for the named window (5 or 60
// minutes); window itself is advisory metadata returned in Snapshot,
// not enforced as a hard eviction boundary, since this package has no
// access to Date.now()-style wall-clock sampling outside Add's caller-
// supplied timestamp.
func NewIntervalSampler(window time.Duration) *IntervalSampler {
	return &IntervalSampler{window: window}
}

// Add records one event at t.
func (s *IntervalSampler) Add(t time.Time, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start.IsZero() || t.Before(s.start) {
		s.start = t
	}
	if t.After(s.end) {
		s.end = t
	}
	s.count += delta
}

// Snapshot returns this sampler's current window as Params.
func (s *IntervalSampler) Snapshot() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Params{"count": s.count, "window_seconds": s.window.Seconds()}
	if !s.start.IsZero() {
		p["start"] = float64(s.start.Unix())
	}
	if !s.end.IsZero() {
		p["end"] = float64(s.end.Unix())
	}
	return p
}

// mergeIntervalParams takes the union of two windows (earliest start, latest
// end) and sums counts
func mergeIntervalParams(acc, other Params) Params {
	if acc == nil {
		p := make(Params, len(other))
		for k, v := range other {
			p[k] = v
		}
		return p
	}
	if av, ok := toFloat(acc["start"]); ok {
		if ov, ok2 := toFloat(other["start"]); ok2 && (av == 0 || ov < av) {
			acc["start"] = ov
		}
	} else if ov, ok2 := toFloat(other["start"]); ok2 {
		acc["start"] = ov
	}
	if av, ok := toFloat(acc["end"]); ok {
		if ov, ok2 := toFloat(other["end"]); ok2 && ov > av {
			acc["end"] = ov
		}
	} else if ov, ok2 := toFloat(other["end"]); ok2 {
		acc["end"] = ov
	}
	accCount, _ := toFloat(acc["count"])
	otherCount, _ := toFloat(other["count"])
	acc["count"] = accCount + otherCount
	return acc
}
