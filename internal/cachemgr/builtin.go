package cachemgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
)

// Stats is the process-wide counter/histogram bank the built-in actions
// read from. Any component (diskio, a SwapDir, the ipc layer) bumps it
// directly; cachemgr never reaches back into those packages.
type Stats struct {
	start time.Time

	mu       sync.Mutex
	counters map[string]float64 // `counters` action: named double counters
	ioHist   [16]float64        // `io` action: per-protocol read-size histogram
	svcTimes [19]float64        // `service_times` action: percentile buckets
	storeIO  map[string]float64 // `store_io` action: create-call counters
	sbuf     map[string]float64 // `sbuf_stats` action: destructor-time histograms

	FiveMin  *IntervalSampler
	SixtyMin *IntervalSampler

	cfDrops func() (uint64, error) // supplied by the cfqueue.Set this process owns, may be nil
	snap    *snapshot             // bbolt-backed durable counters/sbuf_stats snapshot, nil until OpenSnapshot succeeds
}

// NewStats builds a Stats bank with squid_start pinned to now.
func NewStats(now time.Time, cfDrops func() (uint64, error)) *Stats {
	return &Stats{
		start:    now,
		counters: make(map[string]float64),
		storeIO:  make(map[string]float64),
		sbuf:     make(map[string]float64),
		FiveMin:  NewIntervalSampler(5 * time.Minute),
		SixtyMin: NewIntervalSampler(60 * time.Minute),
		cfDrops:  cfDrops,
	}
}

// AddCounter bumps a named counter for the `counters` action (e.g.
// "client_http_requests", "client_http_hits").
func (s *Stats) AddCounter(name string, delta float64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()
}

// AddIOSample bumps the read-size histogram bucket for the `io` action.
// bucket is clamped into [0,15].
func (s *Stats) AddIOSample(bucket int, delta float64) {
	if bucket < 0 {
		bucket = 0
	}
	if bucket > 15 {
		bucket = 15
	}
	s.mu.Lock()
	s.ioHist[bucket] += delta
	s.mu.Unlock()
}

// AddServiceTime bumps the percentile bucket for the `service_times`
// action. bucket is clamped into [0,18].
func (s *Stats) AddServiceTime(bucket int, delta float64) {
	if bucket < 0 {
		bucket = 0
	}
	if bucket > 18 {
		bucket = 18
	}
	s.mu.Lock()
	s.svcTimes[bucket] += delta
	s.mu.Unlock()
}

// AddStoreIO bumps a named create-call counter for the `store_io`
// action (e.g. "create.select_fallback", "create.collisions").
func (s *Stats) AddStoreIO(name string, delta float64) {
	s.mu.Lock()
	s.storeIO[name] += delta
	s.mu.Unlock()
}

// AddSbufSample bumps a named small-string/blob destructor-time size
// bucket for the `sbuf_stats` action.
func (s *Stats) AddSbufSample(name string, delta float64) {
	s.mu.Lock()
	s.sbuf[name] += delta
	s.mu.Unlock()
}

// OpenSnapshot opens (creating if necessary) the bbolt-backed durable
// snapshot at path and folds in any previously persisted counters/
// sbuf_stats values, so a strand's historical counters survive a restart
// instead of resetting to zero. A no-op if path is empty -- durability is an
// enhancement, not a requirement, matching the "index == nil" degrade-
// gracefully convention internal/store/ufs already uses for its own bbolt
// index.
func (s *Stats) OpenSnapshot(path string) error {
	if path == "" {
		return nil
	}
	sn, err := openSnapshot(path)
	if err != nil {
		return err
	}
	counters, sbuf, err := sn.load()
	if err != nil {
		_ = sn.close()
		return err
	}
	s.mu.Lock()
	for k, v := range counters {
		s.counters[k] += v
	}
	for k, v := range sbuf {
		s.sbuf[k] += v
	}
	s.snap = sn
	s.mu.Unlock()
	return nil
}

// SaveSnapshot persists the current counters/sbuf_stats maps to the bbolt
// file opened by OpenSnapshot. Called by the `rotate` action; a no-op if
// OpenSnapshot was never called.
func (s *Stats) SaveSnapshot() error {
	s.mu.Lock()
	sn := s.snap
	counters := cloneFloatMap(s.counters)
	sbuf := cloneFloatMap(s.sbuf)
	s.mu.Unlock()
	if sn == nil {
		return nil
	}
	return sn.save(counters, sbuf)
}

// CloseSnapshot closes the underlying bbolt file, if OpenSnapshot ever
// succeeded.
func (s *Stats) CloseSnapshot() error {
	s.mu.Lock()
	sn := s.snap
	s.snap = nil
	s.mu.Unlock()
	if sn == nil {
		return nil
	}
	return sn.close()
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]float64) Params {
	p := make(Params, len(m))
	for k, v := range m {
		p[k] = v
	}
	return p
}

func arrayParams(a []float64) Params {
	p := make(Params, len(a))
	for i, v := range a {
		p[intKey(i)] = v
	}
	return p
}

// intKey renders a small integer as a map key without pulling in
// strconv at every call site.
func intKey(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}

// sumParams element-wise sums two Params of either plain float64 values or
// numbered histogram buckets. Keys present in only one side pass through
// unchanged; this is the one merge rule every one of those actions shares.
func sumParams(acc, other Params) Params {
	if acc == nil {
		acc = make(Params, len(other))
	}
	for k, v := range other {
		ov, ok := toFloat(v)
		if !ok {
			if _, exists := acc[k]; !exists {
				acc[k] = v
			}
			continue
		}
		av, _ := toFloat(acc[k])
		acc[k] = av + ov
	}
	return acc
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// RegisterBuiltins installs every built-in action into reg. kidID
// identifies this process for info's per-kid fields; offline is the
// process-wide offline flag that offline_toggle flips.
func RegisterBuiltins(reg *Registry, kidID int32, stats *Stats, offline *int32, canonicalConfigs func() []string) {
	reg.Add(Registration{
		Profile: Profile{Name: "index", Description: "index of cache manager pages", Atomic: true, Format: FormatInformal},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			names := make([]string, 0, len(reg.List()))
			for _, p := range reg.List() {
				names = append(names, p.Name)
			}
			return Params{"actions": names}, nil
		},
	})

	reg.Add(Registration{
		Profile: Profile{Name: "menu", Description: "alias of index", Atomic: true, Format: FormatInformal},
		Collect: func(ctx context.Context, p Params) (Params, error) {
			idx, _ := reg.Get("index")
			return idx.Collect(ctx, p)
		},
	})

	reg.Add(Registration{
		Profile: Profile{Name: "offline_toggle", Description: "flip offline mode", Protected: true, Atomic: true, Format: FormatInformal},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			on := atomic.AddInt32(offline, 1)%2 == 1
			corelog.Infof(nil, "cachemgr: offline_toggle -> %v", on)
			return Params{"offline": on}, nil
		},
	})

	// shutdown/reconfigure are trivial acknowledgements here; they send no
	// signal themselves, and nothing calls
	// internal/ipc/port.Coordinator.Broadcast when they return.
	for _, name := range []string{"shutdown", "reconfigure"} {
		name := name
		reg.Add(Registration{
			Profile: Profile{Name: name, Description: name + " this process", Protected: true, Atomic: true, Format: FormatInformal},
			Collect: func(ctx context.Context, _ Params) (Params, error) {
				return Params{"accepted": true}, nil
			},
		})
	}

	// rotate additionally flushes counters/sbuf_stats to the durable bbolt
	// snapshot before acknowledging; the signal broadcast itself is still the
	// Coordinator's job, as above.
	reg.Add(Registration{
		Profile: Profile{Name: "rotate", Description: "rotate this process", Protected: true, Atomic: true, Format: FormatInformal},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			if err := stats.SaveSnapshot(); err != nil {
				return nil, errors.Wrap(err, "cachemgr: rotate snapshot")
			}
			return Params{"accepted": true}, nil
		},
	})

	reg.Add(Registration{
		Profile: Profile{Name: "metrics", Description: "prometheus exposition of counters/io/service_times/store_io/sbuf_stats", Atomic: true, Format: FormatPrometheus},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			text, err := renderPrometheusMetrics(stats)
			if err != nil {
				return nil, err
			}
			return Params{"text": text}, nil
		},
	})

	reg.Add(Registration{
		Profile: Profile{Name: "counters", Description: "64 named double counters", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			stats.mu.Lock()
			defer stats.mu.Unlock()
			return cloneMap(stats.counters), nil
		},
		Merge: sumParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "io", Description: "per-protocol read-size histogram", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			stats.mu.Lock()
			defer stats.mu.Unlock()
			return arrayParams(stats.ioHist[:]), nil
		},
		Merge: sumParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "service_times", Description: "19-point percentile arrays", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			stats.mu.Lock()
			defer stats.mu.Unlock()
			return arrayParams(stats.svcTimes[:]), nil
		},
		Merge: sumParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "store_io", Description: "create-call counters", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			stats.mu.Lock()
			defer stats.mu.Unlock()
			return cloneMap(stats.storeIO), nil
		},
		Merge: sumParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "sbuf_stats", Description: "small-string/blob destructor-time histograms", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			stats.mu.Lock()
			defer stats.mu.Unlock()
			return cloneMap(stats.sbuf), nil
		},
		Merge: sumParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "5min", Description: "5-minute sampled rate window", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) { return stats.FiveMin.Snapshot(), nil },
		Merge:   mergeIntervalParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "60min", Description: "60-minute sampled rate window", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) { return stats.SixtyMin.Snapshot(), nil },
		Merge:   mergeIntervalParams,
	})

	reg.Add(Registration{
		Profile: Profile{Name: "info", Description: "store stats and rusage", Atomic: true, Format: FormatInformal, Aggregatable: true},
		Collect: func(ctx context.Context, _ Params) (Params, error) {
			drops := uint64(0)
			if stats.cfDrops != nil {
				if n, err := stats.cfDrops(); err == nil {
					drops = n
				}
			}
			return Params{
				"kid_id":         float64(kidID),
				"squid_start":    float64(stats.start.Unix()),
				"cf_queue_drops": float64(drops),
				"cache_dirs":     canonicalConfigs(),
			}, nil
		},
		// info sums counts but preserves the earliest squid_start.
		Merge: func(acc, other Params) Params {
			if acc == nil {
				p := make(Params, len(other))
				for k, v := range other {
					p[k] = v
				}
				return p
			}
			if av, ok := toFloat(acc["squid_start"]); ok {
				if ov, ok2 := toFloat(other["squid_start"]); ok2 && ov < av {
					acc["squid_start"] = ov
				}
			}
			if av, ok := toFloat(acc["cf_queue_drops"]); ok {
				ov, _ := toFloat(other["cf_queue_drops"])
				acc["cf_queue_drops"] = av + ov
			}
			return acc
		},
	})
}
