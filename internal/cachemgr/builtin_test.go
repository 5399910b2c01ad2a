package cachemgr

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltinsIndexListsEveryAction(t *testing.T) {
	reg := NewRegistry()
	stats := NewStats(time.Unix(500, 0), nil)
	RegisterBuiltins(reg, 7, stats, new(int32), func() []string { return []string{"/cache1"} })

	idx, ok := reg.Get("index")
	require.True(t, ok)
	out, err := idx.Collect(context.Background(), nil)
	require.NoError(t, err)
	names := out["actions"].([]string)
	assert.Contains(t, names, "counters")
	assert.Contains(t, names, "info")
	assert.Contains(t, names, "offline_toggle")
}

func TestCountersActionCollectsLocalStats(t *testing.T) {
	reg := NewRegistry()
	stats := NewStats(time.Unix(500, 0), nil)
	stats.AddCounter("client_http_requests", 5)
	stats.AddCounter("client_http_requests", 2)
	RegisterBuiltins(reg, 1, stats, new(int32), func() []string { return nil })

	counters, ok := reg.Get("counters")
	require.True(t, ok)
	out, err := counters.Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 7.0, out["client_http_requests"])
}

func TestOfflineToggleFlips(t *testing.T) {
	reg := NewRegistry()
	stats := NewStats(time.Unix(500, 0), nil)
	offline := new(int32)
	RegisterBuiltins(reg, 1, stats, offline, func() []string { return nil })

	toggle, ok := reg.Get("offline_toggle")
	require.True(t, ok)

	out, err := toggle.Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["offline"])

	out, err = toggle.Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, false, out["offline"])
}

func TestInfoMergePreservesEarliestSquidStart(t *testing.T) {
	reg := NewRegistry()
	stats := NewStats(time.Unix(2000, 0), nil)
	RegisterBuiltins(reg, 1, stats, new(int32), func() []string { return nil })
	info, ok := reg.Get("info")
	require.True(t, ok)

	older := Params{"squid_start": 1000.0, "cf_queue_drops": 3.0}
	newer := Params{"squid_start": 2000.0, "cf_queue_drops": 4.0}

	merged := info.Merge(nil, newer)
	merged = info.Merge(merged, older)

	assert.Equal(t, 1000.0, merged["squid_start"])
	assert.Equal(t, 7.0, merged["cf_queue_drops"])
}

func TestRotateActionPersistsCountersAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.boltdb")

	reg := NewRegistry()
	stats := NewStats(time.Unix(500, 0), nil)
	require.NoError(t, stats.OpenSnapshot(path))
	stats.AddCounter("client_http_requests", 9)
	RegisterBuiltins(reg, 1, stats, new(int32), func() []string { return nil })

	rotate, ok := reg.Get("rotate")
	require.True(t, ok)
	out, err := rotate.Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["accepted"])
	require.NoError(t, stats.CloseSnapshot())

	restarted := NewStats(time.Unix(600, 0), nil)
	require.NoError(t, restarted.OpenSnapshot(path))
	t.Cleanup(func() { _ = restarted.CloseSnapshot() })

	reg2 := NewRegistry()
	RegisterBuiltins(reg2, 1, restarted, new(int32), func() []string { return nil })
	counters, ok := reg2.Get("counters")
	require.True(t, ok)
	out, err = counters.Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 9.0, out["client_http_requests"])
}

func TestMetricsActionRendersPrometheusText(t *testing.T) {
	reg := NewRegistry()
	stats := NewStats(time.Unix(500, 0), nil)
	stats.AddCounter("client_http_requests", 3)
	RegisterBuiltins(reg, 1, stats, new(int32), func() []string { return nil })

	metrics, ok := reg.Get("metrics")
	require.True(t, ok)
	assert.Equal(t, FormatPrometheus, metrics.Profile.Format)

	out, err := metrics.Collect(context.Background(), nil)
	require.NoError(t, err)
	text := out["text"].(string)
	assert.Contains(t, text, "squidcore_counters")
	assert.Contains(t, text, `name="client_http_requests"`)

	rendered, err := metrics.Profile.Format.Render(out)
	require.NoError(t, err)
	assert.True(t, strings.Contains(rendered, "squidcore_counters"))
}

func TestIntervalSamplerSnapshotAndMerge(t *testing.T) {
	a := NewIntervalSampler(5 * time.Minute)
	a.Add(time.Unix(100, 0), 3)
	a.Add(time.Unix(200, 0), 2)

	b := NewIntervalSampler(5 * time.Minute)
	b.Add(time.Unix(50, 0), 1)
	b.Add(time.Unix(300, 0), 4)

	merged := mergeIntervalParams(a.Snapshot(), b.Snapshot())
	assert.Equal(t, 50.0, merged["start"])
	assert.Equal(t, 300.0, merged["end"])
	assert.Equal(t, 10.0, merged["count"])
}
