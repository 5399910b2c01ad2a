package cachemgr

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// renderPrometheusMetrics builds a throwaway prometheus.Registry from the
// current counters/io/service_times/store_io/sbuf_stats snapshot and encodes
// it in the text exposition format. It is local-only and non-aggregated:
// each strand exposes its own process rather than a fanned-out view.
func renderPrometheusMetrics(stats *Stats) (string, error) {
	stats.mu.Lock()
	counters := cloneFloatMap(stats.counters)
	storeIO := cloneFloatMap(stats.storeIO)
	sbuf := cloneFloatMap(stats.sbuf)
	ioHist := stats.ioHist
	svcTimes := stats.svcTimes
	stats.mu.Unlock()

	reg := prometheus.NewRegistry()

	counterGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "squidcore",
		Name:      "counters",
		Help:      "cache manager named double counters (counters action)",
	}, []string{"name"})
	for name, v := range counters {
		counterGauge.WithLabelValues(name).Set(v)
	}

	storeIOGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "squidcore",
		Name:      "store_io_total",
		Help:      "store IO create-call counters (store_io action)",
	}, []string{"name"})
	for name, v := range storeIO {
		storeIOGauge.WithLabelValues(name).Set(v)
	}

	sbufGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "squidcore",
		Name:      "sbuf_stats",
		Help:      "small-string/blob destructor-time size histograms (sbuf_stats action)",
	}, []string{"name"})
	for name, v := range sbuf {
		sbufGauge.WithLabelValues(name).Set(v)
	}

	ioHistGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "squidcore",
		Name:      "io_read_size_bucket",
		Help:      "per-protocol read-size histogram buckets (io action)",
	}, []string{"bucket"})
	for i, v := range ioHist {
		ioHistGauge.WithLabelValues(intKey(i)).Set(v)
	}

	svcGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "squidcore",
		Name:      "service_times_percentile",
		Help:      "19-point service time percentile buckets (service_times action)",
	}, []string{"bucket"})
	for i, v := range svcTimes {
		svcGauge.WithLabelValues(intKey(i)).Set(v)
	}

	reg.MustRegister(counterGauge, storeIOGauge, sbufGauge, ioHistGauge, svcGauge)

	mfs, err := reg.Gather()
	if err != nil {
		return "", errors.Wrap(err, "cachemgr: gather metrics")
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", errors.Wrap(err, "cachemgr: encode metrics")
		}
	}
	return buf.String(), nil
}
