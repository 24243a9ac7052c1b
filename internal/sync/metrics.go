package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "cfgsyncd_sync_duration_seconds",
		Help: "Summary of sync durations",
	}, []string{"status"})

	syncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cfgsyncd_sync_count_total",
		Help: "How many syncs completed, partitioned by state (success, noop, conflict, error)",
	}, []string{"status"})

	lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cfgsyncd_last_success_timestamp_seconds",
		Help: "Unix time of the last successful sync",
	})
)

const (
	metricKeySuccess  = "success"
	metricKeyNoOp     = "noop"
	metricKeyConflict = "conflict"
	metricKeyError    = "error"
)

func init() {
	prometheus.MustRegister(syncDuration)
	prometheus.MustRegister(syncCount)
	prometheus.MustRegister(lastSuccess)
}

func recordSync(res *Result, err error) {
	key := metricKeySuccess
	switch {
	case KindOf(err) == KindConflict:
		key = metricKeyConflict
	case err != nil:
		key = metricKeyError
	case !res.Committed:
		key = metricKeyNoOp
	}

	syncDuration.WithLabelValues(key).Observe(res.Duration.Seconds())
	syncCount.WithLabelValues(key).Inc()
	if err == nil {
		lastSuccess.Set(float64(time.Now().Unix()))
	}
}
