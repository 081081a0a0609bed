package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recovery holds the lock recovery collectors. Series are labeled by lock
// domain.
type Recovery struct {
	SessionsStarted   *prometheus.CounterVec
	SessionsFinished  *prometheus.CounterVec
	ElectionsWon      *prometheus.CounterVec
	ResourcesMigrated *prometheus.CounterVec
	Duration          *prometheus.HistogramVec
}

// NewRecovery creates the recovery collectors and registers them on reg
// when it is non-nil.
func NewRecovery(reg prometheus.Registerer) *Recovery {
	r := &Recovery{
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sessions_started_total",
			Help:      "Recovery sessions started for a dead node",
		}, []string{"domain"}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sessions_finished_total",
			Help:      "Recovery sessions finalized",
		}, []string{"domain"}),
		ElectionsWon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "elections_won_total",
			Help:      "Recovery master elections won by this node",
		}, []string{"domain"}),
		ResourcesMigrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "resources_migrated_total",
			Help:      "Lock resources received in migration snapshots",
		}, []string{"domain"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Time from dead node detection to finalize",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"domain"}),
	}

	if reg != nil {
		reg.MustRegister(r.SessionsStarted, r.SessionsFinished, r.ElectionsWon,
			r.ResourcesMigrated, r.Duration)
	}
	return r
}

func (r *Recovery) Started(domain string) {
	if r != nil {
		r.SessionsStarted.WithLabelValues(domain).Inc()
	}
}

func (r *Recovery) Finished(domain string, d time.Duration) {
	if r != nil {
		r.SessionsFinished.WithLabelValues(domain).Inc()
		r.Duration.WithLabelValues(domain).Observe(d.Seconds())
	}
}

func (r *Recovery) ElectionWon(domain string) {
	if r != nil {
		r.ElectionsWon.WithLabelValues(domain).Inc()
	}
}

func (r *Recovery) Migrated(domain string, n int) {
	if r != nil {
		r.ResourcesMigrated.WithLabelValues(domain).Add(float64(n))
	}
}
