package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_template_cache_events_total",
			Help: "Template cache lookups by outcome (hit is a confirmed revalidation).",
		},
		[]string{"kind"},
	)

	instancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_instances_total",
			Help: "Sandbox instance lifecycle events.",
		},
		[]string{"kind"},
	)

	jobCPUSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_job_cpu_seconds",
			Help:    "CPU time consumed by a job, excluding time suspended on host I/O.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
	)

	jobFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_job_failures_total",
			Help: "Failed jobs by cause.",
		},
		[]string{"kind", "cause"},
	)

	guestErrorCodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_guest_error_codes_total",
			Help: "Non-zero codes returned by guest handlers.",
		},
		[]string{"code"},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_metrics_dropped_events_total",
			Help: "Events dropped because the sink queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheEventsTotal)
	prometheus.MustRegister(instancesTotal)
	prometheus.MustRegister(jobCPUSeconds)
	prometheus.MustRegister(jobFailuresTotal)
	prometheus.MustRegister(guestErrorCodesTotal)
	prometheus.MustRegister(droppedEvents)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	for _, k := range []Kind{KindCacheHit, KindCacheMiss, KindCacheError} {
		cacheEventsTotal.WithLabelValues(string(k))
	}
	for _, k := range []Kind{KindInstanceCreated, KindInstanceReused, KindInstanceEvicted} {
		instancesTotal.WithLabelValues(string(k))
	}
}

// observe folds one event into the collectors.
func observe(ev Event) {
	switch ev.Kind {
	case KindCacheHit, KindCacheMiss, KindCacheError:
		cacheEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	case KindInstanceCreated, KindInstanceReused, KindInstanceEvicted:
		instancesTotal.WithLabelValues(string(ev.Kind)).Inc()
	case KindCPUTime:
		jobCPUSeconds.Observe(ev.Duration.Seconds())
	case KindGuestError:
		guestErrorCodesTotal.WithLabelValues(strconv.Itoa(int(ev.Code))).Inc()
		jobFailuresTotal.WithLabelValues(string(ev.Kind), ev.Cause).Inc()
	case KindInstantiateError, KindTrap, KindNoResponse, KindJoinFailure, KindCancelled:
		jobFailuresTotal.WithLabelValues(string(ev.Kind), ev.Cause).Inc()
	}
}
