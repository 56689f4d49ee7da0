package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	pushJobs       *prometheus.CounterVec
	reserveJobs    *prometheus.CounterVec
	reserveEmpty   *prometheus.CounterVec
	reserveLost    *prometheus.CounterVec
	popJobs        *prometheus.CounterVec
	releaseJobs    *prometheus.CounterVec
	requeuedJobs   *prometheus.CounterVec
	idCollisions   *prometheus.CounterVec
	storageRetries *prometheus.CounterVec
	jobElapsedMS   *prometheus.HistogramVec
	jobAckMS       *prometheus.HistogramVec
}

var (
	metrics *Metrics
)

const (
	Namespace = "infra"
	Subsystem = "eq_engine"
)

func setupMetrics() {
	cv := newCounterVecHelper
	hv := newHistogramHelper
	metrics = &Metrics{
		pushJobs:       cv("push_jobs"),
		reserveJobs:    cv("reserve_jobs", "path"),
		reserveEmpty:   cv("reserve_empty"),
		reserveLost:    cv("reserve_lost_swaps"),
		popJobs:        cv("pop_jobs"),
		releaseJobs:    cv("release_jobs"),
		requeuedJobs:   cv("requeued_jobs"),
		idCollisions:   cv("id_collisions"),
		storageRetries: cv("storage_retries", "op"),
		jobElapsedMS:   hv("job_elapsed_ms"),
		jobAckMS:       hv("job_ack_elapsed_ms"),
	}
}

func newCounterVecHelper(name string, labels ...string) *prometheus.CounterVec {
	labels = append([]string{"pool"}, labels...) // all metrics has this common field `pool`
	opts := prometheus.CounterOpts{}
	opts.Namespace = Namespace
	opts.Subsystem = Subsystem
	opts.Name = name
	opts.Help = name
	counters := prometheus.NewCounterVec(opts, labels)
	prometheus.MustRegister(counters)
	return counters
}

func newHistogramHelper(name string, labels ...string) *prometheus.HistogramVec {
	labels = append([]string{"pool"}, labels...)
	opts := prometheus.HistogramOpts{}
	opts.Namespace = Namespace
	opts.Subsystem = Subsystem
	opts.Name = name
	opts.Help = name
	opts.Buckets = prometheus.ExponentialBuckets(15, 3.5, 7)
	histogram := prometheus.NewHistogramVec(opts, labels)
	prometheus.MustRegister(histogram)
	return histogram
}

func init() {
	setupMetrics()
}
