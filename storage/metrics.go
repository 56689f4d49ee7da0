package storage

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitleak/eq/engine"
)

// Metrics contains storage related metrics
type Metrics struct {
	latencies *prometheus.HistogramVec
	errors    *prometheus.CounterVec
}

var (
	metrics *Metrics
)

const (
	Namespace = "infra"
	Subsystem = "eq_storage"
)

func setupMetrics() {
	labels := []string{"pool", "storage", "op"}
	latencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "op_latency_ms",
		Help:      "op_latency_ms",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	}, labels)
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "op_errors",
		Help:      "op_errors",
	}, labels)
	prometheus.MustRegister(latencies, errs)
	metrics = &Metrics{latencies: latencies, errors: errs}
}

func init() {
	setupMetrics()
}

// Instrument wraps the storage to record the latency and the failures of every
// call. The wrapper keeps the optional capabilities of the known storages.
func Instrument(pool string, s engine.Storage) engine.Storage {
	base := &instrumented{pool: pool, Storage: s}
	switch s.(type) {
	case txnStorage:
		return &instrumentedTxn{instrumentedKV{base}}
	case kvStorage:
		return &instrumentedKV{base}
	}
	_, isReserver := s.(engine.Reserver)
	_, isSwapper := s.(engine.Swapper)
	_, isRemover := s.(engine.Remover)
	_, isCounter := s.(engine.Counter)
	if isReserver || isSwapper || isRemover || isCounter {
		// a capability mix no wrapper covers, hiding one would change the queue behavior
		return s
	}
	return base
}

type kvStorage interface {
	engine.Storage
	engine.Swapper
	engine.Remover
}

type txnStorage interface {
	kvStorage
	engine.Reserver
	engine.Counter
}

type instrumented struct {
	engine.Storage
	pool string
}

// Unwrap returns the wrapped storage
func (s *instrumented) Unwrap() engine.Storage {
	return s.Storage
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	labels := prometheus.Labels{"pool": s.pool, "storage": s.Storage.Name(), "op": op}
	metrics.latencies.With(labels).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil && !errors.Is(err, engine.ErrNotFound) && !errors.Is(err, engine.ErrExists) {
		metrics.errors.With(labels).Inc()
	}
}

func (s *instrumented) Insert(ctx context.Context, job engine.Job) (err error) {
	defer func(start time.Time) { s.observe("insert", start, err) }(time.Now())
	return s.Storage.Insert(ctx, job)
}

func (s *instrumented) Write(ctx context.Context, field engine.Field, id string, value []byte) (err error) {
	defer func(start time.Time) { s.observe("write", start, err) }(time.Now())
	return s.Storage.Write(ctx, field, id, value)
}

func (s *instrumented) Read(ctx context.Context, field engine.Field, id string) (value []byte, err error) {
	defer func(start time.Time) { s.observe("read", start, err) }(time.Now())
	return s.Storage.Read(ctx, field, id)
}

func (s *instrumented) DeleteAll(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { s.observe("delete_all", start, err) }(time.Now())
	return s.Storage.DeleteAll(ctx, id)
}

func (s *instrumented) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) (err error) {
	defer func(start time.Time) { s.observe("scan", start, err) }(time.Now())
	return s.Storage.Scan(ctx, field, fn)
}

type instrumentedKV struct {
	*instrumented
}

func (s *instrumentedKV) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (swapped bool, err error) {
	defer func(start time.Time) { s.observe("compare_and_swap", start, err) }(time.Now())
	return s.Storage.(engine.Swapper).CompareAndSwap(ctx, field, id, oldValue, newValue)
}

func (s *instrumentedKV) Remove(ctx context.Context, id string) (removed bool, err error) {
	defer func(start time.Time) { s.observe("remove", start, err) }(time.Now())
	return s.Storage.(engine.Remover).Remove(ctx, id)
}

type instrumentedTxn struct {
	instrumentedKV
}

func (s *instrumentedTxn) Reserve(ctx context.Context, startedAt time.Time) (job engine.Job, err error) {
	defer func(start time.Time) { s.observe("reserve", start, err) }(time.Now())
	return s.Storage.(engine.Reserver).Reserve(ctx, startedAt)
}

func (s *instrumentedTxn) Count(ctx context.Context, filter engine.CountFilter) (n int64, err error) {
	defer func(start time.Time) { s.observe("count", start, err) }(time.Now())
	return s.Storage.(engine.Counter).Count(ctx, filter)
}
