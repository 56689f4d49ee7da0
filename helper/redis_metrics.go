package helper

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

type redisMetrics struct {
	latencies *prometheus.HistogramVec
	qps       *prometheus.CounterVec
}

var _metrics *redisMetrics

const (
	_namespace = "infra"
	_subsystem = "eq_redis"
)

type startTimeKey struct{}

func setupMetrics() {
	labels := []string{"node", "command", "status"}
	latencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: _namespace,
		Subsystem: _subsystem,
		Name:      "latency",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	}, labels)
	qps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: _namespace,
		Subsystem: _subsystem,
		Name:      "qps",
	}, labels)
	prometheus.MustRegister(latencies, qps)
	_metrics = &redisMetrics{latencies: latencies, qps: qps}
}

func init() {
	setupMetrics()
}

// MetricsHook records the latency and the status of every redis command
type MetricsHook struct {
	client *redis.Client
}

func NewMetricsHook(client *redis.Client) *MetricsHook {
	return &MetricsHook{client: client}
}

func (hook MetricsHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, startTimeKey{}, time.Now()), nil
}

func (hook MetricsHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	hook.record(ctx, cmd.Name(), cmd.Err())
	return nil
}

func (hook MetricsHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, startTimeKey{}, time.Now()), nil
}

func (hook MetricsHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	var firstErr error
	for _, cmd := range cmds {
		if cmd.Err() != nil {
			firstErr = cmd.Err()
			break
		}
	}
	hook.record(ctx, "pipeline", firstErr)
	return nil
}

func (hook MetricsHook) record(ctx context.Context, cmd string, err error) {
	startTime, ok := ctx.Value(startTimeKey{}).(time.Time)
	if !ok {
		return
	}
	status := "ok"
	if err != nil && err != redis.Nil {
		status = "error"
	}
	labels := prometheus.Labels{"node": hook.client.Options().Addr, "command": cmd, "status": status}
	_metrics.qps.With(labels).Inc()
	_metrics.latencies.With(labels).Observe(float64(time.Since(startTime).Milliseconds()))
}

// containsField reports whether the INFO output has the line `name:value`
func containsField(info, name, value string) bool {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), ":", 2)
		if len(fields) == 2 && fields[0] == name && fields[1] == value {
			return true
		}
	}
	return false
}
