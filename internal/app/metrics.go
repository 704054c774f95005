package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nuetzliches/dtqueue/internal/queue"
)

const metricsNamespace = "dtqueue"

// Operation outcomes used as the "outcome" label.
const (
	outcomeOK          = "ok"
	outcomeEmpty       = "empty"
	outcomeClientError = "client_error"
	outcomeBusy        = "busy"
	outcomeError       = "error"
)

type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Queue operations by backend, queue, operation and outcome",
		}, []string{"backend", "queue", "op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent inside the queue store per operation",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"backend", "op"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_in_flight",
			Help:      "Requests currently holding a worker slot",
		}),
	}
	err := errors.Join(
		reg.Register(m.operations),
		reg.Register(m.duration),
		reg.Register(m.inFlight),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) observe(backend, queueName, op string, err error, found bool, d time.Duration) {
	m.operations.WithLabelValues(backend, queueName, op, operationOutcome(err, found)).Inc()
	m.duration.WithLabelValues(backend, op).Observe(d.Seconds())
}

func operationOutcome(err error, found bool) string {
	switch {
	case err == nil && found:
		return outcomeOK
	case err == nil:
		return outcomeEmpty
	case queue.IsClientError(err):
		return outcomeClientError
	case queue.IsTransient(err):
		return outcomeBusy
	default:
		return outcomeError
	}
}

// instrumentedStore records every store call. Names outside the allow-list
// share one label value so that arbitrary request paths cannot grow the
// series count.
type instrumentedStore struct {
	queue.Store
	backend string
	metrics *metrics
}

var _ queue.Store = (*instrumentedStore)(nil)

func (s *instrumentedStore) label(name string) string {
	if s.Store.QueueExists(name) {
		return name
	}
	return "_unknown"
}

func (s *instrumentedStore) Put(name string, item queue.Item) error {
	start := time.Now()
	err := s.Store.Put(name, item)
	s.metrics.observe(s.backend, s.label(name), "put", err, true, time.Since(start))
	return err
}

func (s *instrumentedStore) Get(name string) (queue.Item, bool, error) {
	start := time.Now()
	item, ok, err := s.Store.Get(name)
	s.metrics.observe(s.backend, s.label(name), "get", err, ok, time.Since(start))
	return item, ok, err
}

func (s *instrumentedStore) Delete(name string) (queue.Item, bool, error) {
	start := time.Now()
	item, ok, err := s.Store.Delete(name)
	s.metrics.observe(s.backend, s.label(name), "delete", err, ok, time.Since(start))
	return item, ok, err
}

// workerPool is the bounded pool every HTTP and gRPC request draws a slot
// from before touching the store.
type workerPool struct {
	sem      *semaphore.Weighted
	inFlight prometheus.Gauge
}

func newWorkerPool(size int, inFlight prometheus.Gauge) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size)), inFlight: inFlight}
}

func (p *workerPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Inc()
	return nil
}

func (p *workerPool) Release() {
	p.inFlight.Dec()
	p.sem.Release(1)
}

// depthCollector reports the number of active items per queue at scrape
// time.
type depthCollector struct {
	desc    *prometheus.Desc
	store   queue.DepthReporter
	backend string
	queues  []string
	logger  *zap.Logger
}

func newDepthCollector(store queue.DepthReporter, backend string, queues []string, logger *zap.Logger) *depthCollector {
	return &depthCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "queue", "depth"),
			"Active items per queue",
			[]string{"backend", "queue"}, nil,
		),
		store:   store,
		backend: backend,
		queues:  queues,
		logger:  logger,
	}
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.queues {
		n, err := c.store.Depth(name)
		if err != nil {
			c.logger.Warn("queue_depth_failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), c.backend, name)
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
