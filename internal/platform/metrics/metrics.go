// Package metrics exposes Prometheus metrics for HTTP requests, store
// operations and calls to the Remote Data Service.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

type Collector struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer
	ns       string

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	StoreOpsTotal  *prometheus.CounterVec
	StoreOpLatency *prometheus.HistogramVec

	RemoteCallLatency *prometheus.HistogramVec
	RemoteErrorsTotal *prometheus.CounterVec

	ProfileRetries *prometheus.CounterVec
}

// NewCollector registers the metrics with reg. A nil reg uses a fresh
// registry, which is what tests want.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		reg:      reg,
		gatherer: reg,
		ns:       namespace,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		StoreOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by store, operation, and outcome (ok or error kind).",
		}, []string{"store", "op", "outcome"}),

		StoreOpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
		}, []string{"store", "op"}),

		RemoteCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Remote Data Service call latency by operation and table.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
		}, []string{"operation", "table"}),

		RemoteErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "errors_total",
			Help:      "Failed Remote Data Service calls by operation, table, and error code.",
		}, []string{"operation", "table", "code"}),

		ProfileRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profiles",
			Name:      "retries_total",
			Help:      "Pending profile creation retries by result.",
		}, []string{"result"}),
	}
}

// ObserveOp records a finished store operation.
func (m *Collector) ObserveOp(store, op string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(entitystore.KindOf(err))
	}
	m.StoreOpsTotal.WithLabelValues(store, op, outcome).Inc()
	m.StoreOpLatency.WithLabelValues(store, op).Observe(took.Seconds())
}

// ObserveRetry records the outcome of a pending profile retry pass.
func (m *Collector) ObserveRetry(created, failed int) {
	m.ProfileRetries.WithLabelValues("created").Add(float64(created))
	m.ProfileRetries.WithLabelValues("failed").Add(float64(failed))
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Collector) Gauge(subsystem, name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// Middleware records request counts and latency by route pattern.
func (m *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Collector) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// Tables wraps t so every call is timed and failures are counted.
func (m *Collector) Tables(t remote.Tables) remote.Tables {
	return &instrumentedTables{next: t, m: m}
}

type instrumentedTables struct {
	next remote.Tables
	m    *Collector
}

func (t *instrumentedTables) observe(op, table string, start time.Time, err error) {
	t.m.RemoteCallLatency.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	code := "unknown"
	var re *remote.Error
	switch {
	case remote.IsCanceled(err):
		code = "canceled"
	case errors.As(err, &re) && re.Code != "":
		code = re.Code
	case remote.IsSingleRow(err):
		code = "single_row"
	}
	t.m.RemoteErrorsTotal.WithLabelValues(op, table, code).Inc()
}

func (t *instrumentedTables) Select(ctx context.Context, q *remote.Query) ([]json.RawMessage, error) {
	start := time.Now()
	rows, err := t.next.Select(ctx, q)
	t.observe("select", q.Table, start, err)
	return rows, err
}

func (t *instrumentedTables) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	start := time.Now()
	out, err := t.next.Insert(ctx, table, row)
	t.observe("insert", table, start, err)
	return out, err
}

func (t *instrumentedTables) Update(ctx context.Context, table string, match remote.Filter, patch any) (json.RawMessage, error) {
	start := time.Now()
	out, err := t.next.Update(ctx, table, match, patch)
	t.observe("update", table, start, err)
	return out, err
}

func (t *instrumentedTables) Delete(ctx context.Context, table string, match remote.Filter) error {
	start := time.Now()
	err := t.next.Delete(ctx, table, match)
	t.observe("delete", table, start, err)
	return err
}
