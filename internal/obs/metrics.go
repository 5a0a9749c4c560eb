package obs

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultLatencyBucketsMs covers the webhook path, which waits on the ERP.
var defaultLatencyBucketsMs = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// HTTPMetrics holds the inbound request collectors.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the request collectors. bucketsMs are given in
// milliseconds and exported in seconds.
func NewHTTPMetrics(namespace string, bucketsMs []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(bucketsMs) == 0 {
		bucketsMs = defaultLatencyBucketsMs
	}
	seconds := make([]float64, 0, len(bucketsMs))
	for _, ms := range bucketsMs {
		seconds = append(seconds, ms/1000)
	}
	sort.Float64s(seconds)

	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status class.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   seconds,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Requests currently being served.",
		}),
	}
	mustRegisterCollector(reg, m.ReqTotal, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.ReqTotal = v
		}
	})
	mustRegisterCollector(reg, m.ReqDur, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.HistogramVec); ok {
			m.ReqDur = v
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Gauge); ok {
			m.InFlight = v
		}
	})
	return m
}

// observe records one finished request.
func (m *HTTPMetrics) observe(method, route string, status int, elapsed time.Duration) {
	m.ReqTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.ReqDur.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ParseBucketsCSV reads "10,50,250" style bucket lists. Invalid and
// non-positive entries are skipped; duplicates collapse.
func ParseBucketsCSV(csv string) []float64 {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	seen := make(map[float64]struct{})
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// routeLabel picks a low-cardinality label for r. Unmatched paths collapse to
// "unmatched" so scans of random URLs cannot grow the series set.
func routeLabel(r *http.Request) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if route := rc.RoutePattern(); route != "" {
			return route
		}
	}
	return "unmatched"
}
