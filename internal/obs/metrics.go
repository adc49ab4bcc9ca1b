package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "atlas_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	AuthzDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_authz_denials_total",
			Help: "Authorization denials by denial code.",
		},
		[]string{"code"},
	)

	DocumentsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_documents_generated_total",
			Help: "Service order document generations by outcome.",
		},
		[]string{"outcome"},
	)

	DocumentRenderSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "atlas_document_render_seconds",
		Help:    "Time spent rendering service order PDFs.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	DocumentVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_document_verifications_total",
			Help: "Document integrity checks by result.",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthzDenials, DocumentsGenerated, DocumentRenderSeconds, DocumentVerifications,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records count, latency and in-flight gauges per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
// Segments following a known collection are replaced with ":id".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if idCollections[parts[i-1]] && !actionSegments[parts[i]] {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

var idCollections = map[string]bool{
	"ordens-servico": true,
	"itens":          true,
	"despesas":       true,
	"documentos":     true,
	"usuarios":       true,
	"cargos":         true,
	"codigo":         true,
}

var actionSegments = map[string]bool{
	"estatisticas": true,
	"codigo":       true,
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
