package ipc

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karthikkolli/webprobe-sub001/internal/journal"
)

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		if r.URL.Path == "/v1/"+CmdPing || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "ipc request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// journalCommands records every /v1 command except ping in j.
func journalCommands(j *journal.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cmd, ok := strings.CutPrefix(r.URL.Path, "/v1/")
			if !ok || cmd == CmdPing {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			_ = j.Write(journal.Entry{
				Time:       start.UTC(),
				RequestID:  middleware.GetReqID(r.Context()),
				Command:    cmd,
				Status:     ww.Status(),
				DurationMS: time.Since(start).Milliseconds(),
				Bytes:      ww.BytesWritten(),
			})
		})
	}
}

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webprobe_ipc_requests_total",
				Help: "IPC requests handled, by route and status code.",
			},
			[]string{"route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webprobe_ipc_request_duration_seconds",
				Help:    "IPC request latency.",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webprobe_ipc_requests_in_flight",
			Help: "IPC requests being served.",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.inflight} {
		if err := reg.Register(c); err != nil {
			slog.Debug("metric registration skipped", "error", err)
		}
	}
	return m
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RegisterTabGauges exposes tab and session counts on reg.
func RegisterTabGauges(reg prometheus.Registerer, tabCount, sessionCount func() int) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "webprobe_tabs_open",
			Help: "Tabs currently open.",
		}, func() float64 { return float64(tabCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "webprobe_browser_sessions",
			Help: "Profiles with a live browser session.",
		}, func() float64 { return float64(sessionCount()) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			slog.Debug("metric registration skipped", "error", err)
		}
	}
}
