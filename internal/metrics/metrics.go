package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec
	SessionsStopped *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesSubmitted prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FramesEncoded   prometheus.Counter
	UnitSize        prometheus.Histogram
	KeyFrames       prometheus.Counter

	// Bitstream metrics
	ParameterSets *prometheus.CounterVec
	ParseFailures *prometheus.CounterVec
	BackendErrors *prometheus.CounterVec

	// Registry metrics
	RegisteredEncoders *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rapidenc_active_sessions",
			Help: "Number of currently running encoder sessions",
		}),
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_sessions_started_total",
				Help: "Total number of session generations started",
			},
			[]string{"codec"},
		),
		SessionsStopped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_sessions_stopped_total",
				Help: "Total number of session generations stopped",
			},
			[]string{"codec"},
		),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidenc_session_duration_seconds",
			Help:    "Duration of session generations in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		// Frame metrics
		FramesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidenc_frames_submitted_total",
			Help: "Total number of raw frames handed to sessions",
		}),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_frames_dropped_total",
				Help: "Total number of frames or packets dropped",
			},
			[]string{"reason"},
		),
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidenc_frames_encoded_total",
			Help: "Total number of encoded picture units delivered",
		}),
		UnitSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidenc_unit_size_bytes",
			Help:    "Size of encoded units in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
		}),
		KeyFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidenc_keyframes_total",
			Help: "Total number of key frames delivered",
		}),

		// Bitstream metrics
		ParameterSets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_parameter_sets_delivered_total",
				Help: "Total number of parameter set deliveries",
			},
			[]string{"codec"},
		),
		ParseFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_parse_failures_total",
				Help: "Total number of parameter set extraction failures",
			},
			[]string{"source"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_backend_errors_total",
				Help: "Total number of encoder backend errors",
			},
			[]string{"op"},
		),

		RegisteredEncoders: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rapidenc_registered_encoders",
				Help: "Number of encoders available for selection",
			},
			[]string{"codec", "hardware"},
		),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidenc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rapidenc_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// SessionStarted records a session generation starting
func (m *Metrics) SessionStarted(codec string) {
	m.ActiveSessions.Inc()
	m.SessionsStarted.WithLabelValues(codec).Inc()
}

// SessionStopped records a session generation stopping
func (m *Metrics) SessionStopped(codec string, d time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionsStopped.WithLabelValues(codec).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// FrameSubmitted records a raw frame handed to a session
func (m *Metrics) FrameSubmitted() {
	m.FramesSubmitted.Inc()
}

// FrameDropped records a dropped frame
func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// FrameEncoded records a picture unit delivered to a sink
func (m *Metrics) FrameEncoded(size int, keyFrame bool) {
	m.FramesEncoded.Inc()
	m.UnitSize.Observe(float64(size))
	if keyFrame {
		m.KeyFrames.Inc()
	}
}

// ParameterSetsDelivered records parameter sets handed to a sink
func (m *Metrics) ParameterSetsDelivered(codec string) {
	m.ParameterSets.WithLabelValues(codec).Inc()
}

// ParseFailure records parameter sets that could not be extracted
func (m *Metrics) ParseFailure(source string) {
	m.ParseFailures.WithLabelValues(source).Inc()
}

// BackendError records an encoder backend failure
func (m *Metrics) BackendError(op string) {
	m.BackendErrors.WithLabelValues(op).Inc()
}

// SetRegisteredEncoders records how many encoders of a kind are available
func (m *Metrics) SetRegisteredEncoders(codec string, hardware bool, n int) {
	m.RegisteredEncoders.WithLabelValues(codec, strconv.FormatBool(hardware)).Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// Middleware records every request handled by a gin engine. Requests are
// labelled by route template so IDs do not explode the label space.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
