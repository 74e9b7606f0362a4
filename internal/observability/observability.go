package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session Metrics
	RlmIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_iterations_count",
			Help:    "Number of driving model turns per session",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	RlmDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_completion_duration_seconds",
			Help:    "Total duration of a session in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s, 2s, 4s, ..., 512s
		},
	)

	SessionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sessions_total",
			Help: "Finished sessions by status and failure code",
		},
		[]string{"status", "code"},
	)

	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_protocol_violations_total",
			Help: "Rejected driving model turns by error code",
		},
		[]string{"code"},
	)

	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_token_usage_total",
			Help: "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: input, output
	)

	RlmErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rlm_errors_total",
			Help: "Total number of failed sessions",
		},
	)

	// Sandbox Metrics
	SandboxExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sandbox_executions_total",
			Help: "Code block executions by outcome",
		},
		[]string{"outcome"},
	)

	SandboxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_sandbox_execution_duration_seconds",
			Help:    "Duration of code block executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	SubModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sub_model_calls_total",
			Help: "Sub-model queries issued from sandbox code by outcome",
		},
		[]string{"model", "outcome"},
	)
)

// SetupLogger installs the default logger. format is "json" (default) or
// "text"; level is one of debug, info, warn, error.
func SetupLogger(level, format string) *slog.Logger {
	return SetupLoggerTo(os.Stdout, level, format)
}

// SetupLoggerTo is SetupLogger writing to w.
func SetupLoggerTo(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
				a.Value = slog.StringValue(time.Now().Format(time.RFC3339))
			}
			return a
		},
	}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
