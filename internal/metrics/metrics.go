// Package metrics collects per-run API statistics on a private prometheus
// registry. Nothing is exported over the network; the run summary is written
// to the debug log.
package metrics

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

const namespace = "paperless_ocr"

// Snapshot keys.
const (
	KeySuccessfulCalls = "successful_calls"
	KeyFailedCalls     = "failed_calls"
	KeyTotalCalls      = "total_calls"
	KeySuccessRate     = "success_rate_percent"
	KeyAvgResponseMs   = "average_response_time_ms"
	KeyTotalDurationMs = "total_duration_ms"
	KeyBytesUploaded   = "total_bytes_uploaded"
	KeyBytesDownloaded = "total_bytes_downloaded"
	KeyRetries         = "total_retries"
	KeyRateLimitHits   = "rate_limit_hits"
	KeyFilesProcessed  = "files_processed"
	KeyBytesProcessed  = "bytes_processed"
	KeyTransportErrors = "transport_errors"
	KeyAttempts        = "attempts"
)

// Collector records transport and pipeline events. The zero value is not
// usable; call New.
type Collector struct {
	reg *prometheus.Registry

	attempts        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	responses       *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	bytesUploaded   *prometheus.CounterVec
	bytesDownloaded *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	files           *prometheus.CounterVec
	fileBytes       prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_attempts_total",
			Help:      "HTTP request attempts, retries included.",
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Retries scheduled after a transient failure.",
		}, []string{"operation"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Responses with status 429.",
		}, []string{"operation"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "HTTP responses by operation and status code.",
		}, []string{"operation", "status"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Attempts that failed before a response was read.",
		}, []string{"operation"}),
		bytesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Request body bytes sent.",
		}, []string{"operation"}),
		bytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Response body bytes received, before decoding.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to reading its body.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Files run through the pipeline by outcome.",
		}, []string{"outcome"}),
		fileBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_processed_total",
			Help:      "Size of files successfully processed.",
		}),
	}

	c.reg.MustRegister(
		c.attempts, c.retries, c.rateLimited, c.responses, c.transportErrors,
		c.bytesUploaded, c.bytesDownloaded, c.duration, c.files, c.fileBytes,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// RecordAttempt counts one request attempt.
func (c *Collector) RecordAttempt(op string) {
	c.attempts.WithLabelValues(op).Inc()
}

// RecordRetry counts a scheduled retry.
func (c *Collector) RecordRetry(op string, _ time.Duration) {
	c.retries.WithLabelValues(op).Inc()
}

// RecordResponse counts a received response with its size and latency.
func (c *Collector) RecordResponse(op string, status int, elapsed time.Duration, sent, received int64) {
	c.responses.WithLabelValues(op, strconv.Itoa(status)).Inc()
	if status == 429 {
		c.rateLimited.WithLabelValues(op).Inc()
	}
	c.bytesUploaded.WithLabelValues(op).Add(float64(sent))
	c.bytesDownloaded.WithLabelValues(op).Add(float64(received))
	c.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordTransportError counts an attempt that got no response.
func (c *Collector) RecordTransportError(op string) {
	c.transportErrors.WithLabelValues(op).Inc()
}

// RecordFile counts a pipeline run.
func (c *Collector) RecordFile(size int64, success bool) {
	if !success {
		c.files.WithLabelValues("failure").Inc()
		return
	}
	c.files.WithLabelValues("success").Inc()
	c.fileBytes.Add(float64(size))
}

// Snapshot flattens the registry into summary values.
func (c *Collector) Snapshot() map[string]float64 {
	out := map[string]float64{}

	families, err := c.reg.Gather()
	if err != nil {
		zap.L().Debug("metrics: gather failed", zap.Error(err))
		return out
	}

	var ok, failed, durSum, durCount float64
	for _, mf := range families {
		switch mf.GetName() {
		case namespace + "_responses_total":
			for _, m := range mf.GetMetric() {
				status, _ := strconv.Atoi(labelValue(m, "status"))
				if status >= 200 && status < 300 {
					ok += m.GetCounter().GetValue()
				} else {
					failed += m.GetCounter().GetValue()
				}
			}
		case namespace + "_request_duration_seconds":
			for _, m := range mf.GetMetric() {
				durSum += m.GetHistogram().GetSampleSum()
				durCount += float64(m.GetHistogram().GetSampleCount())
			}
		case namespace + "_request_attempts_total":
			out[KeyAttempts] = sumCounters(mf)
		case namespace + "_request_retries_total":
			out[KeyRetries] = sumCounters(mf)
		case namespace + "_rate_limit_hits_total":
			out[KeyRateLimitHits] = sumCounters(mf)
		case namespace + "_transport_errors_total":
			out[KeyTransportErrors] = sumCounters(mf)
		case namespace + "_bytes_uploaded_total":
			out[KeyBytesUploaded] = sumCounters(mf)
		case namespace + "_bytes_downloaded_total":
			out[KeyBytesDownloaded] = sumCounters(mf)
		case namespace + "_files_processed_total":
			for _, m := range mf.GetMetric() {
				if labelValue(m, "outcome") == "success" {
					out[KeyFilesProcessed] += m.GetCounter().GetValue()
				}
			}
		case namespace + "_file_bytes_processed_total":
			out[KeyBytesProcessed] = sumCounters(mf)
		}
	}

	failed += out[KeyTransportErrors]
	out[KeySuccessfulCalls] = ok
	out[KeyFailedCalls] = failed
	out[KeyTotalCalls] = ok + failed
	if total := ok + failed; total > 0 {
		out[KeySuccessRate] = ok / total * 100
	}
	out[KeyTotalDurationMs] = durSum * 1000
	if durCount > 0 {
		out[KeyAvgResponseMs] = durSum / durCount * 1000
	}
	return out
}

// LogSummary writes the snapshot as a single debug line.
func (c *Collector) LogSummary(logger *zap.Logger) {
	if logger == nil {
		logger = zap.L()
	}
	s := c.Snapshot()
	logger.Debug("api metrics summary",
		zap.Float64(KeyTotalCalls, s[KeyTotalCalls]),
		zap.Float64(KeySuccessRate, s[KeySuccessRate]),
		zap.Float64(KeyAvgResponseMs, s[KeyAvgResponseMs]),
		zap.String("uploaded", humanize.IBytes(uint64(s[KeyBytesUploaded]))),
		zap.String("downloaded", humanize.IBytes(uint64(s[KeyBytesDownloaded]))),
		zap.Float64(KeyRetries, s[KeyRetries]),
		zap.Float64(KeyRateLimitHits, s[KeyRateLimitHits]),
	)
}

func sumCounters(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
