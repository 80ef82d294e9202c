// Package pipeline runs one document through validation, upload, and OCR.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/paperless-ocr/internal/apperr"
	"github.com/sells-group/paperless-ocr/internal/config"
	"github.com/sells-group/paperless-ocr/internal/document"
	"github.com/sells-group/paperless-ocr/internal/metrics"
	"github.com/sells-group/paperless-ocr/internal/output"
	"github.com/sells-group/paperless-ocr/pkg/mistral"
)

// Pipeline orchestrates a single OCR run. It holds no state between runs.
type Pipeline struct {
	cfg             *config.Config
	httpClient      *http.Client
	metrics         *metrics.Collector
	logger          *zap.Logger
	now             func() time.Time
	userAgent       string
	streamThreshold int64
}

// Option configures the Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets the base HTTP client passed to the API client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Pipeline) {
		p.httpClient = hc
	}
}

// WithMetrics records run statistics to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the clock used to validate upload receipts.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithUserAgent sets the User-Agent sent to the API.
func WithUserAgent(ua string) Option {
	return func(p *Pipeline) {
		p.userAgent = ua
	}
}

// WithStreamingThreshold overrides the size above which uploads stream from disk.
func WithStreamingThreshold(n int64) Option {
	return func(p *Pipeline) {
		p.streamThreshold = n
	}
}

// New creates a Pipeline for the given configuration.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:             cfg,
		metrics:         metrics.New(),
		logger:          zap.L(),
		now:             time.Now,
		userAgent:       mistral.DefaultUserAgent,
		streamThreshold: mistral.StreamingThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metrics returns the collector the pipeline records to.
func (p *Pipeline) Metrics() *metrics.Collector {
	return p.metrics
}

// Run validates the file at path, uploads it, runs OCR, and returns the
// extracted text. Errors are apperr errors.
func (p *Pipeline) Run(ctx context.Context, path string) (*output.Result, error) {
	log := p.logger.With(zap.String("run_id", uuid.NewString()))
	start := time.Now()

	res, size, err := p.run(ctx, log, path, start)
	p.metrics.RecordFile(size, err == nil)
	p.metrics.LogSummary(log)
	if err != nil {
		log.Debug("run failed",
			zap.String("category", string(apperr.CategoryOf(err))),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, path string, start time.Time) (*output.Result, int64, error) {
	log.Debug("processing file", zap.String("path", path))

	src, err := document.Open(path)
	if err != nil {
		return nil, 0, err
	}
	log.Debug("file validated",
		zap.String("file", src.Name()),
		zap.String("size", humanize.IBytes(uint64(src.Size()))),
		zap.String("mime_type", src.MIMEType()),
	)
	if src.IsPDF() && log.Core().Enabled(zapcore.DebugLevel) {
		if pages, perr := src.PageCount(); perr == nil {
			log.Debug("pdf page count", zap.Int("pages", pages))
		} else {
			log.Debug("pdf page count unavailable", zap.Error(perr))
		}
	}

	if limit := p.cfg.MaxFileSizeBytes(); src.Size() > limit {
		return nil, src.Size(), apperr.Newf(apperr.Validation,
			"File size (%.2f MB) exceeds maximum allowed size (%d MB)",
			float64(src.Size())/(1024*1024), p.cfg.MaxFileSizeMB)
	}

	creds, err := mistral.NewCredentials(p.cfg.APIKey, p.cfg.APIBaseURL)
	if err != nil {
		return nil, src.Size(), err
	}

	opts := []mistral.Option{
		mistral.WithTimeout(p.cfg.Timeout()),
		mistral.WithRetry(p.cfg.RetryConfig()),
		mistral.WithRecorder(p.metrics),
		mistral.WithLogger(log),
		mistral.WithClock(p.now),
		mistral.WithUserAgent(p.userAgent),
		mistral.WithStreamingThreshold(p.streamThreshold),
	}
	if p.httpClient != nil {
		opts = append(opts, mistral.WithHTTPClient(p.httpClient))
	}
	client := mistral.NewClient(creds, opts...)
	log.Debug("api client initialized", zap.String("base_url", creds.BaseURL()), zap.String("api_key", creds.Redacted()))

	receipt, err := client.UploadFile(ctx, src)
	if err != nil {
		return nil, src.Size(), err
	}
	log.Debug("file uploaded", zap.String("file_id", receipt.ID))

	ocr, err := client.ProcessOCR(ctx, receipt.ID)
	if err != nil {
		return nil, src.Size(), err
	}
	elapsed := time.Since(start)
	log.Debug("ocr processing completed",
		zap.Int("pages", len(ocr.Pages)),
		zap.Duration("elapsed", elapsed),
	)

	return &output.Result{
		ExtractedText:    ocr.Text(),
		FileName:         src.Name(),
		FileSize:         src.Size(),
		ProcessingTimeMS: elapsed.Milliseconds(),
	}, src.Size(), nil
}
