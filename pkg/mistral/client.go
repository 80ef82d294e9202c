// Package mistral is a client for the Mistral AI Files and OCR endpoints.
// Every request goes through a retrying transport that rebuilds the request
// from a producer on each attempt.
package mistral

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/resilience"
)

// Operation names used in logs and metrics.
const (
	OpUpload = "upload"
	OpOCR    = "ocr"
)

// DefaultUserAgent is sent when no other user agent is configured.
const DefaultUserAgent = "paperless-ocr/dev"

// Client talks to the Mistral AI API for a single run.
type Client struct {
	creds           Credentials
	http            *http.Client
	timeout         time.Duration
	retry           resilience.RetryConfig
	rec             Recorder
	log             *zap.Logger
	now             func() time.Time
	userAgent       string
	streamThreshold int64
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets the base *http.Client. It is copied; the configured
// timeout is applied to the copy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the retry policy applied to every request.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithRecorder reports attempts, retries, and responses to r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.rec = r
		}
	}
}

// WithClock overrides the clock used to validate upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithStreamingThreshold sets the file size above which uploads are streamed
// from disk instead of buffered.
func WithStreamingThreshold(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.streamThreshold = n
		}
	}
}

// NewClient creates a client for the given credentials.
func NewClient(creds Credentials, opts ...Option) *Client {
	c := &Client{
		creds: creds,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		timeout:         30 * time.Second,
		retry:           resilience.DefaultRetryConfig(),
		rec:             nopRecorder{},
		log:             zap.L(),
		now:             time.Now,
		userAgent:       DefaultUserAgent,
		streamThreshold: StreamingThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.http
	hc.Timeout = c.timeout
	c.http = &hc
	return c
}

// Credentials returns the credentials the client authenticates with.
func (c *Client) Credentials() Credentials {
	return c.creds
}
