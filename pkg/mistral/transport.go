package mistral

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/apperr"
	"github.com/sells-group/paperless-ocr/internal/resilience"
)

const acceptEncoding = "gzip, deflate, br"

// maxErrorMessage bounds the raw body echoed into an error message.
const maxErrorMessage = 500

// RequestProducer builds a fresh request, body included, for one attempt.
type RequestProducer func(ctx context.Context) (*http.Request, error)

// Recorder receives per-attempt transport events.
type Recorder interface {
	RecordAttempt(op string)
	RecordRetry(op string, delay time.Duration)
	RecordResponse(op string, status int, elapsed time.Duration, sent, received int64)
	RecordTransportError(op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(string) {}

func (nopRecorder) RecordRetry(string, time.Duration) {}

func (nopRecorder) RecordResponse(string, int, time.Duration, int64, int64) {}

func (nopRecorder) RecordTransportError(string) {}

// Response is a fully read, decoded 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends the request built by produce, retrying transient failures
// according to the client's retry policy. Non-2xx responses are returned as
// apperr errors; on exhaustion the last error is returned unchanged.
func (c *Client) Do(ctx context.Context, op string, produce RequestProducer) (*Response, error) {
	cfg := c.retry
	logRetry := resilience.RetryLogger(c.log, op)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.rec.RecordRetry(op, delay)
		// Error bodies may echo the credential back.
		logRetry(attempt, delay, errors.New(apperr.Redact(err.Error(), c.creds.Secret())))
	}
	cfg.ShouldRetry = isRetryable

	attempt := 0
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Response, error) {
		attempt++
		return c.attempt(ctx, op, attempt, produce)
	})
}

// isRetryable reports whether the attempt classified err as transient.
func isRetryable(err error) bool {
	var te *resilience.TransientError
	return errors.As(err, &te)
}

func (c *Client) attempt(ctx context.Context, op string, n int, produce RequestProducer) (*Response, error) {
	req, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.creds.AuthHeader())
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("User-Agent", c.userAgent)

	c.log.Debug("sending request",
		zap.String("operation", op),
		zap.Int("attempt", n),
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.String("api_key", c.creds.Redacted()),
	)
	c.rec.RecordAttempt(op)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.rec.RecordTransportError(op)
		return nil, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.rec.RecordTransportError(op)
		return nil, c.transportError(ctx, op, eris.Wrap(err, "read response body"))
	}
	elapsed := time.Since(start)

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	c.log.Debug("received response",
		zap.String("operation", op),
		zap.Int("attempt", n),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.String("content_encoding", encodingName(encoding)),
		zap.Duration("elapsed", elapsed),
	)
	c.rec.RecordResponse(op, resp.StatusCode, elapsed, max(req.ContentLength, 0), int64(len(raw)))

	body, err := decodeBody(encoding, raw)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.API, "Failed to decode response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// transportError classifies a failed round trip. Cancellation and permanent
// failures are returned as network errors; timeouts, resets, and temporary
// DNS failures are additionally marked transient.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return apperr.Wrap(err, apperr.Network, "Request cancelled")
	}

	msg := "Request failed"
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		msg = "Request timed out"
	}
	wrapped := apperr.Wrap(err, apperr.Network, msg)

	if resilience.IsTransient(err) {
		return resilience.NewTransientError(wrapped, 0)
	}
	c.log.Debug("request failed permanently", zap.String("operation", op), zap.Error(err))
	return wrapped
}

// statusError converts a non-2xx response to a taxonomy error. Retryable
// statuses are marked transient.
func statusError(status int, body []byte) error {
	e := apperr.FromHTTPStatus(status, errorMessage(body))
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(e, status)
	}
	return e
}

// errorMessage extracts a message from an error body of the form
// {"error": "...", "details": "..."} or {"message": "..."}, falling back to
// the raw text.
func errorMessage(body []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		msg := ""
		switch v := parsed["error"].(type) {
		case string:
			msg = v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				msg = m
			}
		}
		if msg == "" {
			if m, ok := parsed["message"].(string); ok {
				msg = m
			}
		}
		if msg != "" {
			if d, ok := parsed["details"].(string); ok && d != "" {
				msg += " (" + d + ")"
			}
			return msg
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response body"
	}
	if len(text) > maxErrorMessage {
		text = text[:maxErrorMessage] + "..."
	}
	return text
}

func decodeBody(encoding string, raw []byte) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, eris.Wrap(err, "gzip")
		}
		defer gz.Close() //nolint:errcheck
		r = gz
	case "deflate":
		// Servers disagree on zlib-wrapped vs raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close() //nolint:errcheck
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close() //nolint:errcheck
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return nil, eris.Errorf("unsupported content encoding %q", encoding)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "%s", encoding)
	}
	return out, nil
}

func encodingName(encoding string) string {
	if encoding == "" {
		return "identity"
	}
	return encoding
}
