// Package apperr defines the closed error taxonomy of the OCR tool: every
// failure is classified into a Category that fixes its exit code and the
// "type" reported in JSON output.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Category classifies a failure.
type Category string

const (
	// Validation covers user-caused problems: bad arguments, unsupported or
	// encrypted files, files over the size limit, HTTP 400.
	Validation Category = "validation"
	// FileIO covers missing, unreadable, or non-regular input paths.
	FileIO Category = "file_io"
	// Config covers credential and configuration-file problems. It renders as
	// "api" but exits with its own code.
	Config Category = "config"
	// API covers remote failures: HTTP 4xx/5xx and malformed or invalid
	// server responses.
	API Category = "api"
	// Network covers transport failures, timeouts, and exhausted retries.
	Network Category = "network"
	// Internal covers programmer-detected inconsistencies.
	Internal Category = "internal"
)

// ExitCode returns the process exit code for the category.
func (c Category) ExitCode() int {
	switch c {
	case Validation:
		return 2
	case FileIO:
		return 3
	case Config:
		return 4
	default:
		return 5
	}
}

// Type returns the category name reported in JSON error envelopes.
func (c Category) Type() string {
	if c == Config {
		return string(API)
	}
	if c == "" {
		return string(Internal)
	}
	return string(c)
}

// Title returns the human prefix used in user-facing messages.
func (c Category) Title() string {
	switch c {
	case Validation:
		return "Validation error"
	case FileIO:
		return "File error"
	case Config:
		return "Configuration error"
	case API:
		return "API error"
	case Network:
		return "Network error"
	default:
		return "Internal error"
	}
}

// Error is a categorized failure. Err, when set, is the underlying cause and
// is reported as the detail of the failure.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a categorized error with no underlying cause.
func New(c Category, msg string) *Error {
	return &Error{Category: c, Message: msg}
}

// Newf is New with formatting.
func Newf(c Category, format string, args ...any) *Error {
	return &Error{Category: c, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err with a user-facing message. A nil err yields nil.
func Wrap(err error, c Category, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Message: msg, Err: err}
}

// CategoryOf returns the category of the outermost *Error in err's chain.
// Uncategorized errors are Internal; nil has no category.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Internal
}

// ExitCode maps err to a process exit code; nil is success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return CategoryOf(err).ExitCode()
}

// UserMessage renders err for the user, prefixed by its category title.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category.Title() + ": " + e.Message
	}
	return Internal.Title() + ": " + err.Error()
}

// Detail returns the text of the underlying cause of err, if any.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Err.Error()
		}
		return ""
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// FromHTTPStatus classifies a non-2xx response.
func FromHTTPStatus(status int, msg string) *Error {
	switch {
	case status == http.StatusBadRequest:
		return Newf(Validation, "Client error (%d): %s", status, msg)
	case status == http.StatusTooManyRequests:
		return Newf(Network, "Rate limited (%d): %s", status, msg)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return Newf(Network, "Service unavailable (%d): %s", status, msg)
	case status >= 400 && status < 500:
		return Newf(API, "Client error (%d): %s", status, msg)
	case status >= 500 && status < 600:
		return Newf(API, "Server error (%d): %s", status, msg)
	default:
		return Newf(Internal, "Unexpected HTTP status (%d): %s", status, msg)
	}
}

var skToken = regexp.MustCompile(`sk-[A-Za-z0-9_\-]*`)

// Redact removes credentials from s. Every "sk-" token is collapsed to
// "sk-***", then each remaining non-empty secret is replaced by its redacted
// form.
func Redact(s string, secrets ...string) string {
	s = skToken.ReplaceAllString(s, "sk-***")
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, RedactSecret(secret))
	}
	return s
}

// RedactSecret returns the loggable form of a secret: its first four
// characters followed by "***". Short secrets are fully masked.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
