package mistral

import (
	"net/url"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/apperr"
)

// Credentials pairs the bearer secret with the API base URL. The secret is
// only ever written to the Authorization header; every other rendering uses
// Redacted.
type Credentials struct {
	secret  string
	baseURL string
}

// NewCredentials validates and returns credentials. Failures are
// apperr.Config errors.
func NewCredentials(secret, baseURL string) (Credentials, error) {
	c := Credentials{secret: secret, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Validate checks the secret and base URL. A host that does not look like a
// Mistral endpoint is allowed (proxies, gateways) but logged.
func (c Credentials) Validate() error {
	if c.secret == "" {
		return apperr.New(apperr.Config, "API key is required. Set it with --api-key, PAPERLESS_OCR_API_KEY, or api_key in config.toml")
	}
	if strings.ContainsFunc(c.secret, unicode.IsSpace) {
		return apperr.New(apperr.Config, "API key cannot contain whitespace")
	}
	if c.baseURL == "" {
		return apperr.New(apperr.Config, "API base URL cannot be empty")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return apperr.Wrap(err, apperr.Config, "Invalid API base URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return apperr.Newf(apperr.Config, "API base URL must be an absolute URL: %s", c.baseURL)
	}
	if u.Scheme != "https" {
		return apperr.Newf(apperr.Config, "API base URL must use HTTPS: %s", c.baseURL)
	}

	if !strings.Contains(strings.ToLower(u.Host), "mistral") {
		zap.L().Warn("API base URL does not look like a Mistral endpoint", zap.String("host", u.Host))
	}
	return nil
}

// AuthHeader returns the Authorization header value.
func (c Credentials) AuthHeader() string {
	return "Bearer " + c.secret
}

// Redacted returns the loggable form of the secret.
func (c Credentials) Redacted() string {
	return apperr.RedactSecret(c.secret)
}

// Secret returns the raw secret, for registering with output redaction.
func (c Credentials) Secret() string {
	return c.secret
}

// BaseURL returns the normalized base URL without a trailing slash.
func (c Credentials) BaseURL() string {
	return c.baseURL
}

// Endpoint joins the base URL and an API path with exactly one slash.
func (c Credentials) Endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c Credentials) String() string {
	return "Credentials{key: " + c.Redacted() + ", base_url: " + c.baseURL + "}"
}

// GoString keeps %#v from printing the secret.
func (c Credentials) GoString() string {
	return c.String()
}
