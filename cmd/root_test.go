package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliKey = "sk-cli-test-key-123456"

const testConfig = `log_level = "error"

[retry_policy]
max_retries = 1
base_delay_ms = 5
max_delay_ms = 20
jitter_factor = 0.0
`

type server struct {
	uploads atomic.Int32
	ocr     atomic.Int32
	upload  http.HandlerFunc
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	switch r.URL.Path {
	case "/v1/files":
		s.uploads.Add(1)
		if s.upload != nil {
			s.upload(w, r)
			return
		}
		fmt.Fprintf(w, `{"id":"file-1","object":"file","bytes":12,"created_at":%d,"filename":"t.pdf","purpose":"ocr","status":"processed"}`,
			time.Now().Unix())
	case "/v1/ocr":
		s.ocr.Add(1)
		_, _ = w.Write([]byte(`{"pages":[{"index":0,"markdown":"hello","images":[],"dimensions":{"dpi":200,"height":2200,"width":1700}}],` +
			`"model":"mistral-ocr-latest","document_annotation":null,"usage_info":{"pages_processed":1,"doc_size_bytes":12}}`))
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	dir    string
	url    string
	config string
	srv    *server
}

// setup isolates config discovery and points the CLI at a local TLS server.
func setup(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	for _, k := range []string{"API_KEY", "API_BASE_URL", "TIMEOUT", "MAX_FILE_SIZE", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv("PAPERLESS_OCR_"+k, "")
		os.Unsetenv("PAPERLESS_OCR_" + k)
	}

	s := &server{}
	ts := httptest.NewTLSServer(s)
	t.Cleanup(ts.Close)

	apiHTTPClient = ts.Client()
	t.Cleanup(func() { apiHTTPClient = nil })

	cfgPath := filepath.Join(dir, "test.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))

	return &harness{dir: dir, url: ts.URL, config: cfgPath, srv: s}
}

func (h *harness) file(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// args prepends the connection flags shared by most scenarios.
func (h *harness) args(extra ...string) []string {
	return append([]string{"--config", h.config, "--api-key", cliKey, "--api-base-url", h.url}, extra...)
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeEnvelope(t *testing.T, s string) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &got), s)
	return got
}

var pdf = []byte("%PDF-1.4\nabc")

func TestNoArgsPrintsHelp(t *testing.T) {
	code, stdout, stderr := run()
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "paperless-ocr [file]")
	assert.Contains(t, stdout, "--api-key")
	assert.Empty(t, stderr)
}

func TestVersionFlag(t *testing.T) {
	code, stdout, _ := run("--version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "paperless-ocr dev\n", stdout)
}

func TestUnknownFlag(t *testing.T) {
	code, stdout, stderr := run("--bogus")
	assert.Equal(t, 2, code)
	assert.Empty(t, stdout)
	assert.True(t, strings.HasPrefix(stderr, "Error: Validation error: unknown flag: --bogus"), stderr)
}

func TestUnknownFlag_JSON(t *testing.T) {
	code, stdout, stderr := run("--json", "--bogus")
	assert.Equal(t, 2, code)
	assert.Empty(t, stderr)

	got := decodeEnvelope(t, stdout)
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "validation", got["error"].(map[string]any)["type"])
}

func TestCompletions(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell", "BASH"} {
		t.Run(shell, func(t *testing.T) {
			code, stdout, _ := run("--completions", shell)
			assert.Equal(t, 0, code)
			assert.Contains(t, stdout, "paperless-ocr")
		})
	}
}

func TestCompletions_UnsupportedShell(t *testing.T) {
	code, stdout, stderr := run("--completions", "tcsh")
	assert.Equal(t, 4, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Unsupported shell: tcsh. Supported shells: bash, zsh, fish, powershell")
}

func TestMissingFileArgument(t *testing.T) {
	h := setup(t)
	code, _, stderr := run(h.args("--json=false")...)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "File path is required for OCR processing")
	assert.Zero(t, h.srv.uploads.Load())
}

func TestConflictingFileArguments(t *testing.T) {
	h := setup(t)
	a := h.file(t, "a.pdf", pdf)
	b := h.file(t, "b.pdf", pdf)

	code, _, _ := run(h.args("--file", a, b)...)
	assert.Equal(t, 2, code)
	assert.Zero(t, h.srv.uploads.Load())
}

func TestTooManyArguments(t *testing.T) {
	code, _, stderr := run("a.pdf", "b.pdf")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Expected at most one file argument, got 2")
}

func TestHappyPath_Human(t *testing.T) {
	h := setup(t)
	path := h.file(t, "t.pdf", pdf)

	code, stdout, stderr := run(h.args(path)...)
	assert.Equal(t, 0, code)
	assert.Equal(t, "Extracted text from t.pdf (12 bytes):\n\nhello\n", stdout)
	assert.Empty(t, stderr)
	assert.Equal(t, int32(1), h.srv.uploads.Load())
	assert.Equal(t, int32(1), h.srv.ocr.Load())
}

func TestHappyPath_JSONWithFileFlag(t *testing.T) {
	h := setup(t)
	path := h.file(t, "t.pdf", pdf)

	code, stdout, stderr := run(h.args("--json", "-f", path)...)
	assert.Equal(t, 0, code)
	assert.Empty(t, stderr)

	got := decodeEnvelope(t, stdout)
	assert.Equal(t, true, got["success"])
	assert.NotContains(t, got, "error")
	data := got["data"].(map[string]any)
	assert.Equal(t, "hello", data["extracted_text"])
	assert.Equal(t, "t.pdf", data["file_name"])
	assert.InDelta(t, 12, data["file_size"], 0)
	assert.Nil(t, data["confidence"])
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	h := setup(t)
	path := h.file(t, "t.pdf", pdf)
	t.Setenv("PAPERLESS_OCR_API_KEY", cliKey)

	code, _, _ := run("--config", h.config, "--api-base-url", h.url, path)
	assert.Equal(t, 0, code)
}

func TestUnsupportedFile(t *testing.T) {
	h := setup(t)
	path := h.file(t, "notes.txt", []byte("just text"))

	code, stdout, stderr := run(h.args(path)...)
	assert.Equal(t, 2, code)
	assert.Empty(t, stdout)
	assert.Equal(t, "Error: Validation error: Unsupported file format: .txt. Supported formats: pdf, png, jpg, jpeg\n", stderr)
	assert.Zero(t, h.srv.uploads.Load())
}

func TestMissingFile(t *testing.T) {
	h := setup(t)
	code, _, _ := run(h.args(filepath.Join(h.dir, "absent.pdf"))...)
	assert.Equal(t, 3, code)
}

func TestMissingAPIKey_JSON(t *testing.T) {
	h := setup(t)
	path := h.file(t, "t.pdf", pdf)

	code, stdout, stderr := run("--config", h.config, "--api-base-url", h.url, "--json", path)
	assert.Equal(t, 4, code)
	assert.Empty(t, stderr)

	got := decodeEnvelope(t, stdout)
	body := got["error"].(map[string]any)
	assert.Equal(t, "api", body["type"])
	assert.Contains(t, body["message"], "API key is required")
	assert.Zero(t, h.srv.uploads.Load())
}

func TestEmptyAPIKeyFlag(t *testing.T) {
	h := setup(t)
	path := h.file(t, "t.pdf", pdf)

	code, _, stderr := run("--config", h.config, "--api-key", "", path)
	assert.Equal(t, 4, code)
	assert.Contains(t, stderr, "API key cannot be empty")
}

func TestHTTPBaseURLRejected(t *testing.T) {
	h := setup(t)
	path := h.file(t, "t.pdf", pdf)

	code, _, stderr := run("--config", h.config, "--api-key", cliKey, "--api-base-url", "http://api.mistral.ai", path)
	assert.Equal(t, 4, code)
	assert.Contains(t, stderr, "HTTPS")
}

func TestRateLimitExhausted_JSON(t *testing.T) {
	h := setup(t)
	h.srv.upload = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}
	path := h.file(t, "t.pdf", pdf)

	code, stdout, _ := run(h.args("--json", path)...)
	assert.Equal(t, 5, code)
	assert.Equal(t, int32(2), h.srv.uploads.Load())
	assert.Zero(t, h.srv.ocr.Load())

	body := decodeEnvelope(t, stdout)["error"].(map[string]any)
	assert.Equal(t, "network", body["type"])
	assert.Contains(t, body["message"], "Rate limited (429): slow down")
}

func TestServerEchoedKeyIsRedacted(t *testing.T) {
	h := setup(t)
	h.srv.upload = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key ` + cliKey + `"}`))
	}
	path := h.file(t, "t.pdf", pdf)

	for _, extra := range [][]string{{path}, {"--json", "--verbose", path}} {
		code, stdout, stderr := run(h.args(extra...)...)
		assert.Equal(t, 5, code)
		assert.NotContains(t, stdout+stderr, cliKey)
		assert.Contains(t, stdout+stderr, "sk-***")
	}
}

func TestOutputStreamsAreExclusive(t *testing.T) {
	h := setup(t)
	good := h.file(t, "t.pdf", pdf)
	bad := h.file(t, "notes.txt", []byte("x"))

	tests := []struct {
		name       string
		args       []string
		wantStdout bool
		wantStderr bool
	}{
		{"human success", h.args(good), true, false},
		{"human failure", h.args(bad), false, true},
		{"json success", h.args("--json", good), true, false},
		{"json failure", h.args("--json", bad), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := run(tt.args...)
			assert.Equal(t, tt.wantStdout, stdout != "", stdout)
			assert.Equal(t, tt.wantStderr, stderr != "", stderr)
			if strings.HasPrefix(tt.name, "json") {
				got := decodeEnvelope(t, stdout)
				_, hasData := got["data"]
				_, hasErr := got["error"]
				assert.NotEqual(t, hasData, hasErr)
				assert.Equal(t, code == 0, got["success"])
			}
		})
	}
}
