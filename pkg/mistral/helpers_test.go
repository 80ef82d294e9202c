package mistral

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/resilience"
)

const testSecret = "sk-test-secret-123456"

// fastRetry retries up to three times with millisecond delays and no jitter.
func fastRetry() resilience.RetryConfig {
	return resilience.FromPolicy(3, 5, 50, true, 0)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	creds, err := NewCredentials(testSecret, srv.URL)
	require.NoError(t, err)

	base := []Option{
		WithHTTPClient(srv.Client()),
		WithRetry(fastRetry()),
		WithLogger(zap.NewNop()),
	}
	return srv, NewClient(creds, append(base, opts...)...)
}

// memUpload is an in-memory Upload that counts how often it is read.
type memUpload struct {
	name  string
	mime  string
	data  []byte
	mu    sync.Mutex
	reads int
	opens int
}

func (m *memUpload) Name() string     { return m.name }
func (m *memUpload) MIMEType() string { return m.mime }
func (m *memUpload) Size() int64      { return int64(len(m.data)) }

func (m *memUpload) ReadAll() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return bytes.Clone(m.data), nil
}

func (m *memUpload) OpenStream() (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	return io.NopCloser(bytes.NewReader(m.data)), int64(len(m.data)), nil
}

// fakeRecorder captures transport events.
type fakeRecorder struct {
	mu        sync.Mutex
	attempts  map[string]int
	delays    []time.Duration
	statuses  []int
	transport int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{attempts: map[string]int{}}
}

func (r *fakeRecorder) RecordAttempt(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[op]++
}

func (r *fakeRecorder) RecordRetry(_ string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
}

func (r *fakeRecorder) RecordResponse(_ string, status int, _ time.Duration, _, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *fakeRecorder) RecordTransportError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport++
}

func receiptJSON(id, filename string, size int64, now time.Time) string {
	return fmt.Sprintf(`{"id":%q,"object":"file","bytes":%d,"created_at":%d,"filename":%q,"purpose":"ocr"}`,
		id, size, now.Unix(), filename)
}

const onePageOCR = `{
  "pages": [{"index": 0, "markdown": "hello", "images": [], "dimensions": {"dpi": 200, "height": 2200, "width": 1700}}],
  "model": "mistral-ocr-2505",
  "document_annotation": null,
  "usage_info": {"pages_processed": 1, "doc_size_bytes": 12}
}`
