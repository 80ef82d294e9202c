package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/apperr"
)

// StreamingThreshold is the file size above which the upload body is streamed
// from disk on every attempt instead of being built once in memory.
const StreamingThreshold int64 = 50 << 20

// PurposeOCR is the purpose sent with every upload.
const PurposeOCR = "ocr"

// largeUpload is the receipt size above which a warning is logged.
const largeUpload = 1 << 30

// maxClockSkew is how far in the future a receipt timestamp may be.
const maxClockSkew = time.Hour

// Upload statuses reported by the Files API.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusError      = "error"
)

var (
	validStatuses = []string{StatusUploaded, StatusProcessing, StatusProcessed, StatusError}
	fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	quoteEscaper  = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// Upload is a local file that can be sent to the Files API. Each OpenStream
// call must return an independent reader positioned at the start.
type Upload interface {
	Name() string
	MIMEType() string
	Size() int64
	ReadAll() ([]byte, error)
	OpenStream() (io.ReadCloser, int64, error)
}

// UploadReceipt is the Files API response for an uploaded file.
type UploadReceipt struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	Bytes     int64   `json:"bytes"`
	CreatedAt int64   `json:"created_at"`
	Filename  string  `json:"filename"`
	Purpose   string  `json:"purpose"`
	Status    *string `json:"status,omitempty"`
}

// Validate checks the receipt invariants against the given time. Violations
// are apperr.API errors.
func (r *UploadReceipt) Validate(now time.Time) error {
	switch {
	case r.ID == "":
		return apperr.New(apperr.API, "File ID cannot be empty")
	case !fileIDPattern.MatchString(r.ID):
		return apperr.Newf(apperr.API, "Invalid file ID format: %q contains invalid characters", r.ID)
	case r.Object != "file":
		return apperr.Newf(apperr.API, "Object must be 'file', got %q", r.Object)
	case r.Bytes <= 0:
		return apperr.New(apperr.API, "File size must be positive")
	case r.CreatedAt <= 0:
		return apperr.New(apperr.API, "Created timestamp must be positive")
	case r.CreatedAt > now.Add(maxClockSkew).Unix():
		return apperr.Newf(apperr.API, "Created timestamp is too far in the future: %d", r.CreatedAt)
	case r.Filename == "":
		return apperr.New(apperr.API, "Filename cannot be empty")
	case strings.ContainsAny(r.Filename, `/\`):
		return apperr.Newf(apperr.API, "Filename cannot contain path separators: %q", r.Filename)
	case r.Purpose != PurposeOCR:
		return apperr.Newf(apperr.API, "Purpose must be 'ocr', got %q", r.Purpose)
	case r.Status != nil && !slices.Contains(validStatuses, *r.Status):
		return apperr.Newf(apperr.API, "Invalid status %q, must be one of: %s", *r.Status, strings.Join(validStatuses, ", "))
	}
	return nil
}

// UploadFile sends f to POST /v1/files and returns the validated receipt.
// A receipt reporting status "error" fails the upload.
func (c *Client) UploadFile(ctx context.Context, f Upload) (*UploadReceipt, error) {
	framing, err := newMultipartFraming(f.Name(), f.MIMEType())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "Failed to build upload body")
	}

	var produce RequestProducer
	if f.Size() > c.streamThreshold {
		c.log.Debug("streaming upload from disk",
			zap.String("file", f.Name()),
			zap.String("size", humanize.IBytes(uint64(f.Size()))),
		)
		produce = c.streamingProducer(f, framing)
	} else {
		data, err := f.ReadAll()
		if err != nil {
			return nil, err
		}
		body := framing.wrap(data)
		produce = func(ctx context.Context) (*http.Request, error) {
			return c.newUploadRequest(ctx, framing, bytes.NewReader(body), int64(len(body)))
		}
	}

	resp, err := c.Do(ctx, OpUpload, produce)
	if err != nil {
		return nil, err
	}

	var receipt UploadReceipt
	if err := json.Unmarshal(resp.Body, &receipt); err != nil {
		return nil, apperr.Wrap(eris.Wrap(err, "mistral: decode upload receipt"), apperr.API, "Failed to parse upload response")
	}
	if err := receipt.Validate(c.now()); err != nil {
		return nil, err
	}

	if receipt.Bytes > largeUpload {
		c.log.Warn("very large file uploaded", zap.Int64("bytes", receipt.Bytes))
	}
	if receipt.Status != nil {
		switch *receipt.Status {
		case StatusError:
			return nil, apperr.Newf(apperr.API, "File upload reported status 'error' for file %s", receipt.ID)
		case StatusProcessing:
			c.log.Info("file is being processed", zap.String("file_id", receipt.ID))
		case StatusProcessed:
			c.log.Debug("file processing completed", zap.String("file_id", receipt.ID))
		}
	}

	c.log.Debug("file uploaded",
		zap.String("file_id", receipt.ID),
		zap.String("size", humanize.IBytes(uint64(receipt.Bytes))),
	)
	return &receipt, nil
}

// streamingProducer reopens the file on every attempt and sends
// prefix, file contents, and suffix with an exact Content-Length.
func (c *Client) streamingProducer(f Upload, framing *multipartFraming) RequestProducer {
	return func(ctx context.Context) (*http.Request, error) {
		rc, size, err := f.OpenStream()
		if err != nil {
			return nil, err
		}
		body := struct {
			io.Reader
			io.Closer
		}{
			Reader: io.MultiReader(bytes.NewReader(framing.prefix), rc, bytes.NewReader(framing.suffix)),
			Closer: rc,
		}
		req, err := c.newUploadRequest(ctx, framing, body, framing.length(size))
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		return req, nil
	}
}

func (c *Client) newUploadRequest(ctx context.Context, framing *multipartFraming, body io.Reader, length int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.Endpoint("/v1/files"), body)
	if err != nil {
		return nil, apperr.Wrap(eris.Wrap(err, "mistral: create upload request"), apperr.Internal, "Failed to build upload request")
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", framing.contentType)
	return req, nil
}

// multipartFraming holds the bytes surrounding the file contents in a
// multipart/form-data body. The boundary is fixed per upload so every
// attempt sends an identical body.
type multipartFraming struct {
	prefix      []byte
	suffix      []byte
	contentType string
}

func newMultipartFraming(filename, mimeType string) (*multipartFraming, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", mimeType)
	if _, err := w.CreatePart(h); err != nil {
		return nil, eris.Wrap(err, "mistral: create file part")
	}
	prefix := bytes.Clone(buf.Bytes())
	buf.Reset()

	if err := w.WriteField("purpose", PurposeOCR); err != nil {
		return nil, eris.Wrap(err, "mistral: write purpose field")
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "mistral: close multipart writer")
	}

	return &multipartFraming{
		prefix:      prefix,
		suffix:      bytes.Clone(buf.Bytes()),
		contentType: w.FormDataContentType(),
	}, nil
}

func (m *multipartFraming) wrap(data []byte) []byte {
	body := make([]byte, 0, m.length(int64(len(data))))
	body = append(body, m.prefix...)
	body = append(body, data...)
	return append(body, m.suffix...)
}

func (m *multipartFraming) length(size int64) int64 {
	return int64(len(m.prefix)) + size + int64(len(m.suffix))
}
