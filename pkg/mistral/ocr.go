package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/apperr"
)

// OCRModel is the model requested for every OCR call.
const OCRModel = "mistral-ocr-latest"

const (
	minDPI = 50
	maxDPI = 600
)

// OCRRequest is the body for POST /v1/ocr.
type OCRRequest struct {
	Model    string        `json:"model"`
	Document DocumentChunk `json:"document"`
}

// DocumentChunk references a previously uploaded file.
type DocumentChunk struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

// OCRResponse is the response from POST /v1/ocr.
type OCRResponse struct {
	Pages              []Page    `json:"pages"`
	Model              string    `json:"model"`
	DocumentAnnotation *string   `json:"document_annotation"`
	UsageInfo          UsageInfo `json:"usage_info"`
}

// Page is a single OCR'd page.
type Page struct {
	Index      int               `json:"index"`
	Markdown   string            `json:"markdown"`
	Images     []json.RawMessage `json:"images"`
	Dimensions Dimensions        `json:"dimensions"`
}

// Dimensions of a rendered page.
type Dimensions struct {
	DPI    int `json:"dpi"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// UsageInfo reports what the service billed for.
type UsageInfo struct {
	PagesProcessed int   `json:"pages_processed"`
	DocSizeBytes   int64 `json:"doc_size_bytes"`
}

// Validate checks the response invariants. Violations are apperr.API errors.
func (r *OCRResponse) Validate() error {
	if r.Model == "" {
		return apperr.New(apperr.API, "Response model cannot be empty")
	}
	if !strings.HasPrefix(r.Model, "mistral-") {
		return apperr.Newf(apperr.API, "Invalid model name format: expected 'mistral-*', got %q", r.Model)
	}
	if len(r.Pages) == 0 {
		return apperr.New(apperr.API, "Response must contain at least one page")
	}
	for i, p := range r.Pages {
		if p.Index != i {
			return apperr.Newf(apperr.API, "Page index mismatch: expected %d, got %d", i, p.Index)
		}
		if p.Dimensions.Width <= 0 || p.Dimensions.Height <= 0 {
			return apperr.Newf(apperr.API, "Invalid page dimensions: width=%d, height=%d", p.Dimensions.Width, p.Dimensions.Height)
		}
	}
	if r.UsageInfo.PagesProcessed != len(r.Pages) {
		return apperr.Newf(apperr.API, "Usage info pages_processed (%d) doesn't match actual pages (%d)", r.UsageInfo.PagesProcessed, len(r.Pages))
	}
	if r.UsageInfo.DocSizeBytes <= 0 {
		return apperr.Newf(apperr.API, "Invalid document size in usage info: %d bytes", r.UsageInfo.DocSizeBytes)
	}
	return nil
}

// Warnings lists suspicious but acceptable page properties.
func (r *OCRResponse) Warnings() []string {
	var out []string
	for _, p := range r.Pages {
		if p.Markdown == "" {
			out = append(out, fmt.Sprintf("page %d has empty markdown content", p.Index))
		}
		if p.Dimensions.DPI < minDPI || p.Dimensions.DPI > maxDPI {
			out = append(out, fmt.Sprintf("page %d has unusual DPI value %d", p.Index, p.Dimensions.DPI))
		}
	}
	return out
}

// Text concatenates page markdown in page order, separated by a blank line.
func (r *OCRResponse) Text() string {
	parts := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		parts[i] = p.Markdown
	}
	return strings.Join(parts, "\n\n")
}

// ProcessOCR runs OCR on a previously uploaded file.
func (c *Client) ProcessOCR(ctx context.Context, fileID string) (*OCRResponse, error) {
	if fileID == "" {
		return nil, apperr.New(apperr.Internal, "OCR requested without a file ID")
	}

	body, err := json.Marshal(OCRRequest{
		Model:    OCRModel,
		Document: DocumentChunk{Type: "file", FileID: fileID},
	})
	if err != nil {
		return nil, apperr.Wrap(eris.Wrap(err, "mistral: marshal ocr request"), apperr.Internal, "Failed to build OCR request")
	}

	resp, err := c.Do(ctx, OpOCR, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.Endpoint("/v1/ocr"), bytes.NewReader(body))
		if err != nil {
			return nil, apperr.Wrap(eris.Wrap(err, "mistral: create ocr request"), apperr.Internal, "Failed to build OCR request")
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var out OCRResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, apperr.Wrap(eris.Wrap(err, "mistral: decode ocr response"), apperr.API, "Failed to parse OCR response")
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	for _, w := range out.Warnings() {
		c.log.Warn("ocr response: " + w)
	}

	c.log.Debug("ocr completed",
		zap.String("file_id", fileID),
		zap.String("model", out.Model),
		zap.Int("pages", len(out.Pages)),
	)
	return &out, nil
}
