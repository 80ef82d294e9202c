// Package output renders a run outcome for the user, either as plain text or
// as a JSON envelope. Success goes to stdout; human-readable failures go to
// stderr and JSON failures to stdout, so each mode writes to one stream only.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paperless-ocr/internal/apperr"
)

// Result is a successful extraction.
type Result struct {
	ExtractedText    string `json:"extracted_text"`
	FileName         string `json:"file_name"`
	FileSize         int64  `json:"file_size"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

// Outcome is exactly one of a Result or an error.
type Outcome struct {
	Result *Result
	Err    error
}

// Success wraps a result.
func Success(r *Result) Outcome { return Outcome{Result: r} }

// Failure wraps an error.
func Failure(err error) Outcome { return Outcome{Err: err} }

// Validate enforces that exactly one side of the outcome is set.
func (o Outcome) Validate() error {
	if (o.Result == nil) == (o.Err == nil) {
		return apperr.New(apperr.Internal, "Output must have either data (success) or an error (failure), not both")
	}
	return nil
}

type envelope struct {
	Success bool       `json:"success"`
	Data    *dataBody  `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type dataBody struct {
	ExtractedText    string   `json:"extracted_text"`
	FileName         string   `json:"file_name"`
	FileSize         int64    `json:"file_size"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	Confidence       *float64 `json:"confidence"`
}

type errorBody struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Details *string `json:"details"`
}

// Formatter writes outcomes. Secrets are redacted from every string written.
type Formatter struct {
	JSON    bool
	Stdout  io.Writer
	Stderr  io.Writer
	Secrets []string
}

// Render writes the outcome. An invalid outcome is rendered as an internal
// failure and that failure is returned.
func (f *Formatter) Render(o Outcome) error {
	if err := o.Validate(); err != nil {
		if werr := f.renderFailure(err); werr != nil {
			return werr
		}
		return err
	}
	if o.Err != nil {
		return f.renderFailure(o.Err)
	}
	return f.renderSuccess(o.Result)
}

func (f *Formatter) renderSuccess(r *Result) error {
	if f.JSON {
		return f.writeJSON(envelope{
			Success: true,
			Data: &dataBody{
				ExtractedText:    f.redact(r.ExtractedText),
				FileName:         f.redact(r.FileName),
				FileSize:         r.FileSize,
				ProcessingTimeMS: r.ProcessingTimeMS,
			},
		})
	}

	var text string
	if strings.TrimSpace(r.ExtractedText) == "" {
		text = fmt.Sprintf("Warning: No text could be extracted from %s (%d bytes). "+
			"The file may contain only images without text, or the text may not be readable.\n",
			r.FileName, r.FileSize)
	} else {
		text = fmt.Sprintf("Extracted text from %s (%d bytes):\n\n%s\n", r.FileName, r.FileSize, r.ExtractedText)
	}
	_, err := io.WriteString(f.Stdout, f.redact(text))
	return eris.Wrap(err, "output: write result")
}

func (f *Formatter) renderFailure(err error) error {
	if f.JSON {
		body := &errorBody{
			Type:    apperr.CategoryOf(err).Type(),
			Message: f.redact(apperr.UserMessage(err)),
		}
		if d := apperr.Detail(err); d != "" {
			d = f.redact(d)
			body.Details = &d
		}
		return f.writeJSON(envelope{Success: false, Error: body})
	}

	_, werr := io.WriteString(f.Stderr, f.redact("Error: "+apperr.UserMessage(err))+"\n")
	return eris.Wrap(werr, "output: write error")
}

func (f *Formatter) writeJSON(v envelope) error {
	enc := json.NewEncoder(f.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return eris.Wrap(enc.Encode(v), "output: encode json")
}

func (f *Formatter) redact(s string) string {
	return apperr.Redact(s, f.Secrets...)
}
