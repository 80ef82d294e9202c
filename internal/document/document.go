// Package document opens and classifies the local file handed to the OCR
// pipeline: extension and magic-byte checks, the PDF encryption probe, and
// readers for the upload body.
package document

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/sells-group/paperless-ocr/internal/apperr"
)

// Supported MIME types.
const (
	MIMEPDF  = "application/pdf"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

// probeSize is how much of a PDF is scanned for encryption markers.
const probeSize = 8 * 1024

var extensions = map[string]string{
	"pdf":  MIMEPDF,
	"png":  MIMEPNG,
	"jpg":  MIMEJPEG,
	"jpeg": MIMEJPEG,
}

var (
	magicPDF  = []byte("%PDF")
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47}
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
)

// encryptionMarkers indicate an encryption dictionary or its owner/user
// password entries.
var encryptionMarkers = [][]byte{
	[]byte("/Encrypt"),
	[]byte("/Filter/Standard"),
	[]byte("/Filter /Standard"),
	[]byte("/O ("),
	[]byte("/O <"),
	[]byte("/U ("),
	[]byte("/U <"),
}

func init() {
	// pdfcpu would otherwise create a configuration directory on first use.
	api.DisableConfigDir()
}

// Source is a validated local document. It holds no open handles.
type Source struct {
	path string
	name string
	size int64
	mime string
}

// Open validates the file at path and classifies it.
func Open(path string) (*Source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperr.New(apperr.Validation, "File path cannot be empty")
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(err, apperr.FileIO, "File not found: "+path)
		}
		return nil, apperr.Wrap(err, apperr.FileIO, "Cannot access file: "+path)
	}
	if !fi.Mode().IsRegular() {
		return nil, apperr.New(apperr.FileIO, "Path is not a regular file: "+path)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return nil, apperr.New(apperr.Validation, "File has no extension. Supported formats: pdf, png, jpg, jpeg")
	}
	mime, ok := extensions[ext]
	if !ok {
		return nil, apperr.Newf(apperr.Validation, "Unsupported file format: .%s. Supported formats: pdf, png, jpg, jpeg", ext)
	}

	head, err := readHead(path, probeSize)
	if err != nil {
		return nil, err
	}
	if len(head) < 4 {
		return nil, apperr.New(apperr.Validation, "File too small to determine format")
	}

	if detected := sniff(head); detected != mime {
		if detected == "" {
			return nil, apperr.Newf(apperr.Validation, "File does not appear to be a valid PDF, PNG, or JPEG file: %s", path)
		}
		return nil, apperr.Newf(apperr.Validation, "File content (%s) does not match its .%s extension", detected, ext)
	}

	if mime == MIMEPDF && isEncrypted(head) {
		return nil, apperr.New(apperr.Validation, "Password-protected PDF detected. Please provide an unprotected PDF file.")
	}

	return &Source{
		path: path,
		name: filepath.Base(path),
		size: fi.Size(),
		mime: mime,
	}, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.FileIO, "Cannot read file: "+path)
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, apperr.Wrap(err, apperr.FileIO, "Cannot read file: "+path)
	}
	return buf[:read], nil
}

// sniff returns the MIME type implied by the leading bytes, or "".
func sniff(head []byte) string {
	switch {
	case bytes.HasPrefix(head, magicPDF):
		return MIMEPDF
	case bytes.HasPrefix(head, magicPNG):
		return MIMEPNG
	case bytes.HasPrefix(head, magicJPEG):
		return MIMEJPEG
	default:
		return ""
	}
}

func isEncrypted(head []byte) bool {
	for _, m := range encryptionMarkers {
		if bytes.Contains(head, m) {
			return true
		}
	}
	return false
}

// Path returns the path the source was opened with.
func (s *Source) Path() string { return s.path }

// Name returns the base file name.
func (s *Source) Name() string { return s.name }

// Size returns the file size in bytes at open time.
func (s *Source) Size() int64 { return s.size }

// MIMEType returns the detected MIME type.
func (s *Source) MIMEType() string { return s.mime }

// IsPDF reports whether the source is a PDF document.
func (s *Source) IsPDF() bool { return s.mime == MIMEPDF }

// ReadAll reads the whole file into memory.
func (s *Source) ReadAll() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.FileIO, "Cannot read file: "+s.path)
	}
	return data, nil
}

// OpenStream opens a fresh reader over the file. Each call returns an
// independent reader positioned at the start; the caller closes it.
func (s *Source) OpenStream() (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, 0, apperr.Wrap(err, apperr.FileIO, "Cannot read file: "+s.path)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, apperr.Wrap(err, apperr.FileIO, "Cannot read file: "+s.path)
	}
	if fi.Size() != s.size {
		_ = f.Close()
		return nil, 0, apperr.Newf(apperr.FileIO, "File changed size during processing: %s", s.path)
	}
	return f, fi.Size(), nil
}

// PageCount returns the number of pages of a PDF source.
func (s *Source) PageCount() (int, error) {
	if !s.IsPDF() {
		return 1, nil
	}
	n, err := api.PageCountFile(s.path)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Validation, "Cannot read PDF structure")
	}
	return n, nil
}
