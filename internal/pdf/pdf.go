// Package pdf provides the small amount of PDF surgery the extractor needs:
// page counting, splitting a document into single-page PDFs for vision
// extraction, and plain-text extraction for the text fallback.
package pdf

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount returns the number of pages in the document
func PageCount(data []byte) (int, error) {
	count, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return count, nil
}

// SplitPages returns one single-page PDF per page of the document
func SplitPages(data []byte) ([][]byte, error) {
	count, err := PageCount(data)
	if err != nil {
		return nil, err
	}

	pages := make([][]byte, 0, count)
	for i := 1; i <= count; i++ {
		var buf bytes.Buffer
		if err := api.Trim(bytes.NewReader(data), &buf, []string{strconv.Itoa(i)}, nil); err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}

// ExtractText returns the document's plain text content
func ExtractText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	textReader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, textReader); err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return buf.String(), nil
}
