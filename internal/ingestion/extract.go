package ingestion

import (
	"errors"
	"fmt"
	"time"

	"github.com/dslipak/pdf"
)

// Page is the raw text of a single handbook page as produced by extraction.
// Page numbers are 1-based and preserved even when intervening pages are
// empty, so citations always match the printed handbook.
type Page struct {
	// Number is the 1-based page number.
	Number int

	// Text is the extracted plain text of the page.
	Text string
}

// pageExtractTimeout bounds text extraction of a single page. Malformed
// content streams can hang the decoder indefinitely.
const pageExtractTimeout = 10 * time.Second

// ExtractPages reads the PDF at path and returns one Page per non-empty
// page, in page order. A PDF that yields no text at all is treated as a
// source failure.
func ExtractPages(path string) ([]Page, error) {
	reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: open %s: %w: %v", path, ErrSourceUnavailable, err)
	}

	var pages []Page
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := extractPageText(page)
		if err != nil {
			// One unreadable page does not sink the handbook; the page is
			// skipped and its number never reappears on another page.
			continue
		}
		if text == "" {
			continue
		}

		pages = append(pages, Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("ingestion: %s contains no extractable text: %w", path, ErrSourceUnavailable)
	}
	return pages, nil
}

// extractPageText extracts plain text from one page under a timeout.
func extractPageText(page pdf.Page) (string, error) {
	type result struct {
		text string
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		text, err := page.GetPlainText(nil)
		resCh <- result{text, err}
	}()

	select {
	case r := <-resCh:
		return r.text, r.err
	case <-time.After(pageExtractTimeout):
		return "", errors.New("page extraction timed out")
	}
}
