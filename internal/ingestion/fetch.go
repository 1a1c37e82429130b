// Package ingestion implements the handbook ingestion pipeline.
// It downloads the handbook PDF (once; the file is cached locally),
// extracts page-tagged text, segments the text into overlapping chunks,
// embeds each chunk, and adds the results to the vector store. When a
// persisted index already exists the whole pipeline is skipped, so
// re-running ingestion against an unchanged handbook never re-embeds.
// The pipeline is invoked by the `hbai ingest` command and lazily by
// `hbai chat` / `hbai ask` when no index exists yet.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrSourceUnavailable marks a failed handbook fetch or extraction.
// Ingestion errors are fatal at startup; there is no partial index.
var ErrSourceUnavailable = errors.New("handbook source unavailable")

// defaultUserAgent mimics a browser; some handbook hosts reject generic
// Go HTTP clients.
const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Fetcher downloads the handbook PDF to a local cache path.
type Fetcher struct {
	// client is the HTTP client used for the download.
	client *http.Client

	// userAgent is sent with every request.
	userAgent string
}

// NewFetcher constructs a Fetcher with a bounded request timeout.
// A zero timeout defaults to 60s; handbook PDFs run to hundreds of pages.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}
}

// Fetch downloads url to localPath unless the file already exists, in which
// case the cached copy is used as-is. The download is written to a temp file
// and renamed so a partial download never poses as a valid handbook.
func (f *Fetcher) Fetch(ctx context.Context, url, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		return nil // cached copy wins; delete the file to force a re-download
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ingestion: create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingestion: fetch %s: %w: %v", url, ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingestion: fetch %s: %w: HTTP %d", url, ErrSourceUnavailable, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("ingestion: create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".handbook-*.pdf")
	if err != nil {
		return fmt.Errorf("ingestion: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ingestion: download %s: %w: %v", url, ErrSourceUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ingestion: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("ingestion: publish download: %w", err)
	}
	return nil
}
