package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtatracker-data/internal/common/logger"
)

// StatusError is a non-200 answer from the archive server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned status %d", e.URL, e.StatusCode)
}

type HTTPDownloader struct {
	client     *http.Client
	logger     logger.Logger
	maxRetries uint64
	backoff    time.Duration
}

func NewHTTPDownloader(logger logger.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger:     logger,
		maxRetries: 3,
		backoff:    2 * time.Second,
	}
}

// Download writes url to destPath through a temp file in the same
// directory, so destPath only ever holds a complete archive. Network errors
// and 5xx answers are retried.
func (d *HTTPDownloader) Download(ctx context.Context, url string, destPath string) error {
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	d.logger.Info("Starting download", "url", url, "dest", destPath)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoff

	written, err := backoff.RetryNotifyWithData(
		func() (int64, error) { return d.attempt(ctx, url, destPath) },
		backoff.WithContext(backoff.WithMaxRetries(b, d.maxRetries), ctx),
		func(err error, wait time.Duration) {
			d.logger.Warn("Retrying download", "url", url, "wait", wait, "error", err)
		})
	if err != nil {
		return fmt.Errorf("downloading file: %w", err)
	}

	d.logger.Info("Download completed",
		"url", url,
		"dest", destPath,
		"size_bytes", written)

	return nil
}

func (d *HTTPDownloader) attempt(ctx context.Context, url, destPath string) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(destPath), "gtfs_download_*.tmp")
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("creating temp file: %w", err))
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tempFile.Close()
		return 0, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		tempFile.Close()
		return 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tempFile.Close()
		serr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 500 {
			return 0, serr
		}
		return 0, backoff.Permanent(serr)
	}

	written, err := io.CopyBuffer(tempFile, &progressReader{r: resp.Body, total: resp.ContentLength, logger: d.logger, last: time.Now()}, make([]byte, 32*1024))
	closeErr := tempFile.Close()
	if err != nil {
		return written, err
	}
	if closeErr != nil {
		return written, backoff.Permanent(closeErr)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return written, backoff.Permanent(fmt.Errorf("moving file to destination: %w", err))
	}
	return written, nil
}

// progressReader logs download progress every few seconds.
type progressReader struct {
	r       io.Reader
	total   int64
	written int64
	logger  logger.Logger
	last    time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.written += int64(n)
	if p.total > 0 && time.Since(p.last) > 5*time.Second {
		p.logger.Debug("Download progress",
			"progress_percent", fmt.Sprintf("%.1f", float64(p.written)/float64(p.total)*100),
			"bytes_downloaded", p.written,
			"total_bytes", p.total)
		p.last = time.Now()
	}
	return n, err
}
