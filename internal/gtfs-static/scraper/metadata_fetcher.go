package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/pkg/gtfs-static/models"
)

const httpTimeout = 30 * time.Second

// HTTPMetadataFetcher reads archive validators with a HEAD request.
type HTTPMetadataFetcher struct {
	client *http.Client
	logger logger.Logger
}

func NewHTTPMetadataFetcher(logger logger.Logger) *HTTPMetadataFetcher {
	return &HTTPMetadataFetcher{
		client: &http.Client{
			Timeout: httpTimeout,
		},
		logger: logger,
	}
}

func (f *HTTPMetadataFetcher) FetchMetadata(ctx context.Context, url string) (*models.ArchiveMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	f.logger.Debug("Fetching archive metadata", "url", url)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("Failed to execute request", "url", url, "error", err)
		return nil, fmt.Errorf("executing request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Error("Archive server returned error status",
			"status_code", resp.StatusCode,
			"url", url)
		return nil, fmt.Errorf("HEAD %s returned status %d", url, resp.StatusCode)
	}

	meta := &models.ArchiveMetadata{
		URL:           url,
		ETag:          strings.TrimSpace(resp.Header.Get("ETag")),
		ContentLength: resp.ContentLength,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = &t
		} else {
			f.logger.Warn("Unparseable Last-Modified header", "url", url, "value", lm)
		}
	}

	f.logger.Info("Metadata fetched successfully",
		"url", url,
		"etag", meta.ETag,
		"last_modified", meta.LastModified,
		"size_bytes", meta.ContentLength)

	return meta, nil
}
