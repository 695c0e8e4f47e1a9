package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtatracker-data/internal/common/config"
	"github.com/mtatracker-data/internal/common/logger"
)

const UserAgent = "mtatracker-data/1.0"

// ErrNotModified is returned when the server answers 304 to a conditional
// request. The poll cycle is skipped, not failed.
var ErrNotModified = errors.New("feed not modified")

// TransportError reports a fetch that failed after retries. StatusCode is
// zero for network-level failures.
type TransportError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching feed %s: HTTP %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetching feed %s: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Endpoint is where and how a feed is fetched.
type Endpoint struct {
	Name         string
	URL          string
	APIKey       string
	APIKeyHeader string
}

// EndpointFromConfig maps a configured feed onto its endpoint.
func EndpointFromConfig(f config.FeedConfig) Endpoint {
	return Endpoint{
		Name:         f.Name,
		URL:          f.URL,
		APIKey:       f.APIKey,
		APIKeyHeader: f.APIKeyHeader,
	}
}

type FeedResult struct {
	Endpoint  Endpoint
	Payload   []byte
	ETag      string
	FetchedAt time.Time
}

type Options struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	// MaxBodyBytes caps the payload read from the server.
	MaxBodyBytes int64
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:     2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBodyBytes:   32 << 20,
	}
}

type Consumer struct {
	httpClient *http.Client
	logger     logger.Logger
	opts       Options
	cache      *feedCache
}

// feedCache remembers the last ETag served for each feed.
type feedCache struct {
	data map[string]string
	mu   sync.RWMutex
}

func NewConsumer(log logger.Logger, opts Options) *Consumer {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultOptions().InitialBackoff
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultOptions().MaxBodyBytes
	}

	return &Consumer{
		httpClient: client,
		logger:     log,
		opts:       opts,
		cache:      &feedCache{data: make(map[string]string)},
	}
}

// Fetch downloads the current payload of ep. The deadline of ctx bounds the
// whole call including retries. Network errors, 5xx and 429 responses are
// retried; other statuses fail at once.
func (c *Consumer) Fetch(ctx context.Context, ep Endpoint) (*FeedResult, error) {
	attempt := func() (*FeedResult, error) {
		result, err := c.fetchOnce(ctx, ep)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrNotModified) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		var terr *TransportError
		if errors.As(err, &terr) && !retryableStatus(terr.StatusCode) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff

	result, err := backoff.RetryNotifyWithData(attempt,
		backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx),
		func(err error, d time.Duration) {
			c.logger.Debug("Retrying feed fetch", "endpoint", ep.Name, "backoff_ms", d.Milliseconds(), "error", err)
		})
	if err != nil {
		if errors.Is(err, ErrNotModified) {
			return nil, err
		}
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TransportError{Source: ep.Name, Err: err}
		}
		return nil, err
	}
	return result, nil
}

func (c *Consumer) fetchOnce(ctx context.Context, ep Endpoint) (*FeedResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, &TransportError{Source: ep.Name, Err: fmt.Errorf("creating request: %w", err)}
	}

	if ep.APIKey != "" {
		header := ep.APIKeyHeader
		if header == "" {
			header = config.DefaultAPIKeyHeader
		}
		req.Header.Set(header, ep.APIKey)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/x-protobuf")
	if etag := c.cache.get(ep.Name); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Source: ep.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.logger.Debug("Feed not modified", "endpoint", ep.Name)
		return nil, ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{
			Source:     ep.Name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		return nil, &TransportError{Source: ep.Name, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}

	etag := resp.Header.Get("ETag")
	c.cache.set(ep.Name, etag)

	c.logger.Debug("Fetched feed", "endpoint", ep.Name, "bytes", len(body))
	return &FeedResult{
		Endpoint:  ep,
		Payload:   body,
		ETag:      etag,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Invalidate forgets the ETag of a feed so the next fetch is unconditional.
// Used when a fetched payload could not be processed.
func (c *Consumer) Invalidate(name string) {
	c.cache.set(name, "")
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

func (fc *feedCache) get(key string) string {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.data[key]
}

func (fc *feedCache) set(key, etag string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if etag == "" {
		delete(fc.data, key)
		return
	}
	fc.data[key] = etag
}
