// Package fetch retrieves federation metadata documents.
//
// HTTPFetcher reads every feed of a source descriptor over HTTP(S) or from
// file:// URLs, and merges filtered or multiple feeds into one aggregate.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"metexplorer.io/met/internal/metadata"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/pkg/retry"
)

// Fetcher retrieves the raw metadata bytes for a source descriptor. name
// labels the merged document when several feeds are combined.
type Fetcher interface {
	Fetch(ctx context.Context, name, descriptor string) ([]byte, error)
}

// ErrTooLarge is returned when a feed exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("metadata document exceeds size limit")

// Config holds configuration for the HTTP fetcher.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	RateLimit    rate.Limit
	RateBurst    int
	MaxBytes     int64
	UserAgent    string
	MaxRedirects int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      2 * time.Minute,
		MaxRetries:   2,
		RetryBackoff: 2 * time.Second,
		RateLimit:    rate.Limit(2),
		RateBurst:    1,
		MaxBytes:     512 << 20,
		UserAgent:    "met-refresh/1.0",
		MaxRedirects: 5,
	}
}

// HTTPFetcher is the default Fetcher.
type HTTPFetcher struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. A nil client gets a dedicated transport.
func NewHTTPFetcher(cfg Config, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	return &HTTPFetcher{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Fetch retrieves every feed of descriptor. A single unfiltered feed is
// returned byte-for-byte so change detection sees the publisher's bytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, name, descriptor string) ([]byte, error) {
	feeds, err := ParseSource(descriptor)
	if err != nil {
		return nil, err
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("empty source descriptor")
	}

	parts := make([]metadata.Feed, 0, len(feeds))
	for _, feed := range feeds {
		raw, err := f.fetchFeed(ctx, feed.URL)
		if err != nil {
			return nil, err
		}
		if IsPassthrough(feeds) {
			return raw, nil
		}
		parts = append(parts, metadata.Feed{Raw: raw, Filter: feed.Filter})
	}

	merged, err := metadata.Merge(name, parts)
	if err != nil {
		return nil, fmt.Errorf("merge feeds: %w", err)
	}
	logger.Debug("merged metadata feeds",
		zap.String("name", name),
		zap.Int("feeds", len(parts)),
		zap.Int("bytes", len(merged)),
	)
	return merged, nil
}

func (f *HTTPFetcher) fetchFeed(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "file" {
		return f.readFile(u.Path)
	}

	cfg := retry.Config{
		MaxRetries:   f.config.MaxRetries,
		InitialDelay: f.config.RetryBackoff,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
	var body []byte
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		b, err := f.get(ctx, rawURL)
		if err != nil {
			logger.Warn("metadata fetch attempt failed", zap.String("url", rawURL), zap.Error(err))
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(err)
	}

	reqCtx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/samlmetadata+xml, application/xml;q=0.9, text/xml;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}
	if f.config.MaxBytes > 0 && resp.ContentLength > f.config.MaxBytes {
		return nil, retry.Permanent(ErrTooLarge)
	}
	return readLimited(resp.Body, f.config.MaxBytes)
}

func (f *HTTPFetcher) readFile(path string) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()
	return readLimited(fh, f.config.MaxBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, retry.Permanent(ErrTooLarge)
	}
	return b, nil
}
