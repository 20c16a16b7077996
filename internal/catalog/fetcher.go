// Package catalog retrieves the remote Piper voice catalog and caches it on
// disk with a time-based expiry. An expired cache is still kept as a
// fallback for when the network is unavailable.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tigger04/make-audiobook/internal/voice"
)

// Static errors for catalog fetching.
var (
	// ErrNetwork is returned when the catalog could not be fetched and no
	// cached copy exists to fall back on.
	ErrNetwork = errors.New("catalog: network fetch failed")
	// ErrParse is returned when the remote document is malformed. The
	// existing cache is left untouched in that case.
	ErrParse = errors.New("catalog: parse failed")
	// ErrURLRequired is returned when the catalog URL is not provided.
	ErrURLRequired = errors.New("catalog: URL is required")
)

const (
	// DefaultTTL is the freshness window for the cached catalog.
	DefaultTTL = 24 * time.Hour

	// cacheFileName is the raw catalog document inside the cache directory.
	cacheFileName = "voices.json"

	// maxCatalogSize bounds the response body; the document is untrusted.
	maxCatalogSize = 32 * 1024 * 1024
)

// Fetcher retrieves and caches the voice catalog.
type Fetcher struct {
	url        string
	cachePath  string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Option is a function that configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithTTL sets the cache freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher that caches the catalog under cacheDir.
func NewFetcher(url, cacheDir string, opts ...Option) (*Fetcher, error) {
	if url == "" {
		return nil, ErrURLRequired
	}

	f := &Fetcher{
		url:        url,
		cachePath:  filepath.Join(cacheDir, cacheFileName),
		ttl:        DefaultTTL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch returns the voice catalog. With force false and a cache fresher
// than the TTL, the cached copy is returned without any network access.
// Otherwise the catalog is fetched; on network failure any existing cache
// is returned regardless of age with its Stale flag set, and only when no
// cache exists at all does Fetch fail with ErrNetwork.
func (f *Fetcher) Fetch(ctx context.Context, force bool) (*voice.Catalog, error) {
	if !force {
		if catalog, ok := f.loadFreshCache(); ok {
			return catalog, nil
		}
	}

	data, fetchErr := f.fetchRemote(ctx)
	if fetchErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("catalog fetch: %w", ctx.Err())
		}
		if catalog, err := f.loadCache(); err == nil {
			f.logger.Warn("catalog fetch failed, using stale cache",
				slog.String("url", f.url),
				slog.Time("fetched_at", catalog.FetchedAt),
				slog.String("error", fetchErr.Error()),
			)
			catalog.Stale = true
			return catalog, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, fetchErr)
	}

	catalog, err := voice.ParseCatalog(data)
	if err != nil {
		// Do not overwrite a good cache with a malformed document.
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	if err := f.saveCache(data); err != nil {
		f.logger.Warn("failed to persist catalog cache",
			slog.String("path", f.cachePath),
			slog.String("error", err.Error()),
		)
	}

	f.logger.Info("catalog fetched",
		slog.String("url", f.url),
		slog.Int("voices", len(catalog.Voices)),
	)
	return catalog, nil
}

// fetchRemote performs the network retrieval of the catalog document.
func (f *Fetcher) fetchRemote(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "make-audiobook")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: HTTP %d", f.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// loadFreshCache returns the cached catalog only when it is within the TTL
// and parses cleanly.
func (f *Fetcher) loadFreshCache() (*voice.Catalog, bool) {
	st, err := os.Stat(f.cachePath)
	if err != nil || time.Since(st.ModTime()) >= f.ttl {
		return nil, false
	}
	catalog, err := f.loadCache()
	if err != nil {
		f.logger.Warn("cached catalog unreadable, refetching",
			slog.String("path", f.cachePath),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return catalog, true
}

// loadCache reads and parses the cache file regardless of age. FetchedAt is
// taken from the file's modification time.
func (f *Fetcher) loadCache() (*voice.Catalog, error) {
	data, err := os.ReadFile(f.cachePath)
	if err != nil {
		return nil, err
	}
	catalog, err := voice.ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(f.cachePath); err == nil {
		catalog.FetchedAt = st.ModTime()
	}
	return catalog, nil
}

// saveCache persists the raw catalog document with a fresh timestamp.
func (f *Fetcher) saveCache(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.cachePath), 0o750); err != nil {
		return err
	}
	tmp := f.cachePath + ".partial"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, f.cachePath)
}
