// Package download retrieves voice model files, reporting progress and
// staging writes so a voice is never visible in a half-installed state.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/tigger04/make-audiobook/internal/voice"
)

// Static errors for downloads.
var (
	// ErrIntegrity is returned when a downloaded file's size does not match
	// the catalog-declared size.
	ErrIntegrity = errors.New("download: size mismatch")
	// ErrCancelled is returned when an in-flight download is cancelled. The
	// cleanup path is the same as for a failure.
	ErrCancelled = errors.New("download: cancelled")
	// ErrBaseURLRequired is returned when the download base URL is not provided.
	ErrBaseURLRequired = errors.New("download: base URL is required")
)

// defaultProgressInterval bounds how often the progress callback fires.
const defaultProgressInterval = 200 * time.Millisecond

// ProgressFunc receives download progress. bytesTotal is the descriptor's
// declared total size; it is 0 when unknown.
type ProgressFunc func(bytesDone, bytesTotal int64)

// Downloader retrieves a voice's files into the voices directory.
type Downloader struct {
	baseURL          string
	voicesDir        string
	httpClient       *http.Client
	logger           *slog.Logger
	progressInterval time.Duration
}

// Option is a function that configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithProgressInterval sets the minimum interval between progress callbacks.
func WithProgressInterval(interval time.Duration) Option {
	return func(d *Downloader) {
		if interval > 0 {
			d.progressInterval = interval
		}
	}
}

// New creates a Downloader. Files are fetched from
// <baseURL>/<language>/<key>/<key><suffix> and installed under voicesDir
// using the deterministic voice layout.
func New(baseURL, voicesDir string, opts ...Option) (*Downloader, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	d := &Downloader{
		baseURL:          baseURL,
		voicesDir:        voicesDir,
		httpClient:       &http.Client{Timeout: 10 * time.Minute},
		logger:           slog.Default(),
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Download fetches every file of the descriptor. Each file is written to a
// private partial path, size-verified, then renamed into place atomically.
// On any failure or cancellation the partials and any files already renamed
// for this descriptor are removed, so reconciliation never observes a
// partially installed voice.
func (d *Downloader) Download(ctx context.Context, desc voice.Descriptor, onProgress ProgressFunc) error {
	dir := voice.Dir(d.voicesDir, desc)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create voice directory: %w", err)
	}

	// Deterministic file order: model first, then the sidecar.
	suffixes := make([]string, 0, len(desc.Files))
	for suffix := range desc.Files {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)

	progress := newThrottle(onProgress, d.progressInterval, desc.SizeBytes)

	var completed []string
	fail := func(err error) error {
		d.cleanup(desc, completed)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrCancelled, desc.Key)
		}
		return err
	}

	for _, suffix := range suffixes {
		info := desc.Files[suffix]
		final := voice.FilePath(d.voicesDir, desc, suffix)
		partial := final + ".partial"
		url := fmt.Sprintf("%s/%s/%s/%s%s", d.baseURL, desc.Language, desc.Key, desc.Key, suffix)

		d.logger.Debug("downloading voice file",
			slog.String("voice", desc.Key),
			slog.String("url", url),
		)

		written, err := d.fetchFile(ctx, url, partial, progress)
		if err != nil {
			return fail(fmt.Errorf("download %s%s: %w", desc.Key, suffix, err))
		}
		if info.SizeBytes > 0 && written != info.SizeBytes {
			return fail(fmt.Errorf("%w: %s%s: got %d bytes, want %d",
				ErrIntegrity, desc.Key, suffix, written, info.SizeBytes))
		}

		if err := os.Rename(partial, final); err != nil {
			return fail(fmt.Errorf("install %s%s: %w", desc.Key, suffix, err))
		}
		completed = append(completed, final)
	}

	progress.flush()
	d.logger.Info("voice installed",
		slog.String("voice", desc.Key),
		slog.Int64("size_bytes", desc.SizeBytes),
	)
	return nil
}

// fetchFile downloads one file to the partial path and returns the number
// of bytes written.
func (d *Downloader) fetchFile(ctx context.Context, url, partial string, progress *throttle) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "make-audiobook")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}

	written, err := io.Copy(io.MultiWriter(f, progress), resp.Body)
	if err != nil {
		_ = f.Close()
		return written, err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return written, fmt.Errorf("sync partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close partial file: %w", err)
	}
	return written, nil
}

// cleanup removes partials and already-installed files for the descriptor,
// leaving the voice state unchanged.
func (d *Downloader) cleanup(desc voice.Descriptor, completed []string) {
	for suffix := range desc.Files {
		_ = os.Remove(voice.FilePath(d.voicesDir, desc, suffix) + ".partial")
	}
	for _, path := range completed {
		_ = os.Remove(path)
	}
}

// throttle rate-limits progress callbacks so a UI thread is not flooded.
// The final total is always delivered via flush.
type throttle struct {
	fn       ProgressFunc
	interval time.Duration
	total    int64
	done     int64
	lastEmit time.Time
}

func newThrottle(fn ProgressFunc, interval time.Duration, total int64) *throttle {
	// Start the clock now so nothing fires before the first interval elapses.
	return &throttle{fn: fn, interval: interval, total: total, lastEmit: time.Now()}
}

// Write implements io.Writer so the throttle can sit in a MultiWriter.
func (t *throttle) Write(p []byte) (int, error) {
	t.done += int64(len(p))
	if t.fn != nil && time.Since(t.lastEmit) >= t.interval {
		t.lastEmit = time.Now()
		t.fn(t.done, t.total)
	}
	return len(p), nil
}

// flush delivers the final progress report unconditionally.
func (t *throttle) flush() {
	if t.fn != nil {
		t.fn(t.done, t.total)
	}
}
