// Package asset implements media.AssetFetcher over plain HTTP or an external
// downloader command.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metrics"
)

// ErrEmptyAsset is returned when a fetch produced no bytes.
var ErrEmptyAsset = errors.New("empty asset")

// Limiter spaces out requests per host.
type Limiter interface {
	WaitURL(ctx context.Context, rawURL string) error
}

// HTTPConfig controls the HTTP fetcher.
type HTTPConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HTTPFetcher streams an asset URL straight to disk.
type HTTPFetcher struct {
	client  *http.Client
	limiter Limiter
	cfg     HTTPConfig
}

// NewHTTP builds an HTTPFetcher. A nil client uses a client with cfg.Timeout.
func NewHTTP(client *http.Client, limiter Limiter, cfg HTTPConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFetcher{client: client, limiter: limiter, cfg: cfg}
}

// FetchAsset downloads sourceURL into targetPath. The file appears only once
// complete; failures are transient.
func (f *HTTPFetcher) FetchAsset(ctx context.Context, sourceURL, targetPath string) error {
	if f.limiter != nil {
		if err := f.limiter.WaitURL(ctx, sourceURL); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build asset request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return media.Transient("fetch asset", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return media.Transient("fetch asset", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	n, err := writeAtomic(targetPath, resp.Body)
	if err != nil {
		return media.Transient("fetch asset", err)
	}
	metrics.ObserveFetch(metrics.SanitizeSite(sourceURL), n)
	return nil
}

// writeAtomic copies r into a temp file beside target and renames it into
// place.
func writeAtomic(target string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".asset-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr == nil && n == 0 {
		copyErr = ErrEmptyAsset
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write asset: %w", copyErr)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("move asset into place: %w", err)
	}
	return n, nil
}
