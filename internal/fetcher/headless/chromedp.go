// Package headless contains enumerators that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/clipvault/internal/media"
)

// OwnerPlaceholder is replaced with the escaped owner id in ListingURL.
const OwnerPlaceholder = "{owner}"

// Config controls the behavior of the headless enumerator.
type Config struct {
	// ListingURL is the owner's listing page, e.g. https://example.com/@{owner}.
	ListingURL string `mapstructure:"listing_url"`
	// LinkSelector selects the anchors that point at items.
	LinkSelector string `mapstructure:"link_selector"`
	// ItemPattern extracts the item id from a link; the first capture group
	// is the id.
	ItemPattern       string        `mapstructure:"item_pattern"`
	ScrollRounds      int           `mapstructure:"scroll_rounds"`
	ScrollDelay       time.Duration `mapstructure:"scroll_delay"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// Enumerator implements media.Enumerator using chromedp and headless Chrome.
type Enumerator struct {
	cfg         Config
	itemPattern *regexp.Regexp
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless enumerator backed by chromedp.
func NewChromedp(cfg Config) (*Enumerator, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if !strings.Contains(cfg.ListingURL, OwnerPlaceholder) {
		return nil, fmt.Errorf("listing url must contain %s", OwnerPlaceholder)
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a[href]"
	}
	if cfg.ItemPattern == "" {
		return nil, fmt.Errorf("item pattern is required")
	}
	pattern, err := regexp.Compile(cfg.ItemPattern)
	if err != nil {
		return nil, fmt.Errorf("compile item pattern: %w", err)
	}
	if pattern.NumSubexp() < 1 {
		return nil, fmt.Errorf("item pattern needs a capture group for the item id")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Enumerator{
		cfg:         cfg,
		itemPattern: pattern,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (e *Enumerator) Close() {
	e.allocCancel()
}

// Enumerate renders the owner's listing and returns the items it links to,
// in page order. Browser and HTTP failures are returned as transient.
func (e *Enumerator) Enumerate(ctx context.Context, ownerID string) ([]media.Candidate, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	listing := ListingURL(e.cfg.ListingURL, ownerID)
	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, e.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	hrefs, finalURL, err := e.runHeadless(taskCtx, listing)
	if err != nil {
		return nil, media.Transient("enumerate "+ownerID, err)
	}
	status, _, pageURL := meta.snapshotWithFallbacks(listing, finalURL)
	if status >= http.StatusBadRequest {
		return nil, media.Transient("enumerate "+ownerID, fmt.Errorf("listing %s returned status %d", pageURL, status))
	}
	return ExtractCandidates(pageURL, hrefs, e.itemPattern), nil
}

func (e *Enumerator) runHeadless(ctx context.Context, listing string) ([]string, string, error) {
	var (
		hrefs    []string
		finalURL string
	)
	collect := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(a => a.getAttribute("href") || "")`,
		e.cfg.LinkSelector,
	)
	actions := []chromedp.Action{
		e.networkSetupAction(),
		chromedp.Navigate(listing),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	for i := 0; i < e.cfg.ScrollRounds; i++ {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(e.scrollDelay()),
		)
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Evaluate(collect, &hrefs),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, "", fmt.Errorf("chromedp run: %w", err)
	}
	return hrefs, finalURL, nil
}

func (e *Enumerator) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// ListingURL fills the owner placeholder of template.
func ListingURL(template, ownerID string) string {
	return strings.ReplaceAll(template, OwnerPlaceholder, url.PathEscape(ownerID))
}

// ExtractCandidates resolves hrefs against pageURL and keeps the first link
// for every distinct item id matched by pattern.
func ExtractCandidates(pageURL string, hrefs []string, pattern *regexp.Regexp) []media.Candidate {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]struct{}, len(hrefs))
	var out []media.Candidate
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" {
			continue
		}
		resolved := href
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				resolved = base.ResolveReference(ref).String()
			}
		}
		m := pattern.FindStringSubmatch(resolved)
		if len(m) < 2 || m[1] == "" {
			continue
		}
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, media.Candidate{ItemID: m[1], SourceURL: resolved})
	}
	return out
}

func (e *Enumerator) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (e *Enumerator) release() {
	if e.limiter == nil {
		return
	}
	select {
	case <-e.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (e *Enumerator) navTimeout() time.Duration {
	if e.cfg.NavigationTimeout > 0 {
		return e.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (e *Enumerator) scrollDelay() time.Duration {
	if e.cfg.ScrollDelay > 0 {
		return e.cfg.ScrollDelay
	}
	return time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}
