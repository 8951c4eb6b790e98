// Package collyfetcher implements media.DetailFetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metrics"
)

// Selectors locate detail fields on an item page. Each value is a CSS
// selector; a trailing "@attr" reads that attribute instead of the text.
// Empty selectors leave the field blank.
type Selectors struct {
	Description    string `mapstructure:"description"`
	Tags           string `mapstructure:"tags"`
	Author         string `mapstructure:"author"`
	AudioTrack     string `mapstructure:"audio_track"`
	PublishTime    string `mapstructure:"publish_time"`
	CaptionTitle   string `mapstructure:"caption_title"`
	CaptionSummary string `mapstructure:"caption_summary"`
}

// DefaultSelectors reads the Open Graph and author meta tags most item pages
// carry.
func DefaultSelectors() Selectors {
	return Selectors{
		Description:  `meta[property="og:description"]@content`,
		Tags:         `a[href*="/tag/"]`,
		Author:       `meta[name="author"]@content`,
		CaptionTitle: `meta[property="og:title"]@content`,
	}
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Selectors     Selectors     `mapstructure:"selectors"`
}

// Fetcher implements media.DetailFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// FetchDetail loads sourceURL and extracts the configured fields. Network and
// HTTP status failures are returned as transient.
func (f *Fetcher) FetchDetail(ctx context.Context, sourceURL string) (media.Detail, error) {
	var (
		detail   media.Detail
		fetchErr error
	)
	collector, robots := f.buildCollector()
	f.configureCollectorHooks(collector, sourceURL, &detail, &fetchErr)

	if err := f.runCollector(ctx, collector, sourceURL, &fetchErr); err != nil {
		return media.Detail{}, media.Transient("fetch detail", err)
	}
	if robots != nil {
		if assumed, cause := robots.fallback(); assumed {
			detail.RobotsAssumed = true
			f.logger.Warn("robots.txt unreachable; page fetched as allow-all",
				zap.String("url", sourceURL), zap.String("cause", cause))
		}
	}
	return detail, nil
}

func (f *Fetcher) buildCollector() (*colly.Collector, *robotsTransport) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if !f.cfg.RespectRobots {
		collector.WithTransport(baseTransport)
		return collector, nil
	}
	robots := newRobotsTransport(baseTransport)
	collector.WithTransport(robots)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	sourceURL string,
	detail *media.Detail,
	fetchErr *error,
) {
	site := metrics.SanitizeSite(sourceURL)
	hooks.OnResponse(func(r *colly.Response) {
		metrics.ObserveFetch(site, int64(len(r.Body)))
	})
	hooks.OnHTML("html", func(e *colly.HTMLElement) {
		*detail = extract(e, f.cfg.Selectors)
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// element is the part of colly.HTMLElement extraction reads.
type element interface {
	ChildText(selector string) string
	ChildTexts(selector string) []string
	ChildAttr(selector, attr string) string
	ChildAttrs(selector, attr string) []string
}

func extract(e element, sel Selectors) media.Detail {
	return media.Detail{
		Description:     one(e, sel.Description),
		Tags:            media.NormalizeTags(many(e, sel.Tags)),
		Author:          one(e, sel.Author),
		AudioTrackLabel: one(e, sel.AudioTrack),
		PublishTimeRaw:  one(e, sel.PublishTime),
		CaptionTitle:    one(e, sel.CaptionTitle),
		CaptionSummary:  one(e, sel.CaptionSummary),
	}
}

func splitSelector(selector string) (string, string) {
	if i := strings.LastIndex(selector, "@"); i > 0 {
		return strings.TrimSpace(selector[:i]), strings.TrimSpace(selector[i+1:])
	}
	return strings.TrimSpace(selector), ""
}

func one(e element, selector string) string {
	if selector == "" {
		return ""
	}
	css, attr := splitSelector(selector)
	if attr != "" {
		return strings.TrimSpace(e.ChildAttr(css, attr))
	}
	return strings.TrimSpace(e.ChildText(css))
}

func many(e element, selector string) []string {
	if selector == "" {
		return nil
	}
	css, attr := splitSelector(selector)
	if attr != "" {
		return e.ChildAttrs(css, attr)
	}
	return e.ChildTexts(css)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
