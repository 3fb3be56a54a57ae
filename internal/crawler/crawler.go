package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	colly "github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/queue"
	"golang.org/x/net/html/charset"

	"knowledge-engine/internal/logger"
)

var (
	// Global HTTP transport with compression enabled
	httpTransport = &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		DisableCompression: false,
		IdleConnTimeout:    90 * time.Second,
	}

	ErrNoPages = errors.New("crawl produced no pages")
)

// thinPageChars is the text length under which a page is re-rendered in a
// headless browser when JS rendering is enabled
const thinPageChars = 200

// CrawlConfig holds configuration for a crawl job
type CrawlConfig struct {
	URL            string
	MaxPages       int
	MaxDepth       int
	AllowedDomains []string
	Delay          time.Duration
	Timeout        time.Duration
	UserAgent      string
	// Optional JS rendering for pages whose static HTML is nearly empty
	RenderJS      bool
	RenderTimeout time.Duration
}

// PageError records a page that could not be fetched
type PageError struct {
	URL        string
	Depth      int
	StatusCode int
	Err        error
}

// CrawlResult holds the result of a crawl operation
type CrawlResult struct {
	Pages    []Page
	Failures []PageError
}

// normalizeURL normalizes a URL to a canonical form for duplicate detection
func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	// Remove fragment
	parsed.Fragment = ""

	// Always remove trailing slash for non-root paths
	path := parsed.Path
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}
	parsed.Path = path

	// Convert to lowercase scheme and host
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	// Remove default ports
	if parsed.Port() == "80" && parsed.Scheme == "http" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}
	if parsed.Port() == "443" && parsed.Scheme == "https" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}

	return parsed.String(), nil
}

// defaultAllowedDomains is the start host with and without www
func defaultAllowedDomains(start *url.URL) []string {
	host := strings.ToLower(start.Host)
	bare := strings.TrimPrefix(host, "www.")
	return []string{bare, "www." + bare}
}

// Crawl walks the site breadth-first from cfg.URL. Pages are visited in
// FIFO order one at a time with cfg.Delay between fetches. A page that fails
// is recorded in Failures and the crawl continues. Crawl returns ErrNoPages
// when not a single page could be extracted.
func Crawl(ctx context.Context, cfg CrawlConfig) (*CrawlResult, error) {
	startURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if startURL.Scheme == "" {
		startURL, err = url.Parse("https://" + cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
	}
	start, err := normalizeURL(startURL.String())
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 50
	}
	allowed := cfg.AllowedDomains
	if len(allowed) == 0 {
		allowed = defaultAllowedDomains(startURL)
	}

	c := colly.NewCollector()
	c.WithTransport(httpTransport)
	if cfg.Timeout > 0 {
		c.SetRequestTimeout(cfg.Timeout)
	} else {
		c.SetRequestTimeout(30 * time.Second)
	}
	c.UserAgent = cfg.UserAgent
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; KnowledgeEngineBot/1.0)"
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("crawl limits: %w", err)
	}

	// a single consumer keeps the queue strictly FIFO, i.e. breadth-first
	q, err := queue.New(1, &queue.InMemoryQueueStorage{MaxSize: maxPages * 50})
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		result   = &CrawlResult{}
		depthOf  = map[string]int{start: 0}
		enqueued = map[string]bool{start: true}
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		done := len(result.Pages) >= maxPages
		key, _ := normalizeURL(r.URL.String())
		depth := depthOf[key]
		mu.Unlock()
		if done {
			r.Abort()
			return
		}
		r.Ctx.Put("depth", depth)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
	})

	// On response - handle encoding before the HTML callbacks see the body
	c.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml+xml") {
			return
		}

		// brotli is not decoded by the standard transport
		var bodyReader io.Reader = bytes.NewReader(r.Body)
		if strings.Contains(r.Headers.Get("Content-Encoding"), "br") {
			decompressed, err := io.ReadAll(brotli.NewReader(bodyReader))
			if err == nil {
				r.Body = decompressed
				bodyReader = bytes.NewReader(decompressed)
			}
		}

		// Detect and decode charset to UTF-8
		if len(r.Body) > 0 {
			utf8Reader, err := charset.NewReader(bodyReader, contentType)
			if err == nil {
				if decoded, readErr := io.ReadAll(utf8Reader); readErr == nil && len(decoded) > 0 {
					r.Body = decoded
				}
			}
		}
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		depth, _ := e.Request.Ctx.GetAny("depth").(int)
		page := ExtractPage(e.DOM, e.Request.URL)
		page.Depth = depth
		page.StatusCode = e.Response.StatusCode
		if normalized, err := normalizeURL(page.URL); err == nil {
			page.URL = normalized
		}

		if cfg.RenderJS && len(page.Text) < thinPageChars {
			if rendered, err := renderPage(ctx, page.URL, cfg.RenderTimeout); err == nil && len(rendered.Text) > len(page.Text) {
				rendered.Depth, rendered.StatusCode = page.Depth, page.StatusCode
				page = rendered
			} else if err != nil {
				logger.Debug("JS render failed", "url", page.URL, "error", err)
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if len(result.Pages) >= maxPages {
			return
		}
		result.Pages = append(result.Pages, page)

		if depth >= cfg.MaxDepth {
			return
		}
		for _, link := range page.Links {
			if enqueued[link] || !isURLAllowed(link, allowed) {
				continue
			}
			enqueued[link] = true
			depthOf[link] = depth + 1
			if err := q.AddURL(link); err != nil {
				logger.Debug("Crawl frontier full", "url", link, "error", err)
				return
			}
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		depth, _ := r.Request.Ctx.GetAny("depth").(int)
		logger.Warn("Crawl page failed", "url", r.Request.URL.String(), "status", r.StatusCode, "error", err)
		mu.Lock()
		result.Failures = append(result.Failures, PageError{
			URL:        r.Request.URL.String(),
			Depth:      depth,
			StatusCode: r.StatusCode,
			Err:        err,
		})
		mu.Unlock()
	})

	if err := q.AddURL(start); err != nil {
		return nil, fmt.Errorf("failed to start crawl: %w", err)
	}
	if err := q.Run(c); err != nil {
		return nil, fmt.Errorf("crawl: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if len(result.Pages) == 0 {
		if len(result.Failures) > 0 {
			return result, fmt.Errorf("%w: %v", ErrNoPages, result.Failures[0].Err)
		}
		return result, ErrNoPages
	}
	return result, nil
}

// isURLAllowed checks scheme, domain and obvious non-content paths
func isURLAllowed(urlStr string, allowedDomains []string) bool {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	// Only allow http/https
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	// Check domain
	if len(allowedDomains) > 0 {
		host := strings.ToLower(parsed.Host)
		domainAllowed := false
		for _, allowedDomain := range allowedDomains {
			if host == strings.ToLower(allowedDomain) {
				domainAllowed = true
				break
			}
		}
		if !domainAllowed {
			return false
		}
	}

	// Filter out common non-content URLs
	excludedPatterns := []string{
		"/wp-json/",
		"/api/",
		"/ajax/",
		".pdf",
		".jpg",
		".jpeg",
		".png",
		".gif",
		".svg",
		".webp",
		".css",
		".js",
		".xml",
		".zip",
		".mp4",
		"/feed/",
		"/rss/",
		"/wp-admin/",
	}

	pathLower := strings.ToLower(parsed.Path)
	for _, pattern := range excludedPatterns {
		if strings.Contains(pathLower, pattern) {
			return false
		}
	}

	return true
}

// parseHTML builds a Page from raw HTML, used for browser-rendered pages
func parseHTML(html, pageURL string) (Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{}, err
	}
	return ExtractPage(doc.Selection, base), nil
}
