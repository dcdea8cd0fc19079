// Package crawler turns seed URLs (single pages, sitemaps, llms.txt link
// collections, llms-full.txt digests) into a stream of markdown page records.
package crawler

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/archonhq/archon/internal/extract"
	"github.com/archonhq/archon/internal/logging"
)

// SeedKind classifies what a seed URL points at.
type SeedKind int

const (
	// SeedRecursive crawls from the seed within its registered domain.
	SeedRecursive SeedKind = iota
	// SeedSitemap crawls every URL listed in a sitemap.xml.
	SeedSitemap
	// SeedLLMSFull parses a llms-full.txt digest into sections.
	SeedLLMSFull
	// SeedLinkCollection crawls the links of a llms.txt index.
	SeedLinkCollection
)

// ClassifySeed inspects the URL path suffix.
func ClassifySeed(raw string) SeedKind {
	u, err := url.Parse(raw)
	if err != nil {
		return SeedRecursive
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, "sitemap.xml"):
		return SeedSitemap
	case strings.HasSuffix(path, "llms-full.txt"):
		return SeedLLMSFull
	case strings.HasSuffix(path, "llms.txt"):
		return SeedLinkCollection
	default:
		return SeedRecursive
	}
}

// Options tune one crawl job.
type Options struct {
	// Include and Exclude are URL path glob patterns; exclude beats include.
	Include []string
	Exclude []string

	// MaxDepth bounds recursive crawls; 0 fetches only the seed.
	MaxDepth int

	// Concurrency caps in-flight fetches (default 3).
	Concurrency int

	// Stealth enables browser-based fetching.
	Stealth bool
}

// PageRecord is one crawled page ready for ingestion. llms-full sections
// carry their synthetic anchor URL and section fields.
type PageRecord struct {
	URL          string
	Title        string
	Markdown     string
	SectionTitle string
	SectionOrder int
}

// Crawler runs crawl jobs.
type Crawler struct {
	log zerolog.Logger
}

// New returns a crawler.
func New() *Crawler {
	return &Crawler{log: logging.Component("crawler")}
}

// Crawl classifies the seed and streams page records in completion order.
// The channel closes when the crawl finishes or ctx is cancelled; per-URL
// failures are logged and skipped without failing the job.
func (c *Crawler) Crawl(ctx context.Context, seed string, opts Options) (<-chan PageRecord, error) {
	if _, err := ValidateURL(ctx, seed); err != nil {
		return nil, err
	}
	filter, err := NewURLFilter(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	fetcher := NewFetcher(opts.Stealth)

	out := make(chan PageRecord, 2*opts.Concurrency)
	go func() {
		defer close(out)
		switch ClassifySeed(seed) {
		case SeedSitemap:
			c.crawlSitemap(ctx, fetcher, seed, filter, opts.Concurrency, out)
		case SeedLLMSFull:
			c.crawlLLMSFull(ctx, fetcher, seed, out)
		case SeedLinkCollection:
			c.crawlLinkCollection(ctx, fetcher, seed, filter, opts.Concurrency, out)
		default:
			c.crawlRecursive(ctx, fetcher, seed, filter, opts, out)
		}
	}()
	return out, nil
}

// crawlLLMSFull downloads the digest once and emits one record per section.
func (c *Crawler) crawlLLMSFull(ctx context.Context, fetcher *Fetcher, seed string, out chan<- PageRecord) {
	fetched, err := fetcher.Fetch(ctx, seed)
	if err != nil {
		c.log.Warn().Err(err).Str("url", seed).Msg("llms-full fetch failed")
		return
	}
	for _, section := range extract.ParseLLMSFull(seed, string(fetched.Body)) {
		record := PageRecord{
			URL:          section.URL,
			Title:        strings.TrimSpace(strings.TrimLeft(section.SectionTitle, "#")),
			Markdown:     section.Content,
			SectionTitle: section.SectionTitle,
			SectionOrder: section.SectionOrder,
		}
		select {
		case out <- record:
		case <-ctx.Done():
			return
		}
	}
}

// crawlSitemap expands the sitemap (following one level of sitemap index
// nesting) and fetches every listed URL once.
func (c *Crawler) crawlSitemap(ctx context.Context, fetcher *Fetcher, seed string, filter *URLFilter, concurrency int, out chan<- PageRecord) {
	fetched, err := fetcher.Fetch(ctx, seed)
	if err != nil {
		c.log.Warn().Err(err).Str("url", seed).Msg("sitemap fetch failed")
		return
	}
	urls, nested, err := parseSitemap(fetched.Body)
	if err != nil {
		c.log.Warn().Err(err).Str("url", seed).Msg("sitemap parse failed")
		return
	}
	if nested {
		var expanded []string
		for _, sm := range urls {
			child, err := fetcher.Fetch(ctx, sm)
			if err != nil {
				c.log.Warn().Err(err).Str("url", sm).Msg("nested sitemap fetch failed")
				continue
			}
			childURLs, childNested, err := parseSitemap(child.Body)
			if err != nil || childNested {
				continue
			}
			expanded = append(expanded, childURLs...)
		}
		urls = expanded
	}
	c.crawlList(ctx, fetcher, urls, filter, concurrency, out)
}

// crawlLinkCollection fetches the index and crawls its links once each.
func (c *Crawler) crawlLinkCollection(ctx context.Context, fetcher *Fetcher, seed string, filter *URLFilter, concurrency int, out chan<- PageRecord) {
	fetched, err := fetcher.Fetch(ctx, seed)
	if err != nil {
		c.log.Warn().Err(err).Str("url", seed).Msg("link collection fetch failed")
		return
	}
	links := extractLinks(string(fetched.Body), seed)
	c.crawlList(ctx, fetcher, links, filter, concurrency, out)
}

// crawlList fetches URLs with bounded concurrency, emitting records in
// completion order.
func (c *Crawler) crawlList(ctx context.Context, fetcher *Fetcher, urls []string, filter *URLFilter, concurrency int, out chan<- PageRecord) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || seen[raw] || !filter.Allow(u.Path) {
			continue
		}
		seen[raw] = true

		g.Go(func() error {
			if record, ok := c.fetchPage(gctx, fetcher, raw); ok {
				select {
				case out <- record:
				case <-gctx.Done():
				}
			}
			return nil
		})
	}
	g.Wait()
}

// crawlRecursive walks the site breadth-first, staying on the seed's
// registered domain, up to MaxDepth.
func (c *Crawler) crawlRecursive(ctx context.Context, fetcher *Fetcher, seed string, filter *URLFilter, opts Options, out chan<- PageRecord) {
	domain := registeredDomain(seed)

	type job struct {
		url   string
		depth int
	}
	frontier := []job{{url: seed}}

	var mu sync.Mutex
	visited := map[string]bool{canonicalURL(seed): true}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			return
		}
		current := frontier
		frontier = nil

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)

		for _, j := range current {
			g.Go(func() error {
				record, ok := c.fetchPage(gctx, fetcher, j.url)
				if !ok {
					return nil
				}
				select {
				case out <- record:
				case <-gctx.Done():
					return nil
				}
				if j.depth >= opts.MaxDepth {
					return nil
				}
				for _, link := range extractLinks(record.Markdown, j.url) {
					if registeredDomain(link) != domain {
						continue
					}
					u, err := url.Parse(link)
					if err != nil || !filter.Allow(u.Path) {
						continue
					}
					key := canonicalURL(link)
					mu.Lock()
					if !visited[key] {
						visited[key] = true
						frontier = append(frontier, job{url: link, depth: j.depth + 1})
					}
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
	}
}

func (c *Crawler) fetchPage(ctx context.Context, fetcher *Fetcher, rawURL string) (PageRecord, bool) {
	fetched, err := fetcher.Fetch(ctx, rawURL)
	if err != nil {
		c.log.Warn().Err(err).Str("url", rawURL).Msg("page fetch failed")
		return PageRecord{}, false
	}
	markdown, title, err := ToMarkdown(fetched)
	if err != nil || strings.TrimSpace(markdown) == "" {
		c.log.Warn().Err(err).Str("url", rawURL).Msg("page conversion produced no content")
		return PageRecord{}, false
	}
	return PageRecord{URL: rawURL, Title: title, Markdown: markdown}, true
}

var (
	markdownLinkRe = regexp.MustCompile(`\]\(([^)\s]+)\)`)
	hrefRe         = regexp.MustCompile(`href="([^"#]+)"`)
)

// extractLinks pulls absolute http(s) URLs out of markdown or HTML,
// resolving relative paths against the base.
func extractLinks(content, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "mailto:") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		resolved := baseURL.ResolveReference(ref)
		resolved.Fragment = ""
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		link := resolved.String()
		if !seen[link] {
			seen[link] = true
			out = append(out, link)
		}
	}

	for _, m := range markdownLinkRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range hrefRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	return out
}

// registeredDomain approximates eTLD+1 with the last two host labels.
func registeredDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	labels := strings.Split(strings.ToLower(u.Hostname()), ".")
	if len(labels) < 2 {
		return strings.ToLower(u.Hostname())
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// canonicalURL strips fragments and trailing slashes for visited-set keys.
func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
