package crawler

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/logging"
)

const (
	fetchTimeout        = 30 * time.Second
	stealthFetchTimeout = 45 * time.Second

	maxFetchAttempts = 3
	backoffBase      = 500 * time.Millisecond

	// maxBodySize bounds a single fetched document (10MB).
	maxBodySize = 10 * 1024 * 1024

	defaultUserAgent = "Mozilla/5.0 (compatible; Archon/1.0; +https://github.com/archonhq/archon)"
)

// userAgentPool is rotated through in stealth mode.
var userAgentPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// Fetched is one downloaded page before conversion.
type Fetched struct {
	URL         string
	Body        []byte
	ContentType string
}

// Fetcher downloads pages with retry, backoff and optional stealth.
type Fetcher struct {
	client  *http.Client
	stealth bool
	log     zerolog.Logger
}

// NewFetcher returns a fetcher; stealth enables browser-based fetching with
// humanised pacing.
func NewFetcher(stealth bool) *Fetcher {
	timeout := fetchTimeout
	if stealth {
		timeout = stealthFetchTimeout
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		stealth: stealth,
		log:     logging.Component("crawler.fetch"),
	}
}

// Fetch downloads one URL, retrying transient failures with exponential
// backoff and jitter. 429 and 503 are retried; any other non-2xx status
// aborts this URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Fetched, error) {
	if _, err := ValidateURL(ctx, rawURL); err != nil {
		return nil, err
	}
	if f.stealth {
		if html, err := f.fetchStealth(ctx, rawURL); err == nil {
			return &Fetched{URL: rawURL, Body: []byte(html), ContentType: "text/html"}, nil
		} else {
			f.log.Debug().Err(err).Str("url", rawURL).Msg("stealth fetch failed, trying plain HTTP")
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase<<uint(attempt-1) + time.Duration(rand.Int63n(int64(backoffBase/2)))
			select {
			case <-ctx.Done():
				return nil, archerr.ErrCancelled
			case <-time.After(delay):
			}
		}

		fetched, retry, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return fetched, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		f.log.Debug().Err(err).Str("url", rawURL).Int("attempt", attempt+1).Msg("retrying fetch")
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Fetched, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, archerr.Wrap(archerr.KindValidation, err, "build request")
	}
	req.Header.Set("User-Agent", f.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, archerr.ErrCancelled
		}
		return nil, true, archerr.Wrap(archerr.KindProviderTransient, err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, true, archerr.Wrap(archerr.KindProviderTransient, err, "read body of %s", rawURL)
		}
		return &Fetched{
			URL:         rawURL,
			Body:        body,
			ContentType: resp.Header.Get("Content-Type"),
		}, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, true, archerr.New(archerr.KindProviderRateLimit, "fetch %s: status %d", rawURL, resp.StatusCode)
	default:
		return nil, false, archerr.New(archerr.KindValidation, "fetch %s: status %d", rawURL, resp.StatusCode)
	}
}

func (f *Fetcher) userAgent() string {
	if f.stealth {
		return userAgentPool[rand.Intn(len(userAgentPool))]
	}
	return defaultUserAgent
}

// ToMarkdown converts a fetched page to markdown. HTML goes through
// readability extraction first so navigation chrome does not pollute the
// corpus; plain text and markdown pass through.
func ToMarkdown(f *Fetched) (markdown, title string, err error) {
	ct := strings.ToLower(f.ContentType)
	body := string(f.Body)

	if !strings.Contains(ct, "html") && !looksLikeHTML(body) {
		return body, titleFromURL(f.URL), nil
	}

	parsed, _ := url.Parse(f.URL)
	article, rerr := readability.FromReader(strings.NewReader(body), parsed)
	content := body
	if rerr == nil && strings.TrimSpace(article.Content) != "" {
		content = article.Content
		title = article.Title
	}

	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		return "", "", archerr.Wrap(archerr.KindInternal, err, "convert %s to markdown", f.URL)
	}
	if title == "" {
		title = titleFromURL(f.URL)
	}
	return md, title, nil
}

func looksLikeHTML(body string) bool {
	head := strings.ToLower(body)
	if len(head) > 1024 {
		head = head[:1024]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return u.Hostname()
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
