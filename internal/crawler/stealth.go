package crawler

import (
	"context"
	"math/rand"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/archonhq/archon/internal/archerr"
)

const (
	stealthBaseDelay     = 1500 * time.Millisecond
	stealthDelayVariance = 1500 * time.Millisecond

	// cloudflareTimeout extends the wait while a challenge interstitial
	// resolves.
	cloudflareTimeout = 60 * time.Second
)

var challengeTitleRe = regexp.MustCompile(`(?i)just a moment|attention required|checking your browser`)

// fetchStealth loads the page in a headless browser with a rotated user
// agent, randomised viewport and humanised delay. A Cloudflare challenge
// page triggers an extended wait for the real content.
func (f *Fetcher) fetchStealth(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(f.userAgent()),
		chromedp.WindowSize(1280+rand.Intn(320), 800+rand.Intn(240)),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, stealthFetchTimeout)
	defer cancelRun()

	delay := stealthBaseDelay + time.Duration(rand.Int63n(int64(stealthDelayVariance)))
	var html, title string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.Sleep(delay),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", archerr.Wrap(archerr.KindProviderTransient, err, "stealth fetch %s", rawURL)
	}

	if challengeTitleRe.MatchString(title) {
		f.log.Info().Str("url", rawURL).Msg("challenge page detected, waiting for resolution")
		waitCtx, cancelWait := context.WithTimeout(browserCtx, cloudflareTimeout)
		defer cancelWait()

		var resolved bool
		err = chromedp.Run(waitCtx,
			chromedp.Poll(
				`!/just a moment|attention required|checking your browser/i.test(document.title)`,
				&resolved,
				chromedp.WithPollingInterval(time.Second),
			),
			chromedp.OuterHTML("html", &html),
		)
		if err != nil {
			return "", archerr.Wrap(archerr.KindProviderTransient, err, "challenge did not resolve for %s", rawURL)
		}
	}
	return html, nil
}
