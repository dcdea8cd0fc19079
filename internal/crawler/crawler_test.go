package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/archerr"
)

func TestMain(m *testing.M) {
	allowPrivateHosts = true
	m.Run()
}

func collect(t *testing.T, ch <-chan PageRecord) []PageRecord {
	t.Helper()
	var out []PageRecord
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestClassifySeed(t *testing.T) {
	assert.Equal(t, SeedSitemap, ClassifySeed("https://example.com/sitemap.xml"))
	assert.Equal(t, SeedLLMSFull, ClassifySeed("https://example.com/llms-full.txt"))
	assert.Equal(t, SeedLinkCollection, ClassifySeed("https://example.com/llms.txt"))
	assert.Equal(t, SeedRecursive, ClassifySeed("https://example.com/docs/intro"))
}

func TestURLFilterSemantics(t *testing.T) {
	f, err := NewURLFilter([]string{"**/en/**"}, []string{"*/archive/*"})
	require.NoError(t, err)

	// * crosses path separators.
	assert.True(t, f.Allow("/docs/en/guide/intro"))
	assert.False(t, f.Allow("/docs/fr/guide/intro"))
	// Exclude beats include.
	assert.False(t, f.Allow("/docs/en/archive/old"))

	open, err := NewURLFilter(nil, nil)
	require.NoError(t, err)
	assert.True(t, open.Allow("/anything"))
}

func TestSanitizePattern(t *testing.T) {
	assert.NoError(t, SanitizePattern("**/en/**"))
	assert.Error(t, SanitizePattern(""))
	assert.Error(t, SanitizePattern("../etc/passwd"))
	assert.Error(t, SanitizePattern("docs/`rm -rf`"))
	assert.Error(t, SanitizePattern("a;b"))
	assert.Error(t, SanitizePattern("a|b"))
	assert.Error(t, SanitizePattern("a$b"))
	assert.Error(t, SanitizePattern(string(make([]byte, 201))))

	_, err := NewURLFilter(make([]string, 51), nil)
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(err))
}

func TestSSRFGuard(t *testing.T) {
	allowPrivateHosts = false
	defer func() { allowPrivateHosts = true }()
	ctx := context.Background()

	for _, bad := range []string{
		"ftp://example.com/file",
		"http://localhost/admin",
		"http://127.0.0.1/metadata",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/",
	} {
		_, err := ValidateURL(ctx, bad)
		require.Error(t, err, bad)
		assert.Equal(t, archerr.KindValidation, archerr.GetKind(err), bad)
	}
}

func TestParseSitemap(t *testing.T) {
	urls, nested, err := parseSitemap([]byte(`<?xml version="1.0"?>
		<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
			<url><loc>https://example.com/a</loc></url>
			<url><loc>https://example.com/b</loc></url>
		</urlset>`))
	require.NoError(t, err)
	assert.False(t, nested)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, urls)

	urls, nested, err = parseSitemap([]byte(`<?xml version="1.0"?>
		<sitemapindex><sitemap><loc>https://example.com/sub-sitemap.xml</loc></sitemap></sitemapindex>`))
	require.NoError(t, err)
	assert.True(t, nested)
	assert.Len(t, urls, 1)

	_, _, err = parseSitemap([]byte("not xml"))
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(err))
}

func TestFetchRetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "finally")
	}))
	defer srv.Close()

	f := NewFetcher(false)
	fetched, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(fetched.Body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchAbortsOn404(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewFetcher(false).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "non-retryable status must not be retried")
}

func TestCrawlLLMSFullEmitsSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# Core Concepts\n\nAlpha text.\n\n# Getting Started\n\nBeta text.\n")
	}))
	defer srv.Close()

	seed := srv.URL + "/llms-full.txt"
	ch, err := New().Crawl(context.Background(), seed, Options{})
	require.NoError(t, err)
	records := collect(t, ch)

	require.Len(t, records, 2)
	assert.Equal(t, seed+"#section-0-core-concepts", records[0].URL)
	assert.Equal(t, "Core Concepts", records[0].Title)
	assert.Equal(t, "# Core Concepts", records[0].SectionTitle)
	assert.Equal(t, 1, records[1].SectionOrder)
}

func TestCrawlSitemap(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/a</loc></url><url><loc>%s/b</loc></url></urlset>`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><article><h1>Page A</h1><p>Alpha content with enough words to extract.</p></article></body></html>")
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Plain text page B content.")
	})

	ch, err := New().Crawl(context.Background(), srv.URL+"/sitemap.xml", Options{Concurrency: 2})
	require.NoError(t, err)
	records := collect(t, ch)

	require.Len(t, records, 2)
	urls := map[string]bool{}
	for _, r := range records {
		urls[r.URL] = true
		assert.NotEmpty(t, r.Markdown)
	}
	assert.True(t, urls[srv.URL+"/a"])
	assert.True(t, urls[srv.URL+"/b"])
}

func TestCrawlRecursiveRespectsDepthAndDomain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><p>Root page content here.</p>
			<a href="%s/depth1">next</a>
			<a href="https://elsewhere.example.org/offsite">offsite</a>
			</body></html>`, srv.URL)
	})
	mux.HandleFunc("/depth1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><p>Depth one content here.</p><a href="%s/depth2">deeper</a></body></html>`, srv.URL)
	})
	mux.HandleFunc("/depth2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>Depth two content here.</p></body></html>")
	})

	ch, err := New().Crawl(context.Background(), srv.URL+"/", Options{MaxDepth: 1, Concurrency: 2})
	require.NoError(t, err)
	records := collect(t, ch)

	urls := map[string]bool{}
	for _, r := range records {
		urls[r.URL] = true
	}
	assert.True(t, urls[srv.URL+"/"])
	assert.True(t, urls[srv.URL+"/depth1"])
	assert.False(t, urls[srv.URL+"/depth2"], "depth limit exceeded")
	assert.Len(t, records, 2)
}

func TestCrawlLinkCollection(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/llms.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# Docs\n\n- [Guide](%s/guide)\n- [Skip](%s/internal/secret)\n", srv.URL, srv.URL)
	})
	mux.HandleFunc("/guide", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Guide content in plain text.")
	})
	mux.HandleFunc("/internal/secret", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Should not be crawled.")
	})

	ch, err := New().Crawl(context.Background(), srv.URL+"/llms.txt", Options{
		Exclude: []string{"*/internal/*"},
	})
	require.NoError(t, err)
	records := collect(t, ch)

	require.Len(t, records, 1)
	assert.Equal(t, srv.URL+"/guide", records[0].URL)
}

func TestCrawlRejectsBadGlob(t *testing.T) {
	_, err := New().Crawl(context.Background(), "https://example.com/", Options{
		Include: []string{"../escape"},
	})
	require.Error(t, err)
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(err))
}

func TestExtractLinks(t *testing.T) {
	md := `See [guide](/docs/guide) and [api](https://example.com/api) plus <a href="https://example.com/raw">raw</a>.
Ignore [anchor](#section) and [mail](mailto:x@example.com).`
	links := extractLinks(md, "https://example.com/start")

	assert.Contains(t, links, "https://example.com/docs/guide")
	assert.Contains(t, links, "https://example.com/api")
	assert.Contains(t, links, "https://example.com/raw")
	assert.Len(t, links, 3)
}

func TestRegisteredDomain(t *testing.T) {
	assert.Equal(t, "example.com", registeredDomain("https://docs.example.com/path"))
	assert.Equal(t, "example.com", registeredDomain("https://example.com"))
	assert.NotEqual(t, registeredDomain("https://docs.example.com"), registeredDomain("https://example.org"))
}
