package crawler

import (
	"encoding/xml"

	"github.com/archonhq/archon/internal/archerr"
)

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// parseSitemap extracts page URLs from a sitemap document. Sitemap index
// files return the nested sitemap URLs instead, flagged so the caller can
// fetch and expand them.
func parseSitemap(data []byte) (urls []string, nested bool, err error) {
	var set sitemapURLSet
	if xml.Unmarshal(data, &set) == nil && len(set.URLs) > 0 {
		out := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			if u.Loc != "" {
				out = append(out, u.Loc)
			}
		}
		return out, false, nil
	}

	var idx sitemapIndex
	if xml.Unmarshal(data, &idx) == nil && len(idx.Sitemaps) > 0 {
		out := make([]string, 0, len(idx.Sitemaps))
		for _, s := range idx.Sitemaps {
			if s.Loc != "" {
				out = append(out, s.Loc)
			}
		}
		return out, true, nil
	}

	return nil, false, archerr.New(archerr.KindValidation, "document is not a recognisable sitemap")
}
