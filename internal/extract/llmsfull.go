// Package extract turns raw source material (markdown, llms-full digests,
// PDFs) into markdown pages ready for chunking.
package extract

import (
	"fmt"
	"strings"
)

// Section is one H1-delimited slice of an llms-full.txt digest, addressable
// as an independent page.
type Section struct {
	URL          string `json:"url"`
	SectionTitle string `json:"section_title"`
	SectionOrder int    `json:"section_order"`
	Content      string `json:"content"`
	WordCount    int    `json:"word_count"`
}

// ParseLLMSFull splits a digest at top-level H1 headings. Deeper headings
// stay inside their parent section, as do hash lines inside code fences.
// A document with no H1 becomes a single "Full Document" section at the
// base URL.
func ParseLLMSFull(baseURL, content string) []Section {
	lines := strings.Split(content, "\n")

	type rawSection struct {
		title string
		lines []string
	}
	var sections []rawSection
	var current *rawSection
	inFence := false

	for _, line := range lines {
		if isFenceLine(line) {
			inFence = !inFence
		}
		if !inFence && isH1(line) {
			sections = append(sections, rawSection{title: strings.TrimSpace(line)})
			current = &sections[len(sections)-1]
		}
		if current != nil {
			current.lines = append(current.lines, line)
		}
	}

	if len(sections) == 0 {
		body := strings.TrimSpace(content)
		if body == "" {
			return nil
		}
		return []Section{{
			URL:          baseURL,
			SectionTitle: "Full Document",
			SectionOrder: 0,
			Content:      body,
			WordCount:    len(strings.Fields(body)),
		}}
	}

	out := make([]Section, 0, len(sections))
	for _, raw := range sections {
		body := strings.TrimSpace(strings.Join(raw.lines, "\n"))
		if body == "" || body == raw.title {
			continue
		}
		order := len(out)
		out = append(out, Section{
			URL:          fmt.Sprintf("%s#section-%d-%s", baseURL, order, Slugify(raw.title)),
			SectionTitle: raw.title,
			SectionOrder: order,
			Content:      body,
			WordCount:    len(strings.Fields(body)),
		})
	}
	return out
}

// isH1 matches top-level headings only: a single # followed by a space.
func isH1(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	return strings.HasPrefix(trimmed, "# ")
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
}

// Slugify lowercases, replaces non-alphanumeric runs with a single dash and
// trims dashes at both ends.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
