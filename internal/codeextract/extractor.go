// Package codeextract finds fenced code blocks in markdown and turns the
// substantial ones into standalone code examples with surrounding context.
package codeextract

import (
	"html"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/logging"
)

const (
	// DefaultMinLength filters out trivial snippets.
	DefaultMinLength = 250

	// proseThreshold drops blocks whose lines read like sentences rather
	// than code.
	proseThreshold = 0.6

	// maxEntityPasses bounds iterative HTML entity decoding so
	// triple-encoded sequences resolve without looping forever.
	maxEntityPasses = 3

	// maxRecursionDepth bounds descent into malformed nested fences.
	maxRecursionDepth = 3

	// contextLines is how many surrounding lines are kept on each side.
	contextLines = 5
)

// Block is one extracted code example.
type Block struct {
	Code          string `json:"code"`
	Language      string `json:"language"`
	ContextBefore string `json:"context_before"`
	ContextAfter  string `json:"context_after"`
}

// Extractor scans markdown for code blocks worth indexing.
type Extractor struct {
	minLength int
	log       zerolog.Logger
}

// New returns an extractor; minLength below 1 falls back to the default.
func New(minLength int) *Extractor {
	if minLength < 1 {
		minLength = DefaultMinLength
	}
	return &Extractor{minLength: minLength, log: logging.Component("codeextract")}
}

var (
	fenceOpenRe = regexp.MustCompile("^```([A-Za-z0-9_+.-]*)$")
	fenceClose  = "```"
	// nestedFenceRe matches the pathological ```X` shape produced by
	// double-rendered markdown.
	nestedFenceRe = regexp.MustCompile("^```.*`")
)

// Extract returns the filtered, deduplicated code blocks of a document.
func (e *Extractor) Extract(markdown string) []Block {
	blocks := e.extract(markdown, 0)

	seen := make(map[string]bool, len(blocks))
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		key := strings.Join(strings.Fields(b.Code), " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}

func (e *Extractor) extract(markdown string, depth int) []Block {
	if depth >= maxRecursionDepth {
		return nil
	}
	lines := strings.Split(markdown, "\n")

	var blocks []Block
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")

		if nestedFenceRe.MatchString(line) && !fenceOpenRe.MatchString(line) {
			// Malformed nesting: retry on the inner content.
			inner := strings.Join(lines[i+1:], "\n")
			blocks = append(blocks, e.extract(inner, depth+1)...)
			break
		}

		m := fenceOpenRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimRight(lines[j], "\r") == fenceClose {
				closed = true
				break
			}
			body = append(body, lines[j])
		}
		if !closed {
			break
		}

		code := decodeEntities(strings.Join(body, "\n"))
		if block, ok := e.buildBlock(code, strings.ToLower(m[1]), lines, i, j); ok {
			blocks = append(blocks, block)
		}
		i = j
	}
	return blocks
}

func (e *Extractor) buildBlock(code, language string, lines []string, open, close int) (Block, bool) {
	if len(code) < e.minLength {
		return Block{}, false
	}
	if ratio := proseRatio(code); ratio > proseThreshold {
		e.log.Debug().Float64("ratio", ratio).Msg("dropping prose-like block")
		return Block{}, false
	}
	return Block{
		Code:          code,
		Language:      language,
		ContextBefore: contextWindow(lines, open-contextLines, open),
		ContextAfter:  contextWindow(lines, close+1, close+1+contextLines),
	}, true
}

// contextWindow joins the trimmed non-empty lines of lines[from:to].
func contextWindow(lines []string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(lines) {
		to = len(lines)
	}
	var kept []string
	for _, line := range lines[from:to] {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}

// decodeEntities unescapes HTML entities iteratively so double and triple
// encoded sequences fully resolve.
func decodeEntities(s string) string {
	for i := 0; i < maxEntityPasses; i++ {
		decoded := html.UnescapeString(s)
		if decoded == s {
			break
		}
		s = decoded
	}
	return s
}

var (
	sentenceEndRe = regexp.MustCompile(`[.!?]["')]*$`)
	codeTokenRe   = regexp.MustCompile(`[{}();=<>\[\]]|:=|->|=>|\$\s|` +
		`^\s*(import|from|def|func|class|return|const|var|let|if|for|while|package|public|private)\b`)
)

// proseRatio is the fraction of non-empty lines that end like sentences and
// contain no code-like tokens.
func proseRatio(code string) float64 {
	lines := strings.Split(code, "\n")
	total, prose := 0, 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		total++
		if sentenceEndRe.MatchString(trimmed) && !codeTokenRe.MatchString(trimmed) {
			prose++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(prose) / float64(total)
}
