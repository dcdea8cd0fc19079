// Package chunker splits markdown into retrieval-sized chunks without ever
// breaking a fenced code block.
package chunker

import (
	"regexp"
	"strings"
)

// DefaultChunkSize is the target chunk size in characters.
const DefaultChunkSize = 4000

// minBoundaryRatio stops backtracking from producing tiny chunks: a split
// boundary is only taken when it sits past this fraction of the buffer.
const minBoundaryRatio = 0.3

// Chunker splits documents to a target size.
type Chunker struct {
	size int
}

// New returns a chunker with the given target size in characters; sizes
// below 1 fall back to the default.
func New(size int) *Chunker {
	if size < 1 {
		size = DefaultChunkSize
	}
	return &Chunker{size: size}
}

// unit is one indivisible piece of the document: a whole fence block or a
// single line.
type unit struct {
	text    string
	fence   bool
	heading bool
	blank   bool
}

// Chunk splits content into ordered chunks. Every chunk is at most the
// target size except when a single code fence is larger, in which case the
// fence becomes an oversized chunk of its own. Fence delimiters always come
// in pairs within a chunk; a runaway trailing fence is closed at end of
// document.
func (c *Chunker) Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= c.size {
		return []string{content}
	}

	units := parseUnits(content)

	var chunks []string
	var buf []unit
	bufLen := 0

	flush := func() {
		if text := joinUnits(buf); text != "" {
			chunks = append(chunks, text)
		}
		buf = buf[:0]
		bufLen = 0
	}

	push := func(u unit) {
		buf = append(buf, u)
		bufLen += len(u.text) + 1
	}

	for _, u := range units {
		if bufLen+len(u.text) <= c.size {
			push(u)
			continue
		}

		// Oversized single unit: fences stay whole, long lines get split
		// by sentence then word.
		if len(u.text) > c.size {
			flush()
			if u.fence {
				chunks = append(chunks, u.text)
			} else {
				chunks = append(chunks, splitLongLine(u.text, c.size)...)
			}
			continue
		}

		// The unit does not fit: find the best boundary inside the buffer
		// and carry the tail into the next chunk.
		tail := c.backtrack(buf, bufLen)
		keep := buf[:len(buf)-len(tail)]
		carried := append([]unit(nil), tail...)

		buf = keep
		flush()
		for _, t := range carried {
			push(t)
		}
		push(u)
	}
	flush()
	return chunks
}

// backtrack returns the buffer tail that should move into the next chunk so
// the split lands on the best boundary: a heading first, a blank line
// otherwise. An empty tail means splitting right here is fine.
func (c *Chunker) backtrack(buf []unit, bufLen int) []unit {
	minPos := int(float64(bufLen) * minBoundaryRatio)

	// Prefer a boundary immediately before a heading.
	pos := 0
	for i, u := range buf {
		if u.heading && pos > minPos {
			return buf[i:]
		}
		pos += len(u.text) + 1
	}

	// Otherwise a blank line: the tail starts after it.
	pos = 0
	for i, u := range buf {
		if u.blank && pos > minPos && i+1 < len(buf) {
			return buf[i+1:]
		}
		pos += len(u.text) + 1
	}
	return nil
}

var fenceOpen = regexp.MustCompile("^\\s*```")

// parseUnits splits the document into fence blocks and single lines.
func parseUnits(content string) []unit {
	lines := strings.Split(content, "\n")
	var units []unit

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !fenceOpen.MatchString(line) {
			trimmed := strings.TrimSpace(line)
			units = append(units, unit{
				text:    line,
				heading: strings.HasPrefix(trimmed, "#"),
				blank:   trimmed == "",
			})
			continue
		}

		// Collect until the closing fence; a runaway fence is closed at
		// end of document.
		block := []string{line}
		closed := false
		for i++; i < len(lines); i++ {
			block = append(block, lines[i])
			if fenceOpen.MatchString(lines[i]) {
				closed = true
				break
			}
		}
		if !closed {
			block = append(block, "```")
		}
		units = append(units, unit{text: strings.Join(block, "\n"), fence: true})
	}
	return units
}

func joinUnits(units []unit) string {
	parts := make([]string, len(units))
	for i, u := range units {
		parts[i] = u.text
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// splitLongLine breaks a single overlong line, preferring sentence ends,
// then word boundaries, then an exact cut.
func splitLongLine(line string, size int) []string {
	var out []string
	for len(line) > size {
		window := line[:size]
		cut := -1

		if locs := sentenceEnd.FindAllStringIndex(window, -1); len(locs) > 0 {
			last := locs[len(locs)-1]
			if last[1] > int(float64(size)*minBoundaryRatio) {
				cut = last[1]
			}
		}
		if cut < 0 {
			if idx := strings.LastIndexByte(window, ' '); idx > int(float64(size)*minBoundaryRatio) {
				cut = idx + 1
			}
		}
		if cut < 0 {
			cut = size
		}

		if piece := strings.TrimSpace(line[:cut]); piece != "" {
			out = append(out, piece)
		}
		line = line[cut:]
	}
	if piece := strings.TrimSpace(line); piece != "" {
		out = append(out, piece)
	}
	return out
}
