package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/logging"
)

// minExtractedChars is the threshold below which PDF text extraction is
// considered to have failed (scanned documents) and OCR is attempted.
const minExtractedChars = 100

// Processor converts uploaded documents into markdown.
type Processor struct {
	log zerolog.Logger
}

// NewProcessor returns a document processor.
func NewProcessor() *Processor {
	return &Processor{log: logging.Component("extract")}
}

// Document is the processed form of one upload.
type Document struct {
	Markdown string
	Title    string
}

// Process dispatches on the file extension. Markdown and plain text pass
// through untouched apart from code-span repair; PDFs go through text
// extraction with an OCR fallback.
func (p *Processor) Process(ctx context.Context, filename string, data []byte) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	switch ext {
	case ".md", ".markdown", ".txt":
		return &Document{Markdown: RepairCodeSpans(string(data)), Title: title}, nil
	case ".pdf":
		md, err := p.processPDF(ctx, data)
		if err != nil {
			return nil, err
		}
		return &Document{Markdown: md, Title: title}, nil
	default:
		return nil, archerr.New(archerr.KindValidation, "unsupported file type %q", ext)
	}
}

// processPDF extracts text per page. When extraction yields too little text
// (image-only scans) and the OCR toolchain is present, each page is
// rasterised and run through Tesseract instead.
func (p *Processor) processPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", archerr.Wrap(archerr.KindValidation, err, "parse pdf")
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			p.log.Debug().Err(err).Int("page", i).Msg("page text extraction failed")
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	extracted := strings.TrimSpace(b.String())
	if len(extracted) >= minExtractedChars {
		return RepairCodeSpans(extracted), nil
	}

	if !ocrAvailable() {
		if extracted == "" {
			return "", archerr.New(archerr.KindValidation,
				"pdf contains no extractable text and OCR tools are not installed")
		}
		p.log.Warn().Int("chars", len(extracted)).Msg("sparse pdf extraction, OCR unavailable")
		return RepairCodeSpans(extracted), nil
	}

	p.log.Info().Int("chars", len(extracted)).Msg("falling back to OCR")
	ocred, err := p.ocrPDF(ctx, data)
	if err != nil {
		if extracted != "" {
			p.log.Warn().Err(err).Msg("OCR failed, keeping sparse extraction")
			return RepairCodeSpans(extracted), nil
		}
		return "", err
	}
	return RepairCodeSpans(ocred), nil
}

// ocrAvailable reports whether the external OCR toolchain is installed.
func ocrAvailable() bool {
	_, err1 := exec.LookPath("pdftoppm")
	_, err2 := exec.LookPath("tesseract")
	return err1 == nil && err2 == nil
}

// ocrPDF rasterises the document at 300 DPI and runs Tesseract per page,
// joining results with page separators.
func (p *Processor) ocrPDF(ctx context.Context, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "archon-ocr-*")
	if err != nil {
		return "", archerr.Wrap(archerr.KindInternal, err, "create ocr workspace")
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return "", archerr.Wrap(archerr.KindInternal, err, "write ocr input")
	}

	raster := exec.CommandContext(ctx, "pdftoppm", "-r", "300", "-png", pdfPath, filepath.Join(dir, "page"))
	if out, err := raster.CombinedOutput(); err != nil {
		return "", archerr.Wrap(archerr.KindInternal, err, "rasterise pdf: %s", out)
	}

	images, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil || len(images) == 0 {
		return "", archerr.New(archerr.KindInternal, "rasterisation produced no pages")
	}

	var b strings.Builder
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return "", archerr.ErrCancelled
		}
		ocr := exec.CommandContext(ctx, "tesseract", img, "stdout")
		out, err := ocr.Output()
		if err != nil {
			p.log.Warn().Err(err).Str("page", img).Msg("tesseract failed on page")
			continue
		}
		fmt.Fprintf(&b, "--- Page %d ---\n\n%s\n\n", i+1, strings.TrimSpace(string(out)))
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", archerr.New(archerr.KindInternal, "OCR produced no text")
	}
	return text, nil
}

var spanJoin = regexp.MustCompile(`(\w)\s+([/-])\s+(\w)`)

// RepairCodeSpans joins tokens inside fenced code blocks that an HTML-to-text
// pass split with whitespace around / and -, so "next / headers" becomes
// "next/headers". Prose outside fences is left alone.
func RepairCodeSpans(content string) string {
	lines := strings.Split(content, "\n")
	inFence := false
	for i, line := range lines {
		if isFenceLine(line) {
			inFence = !inFence
			continue
		}
		if !inFence {
			continue
		}
		repaired := line
		for {
			next := spanJoin.ReplaceAllString(repaired, "$1$2$3")
			if next == repaired {
				break
			}
			repaired = next
		}
		lines[i] = repaired
	}
	return strings.Join(lines, "\n")
}
