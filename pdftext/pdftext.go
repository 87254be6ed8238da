// Package pdftext implements the PDF text path (design §4.5): embedded-text
// extraction via pdfcpu, falling through to OCR only when no page carries a
// usable text layer. Grounded on docpipe's pdfcpu-based extractor, adapted
// so line numbering is preserved across pages instead of resetting per
// page — a deliberate change from the source's first-page-only handling
// (design §9).
package pdftext

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/portside/receiving/domain"
)

// minLineTextChars is the design's "≥ 40 characters of non-whitespace
// text" threshold for accepting a page's embedded text layer.
const minLineTextChars = 40

// lineItemTokenRe recognises a digit-plus-unit or digit-plus-part-code
// token — the signal design §4.5 requires before trusting an embedded
// text layer over rasterising and running OCR.
var lineItemTokenRe = regexp.MustCompile(`(?i)\b\d+\s*(ea|box|case|pcs|kg|g|lb|m|ft|gal|l)\b|\b\d+[\w-]*[A-Z]{2,}[\w-]*\b`)

// Result is the outcome of attempting the embedded-text path on one PDF
// artifact.
type Result struct {
	// OCR is populated (engine_id "pdf-text", mean_confidence 1.0) when at
	// least one page passed the embedded-text acceptance test.
	OCR *domain.OCRResult
	// NeedsRaster lists the page numbers (1-based) that failed the
	// embedded-text acceptance test, whether or not other pages passed.
	// Their text is not included in OCR.
	NeedsRaster []int
	PageCount   int
	// HasImageStreams is true when the document embeds image XObjects,
	// e.g. a packing slip delivered as a full-page scan rather than a
	// text-native PDF. The pipeline orchestrator does not read it.
	HasImageStreams bool
}

// Extract reads a PDF from r and applies the embedded-text acceptance
// test per design §4.5. Lines across all pages are appended into a single
// continuous Lines slice — Lines' slice order IS the cross-page line
// number, so no per-page reset occurs.
func Extract(r io.Reader) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(r, conf)
	if err != nil {
		return nil, fmt.Errorf("pdftext: read PDF: %w", err)
	}

	var allText strings.Builder
	var lines []domain.OCRLine
	anyPageQualifies := false
	var needsRaster []int

	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		pageText := extractPageText(ctx, pageNr)
		qualifies := pageQualifies(pageText)
		if !qualifies {
			needsRaster = append(needsRaster, pageNr)
			continue
		}
		anyPageQualifies = true

		for _, lineText := range strings.Split(pageText, "\n") {
			lineText = strings.TrimSpace(lineText)
			if lineText == "" {
				continue
			}
			lines = append(lines, domain.OCRLine{Text: lineText, Confidence: 1.0})
		}
		if allText.Len() > 0 {
			allText.WriteByte('\n')
		}
		allText.WriteString(pageText)
	}

	res := &Result{PageCount: ctx.PageCount, NeedsRaster: needsRaster, HasImageStreams: detectImageStreams(ctx)}
	if anyPageQualifies {
		res.OCR = &domain.OCRResult{
			EngineID:       "pdf-text",
			Text:           allText.String(),
			MeanConfidence: 1.0,
			Lines:          lines,
			WordCount:      len(strings.Fields(allText.String())),
		}
	}
	return res, nil
}

// pageQualifies applies design §4.5's acceptance test: ≥ 40 non-whitespace
// characters AND at least one line-item-style token.
func pageQualifies(pageText string) bool {
	nonWS := 0
	for _, r := range pageText {
		if !unicode.IsSpace(r) {
			nonWS++
		}
	}
	if nonWS < minLineTextChars {
		return false
	}
	return lineItemTokenRe.MatchString(pageText)
}

func extractPageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return cleanText(extractTextFromStream(data))
}

// detectImageStreams reports whether the document carries image XObjects,
// a cheap signal the quality heuristic (C1) can use for photographed
// packing slips embedded as full-page scans.
func detectImageStreams(ctx *model.Context) bool {
	if ctx.Optimize != nil {
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromStream parses a page's content stream operators for text,
// handling Tj/TJ/'/Td/TD/T* — enough to recover line-item tables without a
// full PDF rendering pipeline.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteString(text)
				}
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					for j := 0; j < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; j++ {
						i++
						val = val*8 + int(raw[i]-'0')
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

func cleanText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if r == '\n' {
				sb.WriteByte('\n')
				prevSpace = true
			} else if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
