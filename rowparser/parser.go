package rowparser

import (
	"strings"

	"github.com/portside/receiving/domain"
)

// Parse applies design §4.6's algorithm to one OCRResult. Line grouping by
// baseline, and column-anchor seeding from the header row, are only
// meaningful when the engine populated per-token bounding boxes; the
// pdf-text path (package pdftext) and the vision-LLM engine currently wired
// (package ocr) do not, so rows there are taken one-per-OCR-line and every
// row falls through to the regex pattern bank (see rowparser/anchors.go's
// package doc for the honest scope of when anchor alignment can fire).
func Parse(result *domain.OCRResult) ParseResult {
	rows := groupRows(result.Lines)

	rowsContent := 0
	rowsParsed := 0
	anchorAligned := 0
	var lines []ParsedLine

	headerSeen := false
	var anchors []columnAnchor
	for idx, row := range rows {
		text := strings.TrimSpace(row.text)
		if text == "" {
			continue
		}

		if !headerSeen && isHeaderRow(text) {
			headerSeen = true
			anchors = deriveAnchors(row.tokens)
			continue // header rows excluded from the coverage denominator
		}
		if isTotalsRow(text) || isContentless(text) {
			continue // step 5: dropped before the coverage denominator
		}

		rowsContent++

		var pr patternResult
		var ok bool
		if anchors != nil {
			pr, ok = tryColumnAnchors(row.tokens, anchors)
		}
		if !ok {
			pr, ok = tryPatternBank(text)
		}
		if !ok {
			continue
		}
		rowsParsed++
		if pr.anchorLike {
			anchorAligned++
		}

		lines = append(lines, ParsedLine{
			Qty:             pr.qty,
			Unit:            pr.unit,
			Description:     pr.description,
			PartCode:        pr.partCode,
			RawSourceIdx:    idx,
			ParseConfidence: confidenceFor(pr),
			AnchorAligned:   pr.anchorLike,
		})
	}

	var coverage, structureConf float64
	if rowsContent > 0 {
		coverage = float64(rowsParsed) / float64(rowsContent)
	}
	if rowsParsed > 0 {
		structureConf = float64(anchorAligned) / float64(rowsParsed)
	}

	return ParseResult{
		Lines:          lines,
		Coverage:       coverage,
		StructureConf:  structureConf,
		PatternVersion: PatternBankVersion,
	}
}

func confidenceFor(pr patternResult) float64 {
	switch {
	case pr.anchorLike && pr.partCode != "":
		return 0.95
	case pr.anchorLike:
		return 0.85
	case pr.structured && pr.partCode != "":
		return 0.80
	case pr.structured:
		return 0.70
	case pr.partCode != "":
		return 0.70
	default:
		return 0.55
	}
}

// rowGroup is one clustered text row plus the OCR tokens that were joined
// to produce it, kept around so column-anchor matching can re-examine each
// token's own bbox rather than the row's aggregate text.
type rowGroup struct {
	text   string
	tokens []domain.OCRLine
}

// groupRows clusters OCR lines into text rows by baseline y-coordinate
// using a bandwidth equal to the median line height (design step 1). Lines
// with a degenerate (zero-height) bbox — as produced by the pdf-text path
// and the vision-LLM engine — are each treated as their own row, since
// those paths already emit one entry per transcribed line.
func groupRows(lines []domain.OCRLine) []rowGroup {
	if len(lines) == 0 {
		return nil
	}
	if !hasGeometry(lines) {
		rows := make([]rowGroup, len(lines))
		for i, l := range lines {
			rows[i] = rowGroup{text: l.Text, tokens: []domain.OCRLine{l}}
		}
		return rows
	}

	bandwidth := medianLineHeight(lines)
	if bandwidth <= 0 {
		bandwidth = 1
	}

	type cluster struct {
		y      float64
		tokens []domain.OCRLine
	}
	var clusters []cluster
	for _, l := range lines {
		y := (l.BBox.Y0 + l.BBox.Y1) / 2
		placed := false
		for i := range clusters {
			if abs(clusters[i].y-y) <= bandwidth/2 {
				clusters[i].tokens = append(clusters[i].tokens, l)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, cluster{y: y, tokens: []domain.OCRLine{l}})
		}
	}

	rows := make([]rowGroup, len(clusters))
	for i, c := range clusters {
		texts := make([]string, len(c.tokens))
		for j, t := range c.tokens {
			texts[j] = t.Text
		}
		rows[i] = rowGroup{text: strings.Join(texts, " "), tokens: c.tokens}
	}
	return rows
}

func hasGeometry(lines []domain.OCRLine) bool {
	for _, l := range lines {
		if l.BBox.Y1 != l.BBox.Y0 {
			return true
		}
	}
	return false
}

func medianLineHeight(lines []domain.OCRLine) float64 {
	heights := make([]float64, 0, len(lines))
	for _, l := range lines {
		h := l.BBox.Y1 - l.BBox.Y0
		if h > 0 {
			heights = append(heights, h)
		}
	}
	if len(heights) == 0 {
		return 0
	}
	// Simple insertion sort: line counts per row are small.
	for i := 1; i < len(heights); i++ {
		for j := i; j > 0 && heights[j-1] > heights[j]; j-- {
			heights[j-1], heights[j] = heights[j], heights[j-1]
		}
	}
	return heights[len(heights)/2]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
