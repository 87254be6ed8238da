package rowparser

import (
	"strings"

	"github.com/portside/receiving/domain"
)

// Column-anchor detection implements design §4.6 step 2/3: a header row
// seeds x-interval anchors for qty/unit/part/desc/price, and subsequent
// rows are matched against those anchors by token x-position rather than
// by regex. This only fires when the upstream OCR result carries per-token
// geometry (each domain.OCRLine a single word/token with its own BBox,
// several of them sharing a row's y-band) — neither path currently wired
// into this module supplies that: pdftext's embedded-text extraction and
// ocr.VisionEngine's chat-completion transcription both emit one
// zero-height-bbox OCRLine per whole text line, never per token. Rows from
// either path always fall straight to the regex pattern bank in
// patterns.go. The anchor machinery below is fully implemented and tested
// against synthetic per-token bboxes so a future bbox-capable engine (e.g.
// a native Tesseract-style OCR backend) needs no rowparser changes to
// start producing genuinely anchor-aligned rows.

// columnKind names which field a header token's x-range anchors.
type columnKind int

const (
	colQty columnKind = iota
	colUnit
	colPart
	colDesc
	colPrice
)

// columnAnchor is one column's x-interval, seeded from a header token.
type columnAnchor struct {
	kind   columnKind
	x0, x1 float64
}

var columnHeaderKeywords = map[columnKind][]string{
	colQty:   {"qty", "quantity"},
	colUnit:  {"unit", "uom"},
	colPart:  {"part", "partno", "p/n", "sku", "item#"},
	colDesc:  {"desc", "description"},
	colPrice: {"price", "cost", "amount"},
}

// classifyHeaderToken matches a header cell's text against the known
// column vocabulary, longest/most-specific keyword first so e.g. "unit
// price" prefers colPrice over colUnit.
func classifyHeaderToken(text string) (columnKind, bool) {
	norm := strings.ToLower(strings.Trim(text, ":.- "))
	if norm == "" {
		return 0, false
	}
	for _, kind := range []columnKind{colPrice, colDesc, colPart, colUnit, colQty} {
		for _, w := range columnHeaderKeywords[kind] {
			if norm == w || strings.Contains(norm, w) {
				return kind, true
			}
		}
	}
	return 0, false
}

// deriveAnchors seeds column anchors from a header row's constituent OCR
// tokens. Returns nil if fewer than two columns were recognised, or if the
// header tokens carry no real geometry — too little to usefully constrain
// subsequent rows, so the caller falls back to the pattern bank entirely.
func deriveAnchors(headerTokens []domain.OCRLine) []columnAnchor {
	if !hasGeometry(headerTokens) {
		return nil
	}
	var anchors []columnAnchor
	for _, t := range headerTokens {
		kind, ok := classifyHeaderToken(t.Text)
		if !ok {
			continue
		}
		anchors = append(anchors, columnAnchor{kind: kind, x0: t.BBox.X0, x1: t.BBox.X1})
	}
	if len(anchors) < 2 {
		return nil
	}
	return anchors
}

// anchorPadRatio widens each header-seeded interval so a data row's token,
// which rarely aligns to the pixel with its header cell, still falls
// inside its column: 60% of the column's own width on each side.
const anchorPadRatio = 0.6

// matchAnchor assigns one token to the anchor whose padded interval
// contains the token's x-midpoint and whose center is closest to it.
func matchAnchor(anchors []columnAnchor, tok domain.OCRLine) (columnKind, bool) {
	mid := (tok.BBox.X0 + tok.BBox.X1) / 2
	best := -1
	var bestDist float64
	for i, a := range anchors {
		width := a.x1 - a.x0
		if width <= 0 {
			width = 1
		}
		pad := width * anchorPadRatio
		if mid < a.x0-pad || mid > a.x1+pad {
			continue
		}
		d := abs((a.x0+a.x1)/2 - mid)
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best == -1 {
		return 0, false
	}
	return anchors[best].kind, true
}

// tryColumnAnchors assigns each token in a data row to its nearest column
// anchor by x-position overlap and reassembles qty/unit/part/description
// from the buckets. Returns ok=false if the row's tokens carry no
// geometry, or too little resolved against the anchors to trust over the
// pattern bank (no qty or no description bucket populated).
func tryColumnAnchors(tokens []domain.OCRLine, anchors []columnAnchor) (patternResult, bool) {
	if len(anchors) == 0 || !hasGeometry(tokens) {
		return patternResult{}, false
	}

	var qtyToks, unitToks, partToks, descToks []string
	for _, tok := range tokens {
		text := strings.TrimSpace(tok.Text)
		if text == "" {
			continue
		}
		kind, ok := matchAnchor(anchors, tok)
		if !ok {
			continue
		}
		switch kind {
		case colQty:
			qtyToks = append(qtyToks, text)
		case colUnit:
			unitToks = append(unitToks, text)
		case colPart:
			partToks = append(partToks, text)
		case colDesc:
			descToks = append(descToks, text)
		case colPrice:
			// Recognised so price-column tokens don't leak into the
			// description bucket; ParsedLine has no price field to carry
			// it forward to yet.
		}
	}
	if len(qtyToks) == 0 || len(descToks) == 0 {
		return patternResult{}, false
	}

	qty, ok := parseQty(strings.Join(qtyToks, ""))
	if !ok {
		return patternResult{}, false
	}

	unit := unknownUnit
	if len(unitToks) > 0 {
		unit = normaliseUnit(strings.Join(unitToks, " "))
	}

	return patternResult{
		qty:         qty,
		unit:        unit,
		partCode:    strings.Join(partToks, " "),
		description: strings.Join(descToks, " "),
		anchorLike:  true,
	}, true
}
