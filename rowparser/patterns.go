package rowparser

import (
	"regexp"
	"strconv"
	"strings"
)

// partCodeRe recognises a part-code-shaped token: a run of >=2 letters or
// digits followed by one or more dash-separated letter/digit groups —
// enough to pull "MTU-OF-4568" out of a row without a catalog lookup.
// Codes without a dash (or split by spaces) are not recognised.
var partCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{2,}(?:[-][A-Za-z0-9]{1,})+$`)

// qtyRe recognises a leading quantity: an integer or simple rational
// ("1/2"), optionally with a decimal point.
var qtyRe = regexp.MustCompile(`^\d+(?:\.\d+)?(?:/\d+)?$`)

func parseQty(tok string) (float64, bool) {
	if !qtyRe.MatchString(tok) {
		return 0, false
	}
	if strings.Contains(tok, "/") {
		parts := strings.SplitN(tok, "/", 2)
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil || den == 0 {
			return 0, false
		}
		return num / den, true
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// patternResult is what one pattern-bank (or column-anchor) attempt
// produces. anchorLike is true only for genuine bounding-box column-anchor
// matches (see anchors.go); structured distinguishes a rigid regex shape
// (qty-unit-first, parenthesised part/desc) from the loose qty-description
// fallback, without claiming geometry it doesn't have.
type patternResult struct {
	qty         float64
	unit        string
	description string
	partCode    string
	anchorLike  bool
	structured  bool
}

// tryPatternBank attempts each pattern in order and returns the first hit.
// Patterns mirror design §4.6's examples: qty-unit-first, parenthesised
// part-desc-qty-unit, and a bare qty-description fallback that infers the
// unit from the description lexicon.
func tryPatternBank(text string) (patternResult, bool) {
	tokens := strings.Fields(text)
	if len(tokens) < 2 {
		return patternResult{}, false
	}

	if r, ok := tryQtyUnitFirst(tokens); ok {
		return r, true
	}
	if r, ok := tryParenthesisedPartDesc(text); ok {
		return r, true
	}
	if r, ok := tryQtyDescOnly(tokens); ok {
		return r, true
	}
	return patternResult{}, false
}

// tryQtyUnitFirst handles "<qty> <unit> [<part>] <desc...>".
func tryQtyUnitFirst(tokens []string) (patternResult, bool) {
	qty, ok := parseQty(tokens[0])
	if !ok {
		return patternResult{}, false
	}
	if len(tokens) < 2 {
		return patternResult{}, false
	}
	unit := normaliseUnit(tokens[1])
	if unit == unknownUnit {
		return patternResult{}, false
	}

	rest := tokens[2:]
	partCode := ""
	descTokens := rest
	if len(rest) > 0 && partCodeRe.MatchString(rest[0]) {
		partCode = rest[0]
		descTokens = rest[1:]
	}
	if len(descTokens) == 0 {
		return patternResult{}, false
	}

	return patternResult{
		qty: qty, unit: unit, partCode: partCode,
		description: strings.Join(descTokens, " "),
		structured:  true,
	}, true
}

// parenPartDescRe matches "<part> <sep> <desc> (<qty> <unit>)" shapes, e.g.
// "MTU-OF-4568 - MTU Oil Filter (12 ea)".
var parenPartDescRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9\-]{2,})\s*[-:]\s*(.+?)\s*\((\d+(?:\.\d+)?)\s*([A-Za-z]+)\)$`)

func tryParenthesisedPartDesc(text string) (patternResult, bool) {
	m := parenPartDescRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return patternResult{}, false
	}
	qty, ok := parseQty(m[3])
	if !ok {
		return patternResult{}, false
	}
	unit := normaliseUnit(m[4])
	return patternResult{
		partCode: m[1], description: m[2], qty: qty, unit: unit,
		structured: unit != unknownUnit,
	}, true
}

// tryQtyDescOnly handles "<qty> <description...>", inferring the unit from
// a unit word found anywhere in the description, defaulting to "unit?".
func tryQtyDescOnly(tokens []string) (patternResult, bool) {
	qty, ok := parseQty(tokens[0])
	if !ok || len(tokens) < 2 {
		return patternResult{}, false
	}
	rest := tokens[1:]

	unit := unknownUnit
	descTokens := make([]string, 0, len(rest))
	for _, tok := range rest {
		if unit == unknownUnit {
			if u := normaliseUnit(tok); u != unknownUnit {
				unit = u
				continue
			}
		}
		descTokens = append(descTokens, tok)
	}
	if len(descTokens) == 0 {
		return patternResult{}, false
	}

	partCode := ""
	for i, tok := range descTokens {
		if partCodeRe.MatchString(tok) {
			partCode = tok
			descTokens = append(descTokens[:i:i], descTokens[i+1:]...)
			break
		}
	}

	return patternResult{
		qty: qty, unit: unit, partCode: partCode,
		description: strings.Join(descTokens, " "),
		anchorLike:  false, // regex fallback, not column-geometry aligned
	}, true
}
