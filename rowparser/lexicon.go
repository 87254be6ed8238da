package rowparser

import "strings"

// headerKeywords is the multilingual lexicon design §4.6 step 2 requires:
// a row with >= 2 hits seeds the column anchors.
var headerKeywords = []string{
	"qty", "quantity", "unit", "description", "item", "part", "price", "each", "total",
	"cant", "cantidad", "unidad", "descripcion", "articulo", "precio", "cada",
	"qte", "unite", "description", "article", "prix", "chacun",
}

// totalsKeywords identify rows that are totals/subtotals/tax lines, dropped
// before the coverage denominator per step 5.
var totalsKeywords = []string{
	"total", "subtotal", "sub-total", "tax", "vat", "shipping", "freight", "balance due",
}

// unitAliases maps recognised unit spellings to the closed unit set.
var unitAliases = map[string]string{
	"ea": "each", "each": "each", "pc": "pcs", "pcs": "pcs", "piece": "pcs", "pieces": "pcs",
	"box": "box", "bx": "box", "boxes": "box",
	"case": "case", "cs": "case", "cases": "case",
	"kg": "kg", "kgs": "kg",
	"g": "g", "gr": "g", "gm": "g",
	"lb": "lb", "lbs": "lb", "pound": "lb", "pounds": "lb",
	"m": "m", "mtr": "m", "meter": "m", "meters": "m", "metre": "m",
	"ft": "ft", "feet": "ft", "foot": "ft",
	"gal": "gal", "gallon": "gal", "gallons": "gal",
	"l": "l", "lt": "l", "liter": "l", "litre": "l", "liters": "l",
}

// unknownUnit is returned when a unit token cannot be normalised to the
// closed set (design §4.6).
const unknownUnit = "unit?"

func normaliseUnit(tok string) string {
	if u, ok := unitAliases[strings.ToLower(tok)]; ok {
		return u
	}
	return unknownUnit
}

func countHeaderHits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range headerKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

func isHeaderRow(text string) bool { return countHeaderHits(text) >= 2 }

func isTotalsRow(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range totalsKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// isContentless reports whether a row's text is purely non-alphanumeric
// (e.g. a rule of dashes, a page number alone) and so is excluded from
// the coverage denominator regardless of header/totals status.
func isContentless(text string) bool {
	hasAlnum := false
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			hasAlnum = true
			break
		}
	}
	return !hasAlnum
}
