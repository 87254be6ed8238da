package rowparser

import (
	"testing"

	"github.com/portside/receiving/domain"
)

func linesOf(texts ...string) []domain.OCRLine {
	out := make([]domain.OCRLine, len(texts))
	for i, t := range texts {
		out[i] = domain.OCRLine{Text: t, Confidence: 1.0}
	}
	return out
}

// TestParse_S1CleanPackingSlip mirrors design §8 scenario S1: a clean PDF
// packing slip should parse with full coverage and no LLM involvement.
// Neither wired OCR path populates per-token bboxes (see anchors.go), so
// this exercises the regex pattern bank, not column-anchor geometry.
func TestParse_S1CleanPackingSlip(t *testing.T) {
	result := &domain.OCRResult{
		Lines: linesOf(
			"Qty Unit Part Description",
			"12 ea MTU-OF-4568 MTU Oil Filter",
			"8 ea KOH-AF-9902 Kohler Air Filter",
			"15 ea MTU-FF-4569 MTU Fuel Filter",
		),
	}
	pr := Parse(result)

	if pr.Coverage != 1.0 {
		t.Fatalf("expected coverage 1.0, got %v", pr.Coverage)
	}
	if pr.StructureConf != 0 {
		t.Fatalf("expected structure_conf 0 without token geometry, got %v", pr.StructureConf)
	}
	if len(pr.Lines) != 3 {
		t.Fatalf("expected 3 parsed lines, got %d", len(pr.Lines))
	}
	if pr.Lines[0].Qty != 12 || pr.Lines[0].Unit != "each" || pr.Lines[0].PartCode != "MTU-OF-4568" {
		t.Fatalf("unexpected first line: %+v", pr.Lines[0])
	}
	if pr.Lines[0].AnchorAligned {
		t.Fatal("regex pattern-bank matches must never report AnchorAligned")
	}
}

// token builds one per-token domain.OCRLine at the given pixel bbox, for
// tests that exercise real column-anchor geometry (see anchors.go).
func token(text string, x0, x1, y0, y1 float64) domain.OCRLine {
	return domain.OCRLine{Text: text, BBox: domain.BBox{X0: x0, Y0: y0, X1: x1, Y1: y1}, Confidence: 1.0}
}

// TestParse_ColumnAnchorsFromHeaderGeometry simulates a bbox-capable OCR
// engine: each header/data cell is its own token sharing a y-band with its
// row, letting the header row seed qty/unit/part/desc anchors (design
// §4.6 step 2) that subsequent rows are matched against by x-position
// (step 3) instead of falling to the regex pattern bank.
func TestParse_ColumnAnchorsFromHeaderGeometry(t *testing.T) {
	result := &domain.OCRResult{
		Lines: []domain.OCRLine{
			token("Qty", 0, 40, 0, 20),
			token("Unit", 50, 100, 0, 20),
			token("Part", 110, 200, 0, 20),
			token("Description", 210, 400, 0, 20),

			token("12", 5, 35, 25, 45),
			token("ea", 55, 95, 25, 45),
			token("MTU-OF-4568", 115, 195, 25, 45),
			token("MTU", 215, 250, 25, 45),
			token("Oil", 255, 280, 25, 45),
			token("Filter", 285, 320, 25, 45),

			token("8", 5, 35, 50, 70),
			token("ea", 55, 95, 50, 70),
			token("KOH-AF-9902", 115, 195, 50, 70),
			token("Kohler", 215, 260, 50, 70),
			token("Air", 265, 290, 50, 70),
			token("Filter", 295, 330, 50, 70),
		},
	}
	pr := Parse(result)

	if len(pr.Lines) != 2 {
		t.Fatalf("expected 2 parsed lines, got %d: %+v", len(pr.Lines), pr.Lines)
	}
	if pr.StructureConf != 1.0 {
		t.Fatalf("expected structure_conf 1.0 from column-anchor geometry, got %v", pr.StructureConf)
	}
	first := pr.Lines[0]
	if !first.AnchorAligned {
		t.Fatal("expected first line to be anchor aligned")
	}
	if first.Qty != 12 || first.Unit != "each" || first.PartCode != "MTU-OF-4568" || first.Description != "MTU Oil Filter" {
		t.Fatalf("unexpected anchor-aligned line: %+v", first)
	}
	if first.ParseConfidence != 0.95 {
		t.Fatalf("expected anchor+partcode confidence 0.95, got %v", first.ParseConfidence)
	}
}

func TestParse_DropsTotalsAndHeaderFromCoverage(t *testing.T) {
	result := &domain.OCRResult{
		Lines: linesOf(
			"Qty Unit Part Description",
			"12 ea MTU-OF-4568 MTU Oil Filter",
			"Subtotal 120.00",
			"----",
		),
	}
	pr := Parse(result)
	if len(pr.Lines) != 1 {
		t.Fatalf("expected 1 parsed line, got %d: %+v", len(pr.Lines), pr.Lines)
	}
	if pr.Coverage != 1.0 {
		t.Fatalf("expected coverage 1.0 after dropping totals/header/contentless rows, got %v", pr.Coverage)
	}
}

func TestParse_UnparsableRowLowersCoverage(t *testing.T) {
	result := &domain.OCRResult{
		Lines: linesOf(
			"12 ea MTU-OF-4568 MTU Oil Filter",
			"some unrelated freeform text with no quantity",
		),
	}
	pr := Parse(result)
	if pr.Coverage >= 1.0 {
		t.Fatalf("expected coverage < 1.0 with one unparsable row, got %v", pr.Coverage)
	}
	if len(pr.Lines) != 1 {
		t.Fatalf("expected exactly 1 parsed line, got %d", len(pr.Lines))
	}
}

func TestParse_QtyDescOnlyInfersUnitFromLexicon(t *testing.T) {
	result := &domain.OCRResult{
		Lines: linesOf("4 rags in a box"),
	}
	pr := Parse(result)
	if len(pr.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(pr.Lines))
	}
	if pr.Lines[0].Unit != "box" {
		t.Fatalf("expected unit inferred as box, got %q", pr.Lines[0].Unit)
	}
	if pr.Lines[0].AnchorAligned {
		t.Fatal("qty-desc-only fallback should not be anchor aligned")
	}
}

func TestParse_EmptyResult(t *testing.T) {
	pr := Parse(&domain.OCRResult{})
	if pr.Coverage != 0 || len(pr.Lines) != 0 {
		t.Fatalf("expected zero-value result for empty input, got %+v", pr)
	}
}
