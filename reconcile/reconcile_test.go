package reconcile

import (
	"testing"
	"time"
)

func TestNormaliseCode_CollidesVariants(t *testing.T) {
	want := "MTUOF4568"
	for _, in := range []string{"MTU-OF-4568", "mtu of 4568", "MTUOF4568"} {
		if got := NormaliseCode(in); got != want {
			t.Fatalf("NormaliseCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReconcile_ExactCodeWinsAsPrimary(t *testing.T) {
	rows := []PartRow{
		{PartID: "p1", Code: "MTU-OF-4568", Description: "MTU Oil Filter", LastStockMovedAt: time.Now()},
		{PartID: "p2", Code: "KOH-AF-9902", Description: "Kohler Air Filter", LastStockMovedAt: time.Now()},
	}
	result := Reconcile("MTU Oil Filter", "MTU-OF-4568", nil, nil, rows, "snap1")
	if result.Primary == nil || result.Primary.PartID != "p1" {
		t.Fatalf("expected p1 primary, got %+v", result.Primary)
	}
	if result.Primary.Score != 1.0 {
		t.Fatalf("expected exact-code score 1.0, got %v", result.Primary.Score)
	}
}

func TestReconcile_FuzzyDescriptionQualifies(t *testing.T) {
	rows := []PartRow{
		{PartID: "p1", Code: "XYZ-0001", Description: "MTU Oil Filter Cartridge", LastStockMovedAt: time.Now()},
	}
	result := Reconcile("MTU Oil Filter Cartridge", "", nil, nil, rows, "snap1")
	if result.Primary == nil {
		t.Fatalf("expected a qualifying primary from exact description match")
	}
}

func TestReconcile_BoostsCanPushBelowThresholdCandidateToQualify(t *testing.T) {
	rows := []PartRow{
		{PartID: "p1", Code: "ABC-1234", Description: "Totally different widget", LastStockMovedAt: time.Now()},
	}
	// base score for a near-miss description, boosted by shopping-list + recent-PO
	shoppingList := []ShoppingListLine{{PartID: "p1", OutstandingQty: 5}}
	recentPOs := []RecentPO{{PartID: "p1", ReceivedAt: time.Now()}}

	// "whatsits" vs "widget" scores about 0.77 on its own, below QualifyThreshold.
	withoutBoost := Reconcile("Totally different whatsits", "", nil, nil, rows, "snap1")
	withBoost := Reconcile("Totally different whatsits", "", shoppingList, recentPOs, rows, "snap1")

	if withoutBoost.Primary != nil {
		t.Fatalf("expected unboosted near-miss not to qualify, got %+v", withoutBoost.Primary)
	}
	if withBoost.Primary == nil {
		t.Fatalf("expected boosts to push the near-miss over QualifyThreshold")
	}
	if withBoost.Alternatives[0].Score <= withoutBoost.Alternatives[0].Score {
		t.Fatalf("expected boosted score to exceed unboosted: boosted=%v unboosted=%v",
			withBoost.Alternatives[0].Score, withoutBoost.Alternatives[0].Score)
	}
}

func TestReconcile_NoQualifyingCandidateLeavesPrimaryNil(t *testing.T) {
	rows := []PartRow{
		{PartID: "p1", Code: "ZZZ-9999", Description: "Completely unrelated part", LastStockMovedAt: time.Now()},
	}
	result := Reconcile("Banana smoothie recipe", "QQQ-0000", nil, nil, rows, "snap1")
	if result.Primary != nil {
		t.Fatalf("expected no primary, got %+v", result.Primary)
	}
}

func TestReconcile_TopThreeAlternativesOrderedByScore(t *testing.T) {
	now := time.Now()
	rows := []PartRow{
		{PartID: "p1", Code: "MTU-OF-4568", Description: "MTU Oil Filter", LastStockMovedAt: now},
		{PartID: "p2", Code: "MTU-OF-4567", Description: "MTU Oil Filter Similar", LastStockMovedAt: now},
		{PartID: "p3", Code: "KOH-AF-9902", Description: "Kohler Air Filter", LastStockMovedAt: now},
		{PartID: "p4", Code: "UNRELATED", Description: "Totally unrelated", LastStockMovedAt: now},
	}
	result := Reconcile("MTU Oil Filter", "MTU-OF-4568", nil, nil, rows, "snap1")
	if len(result.Alternatives) != 3 {
		t.Fatalf("expected 3 alternatives capped, got %d", len(result.Alternatives))
	}
	for i := 1; i < len(result.Alternatives); i++ {
		if result.Alternatives[i].Score > result.Alternatives[i-1].Score {
			t.Fatalf("alternatives not sorted descending: %+v", result.Alternatives)
		}
	}
}
