// Package reconcile matches a parsed line against a tenant's parts catalog
// (design §4.9): normalised exact/fuzzy code and fuzzy description scoring,
// shopping-list and recent-PO confidence boosts, and a 0.80 qualification
// threshold for suggesting a primary match.
package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/portside/receiving/domain"
)

// QualifyThreshold is the minimum score for a candidate to be suggested as
// primary (design §4.9 step 5).
const QualifyThreshold = 0.80

const (
	shoppingListBoost = 0.15
	recentPOBoost     = 0.10
)

// PartRow is one catalog entry as returned by Catalog.LookupParts.
type PartRow struct {
	PartID           string
	Code             string
	Description      string
	LastStockMovedAt time.Time
}

// ShoppingListLine is an open shopping-list entry with outstanding qty.
type ShoppingListLine struct {
	PartID        string
	OutstandingQty float64
}

// RecentPO is a PO received within the lookback window.
type RecentPO struct {
	PartID     string
	ReceivedAt time.Time
}

// Catalog is the read-only tenant data reconciliation needs. Concrete
// implementations live in internal/sqlitestore.
type Catalog interface {
	LookupParts(ctx context.Context, tenantID, snapshotID string) ([]PartRow, error)
	ShoppingListOpen(ctx context.Context, tenantID string) ([]ShoppingListLine, error)
	RecentPOs(ctx context.Context, tenantID string, since time.Time) ([]RecentPO, error)
	SnapshotID(ctx context.Context, tenantID string) (string, error)
}

// RecentPOWindow is how far back "recent PO" looks (design §4.9: 90 days).
const RecentPOWindow = 90 * 24 * time.Hour

// Result is what Reconcile returns.
type Result struct {
	Primary      *domain.Match
	Alternatives []domain.Match
	SnapshotID   string
}

// NormaliseCode uppercases and strips non-alphanumerics so "MTU-OF-4568",
// "mtu of 4568", and "MTUOF4568" collide (design §4.9 step 1).
func NormaliseCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fuzzyRatio returns a token-sort-ratio-style similarity in [0,1]: tokens
// of both strings are sorted and rejoined before a normalised-Levenshtein
// comparison, so token order differences ("Oil Filter MTU" vs
// "MTU Oil Filter") don't penalise the score.
func fuzzyRatio(a, b string) float64 {
	a = tokenSort(a)
	b = tokenSort(b)
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	ratio := 1 - float64(dist)/float64(maxLen)
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

func tokenSort(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

type scored struct {
	row     PartRow
	score   float64
	reasons []string
}

// Reconcile scores every catalog row against the line and returns the
// primary (if qualifying) plus up to 3 alternatives, highest score first,
// ties broken by recency of last stock movement (design §4.9 step 5).
// Callers fetch rows/shoppingList/recentPOs from a Catalog (see package
// internal/sqlitestore) before calling Reconcile, keeping this function
// pure and deterministic for a fixed snapshot.
func Reconcile(description, extractedCode string, shoppingList []ShoppingListLine, recentPOs []RecentPO, rows []PartRow, snapshotID string) Result {
	normCode := NormaliseCode(extractedCode)

	shoppingListBoosted := make(map[string]bool, len(shoppingList))
	for _, sl := range shoppingList {
		if sl.OutstandingQty > 0 {
			shoppingListBoosted[sl.PartID] = true
		}
	}
	recentPOBoosted := make(map[string]bool, len(recentPOs))
	for _, po := range recentPOs {
		recentPOBoosted[po.PartID] = true
	}

	candidates := make([]scored, 0, len(rows))
	for _, row := range rows {
		base, reason := baseScore(normCode, extractedCode, description, row)
		score := base
		reasons := []string{reason}

		if shoppingListBoosted[row.PartID] {
			score += shoppingListBoost
			reasons = append(reasons, "shopping_list_boost")
		}
		if recentPOBoosted[row.PartID] {
			score += recentPOBoost
			reasons = append(reasons, "recent_po_boost")
		}
		if score > 1.0 {
			score = 1.0
		}

		candidates = append(candidates, scored{row: row, score: score, reasons: reasons})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].row.LastStockMovedAt.After(candidates[j].row.LastStockMovedAt)
	})

	result := Result{SnapshotID: snapshotID}
	limit := len(candidates)
	if limit > 3 {
		limit = 3
	}
	for i := 0; i < limit; i++ {
		c := candidates[i]
		m := domain.Match{PartID: c.row.PartID, Score: c.score, ReasonCodes: c.reasons}
		result.Alternatives = append(result.Alternatives, m)
		if i == 0 && c.score >= QualifyThreshold {
			mCopy := m
			result.Primary = &mCopy
		}
	}
	return result
}

// baseScore computes design §4.9 step 2-3: the max of exact_code,
// fuzzy_code, and fuzzy_desc, with the winning reason recorded.
func baseScore(normCode, rawCode, description string, row PartRow) (float64, string) {
	best := 0.0
	reason := "fuzzy_desc"

	if normCode != "" && normCode == NormaliseCode(row.Code) {
		return 1.0, "exact_code"
	}

	if rawCode != "" {
		if r := fuzzyRatio(rawCode, row.Code); r > best {
			best, reason = r, "fuzzy_code"
		}
	}
	if description != "" {
		if r := fuzzyRatio(description, row.Description); r > best {
			best, reason = r, "fuzzy_desc"
		}
	}
	return best, reason
}
