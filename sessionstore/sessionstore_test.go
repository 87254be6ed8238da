package sessionstore

import (
	"context"
	"testing"

	"github.com/portside/receiving/domain"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCanTransition_OnlyLegalEdgesAllowed(t *testing.T) {
	cases := []struct {
		from, to domain.SessionState
		want     bool
	}{
		{domain.SessionDraft, domain.SessionVerifying, true},
		{domain.SessionDraft, domain.SessionAbandoned, true},
		{domain.SessionDraft, domain.SessionCommitted, false},
		{domain.SessionVerifying, domain.SessionCommitted, true},
		{domain.SessionVerifying, domain.SessionAbandoned, true},
		{domain.SessionVerifying, domain.SessionDraft, false},
		{domain.SessionCommitted, domain.SessionAbandoned, false},
		{domain.SessionAbandoned, domain.SessionDraft, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCreateSession_StartsInDraft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "s1", "tenant1", "user1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.State != domain.SessionDraft {
		t.Fatalf("expected draft, got %s", sess.State)
	}
}

func TestVerifyLine_TransitionsDraftToVerifyingOnFirstVerification(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "tenant1", "user1")
	store.AppendDraftLine(ctx, &domain.DraftLine{LineID: "l1", SessionID: "s1", Qty: 1, Unit: "each", Description: "x"})

	if err := store.VerifyLine(ctx, "s1", "l1", "user1", "", nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	sess, _ := store.GetSession(ctx, "s1")
	if sess.State != domain.SessionVerifying {
		t.Fatalf("expected verifying after first verification, got %s", sess.State)
	}
}

func TestVerifyLine_RejectsDamagedDiscrepancyWithoutEvidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "tenant1", "user1")
	store.AppendDraftLine(ctx, &domain.DraftLine{LineID: "l1", SessionID: "s1", Qty: 1, Unit: "each", Description: "x"})

	err := store.VerifyLine(ctx, "s1", "l1", "user1", "", &domain.Discrepancy{Kind: "damaged"})
	if err == nil {
		t.Fatal("expected error for damaged discrepancy with no evidence")
	}
}

func TestVerifyLine_AllowsDamagedDiscrepancyWithEvidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "tenant1", "user1")
	store.AppendDraftLine(ctx, &domain.DraftLine{LineID: "l1", SessionID: "s1", Qty: 1, Unit: "each", Description: "x"})

	err := store.VerifyLine(ctx, "s1", "l1", "user1", "", &domain.Discrepancy{Kind: "damaged", EvidenceArtifactIDs: []string{"a1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAppendDraftLine_AssignsSequentialLineNoAcrossArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "tenant1", "user1")

	l1 := &domain.DraftLine{LineID: "l1", SessionID: "s1", SourceArtifactID: "a1", Qty: 1, Unit: "each", Description: "first"}
	l2 := &domain.DraftLine{LineID: "l2", SessionID: "s1", SourceArtifactID: "a2", Qty: 2, Unit: "each", Description: "second"}
	store.AppendDraftLine(ctx, l1)
	store.AppendDraftLine(ctx, l2)

	if l1.LineNo != 1 || l2.LineNo != 2 {
		t.Fatalf("expected sequential line numbers, got %d, %d", l1.LineNo, l2.LineNo)
	}

	lines, err := store.ListDraftLines(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(lines) != 2 || lines[0].SourceArtifactID != "a1" || lines[1].SourceArtifactID != "a2" {
		t.Fatalf("unexpected line ordering: %+v", lines)
	}
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "tenant1", "user1")

	err := store.Transition(ctx, "s1", domain.SessionCommitted)
	if err == nil {
		t.Fatal("expected error transitioning draft directly to committed")
	}
}

func TestAbandon_IsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "tenant1", "user1")
	if err := store.Abandon(ctx, "s1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := store.VerifyLine(ctx, "s1", "nonexistent", "user1", "", nil); err == nil {
		t.Fatal("expected mutation on abandoned session to be rejected")
	}
}
