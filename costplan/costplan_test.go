package costplan

import (
	"testing"

	"github.com/portside/receiving/domain"
)

func testPrices() PriceTable {
	return PriceTable{
		InputPricePerToken:  map[string]float64{"mini": 0.0000005, "strong": 0.000003},
		OutputPricePerToken: map[string]float64{"mini": 0.0000015, "strong": 0.000015},
	}
}

func TestPlan_AcceptsWhenCoverageAndStructureClear(t *testing.T) {
	d := Plan(ParseSignals{Coverage: 0.9, StructureConf: 0.8}, domain.Ledger{}, 0, 0, testPrices(), 500)
	if d.Stage != StageAccept {
		t.Fatalf("expected accept, got %+v", d)
	}
}

func TestPlan_FirstAttemptNormalisesWithMini(t *testing.T) {
	d := Plan(ParseSignals{Coverage: 0.4, StructureConf: 0.3}, domain.Ledger{}, 0, 0, testPrices(), 500)
	if d.Stage != StageNormalise || d.Model != "mini" {
		t.Fatalf("expected normalise/mini, got %+v", d)
	}
}

func TestPlan_SecondAttemptEscalatesOnLowConfidence(t *testing.T) {
	ledger := domain.Ledger{LLMCalls: 1, InputTokens: 500, OutputTokens: 1500, MoneySpent: 0.01}
	d := Plan(ParseSignals{Coverage: 0.4, StructureConf: 0.3}, ledger, 1, 0.4, testPrices(), 500)
	if d.Stage != StageEscalate || d.Model != "strong" {
		t.Fatalf("expected escalate/strong, got %+v", d)
	}
}

func TestPlan_SecondAttemptAcceptsPartialWhenConfidenceOK(t *testing.T) {
	ledger := domain.Ledger{LLMCalls: 1, InputTokens: 500, OutputTokens: 1500, MoneySpent: 0.01}
	d := Plan(ParseSignals{Coverage: 0.4, StructureConf: 0.3}, ledger, 1, 0.75, testPrices(), 500)
	if d.Stage != StageAcceptPartial {
		t.Fatalf("expected accept_partial, got %+v", d)
	}
}

func TestPlan_AcceptsPartialWhenCallBudgetExhausted(t *testing.T) {
	ledger := domain.Ledger{LLMCalls: MaxLLMCalls, InputTokens: 100, OutputTokens: 100, MoneySpent: 0.01}
	d := Plan(ParseSignals{Coverage: 0.1, StructureConf: 0.1}, ledger, 0, 0, testPrices(), 500)
	if d.Stage != StageAcceptPartial {
		t.Fatalf("expected accept_partial when call cap reached, got %+v", d)
	}
}

func TestPlan_AcceptsPartialWhenMoneyBudgetExhausted(t *testing.T) {
	ledger := domain.Ledger{LLMCalls: 0, InputTokens: 0, OutputTokens: 0, MoneySpent: MaxMoneySpent}
	d := Plan(ParseSignals{Coverage: 0.1, StructureConf: 0.1}, ledger, 0, 0, testPrices(), 500)
	if d.Stage != StageAcceptPartial {
		t.Fatalf("expected accept_partial when money cap reached, got %+v", d)
	}
}

func TestApplyUsage_Accumulates(t *testing.T) {
	l := ApplyUsage(domain.Ledger{}, 400, 900, 0.002)
	if l.LLMCalls != 1 || l.InputTokens != 400 || l.OutputTokens != 900 || l.MoneySpent != 0.002 {
		t.Fatalf("unexpected ledger after ApplyUsage: %+v", l)
	}
}
