// Package costplan implements the cost budget & escalation planner
// (design §4.7): a pure decision function over a session's ledger, the
// parser's coverage/structure_conf, and how many LLM attempts the current
// artifact has already used. The planner never observes the LLM itself —
// callers feed back actual token/cost figures after each call.
package costplan

import "github.com/portside/receiving/domain"

// Hard per-session caps (design §4.7).
const (
	MaxLLMCalls    = 3
	MaxMoneySpent  = 0.50
	MaxTotalTokens = 10_000
)

// Stage is the closed sum type a Decision carries. Re-expressed as a
// tagged variant per design §9 instead of an untyped dict, so callers can
// switch exhaustively.
type Stage string

const (
	StageAccept        Stage = "accept"
	StageNormalise     Stage = "normalise"
	StageEscalate      Stage = "escalate"
	StageAcceptPartial Stage = "accept_partial"
)

// Decision is what Plan returns. Model/MaxTokens/Temperature are only
// meaningful when Stage is Normalise or Escalate.
type Decision struct {
	Stage       Stage
	Model       string
	MaxTokens   int
	Temperature float64
}

// PriceTable supplies per-token prices for each model tier. Prices are
// always injected configuration, never hard-coded dollar figures in
// source or tests (design §9 open question).
type PriceTable struct {
	InputPricePerToken  map[string]float64
	OutputPricePerToken map[string]float64
}

// EstimateCost returns a conservative cost estimate for a prospective call
// of maxTokens output tokens (input tokens are assumed already known via
// the ledger's running totals, so this only models the incremental call).
func (p PriceTable) EstimateCost(model string, estimatedInputTokens, maxOutputTokens int) float64 {
	return float64(estimatedInputTokens)*p.InputPricePerToken[model] + float64(maxOutputTokens)*p.OutputPricePerToken[model]
}

// ParseSignals is the subset of a rowparser.ParseResult the planner reads.
type ParseSignals struct {
	Coverage      float64
	StructureConf float64
}

// Plan implements design §4.7's decision function exactly.
//
//	if coverage >= 0.80 and structure_conf >= 0.70: Accept
//	if attempts_for_artifact == 0 and budget allows a "mini" call: Normalise
//	if attempts_for_artifact == 1 and last_llm_confidence < 0.60
//	   and budget allows a "strong" call: Escalate
//	else: AcceptPartial
func Plan(parse ParseSignals, ledger domain.Ledger, attemptsForArtifact int, lastLLMConfidence float64, prices PriceTable, estimatedInputTokens int) Decision {
	if parse.Coverage >= 0.80 && parse.StructureConf >= 0.70 {
		return Decision{Stage: StageAccept}
	}

	if attemptsForArtifact == 0 {
		const model, maxTokens, temp = "mini", 2000, 0.1
		if budgetAllows(ledger, prices, model, estimatedInputTokens, maxTokens) {
			return Decision{Stage: StageNormalise, Model: model, MaxTokens: maxTokens, Temperature: temp}
		}
	}

	if attemptsForArtifact == 1 && lastLLMConfidence < 0.60 {
		const model, maxTokens, temp = "strong", 3000, 0.2
		if budgetAllows(ledger, prices, model, estimatedInputTokens, maxTokens) {
			return Decision{Stage: StageEscalate, Model: model, MaxTokens: maxTokens, Temperature: temp}
		}
	}

	return Decision{Stage: StageAcceptPartial}
}

// budgetAllows reports whether one more call of the given shape would stay
// within all three hard caps (design §4.7).
func budgetAllows(ledger domain.Ledger, prices PriceTable, model string, estimatedInputTokens, maxOutputTokens int) bool {
	if ledger.LLMCalls+1 > MaxLLMCalls {
		return false
	}
	if ledger.InputTokens+ledger.OutputTokens+estimatedInputTokens+maxOutputTokens > MaxTotalTokens {
		return false
	}
	projectedCost := ledger.MoneySpent + prices.EstimateCost(model, estimatedInputTokens, maxOutputTokens)
	return projectedCost <= MaxMoneySpent
}

// ApplyUsage returns a new Ledger with one more call's actual usage
// accounted for. The caller must call this before the next Plan() —
// "post-call the ledger is incremented before the next plan() call".
func ApplyUsage(ledger domain.Ledger, inputTokens, outputTokens int, cost float64) domain.Ledger {
	ledger.LLMCalls++
	ledger.InputTokens += inputTokens
	ledger.OutputTokens += outputTokens
	ledger.MoneySpent += cost
	return ledger
}
