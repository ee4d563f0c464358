// Package evaluator renders the approve/reject decision for an iteration's
// scores against its baseline. The first-iteration, catastrophic, and Tier 1
// quality-target rules are checked directly; the two weighted-delta tiers are
// compiled expr-lang programs, cached by expression text.
package evaluator

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/smilemakc/styleforge/internal/domain"
)

// Decision is the Evaluator's verdict plus the narrative fed back into the
// next Prompt Assembler call.
type Decision struct {
	Approved         bool
	Catastrophic     bool
	Tier             string
	Reason           string
	RecoveryGuidance string
	WeightedDelta    float64
}

// rule is one ordered weighted-delta decision tier, evaluated only once the
// catastrophic check and the first-iteration/Tier-1 rules have both failed
// to resolve the decision.
type rule struct {
	tier      string
	condition string
}

// tierRules are the two weighted-delta tiers: Tier 2 (Strong Progress) and Tier 3
// (Weak Progress). Rule 1 (first iteration) and rule 2 (Quality Targets) are
// checked directly in Evaluate since they aren't pure delta thresholds;
// rule 5 (reject) is the fallthrough below both.
func tierRules() []rule {
	return []rule{
		{tier: "tier2_strong_progress", condition: "delta >= 3.0"},
		{tier: "tier3_weak_progress", condition: "delta >= 1.0"},
	}
}

// Engine evaluates iteration scores against the five ordered decision rules.
// Rule 1 (first iteration) is unconditional and checked first; past
// that, the catastrophic check overrides
// every remaining rule, including Tier 1's quality-target approval.
type Engine struct {
	mu            sync.RWMutex
	compiledCache map[string]*vm.Program

	weights    map[string]float64
	thresholds map[string]int
}

// NewEngine builds an Engine from the configured weights and catastrophic
// thresholds.
func NewEngine(weights map[string]float64, thresholds map[string]int) *Engine {
	return &Engine{
		compiledCache: make(map[string]*vm.Program),
		weights:       weights,
		thresholds:    thresholds,
	}
}

// Evaluate renders a Decision for current scores against baseline scores.
// isFirstIteration short-circuits to an unconditional "Baseline" approval,
// regardless of scores, since there is no prior approved state to regress
// against. lostTraits and interestingMutations come from the same Critic
// result that produced current and feed the rejection-path recovery
// guidance; both may be nil.
func (e *Engine) Evaluate(current, baseline domain.DimensionScores, isFirstIteration bool, lostTraits, interestingMutations []string) (*Decision, error) {
	current = clampScores(current)
	if baseline != nil {
		baseline = clampScores(baseline)
	}

	if isFirstIteration {
		return &Decision{
			Approved: true,
			Tier:     "baseline",
			Reason:   "Baseline: first iteration for this session, approved unconditionally",
		}, nil
	}

	if breaches := e.catastrophicBreaches(current); len(breaches) > 0 {
		return &Decision{
			Approved:         false,
			Catastrophic:     true,
			Tier:             "catastrophic",
			Reason:           catastrophicReason(breaches),
			RecoveryGuidance: recoveryGuidance(breaches, lostTraits, interestingMutations),
		}, nil
	}

	if current[domain.DimOverall] >= 70 && allDimsAtLeast(current, 55) {
		return &Decision{
			Approved: true,
			Tier:     "tier1_quality_targets",
			Reason:   "APPROVE (Tier 1 — Quality Targets): overall >= 70 and every dimension >= 55",
		}, nil
	}

	delta := e.weightedDelta(current, baseline)
	env := map[string]any{"delta": delta}

	for _, r := range tierRules() {
		ok, err := e.run(r.condition, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %s: %w", r.tier, err)
		}
		if ok {
			return &Decision{
				Approved:      true,
				Tier:          r.tier,
				Reason:        reasonFor(r.tier, delta),
				WeightedDelta: delta,
			}, nil
		}
	}

	return &Decision{
		Approved:         false,
		Tier:             "reject",
		Reason:           reasonFor("reject", delta),
		RecoveryGuidance: recoveryGuidance(nil, lostTraits, interestingMutations),
		WeightedDelta:    delta,
	}, nil
}

func (e *Engine) run(condition string, env map[string]any) (bool, error) {
	program, err := e.getCompiled(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not evaluate to a boolean", condition)
	}
	return b, nil
}

func (e *Engine) getCompiled(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.compiledCache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(condition, expr.Env(map[string]any{"delta": 0.0}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", condition, err)
	}

	e.mu.Lock()
	e.compiledCache[condition] = program
	e.mu.Unlock()
	return program, nil
}

// catastrophicDimOrder fixes the order breaching dimensions are reported in.
var catastrophicDimOrder = []string{domain.DimLighting, domain.DimComposition, domain.DimMotifs}

// catastrophicBreaches returns every dimension at or below its catastrophic
// floor, in catastrophicDimOrder; the rejection reason and recovery
// guidance list all of them, not just the first.
func (e *Engine) catastrophicBreaches(scores domain.DimensionScores) []catastrophicDim {
	var out []catastrophicDim
	for _, dim := range catastrophicDimOrder {
		threshold, ok := e.thresholds[dim]
		if !ok {
			continue
		}
		value, ok := scores[dim]
		if !ok {
			continue
		}
		if value <= threshold {
			out = append(out, catastrophicDim{dim, value, threshold})
		}
	}
	return out
}

type catastrophicDim struct {
	name      string
	value     int
	threshold int
}

func catastrophicReason(breaches []catastrophicDim) string {
	parts := make([]string, 0, len(breaches))
	for _, b := range breaches {
		parts = append(parts, fmt.Sprintf("%s scored %d, at or below the catastrophic floor of %d", b.name, b.value, b.threshold))
	}
	return "CATASTROPHIC: " + joinList(parts)
}

// weightedDelta is the sum over the six scored dimensions (excluding
// "overall") of (current-baseline)*weight. A dimension missing from either
// side is treated as equal to the other side's value (zero contribution),
// logged at warning level.
func (e *Engine) weightedDelta(current, baseline domain.DimensionScores) float64 {
	var total float64
	for dim, weight := range e.weights {
		c, cok := current[dim]
		b, bok := baseline[dim]
		switch {
		case cok && bok:
			total += weight * float64(c-b)
		case cok && !bok:
			log.Warn().Str("dimension", dim).Msg("evaluator: dimension missing from baseline scores, treating delta as zero")
		case !cok && bok:
			log.Warn().Str("dimension", dim).Msg("evaluator: dimension missing from current scores, treating delta as zero")
		}
	}
	return total
}

func allDimsAtLeast(scores domain.DimensionScores, floor int) bool {
	for _, dim := range []string{
		domain.DimComposition, domain.DimLineAndShape, domain.DimTexture,
		domain.DimLighting, domain.DimPalette, domain.DimMotifs,
	} {
		if scores[dim] < floor {
			return false
		}
	}
	return true
}

func clampScores(scores domain.DimensionScores) domain.DimensionScores {
	out := make(domain.DimensionScores, len(scores))
	for dim, v := range scores {
		switch {
		case v < 0:
			out[dim] = 0
		case v > 100:
			out[dim] = 100
		default:
			out[dim] = v
		}
	}
	return out
}

func reasonFor(tier string, delta float64) string {
	switch tier {
	case "tier2_strong_progress":
		return fmt.Sprintf("APPROVE (Tier 2 — Strong Progress): weighted delta %.2f >= +3.0", delta)
	case "tier3_weak_progress":
		return fmt.Sprintf("APPROVE (Tier 3 — Weak Progress): weighted delta %.2f >= +1.0", delta)
	case "reject":
		return fmt.Sprintf("REJECT: weighted delta %.2f did not meet any approval tier", delta)
	default:
		return fmt.Sprintf("weighted delta %.2f", delta)
	}
}

// recoveryGuidance assembles the structured rejection narrative:
// catastrophic dims with a restore instruction, the full lost-trait list
// with a must-restore directive, and mutations re-framed as a warning to
// avoid. Returns "" when there's nothing to report.
func recoveryGuidance(catastrophic []catastrophicDim, lostTraits, interestingMutations []string) string {
	var lines []string
	for _, d := range catastrophic {
		lines = append(lines, fmt.Sprintf("RECOVERY NEEDED: %s scored %d (floor %d) — restore from the last approved profile's %s description", d.name, d.value, d.threshold, d.name))
	}
	if len(lostTraits) > 0 {
		lines = append(lines, "MUST RESTORE (lost since last approved iteration): "+joinList(lostTraits))
	}
	if len(interestingMutations) > 0 {
		lines = append(lines, "AVOID (introduced incompatible elements): "+joinList(interestingMutations))
	}
	if len(lines) == 0 {
		return ""
	}
	out := lines[0]
	for _, line := range lines[1:] {
		out += "\n" + line
	}
	return out
}

func joinList(items []string) string {
	out := items[0]
	for _, item := range items[1:] {
		out += "; " + item
	}
	return out
}
