// Package trailing implements the per-position trailing-stop executor:
// high-water-mark tracking, stop-price policies, monotone tightening, and
// order-modification dispatch.
package trailing

import (
	"fmt"
	"math"
)

// atrProxyPct approximates ATR as a fraction of average cost when no real
// ATR is available. Also the per-share risk assumed by the r-multiple
// estimate in the breakeven policy.
const atrProxyPct = 0.02

// PolicyKind names a stop-price policy.
type PolicyKind string

const (
	PolicyFixedPct    PolicyKind = "fixed_pct"
	PolicyATRMultiple PolicyKind = "atr_multiple"
	PolicyBreakeven   PolicyKind = "breakeven_trail"
)

// Policy is the active stop-price configuration. A single policy is active
// at any time; switching is atomic under the executor's lock.
type Policy struct {
	Kind PolicyKind `json:"kind"`

	// fixed_pct
	Pct float64 `json:"pct,omitempty"`

	// atr_multiple
	ATRMult float64 `json:"atr_mult,omitempty"`

	// breakeven_trail
	BreakevenTriggerR float64 `json:"breakeven_trigger_r,omitempty"`
	PostBETrailPct    float64 `json:"post_be_trail_pct,omitempty"`
}

// Validate checks policy parameters.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyFixedPct:
		if p.Pct <= 0 || p.Pct >= 100 {
			return fmt.Errorf("fixed_pct requires 0 < pct < 100, got %v", p.Pct)
		}
	case PolicyATRMultiple:
		if p.ATRMult <= 0 {
			return fmt.Errorf("atr_multiple requires a positive multiplier, got %v", p.ATRMult)
		}
	case PolicyBreakeven:
		if p.BreakevenTriggerR <= 0 {
			return fmt.Errorf("breakeven_trail requires a positive trigger, got %v", p.BreakevenTriggerR)
		}
		if p.PostBETrailPct <= 0 || p.PostBETrailPct >= 100 {
			return fmt.Errorf("breakeven_trail requires 0 < post-BE pct < 100, got %v", p.PostBETrailPct)
		}
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	return nil
}

// candidate computes the policy's stop-price candidate for a position.
// Returns (price, false) when the policy produces no movement this pass.
// The breakeven policy mutates pos.BreakevenTriggered when the trigger fires.
func (p Policy) candidate(pos *Position) (float64, bool) {
	long := pos.Quantity > 0

	switch p.Kind {
	case PolicyFixedPct:
		return fixedPctStop(pos.HighWater, p.Pct, long), true

	case PolicyATRMultiple:
		atr := pos.AvgCost * atrProxyPct
		dist := p.ATRMult * atr
		if long {
			return pos.HighWater - dist, true
		}
		return pos.HighWater + dist, true

	case PolicyBreakeven:
		if pos.BreakevenTriggered {
			return fixedPctStop(pos.HighWater, p.PostBETrailPct, long), true
		}
		r := pos.rMultiple()
		if r < p.BreakevenTriggerR {
			return 0, false
		}
		pos.BreakevenTriggered = true
		return pos.AvgCost, true
	}
	return 0, false
}

// fixedPctStop trails the high-water mark by pct percent in the protective
// direction.
func fixedPctStop(hwm, pct float64, long bool) float64 {
	if long {
		return hwm * (1 - pct/100)
	}
	return hwm * (1 + pct/100)
}

// rMultiple estimates the position's progress in risk units, with per-share
// risk proxied at atrProxyPct of average cost.
func (pos *Position) rMultiple() float64 {
	risk := pos.AvgCost * math.Abs(pos.Quantity) * atrProxyPct
	if risk == 0 {
		return 0
	}
	return pos.UnrealizedPnL / risk
}
