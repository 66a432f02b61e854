// Package classify turns a measured value and a threshold set into a verdict.
//
// It is the only classifier in the module: the grid uses it for optimistic
// previews and the engine uses it before persisting a result.
package classify

import (
	"math"

	"cyclegate/internal/domain"
)

// Classify returns the verdict for value under t. A nil value has no verdict,
// which is distinct from UNCONFIGURED. Bounds are exclusive of breach: a value
// equal to red_max is not red.
func Classify(value *float64, t domain.Thresholds) *domain.Verdict {
	if value == nil || math.IsNaN(*value) {
		return nil
	}
	v := classify(*value, t)
	return &v
}

// Value is Classify for a known value.
func Value(value float64, t domain.Thresholds) domain.Verdict {
	if math.IsNaN(value) {
		return domain.VerdictUnconfigured
	}
	return classify(value, t)
}

func classify(v float64, t domain.Thresholds) domain.Verdict {
	if !t.Configured() {
		return domain.VerdictUnconfigured
	}
	if below(v, t.RedMin) || above(v, t.RedMax) {
		return domain.VerdictRed
	}
	if below(v, t.YellowMin) || above(v, t.YellowMax) {
		return domain.VerdictYellow
	}
	return domain.VerdictGreen
}

func below(v float64, bound *float64) bool { return bound != nil && v < *bound }
func above(v float64, bound *float64) bool { return bound != nil && v > *bound }

// Severity orders verdicts for display, worst first. Unknown verdicts sort last.
func Severity(v domain.Verdict) int {
	switch v {
	case domain.VerdictRed:
		return 0
	case domain.VerdictYellow:
		return 1
	case domain.VerdictGreen:
		return 2
	case domain.VerdictUnconfigured:
		return 3
	case domain.VerdictSkipped:
		return 4
	}
	return 5
}

// Breach reports whether a verdict counts as a breach.
func Breach(v *domain.Verdict) bool {
	return v != nil && *v == domain.VerdictRed
}
