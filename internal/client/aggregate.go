package client

import (
	"fmt"
	"math"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// Aggregate totals a View's scripts.
type Aggregate struct {
	Size       estimator.Size
	ModernSize estimator.Size
	Logs       []string
	Webpack    bool
	// Final is true once every script has a terminal result.
	Final bool
}

// Summarize folds scripts into an Aggregate. A script without a modern size
// counts at its original size, and a modern size never counts above it.
func Summarize(scripts []ScriptView) Aggregate {
	agg := Aggregate{Final: true}
	for _, s := range scripts {
		agg.Size.Raw += s.Size.Raw
		agg.Size.Gz += s.Size.Gz
		m := s.Size
		if s.ModernSize != nil {
			m = *s.ModernSize
		}
		agg.ModernSize.Raw += min(m.Raw, s.Size.Raw)
		agg.ModernSize.Gz += min(m.Gz, s.Size.Gz)
		agg.Logs = append(agg.Logs, s.Logs...)
		agg.Webpack = agg.Webpack || s.Webpack
		agg.Final = agg.Final && s.Final
	}
	return agg
}

// RawDiff is the fractional raw-byte saving, 0 when there is nothing to save.
func (a Aggregate) RawDiff() float64 {
	return diff(a.Size.Raw, a.ModernSize.Raw)
}

// GzDiff is the fractional compressed-byte saving.
func (a Aggregate) GzDiff() float64 {
	return diff(a.Size.Gz, a.ModernSize.Gz)
}

func diff(size, modern int) float64 {
	if size <= 0 {
		return 0
	}
	return 1 - float64(modern)/float64(size)
}

// Percent renders a fraction as a whole percentage.
func Percent(f float64) int {
	return int(math.Round(f * 100))
}

// HumanBytes renders n as b, kb or mb with one decimal under ten units.
func HumanBytes(n int) string {
	round := func(v float64) string {
		if v > 10 {
			return fmt.Sprintf("%d", int(v))
		}
		return fmt.Sprintf("%.1f", v)
	}
	switch {
	case n >= 1_500_000:
		return round(float64(n)/1e6) + "mb"
	case n >= 1500:
		return round(float64(n)/1e3) + "kb"
	default:
		return fmt.Sprintf("%db", n)
	}
}
