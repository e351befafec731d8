// Package transform defines the baseline and modernize profiles and runs them
// through the worker pool.
package transform

import (
	"context"
	"fmt"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// DefaultWebpackThreshold disables webpack inference for inputs at or above
// this many characters.
const DefaultWebpackThreshold = 100000

// Transformer submits one job per profile to a JobRunner.
type Transformer struct {
	runner           estimator.JobRunner
	webpackThreshold int
}

// New returns a Transformer backed by runner.
func New(runner estimator.JobRunner, webpackThreshold int) *Transformer {
	if webpackThreshold <= 0 {
		webpackThreshold = DefaultWebpackThreshold
	}
	return &Transformer{runner: runner, webpackThreshold: webpackThreshold}
}

// Baseline minifies source conservatively so size comparisons are fair.
func (t *Transformer) Baseline(ctx context.Context, source string) (estimator.TransformResult, error) {
	res, err := t.runner.Run(ctx, estimator.TransformJob{
		Source:  source,
		Profile: estimator.ProfileBaseline,
	})
	if err != nil {
		return estimator.TransformResult{}, fmt.Errorf("baseline: %w", err)
	}
	return res, nil
}

// Modernize rewrites source for modern browsers and minifies it aggressively.
func (t *Transformer) Modernize(ctx context.Context, source string) (estimator.TransformResult, error) {
	res, err := t.runner.Run(ctx, estimator.TransformJob{
		Source:  source,
		Profile: estimator.ProfileModernize,
		Options: estimator.TransformOptions{
			Module:        true,
			DetectWebpack: len(source) < t.webpackThreshold,
		},
	})
	if err != nil {
		return estimator.TransformResult{}, fmt.Errorf("modernize: %w", err)
	}
	return res, nil
}
