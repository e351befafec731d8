package transform

import (
	"context"
	"fmt"
	"regexp"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	"github.com/JakeFAU/modernjs-estimator/internal/pool"
)

// Modernizer rewrites source to modern syntax. It returns a
// *estimator.ParseError when the input cannot be parsed.
type Modernizer interface {
	Modernize(source string, opts estimator.TransformOptions) (code string, logs []string, err error)
}

// Minifier compresses already-valid source.
type Minifier interface {
	Minify(source string, level Level) (string, error)
}

// Level selects how aggressively a Minifier rewrites code.
type Level int

// Minification levels.
const (
	Conservative Level = iota
	Aggressive
)

var noiseRE = regexp.MustCompile(`No binding for |unary --> polyfill`)

// Executor runs a single profile inside a pool worker.
type Executor struct {
	modernizer Modernizer
	minifier   Minifier
}

// NewExecutor wires the profile collaborators.
func NewExecutor(m Modernizer, mini Minifier) *Executor {
	return &Executor{modernizer: m, minifier: mini}
}

// Factory returns a pool.ExecutorFactory that gives each worker its own
// esbuild-backed executor.
func Factory() pool.ExecutorFactory {
	return func() (pool.Executor, error) {
		return NewExecutor(ESBuildModernizer{}, ESBuildMinifier{}), nil
	}
}

// Execute implements pool.Executor.
func (e *Executor) Execute(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
	if err := ctx.Err(); err != nil {
		return estimator.TransformResult{}, err
	}
	var logs []string
	code := job.Source
	level := Conservative

	switch job.Profile {
	case estimator.ProfileBaseline:
	case estimator.ProfileModernize:
		out, modernLogs, err := e.modernizer.Modernize(job.Source, job.Options)
		if err != nil {
			return estimator.TransformResult{}, err
		}
		code = out
		logs = appendFiltered(logs, modernLogs...)
		level = Aggressive
	default:
		return estimator.TransformResult{}, fmt.Errorf("unknown profile %q", job.Profile)
	}

	if err := ctx.Err(); err != nil {
		return estimator.TransformResult{}, err
	}
	minified, err := e.minifier.Minify(code, level)
	if err != nil {
		logs = append(logs, "Minified error: "+err.Error())
	} else {
		code = minified
	}
	return estimator.TransformResult{Code: code, Logs: logs}, nil
}

func appendFiltered(dst []string, lines ...string) []string {
	for _, line := range lines {
		if line == "" || noiseRE.MatchString(line) {
			continue
		}
		dst = append(dst, line)
	}
	return dst
}
