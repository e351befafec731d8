package headless

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

type directPages struct{}

func (directPages) WithPage(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func script(url string, n int) estimator.CapturedScript {
	return estimator.CapturedScript{URL: url, Text: strings.Repeat("x", n)}
}

func TestAnalyzerFiltersScripts(t *testing.T) {
	t.Parallel()
	capture := func(_ context.Context, pageURL string, _ AnalyzerConfig) (string, []estimator.CapturedScript, error) {
		require.Equal(t, "https://example.com", pageURL)
		return "https://www.example.com/", []estimator.CapturedScript{
			script("https://www.example.com/a.js", 100),
			script("https://www.example.com/tiny.js", 49),
			script("https://www.example.com/", 500),
			script("data:text/javascript,alert(1)", 100),
			script("blob:https://www.example.com/1234", 100),
			script("https://www.example.com/a.js", 200),
			script("https://cdn.example.com/b.js", 50),
		}, nil
	}
	a := NewAnalyzerWithCapture(directPages{}, capture, AnalyzerConfig{}, nil)

	got, err := a.Analyze(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, "https://www.example.com/", got.PageURL)
	require.Len(t, got.Scripts, 2)
	require.Equal(t, "https://www.example.com/a.js", got.Scripts[0].URL)
	require.Len(t, got.Scripts[0].Text, 100, "first occurrence wins")
	require.Equal(t, "https://cdn.example.com/b.js", got.Scripts[1].URL)
}

func TestAnalyzerNavigationFailure(t *testing.T) {
	t.Parallel()
	capture := func(context.Context, string, AnalyzerConfig) (string, []estimator.CapturedScript, error) {
		return "", []estimator.CapturedScript{script("https://a.com/x.js", 100)}, context.DeadlineExceeded
	}
	a := NewAnalyzerWithCapture(directPages{}, capture, AnalyzerConfig{}, nil)

	got, err := a.Analyze(context.Background(), "https://a.com")
	require.ErrorIs(t, err, estimator.ErrNavigation)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, got.Scripts)
}

func TestAnalyzerRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	capture := func(context.Context, string, AnalyzerConfig) (string, []estimator.CapturedScript, error) {
		return "", nil, errors.New("should not be called")
	}
	a := NewAnalyzerWithCapture(directPages{}, capture, AnalyzerConfig{}, nil)
	for _, raw := range []string{"example.com", "ftp://example.com", "javascript:alert(1)"} {
		_, err := a.Analyze(context.Background(), raw)
		require.ErrorIs(t, err, estimator.ErrInvalidURL, raw)
	}
}

func TestAnalyzerDefaults(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer(directPages{}, AnalyzerConfig{IdleConnections: -1}, nil)
	require.Equal(t, 20*time.Second, a.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, a.cfg.IdleWindow)
	require.Equal(t, estimator.MinScriptBytes, a.cfg.MinScriptBytes)
	require.Zero(t, a.cfg.IdleConnections)
}

func TestAnalyzerUsesRequestedURLWhenLocationMissing(t *testing.T) {
	t.Parallel()
	capture := func(context.Context, string, AnalyzerConfig) (string, []estimator.CapturedScript, error) {
		return "", []estimator.CapturedScript{script("https://a.com/", 100)}, nil
	}
	a := NewAnalyzerWithCapture(directPages{}, capture, AnalyzerConfig{}, nil)
	got, err := a.Analyze(context.Background(), "https://a.com/")
	require.NoError(t, err)
	require.Equal(t, "https://a.com/", got.PageURL)
	require.Empty(t, got.Scripts)
}

func TestCoverageSetupSkipsPausesAfterEnablingDebugger(t *testing.T) {
	t.Parallel()
	steps := coverageSetup()
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.name)
	}
	require.Equal(t, []string{"enable debugger", "skip debugger pauses", "enable profiler", "start coverage"}, names)
}

func TestRunStepsStopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	var ran []string
	step := func(name string, err error) captureStep {
		return captureStep{name: name, run: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}
	boom := errors.New("boom")
	err := runSteps(context.Background(), []captureStep{step("a", nil), step("b", boom), step("c", nil)})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "b: boom")
	require.Equal(t, []string{"a", "b"}, ran)
}

func TestCoverageSetupNeedsBrowserTarget(t *testing.T) {
	t.Parallel()
	err := runSteps(context.Background(), coverageSetup())
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "enable debugger: "))
}
