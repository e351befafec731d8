package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/modernjs-estimator/internal/cache"
	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

type fakeAnalyzer struct {
	analysis estimator.PageAnalysis
	err      error
}

func (f *fakeAnalyzer) Analyze(context.Context, string) (estimator.PageAnalysis, error) {
	return f.analysis, f.err
}

type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]estimator.FetchResponse
	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeFetcher) Get(ctx context.Context, rawURL string) (estimator.FetchResponse, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return estimator.FetchResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.bodies[rawURL]
	if !ok {
		return estimator.FetchResponse{}, fmt.Errorf("%w: no route to %s", estimator.ErrFetch, rawURL)
	}
	return resp, nil
}

// fakeTransformer returns canned outputs keyed by source text.
type fakeTransformer struct {
	baseline  map[string]string
	modern    map[string]estimator.TransformResult
	modernErr error
	baseErr   error
	baseCalls atomic.Int32
}

func (f *fakeTransformer) Baseline(_ context.Context, source string) (estimator.TransformResult, error) {
	f.baseCalls.Add(1)
	if f.baseErr != nil {
		return estimator.TransformResult{}, f.baseErr
	}
	if code, ok := f.baseline[source]; ok {
		return estimator.TransformResult{Code: code}, nil
	}
	return estimator.TransformResult{Code: source}, nil
}

func (f *fakeTransformer) Modernize(_ context.Context, source string) (estimator.TransformResult, error) {
	if f.modernErr != nil {
		return estimator.TransformResult{}, f.modernErr
	}
	if res, ok := f.modern[source]; ok {
		return res, nil
	}
	return estimator.TransformResult{Code: source}, nil
}

// lengthMeter reports raw = len and gz = len*2/5 so sizes are easy to pick.
type lengthMeter struct{}

func (lengthMeter) Measure(text string) (estimator.Size, error) {
	return estimator.Size{Raw: len(text), Gz: len(text) * 2 / 5}, nil
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("token-%d", s.n.Add(1)), nil
}

type fixture struct {
	svc         *Service
	analyzer    *fakeAnalyzer
	fetcher     *fakeFetcher
	transformer *fakeTransformer
	scripts     *cache.Store[estimator.ScriptRecord]
	modern      *cache.Store[estimator.ModernizationRecord]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scripts, err := cache.New[estimator.ScriptRecord]("svc-test-script", 16)
	require.NoError(t, err)
	modern, err := cache.New[estimator.ModernizationRecord]("svc-test-modern", 16)
	require.NoError(t, err)
	f := &fixture{
		analyzer:    &fakeAnalyzer{},
		fetcher:     &fakeFetcher{bodies: map[string]estimator.FetchResponse{}},
		transformer: &fakeTransformer{baseline: map[string]string{}, modern: map[string]estimator.TransformResult{}},
		scripts:     scripts,
		modern:      modern,
	}
	f.svc, err = New(Deps{
		Analyzer:    f.analyzer,
		Fetcher:     f.fetcher,
		Transformer: f.transformer,
		Meter:       lengthMeter{},
		IDs:         &seqIDs{},
		Scripts:     scripts,
		Modern:      modern,
	}, Config{})
	require.NoError(t, err)
	return f
}

func TestCheckRecordsScripts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.analysis = estimator.PageAnalysis{
		PageURL: "https://example.com/",
		Scripts: []estimator.CapturedScript{
			{URL: "https://example.com/a.js", Text: strings.Repeat("a", 1000)},
			{URL: "https://example.com/b.js", Text: strings.Repeat("b", 2000)},
		},
	}

	res, err := f.svc.Check(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", res.URL)
	require.Equal(t, []estimator.ScriptSummary{
		{URL: "https://example.com/a.js", Size: estimator.Size{Raw: 1000, Gz: 400}},
		{URL: "https://example.com/b.js", Size: estimator.Size{Raw: 2000, Gz: 800}},
	}, res.Scripts)

	rec, ok := f.scripts.Get("https://example.com/b.js")
	require.True(t, ok)
	require.Len(t, rec.Text, 2000)
}

func TestCheckKeepsFirstCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.analysis = estimator.PageAnalysis{
		PageURL: "https://example.com/",
		Scripts: []estimator.CapturedScript{{URL: "https://example.com/a.js", Text: strings.Repeat("a", 1000)}},
	}
	_, err := f.svc.Check(context.Background(), "https://example.com")
	require.NoError(t, err)

	f.analyzer.analysis.Scripts = []estimator.CapturedScript{{URL: "https://example.com/a.js", Text: strings.Repeat("z", 3000)}}
	res, err := f.svc.Check(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []estimator.ScriptSummary{
		{URL: "https://example.com/a.js", Size: estimator.Size{Raw: 1000, Gz: 400}},
	}, res.Scripts)

	rec, ok := f.scripts.Get("https://example.com/a.js")
	require.True(t, ok)
	require.Equal(t, strings.Repeat("a", 1000), rec.Text)
}

func TestCheckEmptyPageReturnsEmptyList(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.analysis = estimator.PageAnalysis{PageURL: "https://example.com/"}

	res, err := f.svc.Check(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.NotNil(t, res.Scripts)
	require.Empty(t, res.Scripts)
}

func TestCheckPropagatesNavigationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.err = fmt.Errorf("%w: timeout", estimator.ErrNavigation)

	_, err := f.svc.Check(context.Background(), "https://example.com")
	require.ErrorIs(t, err, estimator.ErrNavigation)

	_, err = f.svc.Check(context.Background(), "not a url")
	require.ErrorIs(t, err, estimator.ErrInvalidURL)
}

func TestScriptClampsLargerModernOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, b := strings.Repeat("a", 1000), strings.Repeat("b", 2000)
	f.analyzer.analysis = estimator.PageAnalysis{
		PageURL: "https://example.com/",
		Scripts: []estimator.CapturedScript{
			{URL: "https://example.com/a.js", Text: a},
			{URL: "https://example.com/b.js", Text: b},
		},
	}
	f.transformer.modern[a] = estimator.TransformResult{Code: strings.Repeat("m", 600)}
	f.transformer.modern[b] = estimator.TransformResult{Code: strings.Repeat("m", 2500)}

	_, err := f.svc.Check(context.Background(), "https://example.com")
	require.NoError(t, err)

	recA, code, err := f.svc.Script(context.Background(), "https://example.com/a.js")
	require.NoError(t, err)
	require.Len(t, code, 600)
	require.Equal(t, &estimator.Size{Raw: 600, Gz: 240}, recA.ModernSize)
	require.Empty(t, recA.Code, "public record never carries code")

	recB, _, err := f.svc.Script(context.Background(), "https://example.com/b.js")
	require.NoError(t, err)
	require.Equal(t, estimator.Size{Raw: 2000, Gz: 800}, recB.Size)
	require.Equal(t, &estimator.Size{Raw: 2001, Gz: 801}, recB.ModernSize)

	require.Zero(t, f.fetcher.calls.Load(), "captured scripts are not refetched")
	require.Zero(t, f.transformer.baseCalls.Load(), "captured scripts keep their capture size")
}

func TestScriptFetchesUncapturedScripts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	src := "function hello() { return 'world'; }"
	f.fetcher.bodies["https://cdn.example.com/x.js"] = estimator.FetchResponse{Status: 200, Body: src}
	f.transformer.baseline[src] = "function hello(){return'world'}"
	f.transformer.modern[src] = estimator.TransformResult{
		Code: "const hello=()=>'world'",
		Logs: []string{"  warn: something odd\nsecond line", "external module reference: x", "Detected: script is a Webpack bundle"},
	}

	rec, code, err := f.svc.Script(context.Background(), "https://cdn.example.com/x.js")
	require.NoError(t, err)
	require.Equal(t, "const hello=()=>'world'", code)
	require.Equal(t, len("function hello(){return'world'}"), rec.Size.Raw, "size comes from the baseline profile")
	require.Equal(t, []string{"warn: something odd", "Detected: script is a Webpack bundle"}, rec.Logs)
	require.True(t, rec.Webpack)
	require.Equal(t, "token-1", rec.Token)

	stored, ok := f.scripts.Get("https://cdn.example.com/x.js")
	require.True(t, ok)
	require.Equal(t, src, stored.Text)
}

func TestScriptIsCachedAfterFirstComputation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/x.js"] = estimator.FetchResponse{Status: 200, Body: "var x = 1;"}

	first, _, err := f.svc.Script(context.Background(), "https://a.com/x.js")
	require.NoError(t, err)
	second, _, err := f.svc.Script(context.Background(), "https://a.com/x.js")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestScriptCoalescesConcurrentRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.release = make(chan struct{})
	f.fetcher.bodies["https://a.com/x.js"] = estimator.FetchResponse{Status: 200, Body: "var x = 1;"}

	const n = 5
	var wg sync.WaitGroup
	recs := make([]estimator.ModernizationRecord, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], _, errs[i] = f.svc.Script(context.Background(), "https://a.com/x.js")
		}(i)
	}
	require.Eventually(t, func() bool { return f.fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.fetcher.release)
	wg.Wait()

	require.Equal(t, int32(1), f.fetcher.calls.Load())
	for i := range recs {
		require.NoError(t, errs[i])
		require.Equal(t, recs[0], recs[i])
	}
}

func TestScriptNotJavaScript(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/page"] = estimator.FetchResponse{Status: 200, Body: "\n <!DOCTYPE html><html></html>"}

	rec, _, err := f.svc.Script(context.Background(), "https://a.com/page")
	require.NoError(t, err)
	require.True(t, rec.NonJS)
	require.Equal(t, "Not JavaScript", rec.Error)
	require.Zero(t, f.modern.Len(), "non-JavaScript results are not cached")
}

func TestScriptFetchFailuresAreNotCached(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/404.js"] = estimator.FetchResponse{Status: 404, Body: "nope"}

	_, _, err := f.svc.Script(context.Background(), "https://a.com/404.js")
	require.ErrorIs(t, err, estimator.ErrFetch)
	require.ErrorContains(t, err, "Failed to fetch")

	_, _, err = f.svc.Script(context.Background(), "https://a.com/missing.js")
	require.ErrorIs(t, err, estimator.ErrFetch)
	require.Zero(t, f.modern.Len())
}

func TestScriptParseFailureIsRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/bad.js"] = estimator.FetchResponse{Status: 200, Body: "function ("}
	f.transformer.modernErr = fmt.Errorf("modernize: %w", &estimator.ParseError{Message: "Unexpected end of file"})

	rec, code, err := f.svc.Script(context.Background(), "https://a.com/bad.js")
	require.NoError(t, err)
	require.Equal(t, "Parse Error: Unexpected end of file", rec.Error)
	require.Nil(t, rec.ModernSize)
	require.Nil(t, rec.Logs)
	require.Empty(t, code)
	require.Equal(t, 1, f.modern.Len())
}

func TestScriptBaselineParseFailureSizesSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/bad.js"] = estimator.FetchResponse{Status: 200, Body: "function ("}
	parseErr := &estimator.ParseError{Message: "Unexpected end of file"}
	f.transformer.baseErr = fmt.Errorf("baseline: %w", parseErr)
	f.transformer.modernErr = fmt.Errorf("modernize: %w", parseErr)

	rec, _, err := f.svc.Script(context.Background(), "https://a.com/bad.js")
	require.NoError(t, err)
	require.Equal(t, "Parse Error: Unexpected end of file", rec.Error)
	require.Equal(t, estimator.Size{Raw: len("function ("), Gz: len("function (") * 2 / 5}, rec.Size)
}

func TestScriptInfrastructureFailureIsNotRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/x.js"] = estimator.FetchResponse{Status: 200, Body: "var x;"}
	f.transformer.modernErr = fmt.Errorf("modernize: %w", estimator.ErrQueueFull)

	_, _, err := f.svc.Script(context.Background(), "https://a.com/x.js")
	require.ErrorIs(t, err, estimator.ErrQueueFull)
	require.Zero(t, f.modern.Len())
}

func TestScriptIsolatesSiblingFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/ok.js"] = estimator.FetchResponse{Status: 200, Body: "var ok = true;"}

	_, _, err := f.svc.Script(context.Background(), "https://a.com/broken.js")
	require.Error(t, err)
	rec, _, err := f.svc.Script(context.Background(), "https://a.com/ok.js")
	require.NoError(t, err)
	require.Empty(t, rec.Error)
}

func TestCompiledRequiresToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.bodies["https://a.com/x.js"] = estimator.FetchResponse{Status: 200, Body: "var x = 1;"}
	rec, code, err := f.svc.Script(context.Background(), "https://a.com/x.js")
	require.NoError(t, err)

	got, err := f.svc.Compiled("https://a.com/x.js", rec.Token)
	require.NoError(t, err)
	require.Equal(t, code, got)

	_, err = f.svc.Compiled("https://a.com/x.js", "wrong")
	require.ErrorIs(t, err, estimator.ErrUnauthorized)
	_, err = f.svc.Compiled("https://a.com/unknown.js", rec.Token)
	require.ErrorIs(t, err, estimator.ErrUnauthorized)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestFailureMessage(t *testing.T) {
	t.Parallel()
	require.Equal(t, "boom", failureMessage(errors.New("boom")))
	require.Equal(t, "Parse Error: x", failureMessage(&estimator.ParseError{Message: "x"}))
	require.True(t, scriptFailure(estimator.ErrJobFailed))
	require.False(t, scriptFailure(context.Canceled))
	require.False(t, scriptFailure(errors.New("unclassified")))
}
