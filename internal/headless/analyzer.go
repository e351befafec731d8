package headless

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/profiler"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

// AnalyzerConfig controls a page analysis.
type AnalyzerConfig struct {
	NavigationTimeout time.Duration
	IdleConnections   int
	IdleWindow        time.Duration
	MinScriptBytes    int
}

// PageRunner hands out isolated tabs.
type PageRunner interface {
	WithPage(ctx context.Context, fn func(page context.Context) error) error
}

// CaptureFunc loads pageURL in page and returns the resolved URL and every
// script that ran, in execution order.
type CaptureFunc func(page context.Context, pageURL string, cfg AnalyzerConfig) (string, []estimator.CapturedScript, error)

// Analyzer implements estimator.PageAnalyzer.
type Analyzer struct {
	pages   PageRunner
	capture CaptureFunc
	cfg     AnalyzerConfig
	logger  *zap.Logger
}

// NewAnalyzer returns an Analyzer that captures scripts with chromedp.
func NewAnalyzer(pages PageRunner, cfg AnalyzerConfig, logger *zap.Logger) *Analyzer {
	return NewAnalyzerWithCapture(pages, ChromeCapture(logger), cfg, logger)
}

// NewAnalyzerWithCapture returns an Analyzer using a custom capture step.
func NewAnalyzerWithCapture(pages PageRunner, capture CaptureFunc, cfg AnalyzerConfig, logger *zap.Logger) *Analyzer {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 20 * time.Second
	}
	if cfg.IdleConnections < 0 {
		cfg.IdleConnections = 0
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 500 * time.Millisecond
	}
	if cfg.MinScriptBytes <= 0 {
		cfg.MinScriptBytes = estimator.MinScriptBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{pages: pages, capture: capture, cfg: cfg, logger: logger}
}

// Analyze implements estimator.PageAnalyzer. Navigation failures return no
// partial script list.
func (a *Analyzer) Analyze(ctx context.Context, pageURL string) (estimator.PageAnalysis, error) {
	if err := validatePageURL(pageURL); err != nil {
		return estimator.PageAnalysis{}, err
	}
	start := time.Now()
	var (
		finalURL string
		scripts  []estimator.CapturedScript
	)
	err := a.pages.WithPage(ctx, func(page context.Context) error {
		var err error
		finalURL, scripts, err = a.capture(page, pageURL, a.cfg)
		return err
	})
	if err != nil {
		metrics.ObserveAnalysis(pageURL, "error", time.Since(start))
		a.logger.Warn("page analysis failed", zap.String("url", pageURL), zap.Error(err))
		return estimator.PageAnalysis{}, fmt.Errorf("%w: %s: %w", estimator.ErrNavigation, pageURL, err)
	}
	if finalURL == "" {
		finalURL = pageURL
	}
	kept := filterScripts(finalURL, scripts, a.cfg.MinScriptBytes)
	metrics.ObserveAnalysis(pageURL, "ok", time.Since(start))
	a.logger.Info("page analyzed",
		zap.String("url", pageURL),
		zap.String("final_url", finalURL),
		zap.Int("scripts_seen", len(scripts)),
		zap.Int("scripts_kept", len(kept)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return estimator.PageAnalysis{PageURL: finalURL, Scripts: kept}, nil
}

func validatePageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", estimator.ErrInvalidURL, raw)
	}
	return nil
}

// captureStep is one CDP call made while preparing a page for capture.
type captureStep struct {
	name string
	run  func(ctx context.Context) error
}

// coverageSetup enables the domains coverage needs. Pauses are skipped so a
// debugger statement on the page cannot stall navigation.
func coverageSetup() []captureStep {
	return []captureStep{
		{name: "enable debugger", run: func(ctx context.Context) error {
			_, err := debugger.Enable().Do(ctx)
			return err
		}},
		{name: "skip debugger pauses", run: func(ctx context.Context) error {
			return debugger.SetSkipAllPauses(true).Do(ctx)
		}},
		{name: "enable profiler", run: func(ctx context.Context) error {
			return profiler.Enable().Do(ctx)
		}},
		{name: "start coverage", run: func(ctx context.Context) error {
			_, err := profiler.StartPreciseCoverage().WithCallCount(false).WithDetailed(false).Do(ctx)
			return err
		}},
	}
}

func runSteps(ctx context.Context, steps []captureStep) error {
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// ChromeCapture returns a CaptureFunc that records JavaScript coverage while
// the page loads, waits for the network to settle, and reads back the source
// of every covered script.
func ChromeCapture(logger *zap.Logger) CaptureFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(page context.Context, pageURL string, cfg AnalyzerConfig) (string, []estimator.CapturedScript, error) {
		return chromeCapture(page, pageURL, cfg, logger)
	}
}

func chromeCapture(page context.Context, pageURL string, cfg AnalyzerConfig, logger *zap.Logger) (string, []estimator.CapturedScript, error) {
	navCtx, cancel := context.WithTimeout(page, cfg.NavigationTimeout)
	defer cancel()

	idle := newIdleTracker(cfg.IdleConnections, cfg.IdleWindow)
	var (
		mu     sync.Mutex
		parsed = make(map[runtime.ScriptID]string)
	)
	chromedp.ListenTarget(navCtx, func(ev any) {
		switch e := ev.(type) {
		case *debugger.EventScriptParsed:
			if e.URL == "" {
				return
			}
			mu.Lock()
			parsed[e.ScriptID] = e.URL
			mu.Unlock()
		case *network.EventRequestWillBeSent:
			idle.started(string(e.RequestID))
		case *network.EventLoadingFinished:
			idle.finished(string(e.RequestID))
		case *network.EventLoadingFailed:
			idle.finished(string(e.RequestID))
		}
	})

	var (
		finalURL string
		scripts  []estimator.CapturedScript
	)
	err := chromedp.Run(navCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return runSteps(ctx, coverageSetup())
		}),
		chromedp.Navigate(pageURL),
		chromedp.ActionFunc(idle.wait),
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			coverage, _, err := profiler.TakePreciseCoverage().Do(ctx)
			if err != nil {
				return fmt.Errorf("take coverage: %w", err)
			}
			if err := profiler.StopPreciseCoverage().Do(ctx); err != nil {
				logger.Debug("stop coverage", zap.String("url", pageURL), zap.Error(err))
			}
			for _, entry := range coverage {
				mu.Lock()
				scriptURL, ok := parsed[entry.ScriptID]
				mu.Unlock()
				if !ok {
					continue
				}
				source, _, err := debugger.GetScriptSource(entry.ScriptID).Do(ctx)
				if err != nil {
					logger.Debug("read script source", zap.String("url", scriptURL), zap.Error(err))
					continue
				}
				scripts = append(scripts, estimator.CapturedScript{URL: scriptURL, Text: source})
			}
			return nil
		}),
	)
	if err != nil {
		return "", nil, err
	}
	return finalURL, scripts, nil
}
