// Package service implements the request orchestration behind the HTTP API:
// page checks, per-script modernization, and compiled artifact retrieval.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/modernjs-estimator/internal/cache"
	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	"github.com/JakeFAU/modernjs-estimator/internal/pool"
)

// Config tunes diagnostic log post-processing.
type Config struct {
	LogBudget  int
	LogLineMax int
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Analyzer    estimator.PageAnalyzer
	Fetcher     estimator.Fetcher
	Transformer estimator.Transformer
	Meter       estimator.SizeMeter
	IDs         estimator.IDGenerator
	Scripts     *cache.Store[estimator.ScriptRecord]
	Modern      *cache.Store[estimator.ModernizationRecord]
	Logger      *zap.Logger
}

// Service orchestrates analysis, transformation and caching.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and returns a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, errors.New("page analyzer is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Transformer == nil:
		return nil, errors.New("transformer is required")
	case deps.Meter == nil:
		return nil, errors.New("size meter is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Scripts == nil || deps.Modern == nil:
		return nil, errors.New("caches are required")
	}
	if cfg.LogBudget <= 0 {
		cfg.LogBudget = estimator.DefaultLogBudget
	}
	if cfg.LogLineMax <= 0 {
		cfg.LogLineMax = estimator.DefaultLogLineMax
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger}, nil
}

// Check loads pageURL in the browser, records every captured script in the
// script store, and returns their sizes.
func (s *Service) Check(ctx context.Context, pageURL string) (estimator.CheckResult, error) {
	if err := validateURL(pageURL); err != nil {
		return estimator.CheckResult{}, err
	}
	analysis, err := s.deps.Analyzer.Analyze(ctx, pageURL)
	if err != nil {
		return estimator.CheckResult{}, err
	}
	summaries := make([]estimator.ScriptSummary, 0, len(analysis.Scripts))
	for _, sc := range analysis.Scripts {
		size, err := s.record(sc.URL, sc.Text)
		if err != nil {
			return estimator.CheckResult{}, err
		}
		summaries = append(summaries, estimator.ScriptSummary{URL: sc.URL, Size: size})
	}
	return estimator.CheckResult{URL: analysis.PageURL, Scripts: summaries}, nil
}

// record stores the first capture of scriptURL. A URL already in the store
// keeps its record and reports that record's size.
func (s *Service) record(scriptURL, text string) (estimator.Size, error) {
	if existing, ok := s.deps.Scripts.Get(scriptURL); ok {
		return existing.Size, nil
	}
	size, err := s.deps.Meter.Measure(text)
	if err != nil {
		return estimator.Size{}, fmt.Errorf("measure %s: %w", scriptURL, err)
	}
	if !s.deps.Scripts.AddIfAbsent(scriptURL, estimator.ScriptRecord{URL: scriptURL, Text: text, Size: size}) {
		if existing, ok := s.deps.Scripts.Get(scriptURL); ok {
			return existing.Size, nil
		}
	}
	return size, nil
}

// Script returns the modernization record for scriptURL with its compiled
// code. Concurrent requests for the same URL share one computation.
func (s *Service) Script(ctx context.Context, scriptURL string) (estimator.ModernizationRecord, string, error) {
	if err := validateURL(scriptURL); err != nil {
		return estimator.ModernizationRecord{}, "", err
	}
	rec, err := s.deps.Modern.GetOrCompute(ctx, scriptURL, func(ctx context.Context) (estimator.ModernizationRecord, bool, error) {
		return s.modernize(ctx, scriptURL)
	})
	if err != nil {
		return estimator.ModernizationRecord{}, "", err
	}
	return rec.Public(), rec.Code, nil
}

// Compiled returns the cached compiled code for scriptURL when token matches
// the one issued with its record.
func (s *Service) Compiled(scriptURL, token string) (string, error) {
	rec, ok := s.deps.Modern.Get(scriptURL)
	if !ok || rec.Token == "" || subtle.ConstantTimeCompare([]byte(rec.Token), []byte(token)) != 1 {
		return "", estimator.ErrUnauthorized
	}
	return rec.Code, nil
}

func (s *Service) modernize(ctx context.Context, scriptURL string) (estimator.ModernizationRecord, bool, error) {
	var (
		text     string
		size     estimator.Size
		captured bool
	)
	if rec, ok := s.deps.Scripts.Get(scriptURL); ok {
		text, size, captured = rec.Text, rec.Size, true
	} else {
		resp, err := s.deps.Fetcher.Get(ctx, scriptURL)
		if err != nil {
			return estimator.ModernizationRecord{}, false, err
		}
		if !resp.OK() {
			return estimator.ModernizationRecord{}, false,
				fmt.Errorf("%w: Failed to fetch %s (status %d)", estimator.ErrFetch, scriptURL, resp.Status)
		}
		text = resp.Body
		if estimator.LooksLikeHTML(text) {
			s.logger.Info("script is an HTML document", zap.String("url", scriptURL))
			return estimator.ModernizationRecord{
				URL:   scriptURL,
				Error: estimator.ErrNotJavaScript.Error(),
				NonJS: true,
			}, false, nil
		}
	}

	var (
		modern    estimator.TransformResult
		modernErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	if !captured {
		g.Go(func() error {
			baseline, err := s.deps.Transformer.Baseline(gctx, text)
			code := baseline.Code
			if err != nil {
				if !scriptFailure(err) {
					return err
				}
				// The modernize run reports the same failure on the record.
				s.logger.Info("baseline failed, sizing source as fetched",
					zap.String("url", scriptURL), zap.Error(err))
				code = text
			}
			size, err = s.deps.Meter.Measure(code)
			return err
		})
	}
	g.Go(func() error {
		modern, modernErr = s.deps.Transformer.Modernize(gctx, text)
		if modernErr != nil && !scriptFailure(modernErr) {
			return modernErr
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return estimator.ModernizationRecord{}, false, err
	}
	if !captured {
		s.deps.Scripts.AddIfAbsent(scriptURL, estimator.ScriptRecord{URL: scriptURL, Text: text, Size: size})
	}

	token, err := s.deps.IDs.NewID()
	if err != nil {
		return estimator.ModernizationRecord{}, false, fmt.Errorf("generate token: %w", err)
	}
	rec := estimator.ModernizationRecord{URL: scriptURL, Size: size, Token: token}
	if modernErr != nil {
		rec.Error = failureMessage(modernErr)
		s.logger.Info("modernize failed", zap.String("url", scriptURL), zap.String("error", rec.Error))
		return rec, true, nil
	}
	modernSize, err := s.deps.Meter.Measure(modern.Code)
	if err != nil {
		return estimator.ModernizationRecord{}, false, fmt.Errorf("measure modern %s: %w", scriptURL, err)
	}
	clamped := estimator.ClampModernSize(size, modernSize)
	rec.ModernSize = &clamped
	rec.Logs = estimator.TidyLogs(modern.Logs, s.cfg.LogLineMax, s.cfg.LogBudget)
	rec.Webpack = estimator.DetectWebpack(rec.Logs)
	rec.Code = modern.Code
	s.logger.Debug("script modernized",
		zap.String("url", scriptURL),
		zap.Int("raw", size.Raw),
		zap.Int("modern_raw", clamped.Raw),
		zap.Int("logs", len(rec.Logs)),
	)
	return rec, true, nil
}

// scriptFailure reports whether err belongs to the script itself, and so is
// recorded, rather than to the infrastructure running it.
func scriptFailure(err error) bool {
	switch {
	case errors.Is(err, estimator.ErrPoolClosed),
		errors.Is(err, estimator.ErrQueueFull),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, estimator.ErrParse), errors.Is(err, estimator.ErrJobFailed):
		return true
	}
	return false
}

func failureMessage(err error) string {
	var jobErr *pool.JobError
	if errors.As(err, &jobErr) {
		if msg, ok := jobErr.ParseMessage(); ok {
			return (&estimator.ParseError{Message: msg}).Error()
		}
		return jobErr.Message
	}
	var parseErr *estimator.ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Error()
	}
	return err.Error()
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", estimator.ErrInvalidURL, raw)
	}
	return nil
}
