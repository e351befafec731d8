// Package headless drives a shared Chrome instance through chromedp: one
// lazily launched browser per process, one isolated tab per page analysis.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

// ErrSessionClosed is returned once the session has been shut down.
var ErrSessionClosed = errors.New("browser session closed")

// Browser is a running browser process.
type Browser interface {
	// NewPage opens an isolated tab. Canceling the returned func closes it.
	NewPage() (context.Context, context.CancelFunc, error)
	Alive() bool
	Close()
}

// Launcher starts a browser process.
type Launcher interface {
	Launch() (Browser, error)
}

// PrepareFunc configures a freshly opened tab before the caller uses it.
type PrepareFunc func(page context.Context) error

// Session shares one browser across requests. Concurrent first users share a
// single launch; a browser that died is relaunched on next use.
type Session struct {
	launcher Launcher
	prepare  PrepareFunc
	logger   *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	current Browser
	closed  bool
}

// NewSession returns a Session that launches browsers with launcher and runs
// prepare on every new tab.
func NewSession(launcher Launcher, prepare PrepareFunc, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prepare == nil {
		prepare = func(context.Context) error { return nil }
	}
	return &Session{launcher: launcher, prepare: prepare, logger: logger}
}

// WithPage runs fn against a new tab. The tab is closed when WithPage returns,
// whether fn succeeds, fails, panics, or ctx is canceled.
func (s *Session) WithPage(ctx context.Context, fn func(page context.Context) error) error {
	b, err := s.browser(ctx)
	if err != nil {
		return err
	}
	page, closePage, err := b.NewPage()
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	metrics.IncOpenPages()
	defer func() {
		closePage()
		metrics.DecOpenPages()
	}()
	stop := context.AfterFunc(ctx, closePage)
	defer stop()

	if err := s.prepare(page); err != nil {
		return fmt.Errorf("prepare tab: %w", err)
	}
	return fn(page)
}

// Close shuts the browser down. Later calls to WithPage fail.
func (s *Session) Close() {
	s.mu.Lock()
	b := s.current
	s.current = nil
	s.closed = true
	s.mu.Unlock()
	if b != nil {
		b.Close()
		s.logger.Info("browser closed")
	}
}

func (s *Session) browser(ctx context.Context) (Browser, error) {
	if b, err := s.live(); b != nil || err != nil {
		return b, err
	}
	ch := s.group.DoChan("launch", func() (any, error) {
		if b, err := s.live(); b != nil || err != nil {
			return b, err
		}
		b, err := s.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			b.Close()
			return nil, ErrSessionClosed
		}
		if s.current != nil {
			s.current.Close()
		}
		s.current = b
		s.logger.Info("browser launched")
		return b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Browser), nil
	}
}

// live returns the current browser if it is still running.
func (s *Session) live() (Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.current != nil && s.current.Alive() {
		return s.current, nil
	}
	return nil, nil
}
