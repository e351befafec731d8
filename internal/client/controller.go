package client

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/cache"
	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

const (
	defaultCheckTimeout = 90 * time.Second
	defaultMemoEntries  = 500
)

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

// State is where a check is in its lifecycle.
type State int

// Controller states.
const (
	StateIdle State = iota
	StateChecking
	StatePartial
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further updates will follow for the check.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// ScriptView is one row of a View.
type ScriptView struct {
	URL        string
	Size       estimator.Size
	ModernSize *estimator.Size
	Logs       []string
	Webpack    bool
	Error      string
	Token      string
	// Final is set once the row has a success or error result.
	Final bool
}

// View is an immutable snapshot of a check. Slices inside a published View
// are never written again.
type View struct {
	Generation uint64
	State      State
	Input      string
	URL        string
	Err        string
	Scripts    []ScriptView
	Aggregate  Aggregate
}

// Backend is the service surface the controller drives.
type Backend interface {
	Check(ctx context.Context, pageURL string) (estimator.CheckResult, error)
	Script(ctx context.Context, scriptURL string) (estimator.ModernizationRecord, error)
}

// ControllerConfig tunes a Controller.
type ControllerConfig struct {
	Retry        RetryPolicy
	CheckTimeout time.Duration
	MemoEntries  int
	Logger       *zap.Logger
}

// Controller runs one check at a time and publishes every step of it.
// Starting a new check aborts the previous one's outstanding script
// requests, and their late results are discarded.
type Controller struct {
	backend      Backend
	retry        RetryPolicy
	checkTimeout time.Duration
	inflight     *Coalescer[estimator.ModernizationRecord]
	memo         *cache.Store[estimator.ModernizationRecord]
	logger       *zap.Logger

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	view    View
	subs    map[int]chan View
	nextSub int
	closed  bool
}

// NewController builds a Controller on top of backend.
func NewController(backend Backend, cfg ControllerConfig) (*Controller, error) {
	if backend == nil {
		return nil, fmt.Errorf("client: backend is required")
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	if cfg.MemoEntries <= 0 {
		cfg.MemoEntries = defaultMemoEntries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	memo, err := cache.New[estimator.ModernizationRecord](cache.MemoStore, cfg.MemoEntries)
	if err != nil {
		return nil, fmt.Errorf("client memo: %w", err)
	}
	return &Controller{
		backend:      backend,
		retry:        cfg.Retry.withDefaults(),
		checkTimeout: cfg.CheckTimeout,
		inflight:     NewCoalescer[estimator.ModernizationRecord](),
		memo:         memo,
		logger:       logger.Named("controller"),
		subs:         make(map[int]chan View),
	}, nil
}

// InFlight reports how many script requests are currently on the wire.
// Requests abandoned by an aborted check stop counting immediately.
func (c *Controller) InFlight() int {
	return c.inflight.InFlight()
}

// Normalize prefixes https:// when input carries no http(s) scheme.
func Normalize(input string) string {
	input = strings.TrimSpace(input)
	if schemeRe.MatchString(input) {
		return input
	}
	return "https://" + input
}

// Submit starts a check of input, aborting any check in progress. It returns
// the generation that identifies the new check's views.
func (c *Controller) Submit(ctx context.Context, input string) uint64 {
	pageURL := Normalize(input)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	genCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	gen := c.gen
	c.publishLocked(View{Generation: gen, State: StateChecking, Input: pageURL})

	go c.run(genCtx, gen, pageURL)
	return gen
}

// Current returns the latest published View.
func (c *Controller) Current() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Subscribe returns a channel that always holds the newest View. Slow readers
// skip intermediate views. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan View, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan View, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.view
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Wait blocks until the check identified by gen reaches a terminal state.
func (c *Controller) Wait(ctx context.Context, gen uint64) (View, error) {
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return c.Current(), ctx.Err()
		case v, ok := <-ch:
			if !ok {
				return c.Current(), fmt.Errorf("client: controller closed")
			}
			if v.Generation > gen {
				return v, fmt.Errorf("client: check superseded by generation %d", v.Generation)
			}
			if v.Generation == gen && v.State.Terminal() {
				return v, nil
			}
		}
	}
}

// Close aborts outstanding requests and ends every subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) run(ctx context.Context, gen uint64, pageURL string) {
	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	res, err := c.backend.Check(checkCtx, pageURL)
	cancel()

	c.mu.Lock()
	if !c.currentLocked(ctx, gen) {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.logger.Info("check failed", zap.String("url", pageURL), zap.Error(err))
		c.publishLocked(View{Generation: gen, State: StateFailed, Input: pageURL, Err: err.Error()})
		c.mu.Unlock()
		return
	}

	scripts := make([]ScriptView, 0, len(res.Scripts))
	for _, s := range res.Scripts {
		row := ScriptView{URL: s.URL, Size: s.Size}
		if rec, ok := c.memo.Get(s.URL); ok {
			if rec.NonJS {
				continue
			}
			row = applyRecord(row, rec)
		}
		scripts = append(scripts, row)
	}
	resolved := res.URL
	if resolved == "" {
		resolved = pageURL
	}
	view := c.viewLocked(gen, pageURL, resolved, scripts)
	c.publishLocked(view)
	pending := pendingURLs(scripts)
	c.mu.Unlock()

	for _, u := range pending {
		go func(scriptURL string) {
			rec, err := c.script(ctx, scriptURL)
			c.merge(ctx, gen, scriptURL, rec, err)
		}(u)
	}
}

// script resolves one script through the memo, then the shared in-flight
// request, then the network with retries.
func (c *Controller) script(ctx context.Context, scriptURL string) (estimator.ModernizationRecord, error) {
	if rec, ok := c.memo.Get(scriptURL); ok {
		return rec, nil
	}
	return c.inflight.Do(ctx, scriptURL, func(ctx context.Context) (estimator.ModernizationRecord, error) {
		var rec estimator.ModernizationRecord
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			r, err := c.backend.Script(ctx, scriptURL)
			if err != nil {
				c.logger.Debug("script attempt failed", zap.String("url", scriptURL), zap.Error(err))
				return err
			}
			rec = r
			return nil
		})
		if err != nil {
			return rec, err
		}
		if rec.Error != TimedOutMessage {
			c.memo.Add(scriptURL, rec)
		}
		return rec, nil
	})
}

func (c *Controller) merge(ctx context.Context, gen uint64, scriptURL string, rec estimator.ModernizationRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(ctx, gen) {
		c.logger.Debug("dropping stale script result", zap.String("url", scriptURL), zap.Uint64("generation", gen))
		return
	}

	prev := c.view.Scripts
	scripts := make([]ScriptView, 0, len(prev))
	for _, row := range prev {
		if row.URL != scriptURL || row.Final {
			scripts = append(scripts, row)
			continue
		}
		switch {
		case err != nil:
			row.Final = true
			row.Error = err.Error()
		case rec.NonJS:
			continue
		default:
			row = applyRecord(row, rec)
		}
		scripts = append(scripts, row)
	}
	c.publishLocked(c.viewLocked(gen, c.view.Input, c.view.URL, scripts))
}

func (c *Controller) currentLocked(ctx context.Context, gen uint64) bool {
	return !c.closed && gen == c.gen && ctx.Err() == nil
}

func (c *Controller) viewLocked(gen uint64, input, resolved string, scripts []ScriptView) View {
	agg := Summarize(scripts)
	state := StatePartial
	if agg.Final {
		state = StateComplete
	}
	return View{
		Generation: gen,
		State:      state,
		Input:      input,
		URL:        resolved,
		Scripts:    scripts,
		Aggregate:  agg,
	}
}

func (c *Controller) publishLocked(v View) {
	c.view = v
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func applyRecord(row ScriptView, rec estimator.ModernizationRecord) ScriptView {
	if rec.Size != (estimator.Size{}) {
		row.Size = rec.Size
	}
	if rec.ModernSize != nil {
		ms := *rec.ModernSize
		row.ModernSize = &ms
	}
	if len(rec.Logs) > 0 {
		row.Logs = append([]string(nil), rec.Logs...)
	}
	row.Webpack = rec.Webpack
	row.Error = rec.Error
	row.Token = rec.Token
	row.Final = true
	return row
}

func pendingURLs(scripts []ScriptView) []string {
	seen := make(map[string]struct{}, len(scripts))
	var out []string
	for _, s := range scripts {
		if s.Final {
			continue
		}
		if _, ok := seen[s.URL]; ok {
			continue
		}
		seen[s.URL] = struct{}{}
		out = append(out, s.URL)
	}
	return out
}
