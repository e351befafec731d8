package headless

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/policy/intercept"
)

// DefaultUserAgent is the desktop Chrome string presented by analysis tabs.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/87.0.4280.47 Safari/537.36"

// ChromeLauncher starts headless Chrome via chromedp's exec allocator.
type ChromeLauncher struct {
	ExecPath string
}

// Launch implements Launcher.
func (l ChromeLauncher) Launch() (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.DisableGPU,
		chromedp.WindowSize(800, 600),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Running with no actions starts the process and its first target.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromeBrowser{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (b *chromeBrowser) NewPage() (context.Context, context.CancelFunc, error) {
	if b.ctx.Err() != nil {
		return nil, nil, fmt.Errorf("browser exited: %w", b.ctx.Err())
	}
	page, cancel := chromedp.NewContext(b.ctx)
	return page, cancel, nil
}

func (b *chromeBrowser) Alive() bool {
	return b.ctx.Err() == nil
}

func (b *chromeBrowser) Close() {
	b.cancel()
	b.allocCancel()
}

// ChromePrepare returns a PrepareFunc that fixes the user agent, bypasses
// service workers and routes every request through the interception policy.
func ChromePrepare(userAgent string, policy *intercept.Holder, logger *zap.Logger) PrepareFunc {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(page context.Context) error {
		chromedp.ListenTarget(page, func(ev any) {
			paused, ok := ev.(*fetch.EventRequestPaused)
			if !ok {
				return
			}
			// Listeners must not block the event loop.
			go resolvePaused(page, paused, policy, logger)
		})
		return chromedp.Run(page, chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.SetBypassServiceWorker(true).Do(ctx); err != nil {
				return fmt.Errorf("bypass service workers: %w", err)
			}
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
			if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable interception: %w", err)
			}
			return nil
		}))
	}
}

func resolvePaused(page context.Context, ev *fetch.EventRequestPaused, policy *intercept.Holder, logger *zap.Logger) {
	c := chromedp.FromContext(page)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(page, c.Target)

	var matcher *intercept.Matcher
	if policy != nil {
		matcher = policy.Matcher()
	}
	reqURL := ""
	if ev.Request != nil {
		reqURL = ev.Request.URL
	}
	var err error
	if matcher.Blocks(string(ev.ResourceType), reqURL) {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && page.Err() == nil {
		logger.Debug("resolve intercepted request", zap.String("url", reqURL), zap.Error(err))
	}
}
