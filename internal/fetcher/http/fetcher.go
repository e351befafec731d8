// Package httpfetcher implements estimator.Fetcher on net/http with manual
// redirect handling and explicit content decoding.
package httpfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
	"github.com/JakeFAU/modernjs-estimator/internal/policy/ratelimit"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRedirects = 10
	defaultMaxBodyBytes = 20 << 20

	// DefaultUserAgent is a desktop Chrome string; some CDNs refuse unknown agents.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/87.0.4280.47 Safari/537.36"
)

// Config controls fetch behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	// HostQPS limits requests per upstream host. Zero disables limiting.
	HostQPS float64
	Logger  *zap.Logger
}

// Fetcher performs GET requests that follow redirects by hand.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Fetcher with a keep-alive transport shared across requests.
func New(cfg Config) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Fetcher on top of rt.
func NewWithTransport(cfg Config, rt http.RoundTripper) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		logger:  logger,
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HostQPS, DefaultBurst: int(cfg.HostQPS)}),
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Get implements estimator.Fetcher. Statuses of 400 and above are returned as
// a response, not an error; callers check FetchResponse.OK.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (estimator.FetchResponse, error) {
	current, err := parseTarget(rawURL)
	if err != nil {
		return estimator.FetchResponse{}, err
	}
	visited := map[string]struct{}{current.String(): {}}
	redirects := 0
	for {
		resp, err := f.do(ctx, current)
		if err != nil {
			metrics.ObserveFetch(current.Hostname(), 0)
			return estimator.FetchResponse{}, err
		}
		metrics.ObserveFetch(current.Hostname(), resp.StatusCode)

		location := resp.Header.Get("Location")
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && location != "" {
			drain(resp.Body)
			next, err := current.Parse(location)
			if err != nil {
				return estimator.FetchResponse{}, fmt.Errorf("%w: bad Location %q from %s: %w",
					estimator.ErrFetch, location, current, err)
			}
			redirects++
			metrics.ObserveRedirect()
			if redirects > f.cfg.MaxRedirects {
				return estimator.FetchResponse{}, fmt.Errorf("%w: %w after %d hops from %s",
					estimator.ErrFetch, estimator.ErrTooManyRedirects, f.cfg.MaxRedirects, rawURL)
			}
			if _, seen := visited[next.String()]; seen {
				return estimator.FetchResponse{}, fmt.Errorf("%w: %w at %s",
					estimator.ErrFetch, estimator.ErrRedirectLoop, next)
			}
			visited[next.String()] = struct{}{}
			f.logger.Debug("following redirect",
				zap.String("from", current.String()),
				zap.String("to", next.String()),
			)
			current = next
			continue
		}
		return f.read(current, resp)
	}
}

func (f *Fetcher) do(ctx context.Context, target *url.URL) (*http.Response, error) {
	if err := f.limiter.Wait(ctx, target.Hostname()); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait for %s: %w", estimator.ErrFetch, target.Host, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", estimator.ErrInvalidURL, err)
	}
	setBrowserHeaders(req.Header, target, f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", estimator.ErrFetch, target, err)
	}
	return resp, nil
}

func (f *Fetcher) read(target *url.URL, resp *http.Response) (estimator.FetchResponse, error) {
	defer resp.Body.Close()
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body, f.cfg.MaxBodyBytes)
	if err != nil {
		return estimator.FetchResponse{}, fmt.Errorf("%w: read %s: %w", estimator.ErrFetch, target, err)
	}
	return estimator.FetchResponse{
		URL:     target.String(),
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    string(body),
	}, nil
}

func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", estimator.ErrInvalidURL, rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", estimator.ErrInvalidURL, rawURL)
	}
	return u, nil
}

func setBrowserHeaders(h http.Header, target *url.URL, userAgent string) {
	origin := target.Scheme + "://" + target.Host
	h.Set("Accept-Encoding", "br, gzip, deflate")
	h.Set("Accept", "application/javascript, text/javascript, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("User-Agent", userAgent)
	h.Set("Origin", origin)
	h.Set("Referer", origin)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Fetch-Dest", "script")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		// Content-Encoding is negotiated and decoded by hand.
		DisableCompression: true,
	}
}
