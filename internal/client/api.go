package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// TimedOutMessage is reported when the service answers 200 with no body,
// which is what an upstream proxy does after cutting a slow request short.
const TimedOutMessage = "timed out"

const maxResponseBytes = 8 << 20

// ErrTimedOut is returned by Check for an empty 200 response.
var ErrTimedOut = errors.New(TimedOutMessage)

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("status %d", e.Status)
}

// Temporary reports whether a retry could plausibly succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// API calls the estimator HTTP service.
type API struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// NewAPI builds an API rooted at baseURL. A nil client uses one with no
// timeout of its own; callers bound requests through ctx.
func NewAPI(baseURL string, hc *http.Client, logger *zap.Logger) (*API, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{base: base, http: hc, logger: logger.Named("client")}, nil
}

// Check asks the service to load pageURL and list its scripts.
func (a *API) Check(ctx context.Context, pageURL string) (estimator.CheckResult, error) {
	body, err := json.Marshal(map[string]string{"url": pageURL})
	if err != nil {
		return estimator.CheckResult{}, fmt.Errorf("encode check request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/api/check", nil), bytes.NewReader(body))
	if err != nil {
		return estimator.CheckResult{}, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res estimator.CheckResult
	empty, err := a.do(req, &res)
	if err != nil {
		return estimator.CheckResult{}, err
	}
	if empty {
		return estimator.CheckResult{}, ErrTimedOut
	}
	return res, nil
}

// Script fetches the modernization record for one script.
func (a *API) Script(ctx context.Context, scriptURL string) (estimator.ModernizationRecord, error) {
	q := url.Values{}
	q.Set("url", scriptURL)
	q.Set("info", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint("/api/script", q), nil)
	if err != nil {
		return estimator.ModernizationRecord{}, fmt.Errorf("build script request: %w", err)
	}

	var rec estimator.ModernizationRecord
	empty, err := a.do(req, &rec)
	if err != nil {
		return estimator.ModernizationRecord{}, err
	}
	if empty {
		return estimator.ModernizationRecord{URL: scriptURL, Error: TimedOutMessage}, nil
	}
	return rec, nil
}

func (a *API) endpoint(path string, q url.Values) string {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends req and decodes a JSON body into out. It reports empty=true for a
// 200 with no body.
func (a *API) do(req *http.Request, out any) (empty bool, err error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode == http.StatusOK && len(bytes.TrimSpace(data)) == 0 {
		a.logger.Warn("empty response", zap.String("path", req.URL.Path))
		return true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, &StatusError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return false, nil
}

// errorMessage pulls {"error": ...} out of a body, falling back to its text.
func errorMessage(data []byte) string {
	var payload struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != nil {
		if s, ok := payload.Error.(string); ok {
			return s
		}
		return fmt.Sprint(payload.Error)
	}
	return strings.TrimSpace(string(data))
}
