// Package yahoo implements the equity quote source on top of the Yahoo Finance
// v8 chart API. It uses cookie + crumb authentication, matching the approach
// used by the yfinance Python library.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

const (
	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	defaultCookieURL     = "https://fc.yahoo.com"
	defaultCrumbURL      = "https://query1.finance.yahoo.com/v1/test/getcrumb"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Quoter fetches the latest market price of an equity ticker.
type Quoter struct {
	client        *http.Client
	chartEndpoint string
	cookieURL     string
	crumbURL      string

	mu    sync.Mutex
	crumb string
}

// New creates a Quoter with the given options applied.
func New(opts ...Option) *Quoter {
	jar, _ := cookiejar.New(nil)
	q := &Quoter{
		client:        &http.Client{Jar: jar},
		chartEndpoint: defaultChartEndpoint,
		cookieURL:     defaultCookieURL,
		crumbURL:      defaultCrumbURL,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Option configures a Quoter.
type Option func(*Quoter)

// WithClient sets the HTTP client. The client should have a cookie jar.
func WithClient(c *http.Client) Option {
	return func(q *Quoter) { q.client = c }
}

// WithChartEndpoint overrides the default chart API endpoint.
func WithChartEndpoint(ep string) Option {
	return func(q *Quoter) { q.chartEndpoint = ep }
}

// WithCookieURL overrides the URL used to obtain the session cookie.
func WithCookieURL(u string) Option {
	return func(q *Quoter) { q.cookieURL = u }
}

// WithCrumbURL overrides the URL used to obtain the crumb token.
func WithCrumbURL(u string) Option {
	return func(q *Quoter) { q.crumbURL = u }
}

// Source returns the price source served by this quoter.
func (q *Quoter) Source() price.Source { return price.SourceEquity }

type chartMeta struct {
	Symbol             string  `json:"symbol"`
	Currency           string  `json:"currency"`
	RegularMarketPrice float64 `json:"regularMarketPrice"`
}

type chartQuote struct {
	Close []any `json:"close"`
}

type chartResult struct {
	Meta       chartMeta `json:"meta"`
	Timestamp  []int64   `json:"timestamp"`
	Indicators struct {
		Quote []chartQuote `json:"quote"`
	} `json:"indicators"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// chartResponse represents the Yahoo Finance v8 chart API response.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

// Quote returns the regular market price of symbol. When the chart metadata
// carries no price, the last non-null daily close is used.
func (q *Quoter) Quote(ctx context.Context, symbol string) (float64, error) {
	if symbol == "" {
		return 0, failure.Newf(failure.NotFound, symbol, "symbol cannot be empty")
	}

	if err := q.ensureCrumb(ctx); err != nil {
		return 0, failure.FromTransport(symbol, fmt.Errorf("yahoo auth: %w", err))
	}

	q.mu.Lock()
	crumb := q.crumb
	q.mu.Unlock()

	reqURL := fmt.Sprintf("%s/%s?range=5d&interval=1d&crumb=%s",
		q.chartEndpoint, url.PathEscape(symbol), url.QueryEscape(crumb))

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return 0, failure.New(failure.NotFound, symbol, err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := q.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return 0, failure.FromTransport(symbol, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		kind := failure.FromStatus(res.StatusCode)
		// Invalidate crumb on auth errors so the next attempt re-authenticates.
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			q.mu.Lock()
			q.crumb = ""
			q.mu.Unlock()
			kind = failure.Network
		}
		return 0, &failure.Error{
			Kind:   kind,
			Symbol: symbol,
			Status: res.StatusCode,
			Err:    fmt.Errorf("yahoo returned HTTP %d", res.StatusCode),
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, failure.FromTransport(symbol, err)
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, failure.New(failure.InvalidPrice, symbol, fmt.Errorf("parse yahoo response: %w", err))
	}

	if resp.Chart.Error != nil {
		return 0, failure.Newf(failure.NotFound, symbol, "yahoo chart error: %s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return 0, failure.Newf(failure.NotFound, symbol, "yahoo returned no chart data")
	}

	result := resp.Chart.Result[0]
	p := result.Meta.RegularMarketPrice
	if p == 0 {
		p = lastClose(result)
	}
	if p <= 0 {
		return 0, failure.Rejected(symbol, p)
	}

	slog.Debug("retrieved yahoo quote", "symbol", symbol, "price", p, "currency", result.Meta.Currency)
	return p, nil
}

func lastClose(r chartResult) float64 {
	if len(r.Indicators.Quote) == 0 {
		return 0
	}
	closes := r.Indicators.Quote[0].Close
	for i := len(closes) - 1; i >= 0; i-- {
		if v, ok := toFloat64(closes[i]); ok {
			return v
		}
	}
	return 0
}

// ensureCrumb fetches a session cookie and crumb token if not already cached.
func (q *Quoter) ensureCrumb(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.crumb != "" {
		return nil
	}

	// Step 1: GET fc.yahoo.com to obtain a session cookie.
	cookieReq, err := http.NewRequestWithContext(ctx, "GET", q.cookieURL, nil)
	if err != nil {
		return fmt.Errorf("build cookie request: %w", err)
	}
	cookieReq.Header.Set("User-Agent", userAgent)

	cookieRes, err := q.client.Do(cookieReq) //nolint:gosec // URL from internal config
	if err != nil {
		return fmt.Errorf("fetch cookie: %w", err)
	}
	_ = cookieRes.Body.Close()

	// Step 2: GET crumb endpoint (cookie is sent automatically via jar).
	crumbReq, err := http.NewRequestWithContext(ctx, "GET", q.crumbURL, nil)
	if err != nil {
		return fmt.Errorf("build crumb request: %w", err)
	}
	crumbReq.Header.Set("User-Agent", userAgent)

	crumbRes, err := q.client.Do(crumbReq) //nolint:gosec // URL from internal config
	if err != nil {
		return fmt.Errorf("fetch crumb: %w", err)
	}
	defer func() { _ = crumbRes.Body.Close() }()

	if crumbRes.StatusCode != http.StatusOK {
		return &failure.Error{
			Kind:   failure.FromStatus(crumbRes.StatusCode),
			Status: crumbRes.StatusCode,
			Err:    fmt.Errorf("crumb endpoint returned HTTP %d", crumbRes.StatusCode),
		}
	}

	body, err := io.ReadAll(crumbRes.Body)
	if err != nil {
		return fmt.Errorf("read crumb: %w", err)
	}

	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return fmt.Errorf("empty crumb received")
	}

	q.crumb = crumb
	slog.Info("yahoo: obtained crumb", "crumb_len", len(crumb))
	return nil
}

// toFloat64 converts a JSON number (which may be float64 or json.Number) to float64.
// Returns false for nil values (Yahoo uses null for missing data points).
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
