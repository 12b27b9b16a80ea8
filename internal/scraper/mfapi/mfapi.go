// Package mfapi implements the mutual-fund NAV source backed by the public
// mfapi.in API, which serves AMFI NAVs keyed by numeric scheme code.
package mfapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

const (
	defaultBaseURL = "https://api.mfapi.in"
	navPath        = "$.data[0].nav"
	navDatePath    = "$.data[0].date"
	schemeNamePath = "$.meta.scheme_name"
)

type Quoter struct {
	client  *http.Client
	baseURL string
}

func New(opts ...Option) *Quoter {
	q := &Quoter{
		client:  http.DefaultClient,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

type Option func(*Quoter)

func WithClient(c *http.Client) Option {
	return func(q *Quoter) { q.client = c }
}

func WithBaseURL(u string) Option {
	return func(q *Quoter) { q.baseURL = strings.TrimRight(u, "/") }
}

func (q *Quoter) Source() price.Source { return price.SourceFund }

// Quote returns the latest published NAV for a scheme code.
func (q *Quoter) Quote(ctx context.Context, schemeCode string) (float64, error) {
	if schemeCode == "" {
		return 0, failure.Newf(failure.NotFound, schemeCode, "scheme code cannot be empty")
	}

	doc, err := q.getLatest(ctx, schemeCode)
	if err != nil {
		return 0, err
	}

	raw, err := lookup(doc, navPath)
	if err != nil || raw == nil {
		return 0, failure.Newf(failure.NotFound, schemeCode, "no NAV published for scheme")
	}

	nav, err := toFloat(raw)
	if err != nil {
		return 0, failure.New(failure.InvalidPrice, schemeCode, fmt.Errorf("parse nav %v: %w", raw, err))
	}
	if nav <= 0 {
		return 0, failure.Rejected(schemeCode, nav)
	}

	name, _ := lookup(doc, schemeNamePath)
	date, _ := lookup(doc, navDatePath)
	slog.Debug("retrieved mfapi nav", "scheme", schemeCode, "name", name, "date", date, "nav", nav)
	return nav, nil
}

func (q *Quoter) getLatest(ctx context.Context, schemeCode string) (any, error) {
	reqURL := fmt.Sprintf("%s/mf/%s/latest", q.baseURL, url.PathEscape(schemeCode))

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, failure.New(failure.NotFound, schemeCode, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := q.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, failure.FromTransport(schemeCode, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, &failure.Error{
			Kind:   failure.FromStatus(res.StatusCode),
			Symbol: schemeCode,
			Status: res.StatusCode,
			Err:    fmt.Errorf("mfapi returned HTTP %d", res.StatusCode),
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, failure.FromTransport(schemeCode, err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, failure.New(failure.InvalidPrice, schemeCode, fmt.Errorf("parse mfapi response: %w", err))
	}
	return doc, nil
}

// lookup evaluates a JSONPath expression, unwrapping single-element results.
func lookup(doc any, path string) (any, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil, err
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil, fmt.Errorf("%s: no match", path)
		}
		v = list[0]
	}
	return v, nil
}

// toFloat accepts both string ("123.4567", as mfapi serves it) and numeric NAVs.
func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
