// Package feed implements a fetch adapter over a paginated JSON HTTP feed.
//
// A page request is
//
//	GET <base><path>?since=<rfc3339>&until=<rfc3339>&limit=<n>&cursor=<c>
//
// and the response body is
//
//	{"records": [{"id": "...", "timestamp": "...", "payload": {...}}], "nextCursor": "..."}
//
// Pages are requested lazily as the iterator drains. Retries are left to the
// pipeline; this package only classifies failures.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
)

const (
	defaultPageSize = 100
	maxBodyBytes    = 8 << 20
)

// Config describes one remote provider feed.
type Config struct {
	ProviderID string
	BaseURL    string
	Path       string
	Token      string
	PageSize   int
	HTTPClient *http.Client
	// Query holds fixed parameters sent with every page, such as a folder
	// or label filter.
	Query map[string]string
}

// Adapter fetches records from an HTTP feed.
type Adapter struct {
	provider   string
	baseURL    string
	path       string
	token      string
	pageSize   int
	httpClient *http.Client
	query      map[string]string
}

var _ pipeline.Adapter = (*Adapter)(nil)

// New creates a feed adapter.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return nil, errors.New(errors.ErrConfig, "feed provider id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New(errors.ErrConfig, fmt.Sprintf("feed %s has no base url", cfg.ProviderID))
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, fmt.Sprintf("feed %s base url", cfg.ProviderID), err)
	}
	path := "/" + strings.TrimLeft(strings.TrimSpace(cfg.Path), "/")
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{
		provider:   cfg.ProviderID,
		baseURL:    baseURL,
		path:       path,
		token:      strings.TrimSpace(cfg.Token),
		pageSize:   pageSize,
		httpClient: httpClient,
		query:      cfg.Query,
	}, nil
}

// ProviderID implements pipeline.Adapter.
func (a *Adapter) ProviderID() string { return a.provider }

// Fetch implements pipeline.Adapter. The first page is requested eagerly so
// that auth and connectivity failures surface here.
func (a *Adapter) Fetch(ctx context.Context, userID string, window models.FetchWindow) (pipeline.Iterator, error) {
	it := &iterator{adapter: a, userID: userID, window: window}
	if err := it.load(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

type wireRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type page struct {
	Records    []wireRecord `json:"records"`
	NextCursor *string      `json:"nextCursor"`
}

type iterator struct {
	adapter   *Adapter
	userID    string
	window    models.FetchWindow
	buf       []wireRecord
	cursor    string
	done      bool
	served    int
	truncated bool
}

func (it *iterator) Next(ctx context.Context) (models.RawRecord, error) {
	for len(it.buf) == 0 {
		if it.done {
			return models.RawRecord{}, io.EOF
		}
		if err := it.load(ctx); err != nil {
			return models.RawRecord{}, err
		}
	}
	if it.window.SafetyCap > 0 && it.served >= it.window.SafetyCap {
		it.truncated = true
		return models.RawRecord{}, io.EOF
	}
	w := it.buf[0]
	it.buf = it.buf[1:]
	it.served++
	return models.RawRecord{ExternalID: w.ID, Payload: w.Payload, Timestamp: w.Timestamp}, nil
}

func (it *iterator) Truncated() bool { return it.truncated }
func (it *iterator) Close() error    { return nil }

func (it *iterator) load(ctx context.Context) error {
	q := url.Values{}
	for k, v := range it.adapter.query {
		q.Set(k, v)
	}
	if it.window.Since != nil {
		q.Set("since", it.window.Since.UTC().Format(time.RFC3339))
	}
	if it.window.Until != nil {
		q.Set("until", it.window.Until.UTC().Format(time.RFC3339))
	}
	if it.userID != "" {
		q.Set("user", it.userID)
	}
	limit := it.adapter.pageSize
	if remaining := it.window.SafetyCap - it.served; it.window.SafetyCap > 0 && remaining < limit {
		limit = remaining
	}
	q.Set("limit", strconv.Itoa(limit))
	if it.cursor != "" {
		q.Set("cursor", it.cursor)
	}

	var out page
	if err := it.adapter.getJSON(ctx, it.adapter.path+"?"+q.Encode(), &out); err != nil {
		return err
	}
	it.buf = append(it.buf, out.Records...)
	if out.NextCursor == nil || strings.TrimSpace(*out.NextCursor) == "" {
		it.done = true
	} else {
		it.cursor = *out.NextCursor
		if it.window.SafetyCap > 0 && it.served+len(it.buf) >= it.window.SafetyCap {
			// More pages exist but the cap is already covered.
			it.done = true
			it.truncated = true
		}
	}
	return nil
}

func (a *Adapter) getJSON(ctx context.Context, requestPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+requestPath, nil)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "build feed request", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", fmt.Sprintf("syncd_%d", time.Now().UnixNano()))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(errors.ErrAdapterNetwork, a.provider+" request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(errors.ErrAdapterNetwork, a.provider+" read response", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Wrap(errors.ErrAdapterNetwork, a.provider+" decode response", err)
		}
		return nil
	}
	return statusError(a.provider, resp.StatusCode, body)
}

// HTTPError is a non-2xx feed response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func statusError(provider string, status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	httpErr := &HTTPError{StatusCode: status, Code: payload.Code, Message: payload.Message}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Wrap(errors.ErrAdapterAuth, provider+" rejected credentials", httpErr)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Wrap(errors.ErrAdapterNetwork, provider+" unavailable", httpErr)
	default:
		return errors.Wrap(errors.ErrInternal, provider+" request rejected", httpErr)
	}
}
