// Package nvd speaks the NVD CVE 2.0 search API: paginated GET requests over
// a time window, rate limited per the upstream contract, transient failures
// retried with exponential backoff.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vulnwatch/cvesync/internal/metrics"
	"github.com/vulnwatch/cvesync/internal/types"
)

const DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// The public API suspends clients that exceed 5 requests per 30s without a
// key, 50 per 30s with one. Stay under both.
const (
	delayWithKey    = 700 * time.Millisecond
	delayWithoutKey = 6500 * time.Millisecond
)

// maxAttempts bounds retries of a single page request; exhausting it fails
// the whole window.
const maxAttempts = 5

// TimeField selects which record timestamp a window filters on.
type TimeField string

const (
	FieldPublished    TimeField = "published"
	FieldLastModified TimeField = "lastModified"
)

// HTTPError is a non-2xx response from the feed.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string { return e.Status }

// Retryable reports whether a status is a transient upstream condition.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

type Client struct {
	baseURL       string
	apiKey        string
	pageSize      int
	hc            *http.Client
	limiter       *rate.Limiter
	retryInterval time.Duration
	log           *zap.SugaredLogger
}

func NewClient(baseURL, apiKey string, pageSize int, timeout time.Duration, log *zap.SugaredLogger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	delay := delayWithoutKey
	if apiKey != "" {
		delay = delayWithKey
	}
	tr := &http.Transport{
		MaxIdleConns:          16,
		MaxConnsPerHost:       4,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		pageSize:      pageSize,
		hc:            &http.Client{Transport: tr, Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Every(delay), 1),
		retryInterval: time.Second,
		log:           log,
	}
}

// Page is one fully received page of raw records. Pages are yielded whole:
// a failed request never surfaces a partial page.
type Page struct {
	StartIndex   int
	TotalResults int
	Items        []json.RawMessage
}

// Pager lazily walks the pages of one window. It advances the start offset
// by the records actually received until the reported total is reached.
type Pager struct {
	c      *Client
	win    types.Window
	field  TimeField
	offset int
	total  int
}

// Pages returns a restartable page sequence for the window.
func (c *Client) Pages(win types.Window, field TimeField) *Pager {
	return &Pager{c: c, win: win, field: field, total: -1}
}

// Next fetches the next page, or returns (nil, nil) once the window is
// exhausted.
func (p *Pager) Next(ctx context.Context) (*Page, error) {
	if p.total >= 0 && p.offset >= p.total {
		return nil, nil
	}
	page, err := p.c.fetchPage(ctx, p.win, p.field, p.offset)
	if err != nil {
		return nil, err
	}
	p.total = page.TotalResults
	if len(page.Items) == 0 {
		// Upstream reported more results than it returned; treat as done
		// rather than spinning on the same offset.
		p.total = p.offset
		return nil, nil
	}
	p.offset += len(page.Items)
	return page, nil
}

func (c *Client) fetchPage(ctx context.Context, win types.Window, field TimeField, offset int) (*Page, error) {
	var env Envelope
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.FetchRetries.Inc()
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		q := req.URL.Query()
		q.Set("resultsPerPage", strconv.Itoa(c.pageSize))
		q.Set("startIndex", strconv.Itoa(offset))
		switch field {
		case FieldPublished:
			q.Set("pubStartDate", FormatTime(win.Start))
			q.Set("pubEndDate", FormatTime(win.End))
		default:
			q.Set("lastModStartDate", FormatTime(win.Start))
			q.Set("lastModEndDate", FormatTime(win.End))
		}
		req.URL.RawQuery = q.Encode()
		if c.apiKey != "" {
			req.Header.Set("apiKey", c.apiKey)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			c.log.Warnw("feed request failed", "offset", offset, "attempt", attempt, "err", err)
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
			if Retryable(resp.StatusCode) {
				c.log.Warnw("feed request rejected", "offset", offset, "attempt", attempt, "status", resp.StatusCode)
				return herr
			}
			return backoff.Permanent(herr)
		}
		env = Envelope{}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return fmt.Errorf("decode feed response: %w", err)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)); err != nil {
		return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
	}
	return &Page{StartIndex: env.StartIndex, TotalResults: env.TotalResults, Items: env.Vulnerabilities}, nil
}
