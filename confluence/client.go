// Package confluence implements a minimal REST client for the Confluence
// content API: bearer auth, pagination, bounded retry with exponential
// backoff, and best-effort rate limiting.
package confluence

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-confluence-export/config"
	"github.com/aluiziolira/go-confluence-export/models"
)

// Space holds the space-level attributes the exporter needs.
type Space struct {
	Key         string
	Name        string
	Description string
}

// PageSummary identifies one page from the space enumeration.
type PageSummary struct {
	ID    string
	Title string
}

// Page is a fully expanded page as returned by the content endpoint.
type Page struct {
	ID           string
	Title        string
	SpaceKey     string
	Ancestors    []models.Ancestor
	BodyHTML     string
	Labels       []string
	Version      int
	Author       string
	LastModified time.Time
}

// Client issues authenticated requests against a Confluence instance. One
// request is in flight at a time; the caller drives all sequencing.
type Client struct {
	cfg     *config.Config
	http    *http.Client
	apiBase string
	baseURL string
	Metrics *Metrics

	requestCount int64
	retryCount   int64

	mu        sync.Mutex
	started   bool
	extraWait time.Duration
}

// NewClient builds a client from cfg. TLS certificate verification is
// disabled when cfg.InsecureTLS is set; this is a deliberate trade-off for
// instances behind non-standard CA chains and is logged at startup.
func NewClient(cfg *config.Config) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		slog.Warn("TLS certificate verification is disabled; use only in trusted environments")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		apiBase: base + "/rest/api/",
		baseURL: base,
		Metrics: NewMetrics(),
	}, nil
}

// SetTransport swaps the underlying round tripper. Used by tests to inject a
// fake transport.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.http.Transport = rt
}

// GetSpace fetches space-level information.
func (c *Client) GetSpace(ctx context.Context, key string) (*Space, error) {
	params := url.Values{}
	params.Set("expand", "description.plain,homepage")

	var resp spaceResponse
	if err := c.doJSON(ctx, "space/"+url.PathEscape(key), params, &resp); err != nil {
		var permanent PermanentError
		if errors.As(err, &permanent) && permanent.Status == http.StatusNotFound {
			return nil, SpaceNotFoundError{Key: key, Err: err}
		}
		return nil, err
	}

	return &Space{
		Key:         resp.Key,
		Name:        resp.Name,
		Description: resp.Description.Plain.Value,
	}, nil
}

// ListPages enumerates every current page in the space, in server order,
// requesting cfg.PageSize items per call until a short or empty result page.
func (c *Client) ListPages(ctx context.Context, key string) ([]PageSummary, error) {
	var all []PageSummary
	start := 0
	limit := c.cfg.PageSize

	for {
		params := url.Values{}
		params.Set("spaceKey", key)
		params.Set("type", "page")
		params.Set("status", "current")
		params.Set("expand", "version")
		params.Set("start", strconv.Itoa(start))
		params.Set("limit", strconv.Itoa(limit))

		var resp contentListResponse
		if err := c.doJSON(ctx, "content", params, &resp); err != nil {
			return nil, fmt.Errorf("list pages at start=%d: %w", start, err)
		}
		if len(resp.Results) == 0 {
			break
		}

		for _, page := range resp.Results {
			all = append(all, PageSummary{ID: page.ID, Title: page.Title})
		}
		slog.Info("retrieved page batch",
			slog.String("space", key),
			slog.Int("batch", len(resp.Results)),
			slog.Int("total", len(all)),
		)

		if len(resp.Results) < limit {
			break
		}
		start += limit
	}

	return all, nil
}

// GetPage fetches one page in full, with body, ancestors, version, and labels.
func (c *Client) GetPage(ctx context.Context, id string) (*Page, error) {
	params := url.Values{}
	params.Set("expand", "body.storage,ancestors,version,space,metadata.labels")

	var resp pageResponse
	if err := c.doJSON(ctx, "content/"+url.PathEscape(id), params, &resp); err != nil {
		return nil, err
	}
	c.Metrics.IncPages()

	ancestors := make([]models.Ancestor, 0, len(resp.Ancestors))
	for _, ancestor := range resp.Ancestors {
		ancestors = append(ancestors, models.Ancestor{ID: ancestor.ID, Title: ancestor.Title})
	}
	labels := make([]string, 0, len(resp.Metadata.Labels.Results))
	for _, label := range resp.Metadata.Labels.Results {
		labels = append(labels, label.Name)
	}

	return &Page{
		ID:           resp.ID,
		Title:        resp.Title,
		SpaceKey:     resp.Space.Key,
		Ancestors:    ancestors,
		BodyHTML:     resp.Body.Storage.Value,
		Labels:       labels,
		Version:      resp.Version.Number,
		Author:       resp.Version.By.DisplayName,
		LastModified: resp.Version.When,
	}, nil
}

// ViewPageURL returns the browser-facing URL for a page id.
func (c *Client) ViewPageURL(id string) string {
	return c.baseURL + "/pages/viewpage.action?pageId=" + url.QueryEscape(id)
}

// RequestCount returns the number of HTTP requests issued so far.
func (c *Client) RequestCount() int {
	return int(atomic.LoadInt64(&c.requestCount))
}

// RetryCount returns the number of retry attempts made so far.
func (c *Client) RetryCount() int {
	return int(atomic.LoadInt64(&c.retryCount))
}

// doJSON performs one logical GET with bounded retry. Each request moves
// through fetch, retry-wait, and either success or a terminal failure; only
// transient and rate-limit failures re-enter the fetch state.
func (c *Client) doJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	attempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			var rateLimited RateLimitedError
			if errors.As(lastErr, &rateLimited) && rateLimited.RetryAfter > delay {
				delay = rateLimited.RetryAfter
			}

			atomic.AddInt64(&c.retryCount, 1)
			c.Metrics.IncRetries()
			slog.Debug("retrying request",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return TransientError{Err: err}
			}
		}

		if err := c.waitTurn(ctx); err != nil {
			return TransientError{Err: err}
		}

		lastErr = c.once(ctx, endpoint, params, out)
		if lastErr == nil {
			return nil
		}

		c.Metrics.IncError(errorTypeLabel(lastErr))
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts {
			slog.Warn("request failed",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}

func (c *Client) once(ctx context.Context, endpoint string, params url.Values, out any) error {
	requestURL := c.apiBase + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return PermanentError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	atomic.AddInt64(&c.requestCount, 1)
	c.Metrics.IncRequest("started")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetError(err)
	}
	defer resp.Body.Close()
	c.Metrics.ObserveDuration(time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AuthError{Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.extendWait(retryAfter)
		return RateLimitedError{RetryAfter: retryAfter, Err: fmt.Errorf("http status 429")}
	case resp.StatusCode >= http.StatusInternalServerError:
		return TransientError{Err: fmt.Errorf("http status %d", resp.StatusCode)}
	default:
		return PermanentError{Status: resp.StatusCode, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
}

// backoff returns the delay before retry number attempt (1-based), doubling
// from RetryBackoff and capped at RetryBackoffMax.
func (c *Client) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := c.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := c.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// waitTurn enforces the inter-request delay. The first request goes out
// immediately; later requests wait RequestDelay plus any server-signalled
// extension, which is consumed once.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Duration(0)
	if c.started {
		wait = c.cfg.RequestDelay + c.extraWait
	}
	c.started = true
	c.extraWait = 0
	c.mu.Unlock()

	return sleepCtx(ctx, wait)
}

func (c *Client) extendWait(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	if d > c.extraWait {
		c.extraWait = d
	}
	c.mu.Unlock()
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if until := time.Until(when); until > 0 {
			return until
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type spaceResponse struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description struct {
		Plain struct {
			Value string `json:"value"`
		} `json:"plain"`
	} `json:"description"`
}

type contentListResponse struct {
	Results []pageResponse `json:"results"`
	Start   int            `json:"start"`
	Limit   int            `json:"limit"`
	Size    int            `json:"size"`
}

type pageResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Ancestors []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"ancestors"`
	Space struct {
		Key string `json:"key"`
	} `json:"space"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		Number int       `json:"number"`
		When   time.Time `json:"when"`
		By     struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`
	Metadata struct {
		Labels struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		} `json:"labels"`
	} `json:"metadata"`
}
