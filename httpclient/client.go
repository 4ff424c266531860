package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/cache"
	"github.com/jrsteele09/go-auth-client/shaper"
	"github.com/jrsteele09/go-auth-client/token"
)

// DefaultTimeout bounds a request when neither the client nor the call
// specifies one.
const DefaultTimeout = 30 * time.Second

// RequestOptions tune a single call. The zero value means: default headers,
// client timeout, auth header attached when a token exists, cache consulted
// for GETs, no shaping.
type RequestOptions struct {
	Headers  map[string]string
	Timeout  time.Duration
	SkipAuth bool // do not attach the Authorization header or pre-verify
	NoCache  bool // bypass the response cache for this GET
	CacheTTL time.Duration
	Debounce bool // coalesce through the shaper's debounce path
	Throttle bool // rate-limit through the shaper's throttle path
}

func (o *RequestOptions) orDefault() *RequestOptions {
	if o == nil {
		return &RequestOptions{}
	}
	return o
}

// Response is a completed HTTP exchange. FromCache marks a response served
// without dispatch.
type Response struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Body       []byte
	FromCache  bool
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "[Response.Decode]")
	}
	return nil
}

// Transport is the request capability the authenticated decorator wraps.
type Transport interface {
	Get(ctx context.Context, endpoint string, params map[string]any, opts *RequestOptions) (*Response, error)
	Request(ctx context.Context, method, endpoint string, data any, opts *RequestOptions) (*Response, error)
}

// Stats are the client's aggregate request counters.
type Stats struct {
	TotalRequests int     `json:"total_requests"`
	CacheHits     int     `json:"cache_hits"`
	CacheMisses   int     `json:"cache_misses"`
	Errors        int     `json:"errors"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	ErrorRate     float64 `json:"error_rate"`
}

// Client is the base HTTP access layer: URL building, header merging,
// deadline handling, error classification, and optional cache/shaper
// integration. Configuration is mutable after construction.
type Client struct {
	httpClient *http.Client
	tokens     *token.Manager
	cache      *cache.ResponseCache
	shaper     *shaper.Shaper
	logger     zerolog.Logger

	lock            sync.RWMutex
	baseURL         string
	defaultHeaders  map[string]string
	timeout         time.Duration
	cacheEnabled    bool
	debounceEnabled bool
	throttleEnabled bool

	statsLock     sync.Mutex
	totalRequests int
	cacheHits     int
	cacheMisses   int
	errorCount    int

	authErrorHandler func(ctx context.Context)
}

type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying *http.Client (e.g. for custom
// transports).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the default per-request deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHeaders sets default headers merged into every request.
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.defaultHeaders[k] = v
		}
	}
}

// WithResponseCache enables GET caching through rc.
func WithResponseCache(rc *cache.ResponseCache) ClientOption {
	return func(c *Client) {
		c.cache = rc
		c.cacheEnabled = true
	}
}

// WithShaper enables the debounce/throttle paths through s.
func WithShaper(s *shaper.Shaper) ClientOption {
	return func(c *Client) {
		c.shaper = s
	}
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds a base client for baseURL. tokens may be nil for a fully
// anonymous client.
func NewClient(baseURL string, tokens *token.Manager, options ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		tokens:     tokens,
		logger:     zerolog.Nop(),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
		timeout: DefaultTimeout,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// SetBaseURL replaces the base used for relative endpoints.
func (c *Client) SetBaseURL(baseURL string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// SetHeaders merges headers into the defaults.
func (c *Client) SetHeaders(headers map[string]string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for k, v := range headers {
		c.defaultHeaders[k] = v
	}
}

// SetTimeout replaces the default per-request deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.timeout = d
}

// EnableCache toggles GET caching (requires a cache to have been supplied).
func (c *Client) EnableCache(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cacheEnabled = enabled && c.cache != nil
}

// EnableDebounce toggles routing GETs through the shaper's debounce path.
func (c *Client) EnableDebounce(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.debounceEnabled = enabled && c.shaper != nil
}

// EnableThrottle toggles routing GETs through the shaper's throttle path.
func (c *Client) EnableThrottle(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.throttleEnabled = enabled && c.shaper != nil
}

// SetAuthErrorHandler registers the hook invoked when a 401 arrives, after
// the current token has been cleared.
func (c *Client) SetAuthErrorHandler(handler func(ctx context.Context)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.authErrorHandler = handler
}

// TokenManager exposes the client's token manager (may be nil).
func (c *Client) TokenManager() *token.Manager {
	return c.tokens
}

// GetStats returns aggregate counters with derived rates.
func (c *Client) GetStats() Stats {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	s := Stats{
		TotalRequests: c.totalRequests,
		CacheHits:     c.cacheHits,
		CacheMisses:   c.cacheMisses,
		Errors:        c.errorCount,
	}
	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		s.CacheHitRate = float64(c.cacheHits) / float64(lookups)
	}
	if c.totalRequests > 0 {
		s.ErrorRate = float64(c.errorCount) / float64(c.totalRequests)
	}
	return s
}

// Get fetches endpoint, consulting the response cache first and routing
// through the shaper when configured. A successful response is written back
// into the cache under the call's derived key.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]any, opts *RequestOptions) (*Response, error) {
	opts = opts.orDefault()
	key := cache.GenerateKey(endpoint, params)

	c.lock.RLock()
	useCache := c.cacheEnabled && !opts.NoCache
	useDebounce := c.debounceEnabled || (opts.Debounce && c.shaper != nil)
	useThrottle := c.throttleEnabled || (opts.Throttle && c.shaper != nil)
	c.lock.RUnlock()

	if useCache {
		if body := c.cache.Get(ctx, key); body != nil {
			c.recordCacheHit()
			return &Response{StatusCode: http.StatusOK, Status: "200 OK", Body: body, FromCache: true}, nil
		}
		c.recordCacheMiss()
	}

	exec := func(ctx context.Context) (*Response, error) {
		resp, err := c.Request(ctx, http.MethodGet, withQuery(endpoint, params), nil, opts)
		if err != nil {
			return nil, err
		}
		if useCache {
			c.cache.Set(ctx, key, resp.Body, opts.CacheTTL)
		}
		return resp, nil
	}

	switch {
	case useDebounce:
		return c.shaped(ctx, key, exec, c.shaper.Debounce)
	case useThrottle:
		return c.shaped(ctx, key, exec, c.shaper.Throttle)
	default:
		return exec(ctx)
	}
}

// Post sends data as JSON. Shaping applies only when requested per call.
func (c *Client) Post(ctx context.Context, endpoint string, data any, opts *RequestOptions) (*Response, error) {
	opts = opts.orDefault()
	exec := func(ctx context.Context) (*Response, error) {
		return c.Request(ctx, http.MethodPost, endpoint, data, opts)
	}
	key := "POST " + cache.GenerateKey(endpoint, nil)
	switch {
	case opts.Debounce && c.shaper != nil:
		return c.shaped(ctx, key, exec, c.shaper.Debounce)
	case opts.Throttle && c.shaper != nil:
		return c.shaped(ctx, key, exec, c.shaper.Throttle)
	default:
		return exec(ctx)
	}
}

// Put sends data as JSON via PUT.
func (c *Client) Put(ctx context.Context, endpoint string, data any, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, http.MethodPut, endpoint, data, opts)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, endpoint string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, endpoint, nil, opts)
}

func (c *Client) shaped(
	ctx context.Context,
	key string,
	exec func(ctx context.Context) (*Response, error),
	route func(ctx context.Context, key string, fn shaper.CallFunc) (any, error),
) (*Response, error) {
	value, err := route(ctx, key, func(ctx context.Context) (any, error) {
		return exec(ctx)
	})
	if err != nil {
		return nil, err
	}
	resp, ok := value.(*Response)
	if !ok {
		return nil, errors.Errorf("[Client.shaped] unexpected shaped result %T", value)
	}
	return resp, nil
}

// Request performs one HTTP exchange: build URL, merge headers, apply the
// deadline, dispatch, classify failures. A 401 clears the current token and
// fires the auth-error hook before the error is returned.
func (c *Client) Request(ctx context.Context, method, endpoint string, data any, opts *RequestOptions) (*Response, error) {
	opts = opts.orDefault()
	c.recordRequest()

	target, err := c.buildURL(endpoint)
	if err != nil {
		c.recordError()
		return nil, errors.Wrap(err, "[Client.Request] build url")
	}

	var body io.Reader
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			c.recordError()
			return nil, errors.Wrap(err, "[Client.Request] marshal body")
		}
		body = bytes.NewReader(payload)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		c.lock.RLock()
		timeout = c.timeout
		c.lock.RUnlock()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		c.recordError()
		return nil, errors.Wrap(err, "[Client.Request] new request")
	}

	requestID := uuid.New().String()
	for k, v := range c.mergeHeaders(ctx, opts) {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Request-ID", requestID)

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Str("request_id", requestID).
		Msg("dispatching request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordError()
		return nil, errors.Wrap(err, "[Client.Request] read body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordError()
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       payload,
			AuthError:  resp.StatusCode == http.StatusUnauthorized,
		}
		if httpErr.AuthError {
			c.handleAuthError(ctx)
		}
		return nil, httpErr
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    resp.Header,
		Body:       payload,
	}, nil
}

// handleAuthError reacts to a 401: the current token is dropped so the next
// call re-hydrates or re-authenticates, and the bound auth-error hook is
// notified that re-authentication is required.
func (c *Client) handleAuthError(ctx context.Context) {
	if c.tokens != nil {
		if err := c.tokens.ClearToken(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Msg("clearing token after 401 failed")
		}
	}

	c.lock.RLock()
	handler := c.authErrorHandler
	c.lock.RUnlock()
	if handler != nil {
		handler(ctx)
	}
}

func (c *Client) buildURL(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}

	c.lock.RLock()
	base := c.baseURL
	c.lock.RUnlock()
	if base == "" {
		return "", errors.Errorf("relative endpoint %q without a base URL", endpoint)
	}
	return base + "/" + strings.TrimLeft(endpoint, "/"), nil
}

func (c *Client) mergeHeaders(ctx context.Context, opts *RequestOptions) map[string]string {
	merged := make(map[string]string)

	c.lock.RLock()
	for k, v := range c.defaultHeaders {
		merged[k] = v
	}
	c.lock.RUnlock()

	if !opts.SkipAuth && c.tokens != nil {
		for k, v := range c.tokens.AuthHeaders(ctx) {
			merged[k] = v
		}
	}
	for k, v := range opts.Headers {
		merged[k] = v
	}
	return merged
}

// classifyTransportError maps transport failures: any form of deadline or
// cancellation becomes a TimeoutError, connectivity failures become a
// NetworkError, anything else passes through.
func (c *Client) classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TimeoutError{Code: CodeTimeout, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &TimeoutError{Code: CodeTimeout, Err: err}
		}
		return &NetworkError{Code: CodeNetworkError, Err: err}
	}
	return err
}

func (c *Client) recordRequest() {
	c.statsLock.Lock()
	c.totalRequests++
	c.statsLock.Unlock()
}

func (c *Client) recordError() {
	c.statsLock.Lock()
	c.errorCount++
	c.statsLock.Unlock()
}

func (c *Client) recordCacheHit() {
	c.statsLock.Lock()
	c.cacheHits++
	c.statsLock.Unlock()
}

func (c *Client) recordCacheMiss() {
	c.statsLock.Lock()
	c.cacheMisses++
	c.statsLock.Unlock()
}

func withQuery(endpoint string, params map[string]any) string {
	if len(params) == 0 {
		return endpoint
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, fmt.Sprint(v))
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + values.Encode()
}
