package httpclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/token"
)

const (
	DefaultMaxRetryAttempts = 2
	DefaultRetryDelay       = time.Second
)

// AuthEvent is an authentication lifecycle notification broadcast to
// auth-state listeners.
type AuthEvent string

const (
	AuthRequired  AuthEvent = "auth_required"
	TokenExpiring AuthEvent = "token_expiring"
	TokenInvalid  AuthEvent = "token_invalid"
)

// AuthStateListener receives auth events. Panics are isolated per listener.
type AuthStateListener func(event AuthEvent)

// RequestInterceptor may rewrite the outgoing options before dispatch. A
// failing interceptor is logged and skipped, never aborting the call.
type RequestInterceptor func(ctx context.Context, method, endpoint string, opts *RequestOptions) error

// ResponseInterceptor may rewrite the resolved response. A failing
// interceptor is logged and skipped.
type ResponseInterceptor func(ctx context.Context, resp *Response) (*Response, error)

// AuthService is the slice of the auth orchestrator the client binds to.
// Declared here so the decorator depends on a capability, not the auth
// package itself.
type AuthService interface {
	// Sessions exposes the service's session manager for event wiring.
	Sessions() *session.Manager

	// SyncToken re-applies the stored credential's token to the client.
	SyncToken(ctx context.Context) error

	// CheckToken verifies the current token server-side and reports validity.
	CheckToken(ctx context.Context) (bool, error)
}

var (
	_ Transport = (*Client)(nil)
	_ Transport = (*AuthenticatedClient)(nil)
)

// AuthenticatedClient decorates a Transport with bounded automatic 401
// retry, request/response interceptor chains, auth-state broadcast, and a
// binding to an AuthService's session lifecycle.
type AuthenticatedClient struct {
	transport Transport
	tokens    *token.Manager
	logger    zerolog.Logger

	lock             sync.RWMutex
	maxRetryAttempts int
	retryDelay       time.Duration
	autoRetryOn401   bool
	reqInterceptors  []RequestInterceptor
	respInterceptors []ResponseInterceptor
	authListeners    map[int]AuthStateListener
	nextListenerID   int
	authService      AuthService
	sessionSubID     int
}

type AuthenticatedOption func(*AuthenticatedClient)

// WithMaxRetryAttempts bounds additional attempts after a 401 (default 2).
func WithMaxRetryAttempts(n int) AuthenticatedOption {
	return func(a *AuthenticatedClient) {
		a.maxRetryAttempts = n
	}
}

// WithRetryDelay sets the wait between 401 retries.
func WithRetryDelay(d time.Duration) AuthenticatedOption {
	return func(a *AuthenticatedClient) {
		a.retryDelay = d
	}
}

// WithAutoRetryOn401 toggles the automatic retry policy.
func WithAutoRetryOn401(enabled bool) AuthenticatedOption {
	return func(a *AuthenticatedClient) {
		a.autoRetryOn401 = enabled
	}
}

func WithAuthLogger(logger zerolog.Logger) AuthenticatedOption {
	return func(a *AuthenticatedClient) {
		a.logger = logger
	}
}

// NewAuthenticatedClient wraps transport. tokens should be the same manager
// the transport attaches headers from.
func NewAuthenticatedClient(transport Transport, tokens *token.Manager, options ...AuthenticatedOption) (*AuthenticatedClient, error) {
	if transport == nil {
		return nil, errors.New("[NewAuthenticatedClient] transport is required")
	}

	a := &AuthenticatedClient{
		transport:        transport,
		tokens:           tokens,
		logger:           zerolog.Nop(),
		maxRetryAttempts: DefaultMaxRetryAttempts,
		retryDelay:       DefaultRetryDelay,
		autoRetryOn401:   true,
		authListeners:    make(map[int]AuthStateListener),
		sessionSubID:     -1,
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// AddRequestInterceptor appends to the ordered request interceptor chain.
func (a *AuthenticatedClient) AddRequestInterceptor(i RequestInterceptor) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.reqInterceptors = append(a.reqInterceptors, i)
}

// AddResponseInterceptor appends to the ordered response interceptor chain.
func (a *AuthenticatedClient) AddResponseInterceptor(i ResponseInterceptor) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.respInterceptors = append(a.respInterceptors, i)
}

// OnAuthState subscribes to auth events; the returned ID feeds
// RemoveAuthStateListener.
func (a *AuthenticatedClient) OnAuthState(l AuthStateListener) int {
	a.lock.Lock()
	defer a.lock.Unlock()

	id := a.nextListenerID
	a.nextListenerID++
	a.authListeners[id] = l
	return id
}

// RemoveAuthStateListener drops a subscription. Unknown IDs are ignored.
func (a *AuthenticatedClient) RemoveAuthStateListener(id int) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.authListeners, id)
}

// BindAuthService establishes the bidirectional binding: the client follows
// the service's session lifecycle (re-syncing or clearing its token) and
// delegates token verification to the service. Rebinding unsubscribes from
// the previous service.
func (a *AuthenticatedClient) BindAuthService(svc AuthService) {
	a.lock.Lock()
	if a.authService != nil && a.sessionSubID >= 0 {
		a.authService.Sessions().Unsubscribe(a.sessionSubID)
		a.sessionSubID = -1
	}
	a.authService = svc
	a.lock.Unlock()

	if svc == nil {
		return
	}

	subID := svc.Sessions().Subscribe(func(event session.Event) {
		a.onSessionEvent(svc, event)
	})
	a.lock.Lock()
	a.sessionSubID = subID
	a.lock.Unlock()
}

func (a *AuthenticatedClient) onSessionEvent(svc AuthService, event session.Event) {
	ctx := context.Background()
	switch event.Type {
	case session.EventStarted, session.EventRestored:
		if err := svc.SyncToken(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("token re-sync failed")
		}
	case session.EventEnded:
		if a.tokens != nil {
			if err := a.tokens.ClearToken(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("token clear on session end failed")
			}
		}
	case session.EventExpiringSoon:
		a.broadcast(TokenExpiring)
	}
}

// RefreshTokenIfNeeded reports whether the current token is usable. Without
// a token it returns false immediately; a token not yet expiring passes
// without I/O; an expiring token is verified through the bound AuthService,
// broadcasting TokenInvalid when verification fails.
func (a *AuthenticatedClient) RefreshTokenIfNeeded(ctx context.Context) (bool, error) {
	if a.tokens == nil || !a.tokens.HasToken(ctx) {
		return false, nil
	}
	if !a.tokens.IsExpiringSoon(ctx) {
		return true, nil
	}

	a.lock.RLock()
	svc := a.authService
	a.lock.RUnlock()
	if svc == nil {
		// Nothing to verify against; let the server be the judge.
		return true, nil
	}

	valid, err := svc.CheckToken(ctx)
	if err != nil {
		return false, errors.Wrap(err, "[AuthenticatedClient.RefreshTokenIfNeeded] verify")
	}
	if !valid {
		a.broadcast(TokenInvalid)
	}
	return valid, nil
}

// Get dispatches through the interceptor chains and retry policy.
func (a *AuthenticatedClient) Get(ctx context.Context, endpoint string, params map[string]any, opts *RequestOptions) (*Response, error) {
	return a.do(ctx, http.MethodGet, endpoint, opts, func(ctx context.Context, opts *RequestOptions) (*Response, error) {
		return a.transport.Get(ctx, endpoint, params, opts)
	})
}

// Request dispatches through the interceptor chains and retry policy.
func (a *AuthenticatedClient) Request(ctx context.Context, method, endpoint string, data any, opts *RequestOptions) (*Response, error) {
	return a.do(ctx, method, endpoint, opts, func(ctx context.Context, opts *RequestOptions) (*Response, error) {
		return a.transport.Request(ctx, method, endpoint, data, opts)
	})
}

// AuthenticatedGet verifies the token first and fails fast with
// TokenInvalidErr when it cannot be used. SkipAuth opts out.
func (a *AuthenticatedClient) AuthenticatedGet(ctx context.Context, endpoint string, params map[string]any, opts *RequestOptions) (*Response, error) {
	if err := a.preflight(ctx, opts); err != nil {
		return nil, err
	}
	return a.Get(ctx, endpoint, params, opts)
}

// AuthenticatedPost verifies the token first, then POSTs.
func (a *AuthenticatedClient) AuthenticatedPost(ctx context.Context, endpoint string, data any, opts *RequestOptions) (*Response, error) {
	if err := a.preflight(ctx, opts); err != nil {
		return nil, err
	}
	return a.Request(ctx, http.MethodPost, endpoint, data, opts)
}

// AuthenticatedPut verifies the token first, then PUTs.
func (a *AuthenticatedClient) AuthenticatedPut(ctx context.Context, endpoint string, data any, opts *RequestOptions) (*Response, error) {
	if err := a.preflight(ctx, opts); err != nil {
		return nil, err
	}
	return a.Request(ctx, http.MethodPut, endpoint, data, opts)
}

// AuthenticatedDelete verifies the token first, then DELETEs.
func (a *AuthenticatedClient) AuthenticatedDelete(ctx context.Context, endpoint string, opts *RequestOptions) (*Response, error) {
	if err := a.preflight(ctx, opts); err != nil {
		return nil, err
	}
	return a.Request(ctx, http.MethodDelete, endpoint, nil, opts)
}

func (a *AuthenticatedClient) preflight(ctx context.Context, opts *RequestOptions) error {
	if opts != nil && opts.SkipAuth {
		return nil
	}
	ok, err := a.RefreshTokenIfNeeded(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return TokenInvalidErr
	}
	return nil
}

func (a *AuthenticatedClient) do(
	ctx context.Context,
	method, endpoint string,
	opts *RequestOptions,
	dispatch func(ctx context.Context, opts *RequestOptions) (*Response, error),
) (*Response, error) {
	opts = opts.orDefault()
	a.applyRequestInterceptors(ctx, method, endpoint, opts)

	a.lock.RLock()
	maxAttempts := a.maxRetryAttempts
	delay := a.retryDelay
	autoRetry := a.autoRetryOn401 && !opts.SkipAuth
	a.lock.RUnlock()

	var resp *Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = dispatch(ctx, opts)
		if err == nil || !autoRetry || !IsAuthError(err) || attempt >= maxAttempts {
			break
		}

		a.logger.Info().
			Str("method", method).
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Msg("401 received, retrying after delay")
		a.broadcast(AuthRequired)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &TimeoutError{Code: CodeTimeout, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}

	return a.applyResponseInterceptors(ctx, resp), nil
}

func (a *AuthenticatedClient) applyRequestInterceptors(ctx context.Context, method, endpoint string, opts *RequestOptions) {
	a.lock.RLock()
	chain := make([]RequestInterceptor, len(a.reqInterceptors))
	copy(chain, a.reqInterceptors)
	a.lock.RUnlock()

	for i, interceptor := range chain {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Interface("panic", r).Int("interceptor", i).Msg("request interceptor panicked")
				}
			}()
			if err := interceptor(ctx, method, endpoint, opts); err != nil {
				a.logger.Warn().Err(err).Int("interceptor", i).Msg("request interceptor failed, skipping")
			}
		}()
	}
}

func (a *AuthenticatedClient) applyResponseInterceptors(ctx context.Context, resp *Response) *Response {
	a.lock.RLock()
	chain := make([]ResponseInterceptor, len(a.respInterceptors))
	copy(chain, a.respInterceptors)
	a.lock.RUnlock()

	current := resp
	for i, interceptor := range chain {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Interface("panic", r).Int("interceptor", i).Msg("response interceptor panicked")
				}
			}()
			rewritten, err := interceptor(ctx, current)
			if err != nil {
				a.logger.Warn().Err(err).Int("interceptor", i).Msg("response interceptor failed, skipping")
				return
			}
			if rewritten != nil {
				current = rewritten
			}
		}()
	}
	return current
}

// broadcast delivers event to a snapshot of listeners, isolating panics.
func (a *AuthenticatedClient) broadcast(event AuthEvent) {
	a.lock.RLock()
	listeners := make([]AuthStateListener, 0, len(a.authListeners))
	for _, l := range a.authListeners {
		listeners = append(listeners, l)
	}
	a.lock.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Interface("panic", r).Str("event", string(event)).Msg("auth-state listener panicked")
				}
			}()
			l(event)
		}()
	}
}
