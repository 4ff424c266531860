package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/httpclient"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/token"
	"github.com/jrsteele09/go-auth-client/users"
)

// Default endpoints and policy values, matching the companion server.
const (
	DefaultLoginPath     = "/auth/login"
	DefaultLogoutPath    = "/auth/logout"
	DefaultVerifyPath    = "/auth/verify"
	DefaultLocalExpiry   = 30 * 24 * time.Hour
	DefaultCheckInterval = time.Minute
)

// Verify/restore outcome reasons, stable for programmatic handling.
const (
	ReasonNoToken           = "no_token"
	ReasonNoCredentials     = "no_credentials"
	ReasonExpired           = "expired"
	ReasonInvalidToken      = "invalid_token"
	ReasonAccessDenied      = "access_denied"
	ReasonNetworkError      = "network_error"
	ReasonServerError       = "server_error"
	ReasonInvalidResponse   = "invalid_response"
	ReasonVerificationError = "verification_error"
)

// LoginResult is the successful outcome of Login.
type LoginResult struct {
	Success     bool       `json:"success"`
	User        users.User `json:"user"`
	AccessToken string     `json:"access_token"`
	ExpiresIn   int64      `json:"expires_in"`
}

// LogoutResult reports each independent cleanup sub-step. A failed server
// notification never blocks local cleanup.
type LogoutResult struct {
	ServerNotified     bool `json:"server_notified"`
	CredentialsCleared bool `json:"credentials_cleared"`
	TokenCleared       bool `json:"token_cleared"`
	SessionEnded       bool `json:"session_ended"`
}

// VerifyResult is the structured, non-throwing outcome of VerifyToken.
type VerifyResult struct {
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message"`
	User      users.User `json:"user,omitempty"`
	ExpiresIn int64      `json:"expires_in,omitempty"`
}

// RestoreResult is the outcome of RestoreSession.
type RestoreResult struct {
	Restored bool       `json:"restored"`
	Reason   string     `json:"reason,omitempty"`
	User     users.User `json:"user,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	User         users.User `json:"user"`
	ExpiresIn    int64      `json:"expiresIn"`
}

type verifyResponse struct {
	User      users.User `json:"user"`
	ExpiresIn int64      `json:"expiresIn"`
}

// Service orchestrates the authentication lifecycle: login, logout, token
// verification and session restore, plus a periodic expiration sweep. It
// owns a session.Manager and an AuthenticatedClient wrapping the supplied
// base client, and collaborates with an external CredentialsRepo.
type Service struct {
	sessions *session.Manager
	base     *httpclient.Client
	client   *httpclient.AuthenticatedClient
	creds    CredentialsRepo
	logger   zerolog.Logger

	credentialsKey string
	loginPath      string
	logoutPath     string
	verifyPath     string
	localExpiry    time.Duration
	sessionWarning time.Duration
	checkInterval  time.Duration
	nowFunc        func() time.Time

	checker expiryChecker
}

type ServiceOption func(*Service)

// WithCredentialsKey overrides the store key the credential record lives
// under.
func WithCredentialsKey(key string) ServiceOption {
	return func(s *Service) {
		s.credentialsKey = key
	}
}

// WithEndpoints overrides the login/logout/verify paths.
func WithEndpoints(login, logout, verify string) ServiceOption {
	return func(s *Service) {
		s.loginPath = login
		s.logoutPath = logout
		s.verifyPath = verify
	}
}

// WithLocalExpiry sets the offline fallback expiry window persisted with
// stored credentials (default 30 days). The server's expiresIn remains
// authoritative for the live session.
func WithLocalExpiry(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.localExpiry = d
	}
}

// WithSessionWarning sets how far ahead of expiry the sweep raises
// expiring-soon notifications.
func WithSessionWarning(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.sessionWarning = d
	}
}

// WithCheckInterval sets the expiration sweep cadence (default one minute).
// Zero disables the sweep at construction; it can still be started later.
func WithCheckInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.checkInterval = d
	}
}

// WithSessionManager substitutes a pre-built session manager.
func WithSessionManager(m *session.Manager) ServiceOption {
	return func(s *Service) {
		s.sessions = m
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService wires the orchestrator: wraps base in an AuthenticatedClient,
// binds itself as that client's auth service, and starts the expiration
// sweep. The base client must carry a token manager.
func NewService(base *httpclient.Client, creds CredentialsRepo, options ...ServiceOption) (*Service, error) {
	if base == nil {
		return nil, errors.New("[NewService] base client is required")
	}
	if base.TokenManager() == nil {
		return nil, errors.New("[NewService] base client needs a token manager")
	}
	if creds == nil {
		return nil, errors.New("[NewService] credentials repo is required")
	}

	s := &Service{
		base:           base,
		creds:          creds,
		logger:         zerolog.Nop(),
		credentialsKey: DefaultCredentialsKey,
		loginPath:      DefaultLoginPath,
		logoutPath:     DefaultLogoutPath,
		verifyPath:     DefaultVerifyPath,
		localExpiry:    DefaultLocalExpiry,
		sessionWarning: session.DefaultExpiryWarning,
		checkInterval:  DefaultCheckInterval,
		nowFunc:        time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = session.NewManager(session.WithLogger(s.logger))
	}

	authed, err := httpclient.NewAuthenticatedClient(base, base.TokenManager(),
		httpclient.WithAuthLogger(s.logger))
	if err != nil {
		return nil, errors.Wrap(err, "[NewService] authenticated client")
	}
	s.client = authed
	authed.BindAuthService(s)
	base.SetAuthErrorHandler(func(context.Context) {
		s.logger.Warn().Msg("re-authentication required")
	})

	if s.checkInterval > 0 {
		s.StartExpiryChecker(s.checkInterval)
	}
	return s, nil
}

// Client returns the authenticated client callers should issue API requests
// through.
func (s *Service) Client() *httpclient.AuthenticatedClient {
	return s.client
}

// Sessions exposes the session manager (httpclient.AuthService).
func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// OnSessionEvent subscribes a listener to session lifecycle events,
// returning the subscription id for Unsubscribe.
func (s *Service) OnSessionEvent(l session.Listener) int {
	return s.sessions.Subscribe(l)
}

// IsLoggedIn reports whether a session is live, applying lazy expiry.
func (s *Service) IsLoggedIn() bool {
	return s.sessions.IsActive()
}

// CurrentUser returns the live session's user, or a zero User.
func (s *Service) CurrentUser() users.User {
	return s.sessions.Current().User
}

func (s *Service) tokens() *token.Manager {
	return s.base.TokenManager()
}

// Login authenticates against the login endpoint, persists the credential
// record, applies the token, and starts the session. Any failure leaves the
// session exactly as it was.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, &AuthError{Code: CodeValidationError, Message: "username and password are required"}
	}

	resp, err := s.base.Post(ctx, s.loginPath, loginRequest{Username: username, Password: password},
		&httpclient.RequestOptions{SkipAuth: true})
	if err != nil {
		return nil, classifyRequestError(err, "login")
	}

	var payload loginResponse
	if err := resp.Decode(&payload); err != nil {
		return nil, &AuthError{Code: CodeInvalidResponse, Message: "login response was not valid JSON", Err: err}
	}
	if payload.AccessToken == "" || payload.User.ID == "" {
		return nil, &AuthError{Code: CodeInvalidResponse, Message: "login response missing token or user"}
	}

	creds := &Credentials{
		Username:     username,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         payload.User,
		ExpiresIn:    int64(s.localExpiry / time.Second),
		RememberMe:   true,
		LoginTime:    s.nowFunc(),
	}
	if err := s.creds.StoreCredentials(ctx, s.credentialsKey, creds); err != nil {
		return nil, &AuthError{Code: CodeStorageError, Message: "could not persist credentials", Err: err}
	}

	if err := s.tokens().SetToken(ctx, payload.AccessToken); err != nil {
		// Roll the stored record back so a later restore doesn't resurrect
		// a half-applied login.
		if rmErr := s.creds.RemoveCredentials(ctx, s.credentialsKey); rmErr != nil {
			s.logger.Warn().Err(rmErr).Msg("credential rollback failed")
		}
		return nil, &AuthError{Code: CodeStorageError, Message: "could not apply token", Err: err}
	}

	s.sessions.StartSession(payload.User, time.Duration(payload.ExpiresIn)*time.Second)
	s.logger.Info().Str("user", payload.User.Username).Msg("login succeeded")

	return &LoginResult{
		Success:     true,
		User:        payload.User,
		AccessToken: payload.AccessToken,
		ExpiresIn:   payload.ExpiresIn,
	}, nil
}

// Logout notifies the server best-effort, then unconditionally performs the
// three local cleanup sub-steps, reporting each independently.
func (s *Service) Logout(ctx context.Context) LogoutResult {
	var result LogoutResult

	if _, err := s.base.Post(ctx, s.logoutPath, nil, nil); err != nil {
		s.logger.Warn().Err(err).Msg("server-side logout failed, continuing local cleanup")
	} else {
		result.ServerNotified = true
	}

	if err := s.creds.RemoveCredentials(ctx, s.credentialsKey); err != nil {
		s.logger.Warn().Err(err).Msg("clearing stored credentials failed")
	} else {
		result.CredentialsCleared = true
	}

	if err := s.tokens().ClearToken(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("clearing token failed")
	} else {
		result.TokenCleared = true
	}

	s.sessions.EndSession()
	result.SessionEnded = true

	return result
}

// VerifyToken checks the stored credential against the verify endpoint and
// returns a structured outcome without throwing. Local expiry short-circuits
// the network call.
func (s *Service) VerifyToken(ctx context.Context) VerifyResult {
	creds, err := s.creds.GetCredentials(ctx, s.credentialsKey)
	if err != nil {
		if errors.Is(err, NoCredentialsErr) {
			return VerifyResult{Valid: false, Reason: ReasonNoToken, Message: "no stored token to verify"}
		}
		return VerifyResult{Valid: false, Reason: ReasonVerificationError, Message: "credential store read failed"}
	}

	if creds.Expired(s.nowFunc()) {
		return VerifyResult{Valid: false, Reason: ReasonExpired, Message: "stored credentials have expired"}
	}

	resp, err := s.base.Get(ctx, s.verifyPath, nil, &httpclient.RequestOptions{
		SkipAuth: true,
		NoCache:  true,
		Headers:  map[string]string{"Authorization": "Bearer " + creds.AccessToken},
	})
	if err != nil {
		return verifyFailure(err)
	}

	var payload verifyResponse
	if err := resp.Decode(&payload); err != nil || payload.User.IsZero() {
		return VerifyResult{Valid: false, Reason: ReasonInvalidResponse, Message: "verify response missing user"}
	}

	return VerifyResult{
		Valid:     true,
		Message:   "token verified",
		User:      payload.User,
		ExpiresIn: payload.ExpiresIn,
	}
}

func verifyFailure(err error) VerifyResult {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized:
			return VerifyResult{Valid: false, Reason: ReasonInvalidToken, Message: "server rejected the token"}
		case httpErr.StatusCode == http.StatusForbidden:
			return VerifyResult{Valid: false, Reason: ReasonAccessDenied, Message: "access denied for this token"}
		case httpErr.StatusCode >= 500:
			return VerifyResult{Valid: false, Reason: ReasonServerError, Message: "verification failed server-side"}
		default:
			return VerifyResult{Valid: false, Reason: ReasonVerificationError, Message: "verification failed"}
		}
	}

	var timeoutErr *httpclient.TimeoutError
	var netErr *httpclient.NetworkError
	if errors.As(err, &timeoutErr) || errors.As(err, &netErr) {
		return VerifyResult{Valid: false, Reason: ReasonNetworkError, Message: "could not reach the verification endpoint"}
	}
	return VerifyResult{Valid: false, Reason: ReasonVerificationError, Message: "verification failed"}
}

// RestoreSession revives a session from stored credentials. Credentials are
// removed only when the server indicates the credential itself is bad;
// network and server errors preserve them for a later retry.
func (s *Service) RestoreSession(ctx context.Context) RestoreResult {
	creds, err := s.creds.GetCredentials(ctx, s.credentialsKey)
	if err != nil {
		return RestoreResult{Restored: false, Reason: ReasonNoCredentials}
	}

	verified := s.VerifyToken(ctx)
	if !verified.Valid {
		switch verified.Reason {
		case ReasonInvalidToken, ReasonExpired, ReasonAccessDenied:
			if rmErr := s.creds.RemoveCredentials(ctx, s.credentialsKey); rmErr != nil {
				s.logger.Warn().Err(rmErr).Msg("removing invalid credentials failed")
			}
		}
		return RestoreResult{Restored: false, Reason: verified.Reason}
	}

	if err := s.tokens().SetToken(ctx, creds.AccessToken); err != nil {
		// The restored-session listener re-syncs the token; log and carry on.
		s.logger.Warn().Err(err).Msg("applying restored token failed")
	}

	user := verified.User
	if user.IsZero() {
		user = creds.User
	}

	expiresIn := time.Duration(verified.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		if remaining, ok := creds.Remaining(s.nowFunc()); ok {
			expiresIn = remaining
		}
	}

	s.sessions.RestoreSession(user, expiresIn)
	s.logger.Info().Str("user", user.Username).Msg("session restored")
	return RestoreResult{Restored: true, User: user}
}

// SyncToken re-applies the stored credential's token to the HTTP client
// (httpclient.AuthService).
func (s *Service) SyncToken(ctx context.Context) error {
	creds, err := s.creds.GetCredentials(ctx, s.credentialsKey)
	if err != nil {
		return errors.Wrap(err, "[Service.SyncToken]")
	}
	if err := s.tokens().SetToken(ctx, creds.AccessToken); err != nil {
		return errors.Wrap(err, "[Service.SyncToken] set token")
	}
	return nil
}

// CheckToken reports server-side token validity (httpclient.AuthService).
func (s *Service) CheckToken(ctx context.Context) (bool, error) {
	return s.VerifyToken(ctx).Valid, nil
}
