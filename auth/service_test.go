package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-auth-client/auth"
	"github.com/jrsteele09/go-auth-client/auth/repofakes"
	"github.com/jrsteele09/go-auth-client/httpclient"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/storage/storefakes"
	"github.com/jrsteele09/go-auth-client/token"
	"github.com/jrsteele09/go-auth-client/users"
)

type serviceFixture struct {
	server *httptest.Server
	tokens *token.Manager
	repo   *repofakes.FakeCredentialsRepo
	svc    *auth.Service
}

func newServiceFixture(t *testing.T, handler http.Handler, options ...auth.ServiceOption) *serviceFixture {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens, err := token.NewManager(storefakes.NewFakeStore())
	require.NoError(t, err)

	base := httpclient.NewClient(server.URL, tokens)
	repo := repofakes.NewFakeCredentialsRepo()

	options = append([]auth.ServiceOption{auth.WithCheckInterval(0)}, options...)
	svc, err := auth.NewService(base, repo, options...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &serviceFixture{server: server, tokens: tokens, repo: repo, svc: svc}
}

func loginHandler(t *testing.T, accessToken string, user users.User, expiresIn int64) http.Handler {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body.Username)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": accessToken,
			"user":        user,
			"expiresIn":   expiresIn,
		})
	})
	return mux
}

func storedCredentials(t *testing.T, repo *repofakes.FakeCredentialsRepo, loginTime time.Time, expiresIn int64) *auth.Credentials {
	t.Helper()

	creds := &auth.Credentials{
		Username:    "grace",
		AccessToken: "stored-token-12345",
		User:        users.User{ID: "u-7", Username: "grace"},
		ExpiresIn:   expiresIn,
		LoginTime:   loginTime,
	}
	require.NoError(t, repo.StoreCredentials(context.Background(), auth.DefaultCredentialsKey, creds))
	return creds
}

func TestService_Login(t *testing.T) {
	user := users.User{ID: "u-1", Username: "grace", Email: "grace@example.com"}
	f := newServiceFixture(t, loginHandler(t, "abc1234567", user, 3600))

	result, err := f.svc.Login(context.Background(), "grace", "hunter22")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "abc1234567", result.AccessToken)
	require.Equal(t, user, result.User)
	require.EqualValues(t, 3600, result.ExpiresIn)

	require.True(t, f.svc.IsLoggedIn())
	require.Equal(t, user, f.svc.CurrentUser())
	require.True(t, f.tokens.HasToken(context.Background()))

	stored, err := f.repo.GetCredentials(context.Background(), auth.DefaultCredentialsKey)
	require.NoError(t, err)
	require.Equal(t, "abc1234567", stored.AccessToken)
	require.Equal(t, user, stored.User)
}

func TestService_LoginValidation(t *testing.T) {
	f := newServiceFixture(t, http.NotFoundHandler())

	for _, tc := range []struct {
		name     string
		username string
		password string
	}{
		{name: "empty username", username: "", password: "hunter22"},
		{name: "blank username", username: "   ", password: "hunter22"},
		{name: "empty password", username: "grace", password: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Login(context.Background(), tc.username, tc.password)
			authErr, ok := auth.AsAuthError(err)
			require.True(t, ok)
			require.Equal(t, auth.CodeValidationError, authErr.Code)
			require.False(t, f.svc.IsLoggedIn())
		})
	}
}

func TestService_LoginErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		name       string
		status     int
		headers    map[string]string
		wantCode   auth.ErrorCode
		wantReauth bool
		wantRetry  *time.Duration
	}{
		{name: "bad credentials", status: http.StatusUnauthorized, wantCode: auth.CodeInvalidCredentials, wantReauth: true},
		{name: "disabled account", status: http.StatusForbidden, wantCode: auth.CodeAccountDisabled},
		{name: "rate limited", status: http.StatusTooManyRequests, headers: map[string]string{"Retry-After": "7"}, wantCode: auth.CodeRateLimited, wantRetry: utils.Ptr(7 * time.Second)},
		{name: "server error", status: http.StatusInternalServerError, wantCode: auth.CodeServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))

			_, err := f.svc.Login(context.Background(), "grace", "hunter22")
			authErr, ok := auth.AsAuthError(err)
			require.True(t, ok)
			require.Equal(t, tc.wantCode, authErr.Code)
			require.Equal(t, tc.wantReauth, authErr.RequiresAuth)
			require.Equal(t, tc.wantRetry, authErr.RetryAfter)
			require.False(t, f.svc.IsLoggedIn())
		})
	}
}

func TestService_LoginNetworkFailure(t *testing.T) {
	f := newServiceFixture(t, http.NotFoundHandler())
	f.server.Close()

	_, err := f.svc.Login(context.Background(), "grace", "hunter22")
	authErr, ok := auth.AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, auth.CodeNetworkError, authErr.Code)
	require.False(t, f.svc.IsLoggedIn())
}

func TestService_LoginStorageFailureAborts(t *testing.T) {
	user := users.User{ID: "u-1", Username: "grace"}
	f := newServiceFixture(t, loginHandler(t, "abc1234567", user, 3600))
	f.repo.FailStore = errors.New("disk full")

	_, err := f.svc.Login(context.Background(), "grace", "hunter22")
	authErr, ok := auth.AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, auth.CodeStorageError, authErr.Code)

	require.False(t, f.svc.IsLoggedIn())
	require.False(t, f.tokens.HasToken(context.Background()))
}

func TestService_LoginInvalidResponse(t *testing.T) {
	f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"user": users.User{ID: "u-1"}})
	}))

	_, err := f.svc.Login(context.Background(), "grace", "hunter22")
	authErr, ok := auth.AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, auth.CodeInvalidResponse, authErr.Code)
	require.False(t, f.svc.IsLoggedIn())
}

func TestService_LogoutIndependentCleanup(t *testing.T) {
	user := users.User{ID: "u-1", Username: "grace"}
	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginHandler(t, "abc1234567", user, 3600))
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	f := newServiceFixture(t, mux)

	_, err := f.svc.Login(context.Background(), "grace", "hunter22")
	require.NoError(t, err)

	result := f.svc.Logout(context.Background())
	require.False(t, result.ServerNotified)
	require.True(t, result.CredentialsCleared)
	require.True(t, result.TokenCleared)
	require.True(t, result.SessionEnded)

	require.False(t, f.svc.IsLoggedIn())
	require.False(t, f.tokens.HasToken(context.Background()))
	has, err := f.repo.HasCredentials(context.Background(), auth.DefaultCredentialsKey)
	require.NoError(t, err)
	require.False(t, has)
}

func TestService_VerifyToken(t *testing.T) {
	now := time.Now()

	t.Run("no stored credentials", func(t *testing.T) {
		f := newServiceFixture(t, http.NotFoundHandler())
		result := f.svc.VerifyToken(context.Background())
		require.False(t, result.Valid)
		require.Equal(t, auth.ReasonNoToken, result.Reason)
	})

	t.Run("locally expired short-circuits", func(t *testing.T) {
		requests := 0
		f := newServiceFixture(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { requests++ }))
		storedCredentials(t, f.repo, now.Add(-2*time.Hour), 3600)

		result := f.svc.VerifyToken(context.Background())
		require.False(t, result.Valid)
		require.Equal(t, auth.ReasonExpired, result.Reason)
		require.Zero(t, requests)
	})

	t.Run("server rejects token", func(t *testing.T) {
		for status, reason := range map[int]string{
			http.StatusUnauthorized:        auth.ReasonInvalidToken,
			http.StatusForbidden:           auth.ReasonAccessDenied,
			http.StatusInternalServerError: auth.ReasonServerError,
		} {
			f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			storedCredentials(t, f.repo, now, 3600)

			result := f.svc.VerifyToken(context.Background())
			require.False(t, result.Valid)
			require.Equal(t, reason, result.Reason)
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		f := newServiceFixture(t, http.NotFoundHandler())
		storedCredentials(t, f.repo, now, 3600)
		f.server.Close()

		result := f.svc.VerifyToken(context.Background())
		require.False(t, result.Valid)
		require.Equal(t, auth.ReasonNetworkError, result.Reason)
	})

	t.Run("valid token", func(t *testing.T) {
		user := users.User{ID: "u-7", Username: "grace"}
		f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer stored-token-12345", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{"user": user, "expiresIn": 1800})
		}))
		storedCredentials(t, f.repo, now, 3600)

		result := f.svc.VerifyToken(context.Background())
		require.True(t, result.Valid)
		require.Equal(t, user, result.User)
		require.EqualValues(t, 1800, result.ExpiresIn)
	})

	t.Run("response missing user", func(t *testing.T) {
		f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"expiresIn": 1800})
		}))
		storedCredentials(t, f.repo, now, 3600)

		result := f.svc.VerifyToken(context.Background())
		require.False(t, result.Valid)
		require.Equal(t, auth.ReasonInvalidResponse, result.Reason)
	})
}

func TestService_RestoreSession(t *testing.T) {
	now := time.Now()

	t.Run("restores a verified session", func(t *testing.T) {
		user := users.User{ID: "u-7", Username: "grace"}
		f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"user": user, "expiresIn": 1800})
		}))
		storedCredentials(t, f.repo, now, 3600)

		result := f.svc.RestoreSession(context.Background())
		require.True(t, result.Restored)
		require.Equal(t, user, result.User)

		require.True(t, f.svc.IsLoggedIn())
		require.True(t, f.tokens.HasToken(context.Background()))

		current := f.svc.Sessions().Current()
		require.NotNil(t, current.ExpiresAt)
		require.WithinDuration(t, time.Now().Add(30*time.Minute), *current.ExpiresAt, 5*time.Second)
	})

	t.Run("no credentials", func(t *testing.T) {
		f := newServiceFixture(t, http.NotFoundHandler())
		result := f.svc.RestoreSession(context.Background())
		require.False(t, result.Restored)
		require.Equal(t, auth.ReasonNoCredentials, result.Reason)
	})

	t.Run("network failure preserves credentials", func(t *testing.T) {
		f := newServiceFixture(t, http.NotFoundHandler())
		storedCredentials(t, f.repo, now, 3600)
		f.server.Close()

		result := f.svc.RestoreSession(context.Background())
		require.False(t, result.Restored)
		require.Equal(t, auth.ReasonNetworkError, result.Reason)

		has, err := f.repo.HasCredentials(context.Background(), auth.DefaultCredentialsKey)
		require.NoError(t, err)
		require.True(t, has)
		require.False(t, f.svc.IsLoggedIn())
	})

	t.Run("rejected token removes credentials", func(t *testing.T) {
		f := newServiceFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		storedCredentials(t, f.repo, now, 3600)

		result := f.svc.RestoreSession(context.Background())
		require.False(t, result.Restored)
		require.Equal(t, auth.ReasonInvalidToken, result.Reason)

		has, err := f.repo.HasCredentials(context.Background(), auth.DefaultCredentialsKey)
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("locally expired removes credentials", func(t *testing.T) {
		f := newServiceFixture(t, http.NotFoundHandler())
		storedCredentials(t, f.repo, now.Add(-2*time.Hour), 3600)

		result := f.svc.RestoreSession(context.Background())
		require.False(t, result.Restored)
		require.Equal(t, auth.ReasonExpired, result.Reason)

		has, err := f.repo.HasCredentials(context.Background(), auth.DefaultCredentialsKey)
		require.NoError(t, err)
		require.False(t, has)
	})
}

func TestService_CheckExpiration(t *testing.T) {
	user := users.User{ID: "u-1", Username: "grace"}

	t.Run("ends session when credentials expire", func(t *testing.T) {
		f := newServiceFixture(t, loginHandler(t, "abc1234567", user, 3600))
		_, err := f.svc.Login(context.Background(), "grace", "hunter22")
		require.NoError(t, err)

		stored, err := f.repo.GetCredentials(context.Background(), auth.DefaultCredentialsKey)
		require.NoError(t, err)
		stored.LoginTime = time.Now().Add(-48 * time.Hour)
		stored.ExpiresIn = 3600
		require.NoError(t, f.repo.StoreCredentials(context.Background(), auth.DefaultCredentialsKey, stored))

		f.svc.CheckExpiration(context.Background())
		require.False(t, f.svc.IsLoggedIn())
	})

	t.Run("ends session when credentials disappear", func(t *testing.T) {
		f := newServiceFixture(t, loginHandler(t, "abc1234567", user, 3600))
		_, err := f.svc.Login(context.Background(), "grace", "hunter22")
		require.NoError(t, err)

		require.NoError(t, f.repo.RemoveCredentials(context.Background(), auth.DefaultCredentialsKey))
		f.svc.CheckExpiration(context.Background())
		require.False(t, f.svc.IsLoggedIn())
	})

	t.Run("notifies when the session nears expiry", func(t *testing.T) {
		f := newServiceFixture(t, loginHandler(t, "abc1234567", user, 120))
		_, err := f.svc.Login(context.Background(), "grace", "hunter22")
		require.NoError(t, err)

		var events []session.EventType
		f.svc.Sessions().Subscribe(func(e session.Event) {
			events = append(events, e.Type)
		})

		f.svc.CheckExpiration(context.Background())
		require.Contains(t, events, session.EventExpiringSoon)
		require.True(t, f.svc.IsLoggedIn())
	})

	t.Run("no-op while logged out", func(t *testing.T) {
		f := newServiceFixture(t, http.NotFoundHandler())
		f.svc.CheckExpiration(context.Background())
		require.Zero(t, f.repo.GetCalls)
	})
}

func TestService_SyncToken(t *testing.T) {
	f := newServiceFixture(t, http.NotFoundHandler())
	storedCredentials(t, f.repo, time.Now(), 3600)

	require.NoError(t, f.svc.SyncToken(context.Background()))

	tok, err := f.tokens.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stored-token-12345", tok)
}

func TestService_SessionEndClearsToken(t *testing.T) {
	user := users.User{ID: "u-1", Username: "grace"}
	f := newServiceFixture(t, loginHandler(t, "abc1234567", user, 3600))

	_, err := f.svc.Login(context.Background(), "grace", "hunter22")
	require.NoError(t, err)
	require.True(t, f.tokens.HasToken(context.Background()))

	f.svc.Sessions().EndSession()
	require.False(t, f.tokens.HasToken(context.Background()))
}

func TestService_ExpiryCheckerLifecycle(t *testing.T) {
	f := newServiceFixture(t, http.NotFoundHandler())

	f.svc.StartExpiryChecker(10 * time.Millisecond)
	f.svc.StartExpiryChecker(10 * time.Millisecond)
	f.svc.StopExpiryChecker()
	f.svc.StopExpiryChecker()
	f.svc.Close()
}

