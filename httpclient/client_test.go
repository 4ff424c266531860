package httpclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-auth-client/cache"
	"github.com/jrsteele09/go-auth-client/httpclient"
	"github.com/jrsteele09/go-auth-client/shaper"
	"github.com/jrsteele09/go-auth-client/storage/storefakes"
	"github.com/jrsteele09/go-auth-client/token"
)

const testToken = "abc1234567"

func newTokenManager(t *testing.T) *token.Manager {
	t.Helper()
	m, err := token.NewManager(storefakes.NewFakeStore())
	require.NoError(t, err)
	return m
}

func TestClient_GetAttachesHeaders(t *testing.T) {
	ctx := context.Background()
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tokens := newTokenManager(t)
	require.NoError(t, tokens.SetToken(ctx, testToken))

	client := httpclient.NewClient(server.URL, tokens)
	resp, err := client.Get(ctx, "/api/items", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "application/json", seen.Get("Content-Type"))
	require.Equal(t, "Bearer "+testToken, seen.Get("Authorization"))
	require.NotEmpty(t, seen.Get("X-Request-ID"))
}

func TestClient_HeaderPrecedence(t *testing.T) {
	ctx := context.Background()
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := httpclient.NewClient(server.URL, nil,
		httpclient.WithHeaders(map[string]string{"X-Custom": "default"}))

	_, err := client.Get(ctx, "/x", nil, &httpclient.RequestOptions{
		Headers: map[string]string{"X-Custom": "per-call"},
	})
	require.NoError(t, err)
	require.Equal(t, "per-call", seen.Get("X-Custom"))
}

func TestClient_SkipAuthOmitsAuthorization(t *testing.T) {
	ctx := context.Background()
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := newTokenManager(t)
	require.NoError(t, tokens.SetToken(ctx, testToken))

	client := httpclient.NewClient(server.URL, tokens)
	_, err := client.Get(ctx, "/x", nil, &httpclient.RequestOptions{SkipAuth: true})
	require.NoError(t, err)
	require.Empty(t, seen.Get("Authorization"))
}

func TestClient_URLBuilding(t *testing.T) {
	ctx := context.Background()
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Run("relative endpoint joined to trimmed base", func(t *testing.T) {
		client := httpclient.NewClient(server.URL+"/", nil)
		_, err := client.Get(ctx, "api/items", nil, nil)
		require.NoError(t, err)
		require.Equal(t, "/api/items", path)
	})

	t.Run("absolute endpoint passes through", func(t *testing.T) {
		client := httpclient.NewClient("http://unreachable.invalid", nil)
		_, err := client.Get(ctx, server.URL+"/direct", nil, nil)
		require.NoError(t, err)
		require.Equal(t, "/direct", path)
	})

	t.Run("query parameters", func(t *testing.T) {
		client := httpclient.NewClient(server.URL, nil)
		_, err := client.Get(ctx, "/search", map[string]any{"q": "golang", "page": 2}, nil)
		require.NoError(t, err)
		require.Equal(t, "/search?page=2&q=golang", path)
	})

	t.Run("relative endpoint without base fails", func(t *testing.T) {
		client := httpclient.NewClient("", nil)
		_, err := client.Get(ctx, "/x", nil, nil)
		require.Error(t, err)
	})
}

func TestClient_PostMarshalsBody(t *testing.T) {
	ctx := context.Background()
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := httpclient.NewClient(server.URL, nil)
	resp, err := client.Post(ctx, "/items", map[string]string{"name": "widget"}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "widget", body["name"])
}

func TestClient_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("non-2xx becomes HTTPError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer server.Close()

		client := httpclient.NewClient(server.URL, nil)
		_, err := client.Get(ctx, "/x", nil, nil)
		var httpErr *httpclient.HTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, http.StatusForbidden, httpErr.StatusCode)
		require.False(t, httpErr.AuthError)
	})

	t.Run("deadline becomes TimeoutError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		client := httpclient.NewClient(server.URL, nil)
		_, err := client.Get(ctx, "/slow", nil, &httpclient.RequestOptions{Timeout: 20 * time.Millisecond})
		var timeoutErr *httpclient.TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		require.Equal(t, httpclient.CodeTimeout, timeoutErr.Code)
	})

	t.Run("connectivity failure becomes NetworkError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close() // nothing listening any more

		client := httpclient.NewClient(server.URL, nil)
		_, err := client.Get(ctx, "/x", nil, nil)
		var netErr *httpclient.NetworkError
		require.ErrorAs(t, err, &netErr)
		require.Equal(t, httpclient.CodeNetworkError, netErr.Code)
	})
}

func TestClient_401ClearsTokenAndNotifies(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newTokenManager(t)
	require.NoError(t, tokens.SetToken(ctx, testToken))

	client := httpclient.NewClient(server.URL, tokens)
	var notified atomic.Int32
	client.SetAuthErrorHandler(func(context.Context) { notified.Add(1) })

	_, err := client.Get(ctx, "/x", nil, nil)
	require.True(t, httpclient.IsAuthError(err))
	require.False(t, tokens.HasToken(ctx))
	require.Equal(t, int32(1), notified.Load())
}

func TestClient_CacheIntegration(t *testing.T) {
	ctx := context.Background()
	var serverHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverHits.Add(1)
		_, _ = w.Write([]byte(`{"n":1}`))
	}))
	defer server.Close()

	rc := cache.NewResponseCache(cache.WithSweepInterval(0))
	defer rc.Close()

	client := httpclient.NewClient(server.URL, nil, httpclient.WithResponseCache(rc))

	first, err := client.Get(ctx, "/data", map[string]any{"id": 7}, nil)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := client.Get(ctx, "/data", map[string]any{"id": 7}, nil)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.Body, second.Body)
	require.Equal(t, int32(1), serverHits.Load())

	t.Run("stats reflect lookups", func(t *testing.T) {
		stats := client.GetStats()
		require.Equal(t, 1, stats.CacheHits)
		require.Equal(t, 1, stats.CacheMisses)
		require.Equal(t, 1, stats.TotalRequests)
		require.InDelta(t, 0.5, stats.CacheHitRate, 0.001)
	})

	t.Run("NoCache bypasses", func(t *testing.T) {
		resp, err := client.Get(ctx, "/data", map[string]any{"id": 7}, &httpclient.RequestOptions{NoCache: true})
		require.NoError(t, err)
		require.False(t, resp.FromCache)
		require.Equal(t, int32(2), serverHits.Load())
	})
}

func TestClient_ThrottledGet(t *testing.T) {
	ctx := context.Background()
	var serverHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := httpclient.NewClient(server.URL, nil,
		httpclient.WithShaper(shaper.New(shaper.WithThrottleWait(time.Hour))))

	_, err := client.Get(ctx, "/x", nil, &httpclient.RequestOptions{Throttle: true})
	require.NoError(t, err)

	_, err = client.Get(ctx, "/x", nil, &httpclient.RequestOptions{Throttle: true})
	var throttled *shaper.ThrottledError
	require.ErrorAs(t, err, &throttled)
	require.Equal(t, 1, throttled.Skipped)
	require.Equal(t, int32(1), serverHits.Load())
}

func TestClient_ErrorRate(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := httpclient.NewClient(server.URL, nil)
	_, err := client.Get(ctx, "/x", nil, nil)
	require.NoError(t, err)

	fail.Store(true)
	_, err = client.Get(ctx, "/x", nil, nil)
	require.Error(t, err)

	stats := client.GetStats()
	require.Equal(t, 2, stats.TotalRequests)
	require.Equal(t, 1, stats.Errors)
	require.InDelta(t, 0.5, stats.ErrorRate, 0.001)
}
