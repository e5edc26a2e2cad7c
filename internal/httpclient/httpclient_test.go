package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/listenkeeper/core/internal/clock"
	"github.com/listenkeeper/core/internal/creds"
	"github.com/listenkeeper/core/internal/tokenmanager"
	"github.com/listenkeeper/core/internal/tokenstore"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// redirectingClient rewrites every outbound request to target's host,
// letting a tokenmanager.Manager built against the real Spotify token
// endpoint URL actually hit a local httptest.Server.
func redirectingClient(target *url.URL) *http.Client {
	return &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		return http.DefaultTransport.RoundTrip(req)
	})}
}

func newTokenManager(t *testing.T, authServerURL string) *tokenmanager.Manager {
	t.Helper()
	store, err := tokenstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	credStore := creds.New()
	require.NoError(t, credStore.Set("cid", "secret"))

	authURL, err := url.Parse(authServerURL)
	require.NoError(t, err)

	tm := tokenmanager.New(store, credStore, clock.Real(), redirectingClient(authURL))
	require.NoError(t, tm.Set("initial-access", "initial-refresh", 3600))
	return tm
}

func TestClient_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(nil, WithRateLimit(rate.NewLimiter(rate.Inf, 1)))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_RefreshesOnceOn401(t *testing.T) {
	var authCalls, apiCalls int32
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-access","refresh_token":"fresh-refresh","expires_in":3600}`))
	}))
	defer authSrv.Close()

	tm := newTokenManager(t, authSrv.URL)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&apiCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer fresh-access", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer apiSrv.Close()

	c := New(tm, WithRateLimit(rate.NewLimiter(rate.Inf, 1)))

	req, err := http.NewRequest(http.MethodGet, apiSrv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&authCalls))
	require.EqualValues(t, 2, atomic.LoadInt32(&apiCalls))
}

// TestClient_ConcurrentCallsCoalesce401Refresh verifies that two
// concurrent Client.Do calls that each observe a 401 produce exactly one
// POST to the token endpoint, per spec.md §4.4's shared single-flight
// refresh guard and scenario 4 in spec.md §8.
func TestClient_ConcurrentCallsCoalesce401Refresh(t *testing.T) {
	var authCalls int32
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		time.Sleep(50 * time.Millisecond) // keep the refresh in flight while both callers observe the 401
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-access","refresh_token":"fresh-refresh","expires_in":3600}`))
	}))
	defer authSrv.Close()

	tm := newTokenManager(t, authSrv.URL)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh-access" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	c := New(tm, WithRateLimit(rate.NewLimiter(rate.Inf, 2)))

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, apiSrv.URL, nil)
			require.NoError(t, err)
			resp, err := c.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	require.Equal(t, http.StatusOK, statuses[0])
	require.Equal(t, http.StatusOK, statuses[1])
	require.EqualValues(t, 1, atomic.LoadInt32(&authCalls))
}

// TestClient_PersistentFailureCapsTotalCallsAtMaxRetries verifies that a
// continuously failing upstream is called at most maxRetries times in
// total (including the first attempt), per spec.md §4.4 point 4 and the
// §8 testable property on total call count.
func TestClient_PersistentFailureCapsTotalCallsAtMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(nil, WithRateLimit(rate.NewLimiter(rate.Inf, 1)))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.Error(t, err)
	require.Nil(t, resp)
	require.EqualValues(t, maxRetries, atomic.LoadInt32(&calls))
}

func TestBackoff_RespectsRetryAfter(t *testing.T) {
	c := New(nil)
	header := http.Header{}
	header.Set("Retry-After", "2")
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: header}

	d := c.backoff(0, 0, 0, resp)
	require.Equal(t, 2*time.Second, d)
}

func TestBackoff_ExponentialWithJitter(t *testing.T) {
	c := New(nil)
	d := c.backoff(0, 0, 3, nil)

	raw := float64(initialBackoff)
	for i := 0; i < 3; i++ {
		raw *= backoffFactor
	}
	lower := time.Duration(raw * 0.9)
	upper := time.Duration(raw * 1.1)
	require.GreaterOrEqual(t, d, lower)
	require.LessOrEqual(t, d, upper)
}

func TestBackoff_CapsAtMax(t *testing.T) {
	c := New(nil)
	d := c.backoff(0, 0, 20, nil)
	require.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*1.1))
}
