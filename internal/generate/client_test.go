package generate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func fastOptions() Options {
	return Options{
		Timeout:        2 * time.Second,
		Backoff:        time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RateLimit:      rate.Inf,
		RateLimitBurst: 1,
	}
}

func TestNormalizeOptionsDefaults(t *testing.T) {
	opts := normalizeOptions(Options{})
	require.Equal(t, defaultTimeout, opts.Timeout)
	require.Equal(t, defaultTimeout, opts.ResponseHeaderTimeout)
	require.Equal(t, defaultRetries, opts.MaxRetries)
	require.Equal(t, defaultBackoff, opts.Backoff)
	require.Equal(t, defaultMaxBackoff, opts.MaxBackoff)
	require.Equal(t, rate.Limit(defaultRateLimit), opts.RateLimit)
	require.Equal(t, defaultRateLimitBurst, opts.RateLimitBurst)
	require.Equal(t, "infinitune", opts.UserAgent)
}

func TestNormalizeOptionsDisableRetries(t *testing.T) {
	opts := normalizeOptions(Options{MaxRetries: -1})
	require.Zero(t, opts.MaxRetries)
}

func TestPostJSONRoundTrip(t *testing.T) {
	type ping struct {
		Name string `json:"name"`
	}

	var gotContentType, gotAgent, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/echo", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		gotAgent = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.Headers = map[string]string{"Authorization": "Bearer k"}
	c := NewClient("testbackend", srv.URL+"/", opts)

	var out ping
	err := c.PostJSON(context.Background(), "/echo", ping{Name: "hello"}, &out, true)
	require.NoError(t, err)
	require.Equal(t, "hello", out.Name)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "infinitune", gotAgent)
	require.Equal(t, "Bearer k", gotAuth)
}

func TestDoRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient("testbackend", srv.URL, fastOptions())
	resp, err := c.Do(context.Background(), http.MethodGet, "/thing", nil, true)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), calls.Load())
}

func TestDoRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("testbackend", srv.URL, fastOptions())
	resp, err := c.Do(context.Background(), http.MethodGet, "/thing", nil, true)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, int32(2), calls.Load())
}

func TestDoNoRetryWhenNotRetriable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("testbackend", srv.URL, fastOptions())
	_, err := c.Do(context.Background(), http.MethodPost, "/submit", []byte(`{}`), false)
	require.Error(t, err)
	require.ErrorContains(t, err, "status 500")
	require.Equal(t, int32(1), calls.Load())
}

func TestDoGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.MaxRetries = 2
	c := NewClient("testbackend", srv.URL, opts)

	_, err := c.Do(context.Background(), http.MethodGet, "/thing", nil, true)
	require.Error(t, err)
	require.ErrorContains(t, err, "status 503")
	require.Equal(t, int32(3), calls.Load())
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var calls atomic.Int32
	bodies := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("testbackend", srv.URL, fastOptions())
	resp, err := c.Do(context.Background(), http.MethodPost, "/submit", []byte(`{"a":1}`), true)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, `{"a":1}`, <-bodies)
	require.Equal(t, `{"a":1}`, <-bodies)
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.Backoff = time.Second
	opts.MaxBackoff = time.Second
	c := NewClient("testbackend", srv.URL, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, http.MethodGet, "/thing", nil, true)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDoAbsoluteURLBypassesBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/direct", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("testbackend", "http://base.invalid", fastOptions())
	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/direct", nil, true)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestGetRawStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such file"))
	}))
	defer srv.Close()

	c := NewClient("testbackend", srv.URL, fastOptions())
	rc, err := c.GetRaw(context.Background(), "/missing")
	require.Nil(t, rc)
	require.ErrorContains(t, err, "status 404")
	require.ErrorContains(t, err, "no such file")
}

func TestGetJSONDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "running"}`))
	}))
	defer srv.Close()

	c := NewClient("testbackend", srv.URL, fastOptions())
	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/q", &out))
	require.Equal(t, "running", out.Status)
}
