package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func headerKey(name string) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

func TestMiddleware_AllowsAndSetsHeaders(t *testing.T) {
	t.Parallel()

	bucket := newMemoryBucket(t, ratelimit.Config{
		Capacity:       2,
		RefillRate:     1,
		RefillInterval: time.Minute,
	})
	handler := ratelimit.Middleware(bucket, headerKey("X-Org"))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	req.Header.Set("X-Org", "org-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_RejectsWithEnvelope(t *testing.T) {
	t.Parallel()

	bucket := newMemoryBucket(t, ratelimit.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Minute,
	})
	handler := ratelimit.Middleware(bucket, headerKey("X-Org"))(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
		req.Header.Set("X-Org", "org-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i == 0 {
			require.Equal(t, http.StatusOK, rec.Code)
			continue
		}

		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var body struct {
			Success bool `json:"success"`
			Error   struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, "rate_limited", body.Error.Code)
	}
}

func TestMiddleware_IsolatesOrganizations(t *testing.T) {
	t.Parallel()

	bucket := newMemoryBucket(t, ratelimit.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Minute,
	})
	handler := ratelimit.Middleware(bucket, headerKey("X-Org"))(okHandler())

	for _, org := range []string{"org-1", "org-2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
		req.Header.Set("X-Org", org)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "first request for %s", org)
	}
}

func TestMiddleware_EmptyKeySkipsLimiting(t *testing.T) {
	t.Parallel()

	bucket := newMemoryBucket(t, ratelimit.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Minute,
	})
	handler := ratelimit.Middleware(bucket, headerKey("X-Org"))(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

type failingStore struct{}

func (failingStore) ConsumeTokens(ctx context.Context, key string, tokens int, config ratelimit.Config) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func (failingStore) Reset(ctx context.Context, key string) error { return nil }

func TestMiddleware_FailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	bucket, err := ratelimit.NewBucket(failingStore{}, ratelimit.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Minute,
	})
	require.NoError(t, err)
	handler := ratelimit.Middleware(bucket, headerKey("X-Org"))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	req.Header.Set("X-Org", "org-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestByClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4431"

	key := ratelimit.ByClientIP()(req)
	assert.Equal(t, "ip:198.51.100.7", key)
}
