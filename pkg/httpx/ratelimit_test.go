package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("allows up to burst then rejects", func(t *testing.T) {
		cfg := RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute, Burst: 2}
		h := Chain(okHandler(), RateLimitMiddleware(cfg, IPKeyExtractor))

		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			h.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		cfg := RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute, Burst: 1}
		h := Chain(okHandler(), RateLimitMiddleware(cfg, IPKeyExtractor))

		first := httptest.NewRequest(http.MethodGet, "/", nil)
		first.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, first)
		require.Equal(t, http.StatusOK, rec.Code)

		other := httptest.NewRequest(http.MethodGet, "/", nil)
		other.RemoteAddr = "10.0.0.2:1234"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, other)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing key allows request", func(t *testing.T) {
		cfg := RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute, Burst: 1}
		h := Chain(okHandler(), RateLimitMiddleware(cfg, func(*http.Request) string { return "" }))

		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestIPKeyExtractor(t *testing.T) {
	t.Parallel()

	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
		require.Equal(t, "1.2.3.4", IPKeyExtractor(req))
	})

	t.Run("falls back to RemoteAddr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "9.9.9.9:4321"
		require.Equal(t, "9.9.9.9", IPKeyExtractor(req))
	})
}

func TestBearerMiddleware(t *testing.T) {
	t.Parallel()

	seen := ""
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AssertionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}), BearerMiddleware())

	t.Run("rejects missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("extracts header token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer abc123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "abc123", seen)
	})

	t.Run("rejects query token by default", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/?token=qp456", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("accepts query token when opted in", func(t *testing.T) {
		pixel := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = AssertionFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}), BearerMiddleware(AllowQueryToken()))

		req := httptest.NewRequest(http.MethodGet, "/?token=qp456", nil)
		rec := httptest.NewRecorder()
		pixel.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "qp456", seen)
	})

	t.Run("header wins over query when both allowed", func(t *testing.T) {
		pixel := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = AssertionFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}), BearerMiddleware(AllowQueryToken()))

		req := httptest.NewRequest(http.MethodGet, "/?token=qp456", nil)
		req.Header.Set("Authorization", "Bearer hdr789")
		rec := httptest.NewRecorder()
		pixel.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "hdr789", seen)
	})
}
