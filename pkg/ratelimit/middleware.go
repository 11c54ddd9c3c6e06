package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/docuplane/billing/pkg/clientip"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// ByClientIP keys buckets on the resolved client IP. Used as a fallback for
// unauthenticated routes; authenticated routes should key on the
// organization instead.
func ByClientIP() KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + clientip.GetIP(r)
	}
}

// Middleware enforces the bucket on every request, setting the standard
// X-RateLimit headers and answering 429 with the API error envelope when
// the bucket is empty. Store failures fail open so a Redis outage degrades
// to unlimited rather than taking the API down.
func Middleware(bucket *Bucket, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := bucket.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, result.Remaining)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed() {
				if retryAfter := int(result.RetryAfter().Seconds()); retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				}
				writeLimited(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    "rate_limited",
			"message": "too many requests",
		},
	})
}
