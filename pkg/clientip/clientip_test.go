package clientip_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/clientip"
)

func newRequest(remoteAddr string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	r.RemoteAddr = remoteAddr
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestGetIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:   "remote addr fallback",
			remote: "203.0.113.7:52704",
			want:   "203.0.113.7",
		},
		{
			name:   "remote addr without port",
			remote: "203.0.113.7",
			want:   "203.0.113.7",
		},
		{
			name:    "cloudflare header wins over forwarded chain",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"CF-Connecting-IP": "198.51.100.4", "X-Forwarded-For": "192.0.2.9"},
			want:    "198.51.100.4",
		},
		{
			name:    "first valid entry of forwarded chain",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "192.0.2.9, 10.0.0.2, 10.0.0.1"},
			want:    "192.0.2.9",
		},
		{
			name:    "garbage forwarded entry skipped",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "not-an-ip, 192.0.2.9"},
			want:    "192.0.2.9",
		},
		{
			name:    "real ip header",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Real-IP": "192.0.2.44"},
			want:    "192.0.2.44",
		},
		{
			name:    "spoofed header falls through to remote addr",
			remote:  "203.0.113.7:52704",
			headers: map[string]string{"X-Forwarded-For": "http://evil.example.com"},
			want:    "203.0.113.7",
		},
		{
			name:    "ipv6 normalized",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "2001:0db8:0000:0000:0000:0000:0000:0001"},
			want:    "2001:db8::1",
		},
		{
			name:   "ipv6 remote addr with port",
			remote: "[2001:db8::2]:443",
			want:   "2001:db8::2",
		},
		{
			name:   "unparseable remote addr yields empty",
			remote: "nonsense",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, clientip.GetIP(newRequest(tt.remote, tt.headers)))
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	h := clientip.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientip.GetIPFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest("10.0.0.1:80", map[string]string{"X-Forwarded-For": "192.0.2.9"}))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "192.0.2.9", seen)
}

func TestGetIPFromContextMissing(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, clientip.GetIPFromContext(r.Context()))
}
