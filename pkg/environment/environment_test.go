package environment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/environment"
)

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := environment.WithContext(context.Background(), environment.Production)
	assert.Equal(t, environment.Production, environment.FromContext(ctx))
	assert.True(t, environment.IsProduction(ctx))
	assert.False(t, environment.IsDevelopment(ctx))

	assert.Equal(t, environment.Environment(""), environment.FromContext(context.Background()))
	assert.Equal(t, environment.Environment(""), environment.FromContext(nil))
}

func TestShortAliases(t *testing.T) {
	t.Parallel()

	assert.True(t, environment.IsProduction(environment.WithContext(context.Background(), "prod")))
	assert.True(t, environment.IsStaging(environment.WithContext(context.Background(), "stage")))
	assert.True(t, environment.IsDevelopment(environment.WithContext(context.Background(), "dev")))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	var seen environment.Environment
	h := environment.Middleware(environment.Staging)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = environment.FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/plans", nil))
	assert.Equal(t, environment.Staging, seen)
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()

	extract := environment.LoggerExtractor()

	attr, ok := extract(environment.WithContext(context.Background(), environment.Development))
	require.True(t, ok)
	assert.Equal(t, "env", attr.Key)
	assert.Equal(t, "development", attr.Value.String())

	_, ok = extract(context.Background())
	assert.False(t, ok)
}
