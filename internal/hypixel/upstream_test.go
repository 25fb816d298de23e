package hypixel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

func newTestExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewExecutor(config.HypixelConfig{
		Token:   "the-secret-key",
		Timeout: "2s",
	}, slog.Default()), srv
}

func TestFetchSuccess(t *testing.T) {
	var gotKey, gotQuery string
	e, srv := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("API-Key")
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	body, err := e.Fetch(context.Background(), srv.URL+"/v2/skyblock/profiles?uuid=abc")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(data))
	assert.Equal(t, "the-secret-key", gotKey)
	assert.Equal(t, "uuid=abc", gotQuery)
}

func TestFetchNon200(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusInternalServerError} {
		e, srv := newTestExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"success":false,"cause":"upstream detail that must not leak"}`))
		})

		body, err := e.Fetch(context.Background(), srv.URL)
		assert.Nil(t, body)
		require.ErrorIs(t, err, ErrUpstream)
		assert.NotContains(t, err.Error(), "must not leak")
	}
}

func TestFetchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	e := NewExecutor(config.HypixelConfig{Token: "k", Timeout: "500ms"}, slog.Default())

	body, err := e.Fetch(context.Background(), srv.URL)
	assert.Nil(t, body)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstream)
}

func TestFetchErrorNeverContainsToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	e := NewExecutor(config.HypixelConfig{Token: "super-secret-token", Timeout: "500ms"}, slog.Default())

	_, err := e.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "super-secret-token")
}

func TestCacheHeaders(t *testing.T) {
	h := http.Header{}
	CacheHeaders(h)
	assert.Equal(t, "0", h.Get("Age"))
	assert.Equal(t, "public, s-maxage=60, max-age=300", h.Get("Cache-Control"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}
