package mojang

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

func newTestVerifier(t *testing.T, handler http.HandlerFunc) *Verifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewVerifier(config.AuthConfig{
		SessionServerURL: srv.URL,
		TokenLifetime:    "1h",
		Timeout:          "2s",
	})
}

func TestVerifySuccess(t *testing.T) {
	var gotUsername, gotServerID string
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotUsername = r.URL.Query().Get("username")
		gotServerID = r.URL.Query().Get("serverId")
		w.Header().Set("Content-Type", "application/json")
		// hasJoined returns the profile id without dashes.
		_, _ = w.Write([]byte(`{"id":"069a79f444e94726a5befca90e38aaf5","name":"Notch"}`))
	})

	before := time.Now()
	p, err := v.Verify(context.Background(), "Notch", "some-server-hash")
	require.NoError(t, err)

	assert.Equal(t, "Notch", gotUsername)
	assert.Equal(t, "some-server-hash", gotServerID)
	assert.Equal(t, "069a79f4-44e9-4726-a5be-fca90e38aaf5", p.ID.String())
	assert.Equal(t, "Notch", p.Name)
	assert.False(t, p.Superuser)

	assert.GreaterOrEqual(t, p.ValidSince, before.UnixMilli())
	assert.Equal(t, p.ValidSince+time.Hour.Milliseconds(), p.ValidUntil)
	assert.True(t, p.ValidAt(time.Now()))
}

func TestVerifyRejections(t *testing.T) {
	t.Run("204 no content means not joined", func(t *testing.T) {
		v := newTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		_, err := v.Verify(context.Background(), "Notch", "hash")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("5xx means not joined", func(t *testing.T) {
		v := newTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := v.Verify(context.Background(), "Notch", "hash")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("malformed body", func(t *testing.T) {
		v := newTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{`))
		})
		_, err := v.Verify(context.Background(), "Notch", "hash")
		assert.Error(t, err)
	})

	t.Run("bad profile id", func(t *testing.T) {
		v := newTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"id":"not-a-uuid","name":"Notch"}`))
		})
		_, err := v.Verify(context.Background(), "Notch", "hash")
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		v := NewVerifier(config.AuthConfig{SessionServerURL: srv.URL, Timeout: "500ms"})
		_, err := v.Verify(context.Background(), "Notch", "hash")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnauthorized)
	})
}

func TestCircuitBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // every call is a transport failure
	v := NewVerifier(config.AuthConfig{SessionServerURL: srv.URL, Timeout: "500ms"})

	for range defaultCBThreshold {
		_, err := v.Verify(context.Background(), "Notch", "hash")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err := v.Verify(context.Background(), "Notch", "hash")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerIgnoresRejections(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	// Rejections are valid answers from a healthy server; they must never
	// open the breaker.
	for range defaultCBThreshold + 2 {
		_, err := v.Verify(context.Background(), "Notch", "hash")
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
}
