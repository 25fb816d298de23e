package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
	"github.com/NotEnoughUpdates/ursa-minor/internal/gateway"
)

func TestServerRunAndShutdown(t *testing.T) {
	t.Run("starts and stops gracefully", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(mr)
		cfg.Server.Address = ":0" // random port
		cfg.Admin.Address = ":0"  // random port

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Give server time to start.
		time.Sleep(200 * time.Millisecond)

		// Cancel to trigger shutdown.
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	})
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Run("admin endpoints are accessible", func(t *testing.T) {
		mr := miniredis.RunT(t)
		gatewayAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testConfig(mr)
		cfg.Server.Address = gatewayAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Poll until the admin server is ready instead of a fixed sleep.
		require.Eventually(t, func() bool {
			resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
			if httpErr != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 50*time.Millisecond, "admin server did not become ready")

		client := &http.Client{Timeout: 2 * time.Second}

		// Test startz.
		respS, err := client.Get("http://" + adminAddr + "/startz")
		require.NoError(t, err)
		defer respS.Body.Close()
		assert.Equal(t, http.StatusOK, respS.StatusCode)

		var startBody map[string]string
		require.NoError(t, json.NewDecoder(respS.Body).Decode(&startBody))
		assert.Equal(t, "started", startBody["status"])

		// Test healthz.
		resp, err := client.Get("http://" + adminAddr + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alive", body["status"])

		// Test readyz.
		resp2, err := client.Get("http://" + adminAddr + "/readyz")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		// Test metrics endpoint.
		resp3, err := client.Get("http://" + adminAddr + "/metrics")
		require.NoError(t, err)
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
		metricsBody, _ := io.ReadAll(resp3.Body)
		assert.Contains(t, string(metricsBody), "ursa_requests_allowed_total")

		// Test stats endpoint.
		resp4, err := client.Get("http://" + adminAddr + "/stats")
		require.NoError(t, err)
		defer resp4.Body.Close()
		assert.Equal(t, http.StatusOK, resp4.StatusCode)
		statsBody, _ := io.ReadAll(resp4.Body)
		assert.Contains(t, string(statsBody), "counters")

		cancel()
		<-done
	})
}

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServerGatewayTraffic(t *testing.T) {
	t.Run("serves gateway requests end to end in anonymous mode", func(t *testing.T) {
		// Use httptest.NewServer so the OS picks a free port and the
		// upstream is guaranteed to be listening before we proceed.
		var seenKey string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenKey = r.Header.Get("API-Key")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success":true}`))
		}))
		defer upstream.Close()

		gatewayAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		mr := miniredis.RunT(t)
		cfg := testConfig(mr)
		cfg.Server.Address = gatewayAddr
		cfg.Admin.Address = adminAddr
		cfg.Auth.Anonymous = true
		cfg.Rules.Inline = []config.RuleConfig{
			{PublicPath: "status", UpstreamTemplate: upstream.URL + "/v2/status"},
		}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Poll the admin health endpoint until the server is ready.
		require.Eventually(t, func() bool {
			resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
			if httpErr != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 50*time.Millisecond, "server did not become ready")

		client := &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}

		// Root redirects to the project page.
		respRoot, err := client.Get("http://" + gatewayAddr + "/")
		require.NoError(t, err)
		respRoot.Body.Close()
		assert.Equal(t, http.StatusFound, respRoot.StatusCode)
		assert.Equal(t, gateway.ProjectURL, respRoot.Header.Get("Location"))

		// Version endpoint needs no authentication.
		respVer, err := client.Get("http://" + gatewayAddr + "/_meta/version")
		require.NoError(t, err)
		verBody, _ := io.ReadAll(respVer.Body)
		respVer.Body.Close()
		assert.Equal(t, http.StatusOK, respVer.StatusCode)
		assert.Contains(t, string(verBody), "ursa-minor test")

		// A rule-backed request reaches the upstream with the API key.
		resp, err := client.Get("http://" + gatewayAddr + "/v1/hypixel/status")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `{"success":true}`, string(body))
		assert.Equal(t, "server-test-key", seenKey)

		// Unknown paths get a 404 from the gateway, not the upstream.
		resp404, err := client.Get("http://" + gatewayAddr + "/v1/bogus")
		require.NoError(t, err)
		resp404.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp404.StatusCode)

		cancel()
		<-done
	})
}

func TestServerTLSHTTP2(t *testing.T) {
	t.Run("negotiates HTTP/2 over TLS via ALPN", func(t *testing.T) {
		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		gatewayAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		mr := miniredis.RunT(t)
		cfg := testConfig(mr)
		cfg.Server.Address = gatewayAddr
		cfg.Admin.Address = adminAddr
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certFile
		cfg.Server.TLS.KeyFile = keyFile

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
			if httpErr != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 50*time.Millisecond, "server did not become ready")

		tr := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		require.NoError(t, http2.ConfigureTransport(tr))
		tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

		resp, err := tlsClient.Get("https://" + gatewayAddr + "/_meta/version")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "ursa-minor test")

		cancel()
		<-done
	})

	t.Run("cleartext still serves HTTP/1.1", func(t *testing.T) {
		gatewayAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		mr := miniredis.RunT(t)
		cfg := testConfig(mr)
		cfg.Server.Address = gatewayAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
			if httpErr != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 50*time.Millisecond, "server did not become ready")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + gatewayAddr + "/_meta/version")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "ursa-minor test")

		cancel()
		<-done
	})
}
