// Package mojang verifies claimed Minecraft identities against the Mojang
// session server. A verification succeeds only when hasJoined returns 200
// with a profile body; every other outcome, including transport failures,
// is a rejection and is never retried.
//
// The session server's answer is taken at face value. This mirrors how the
// whole ecosystem does Minecraft server-side login and is a known, accepted
// weakness of the scheme.
package mojang

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
	"github.com/NotEnoughUpdates/ursa-minor/internal/token"
)

var (
	// ErrUnauthorized is returned when the session server does not confirm
	// the claimed identity.
	ErrUnauthorized = errors.New("mojang: identity not confirmed")

	// ErrCircuitOpen is returned when the breaker is open and the call is
	// short-circuited without contacting the session server.
	ErrCircuitOpen = errors.New("mojang: circuit breaker is open")
)

// Circuit breaker defaults for the session server.
const (
	defaultCBThreshold    = 5
	defaultCBResetTimeout = 30 * time.Second
)

// circuitBreaker protects against a down session server. After `threshold`
// consecutive transport failures the breaker opens and short-circuits all
// calls for `resetTimeout`, avoiding the full timeout on every request.
// After the reset timeout one probe call is allowed through (half-open).
// Rejections (non-200) are not failures; only transport errors count.
type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	open         bool
	openUntil    time.Time
	threshold    int
	resetTimeout time.Duration
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		threshold:    defaultCBThreshold,
		resetTimeout: defaultCBResetTimeout,
	}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	// Half-open: allow a probe once enough time has passed.
	return time.Now().Before(cb.openUntil)
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.open = true
		cb.openUntil = time.Now().Add(cb.resetTimeout)
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}

// profile is the subset of the hasJoined response body we need.
type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Verifier calls the Mojang session server to confirm login attempts and
// mints a fresh principal on success.
type Verifier struct {
	endpoint      string
	httpClient    *http.Client
	tokenLifetime time.Duration
	cb            *circuitBreaker
}

// NewVerifier creates a verifier from the configuration.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	timeout := config.ParseDuration(cfg.Timeout, 10*time.Second)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10, // the session server is a single host
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Verifier{
		endpoint:      cfg.SessionServerURL,
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		tokenLifetime: config.ParseDuration(cfg.TokenLifetime, 24*time.Hour),
		cb:            newCircuitBreaker(),
	}
}

// Verify confirms that the named player recently performed the joinServer
// handshake for serverID. On success it returns a freshly minted principal
// valid from now until now plus the configured token lifetime.
func (v *Verifier) Verify(ctx context.Context, username, serverID string) (token.Principal, error) {
	if v.cb.isOpen() {
		return token.Principal{}, ErrCircuitOpen
	}

	u, err := url.Parse(v.endpoint)
	if err != nil {
		return token.Principal{}, fmt.Errorf("mojang: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("username", username)
	q.Set("serverId", serverID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return token.Principal{}, fmt.Errorf("mojang: build request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.cb.recordFailure()
		return token.Principal{}, fmt.Errorf("mojang: session server request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	v.cb.recordSuccess()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return token.Principal{}, ErrUnauthorized
	}

	var p profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&p); err != nil {
		return token.Principal{}, fmt.Errorf("mojang: decode profile: %w", err)
	}

	id, err := uuid.Parse(p.ID)
	if err != nil {
		return token.Principal{}, fmt.Errorf("mojang: bad profile id %q: %w", p.ID, err)
	}

	now := time.Now()
	return token.Principal{
		ID:         id,
		Name:       p.Name,
		ValidSince: now.UnixMilli(),
		ValidUntil: now.Add(v.tokenLifetime).UnixMilli(),
	}, nil
}
