// Package auth implements the per-request authentication state machine.
// Every request resolves to exactly one session state before any upstream
// work happens, and every terminal response, success or error, applies the
// session's save directive as its very last step.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/NotEnoughUpdates/ursa-minor/internal/token"
)

// Request headers consumed by the gateway.
const (
	HeaderToken    = "x-ursa-token"
	HeaderUsername = "x-ursa-username"
	HeaderServerID = "x-ursa-serverid"
)

// Response headers produced by the save directive.
const (
	HeaderTokenOut = "x-ursa-token"
	HeaderExpires  = "x-ursa-expires"
)

// State tags the outcome of session resolution.
type State int

const (
	// StateAnonymous serves the fixed synthetic principal; no verification
	// and no rate limiting apply.
	StateAnonymous State = iota
	// StateReauthenticated means a presented token verified; no external
	// call was made.
	StateReauthenticated
	// StateFreshAuth means the identity verifier confirmed a new login.
	StateFreshAuth
	// StateRejected is terminal; Status and Reason describe the response.
	StateRejected
)

// SaveDirective says what the response decorator must emit.
type SaveDirective int

const (
	// DirectiveDontSave emits nothing.
	DirectiveDontSave SaveDirective = iota
	// DirectiveSaveExpires re-announces the expiry of a reused token.
	DirectiveSaveExpires
	// DirectiveSaveToken signs and emits a fresh token plus its expiry.
	DirectiveSaveToken
)

// Session is the resolved authentication outcome for one request.
type Session struct {
	State     State
	Principal token.Principal
	Directive SaveDirective

	// Status and Reason are set only when State is StateRejected.
	Status int
	Reason string

	// VerifyErr is the identity verifier's error when the rejection came
	// from a failed login attempt. It lets callers tell a refused identity
	// apart from a session-server outage; it never reaches the response.
	VerifyErr error
}

// Rejected reports whether the session is terminal.
func (s Session) Rejected() bool { return s.State == StateRejected }

// Verifier confirms a claimed identity with an external authority.
type Verifier interface {
	Verify(ctx context.Context, username, serverID string) (token.Principal, error)
}

// Manager resolves requests to sessions.
type Manager struct {
	codec    *token.Codec
	verifier Verifier
	now      func() time.Time // swappable in tests
}

// NewManager creates a session manager. codec may be nil only when every
// request will be resolved anonymously.
func NewManager(codec *token.Codec, verifier Verifier) *Manager {
	return &Manager{
		codec:    codec,
		verifier: verifier,
		now:      time.Now,
	}
}

// Resolve runs the state machine in order: anonymous mode, then a presented
// token, then a fresh login attempt. A presented token that fails
// verification is ignored, not rejected — the caller may still carry the
// login headers. Only the identity verifier's answer is terminal.
func (m *Manager) Resolve(r *http.Request, anonymous bool) Session {
	if anonymous {
		return Session{
			State:     StateAnonymous,
			Principal: token.Anonymous(),
			Directive: DirectiveDontSave,
		}
	}

	if presented := r.Header.Get(HeaderToken); presented != "" {
		if p, err := m.codec.Verify(presented, m.now()); err == nil {
			return Session{
				State:     StateReauthenticated,
				Principal: p,
				Directive: DirectiveSaveExpires,
			}
		}
		// Invalid or expired tokens fall through to a fresh login attempt.
	}

	username := r.Header.Get(HeaderUsername)
	if username == "" {
		return reject(http.StatusBadRequest, "Missing username to authenticate")
	}
	serverID := r.Header.Get(HeaderServerID)
	if serverID == "" {
		return reject(http.StatusBadRequest, "Missing serverid to authenticate")
	}

	p, err := m.verifier.Verify(r.Context(), username, serverID)
	if err != nil {
		s := reject(http.StatusUnauthorized, "Unauthorized")
		s.VerifyErr = err
		return s
	}

	return Session{
		State:     StateFreshAuth,
		Principal: p,
		Directive: DirectiveSaveToken,
	}
}

func reject(status int, reason string) Session {
	return Session{State: StateRejected, Status: status, Reason: reason}
}

// ApplySaveDirective writes the session's save directive into the response
// headers. Called as the last step for every terminal response, including
// error responses.
func (m *Manager) ApplySaveDirective(s Session, h http.Header) error {
	switch s.Directive {
	case DirectiveSaveToken:
		signed, err := m.codec.Sign(s.Principal)
		if err != nil {
			return err
		}
		h.Set(HeaderTokenOut, signed)
		h.Set(HeaderExpires, strconv.FormatInt(s.Principal.ValidUntil, 10))
	case DirectiveSaveExpires:
		h.Set(HeaderExpires, strconv.FormatInt(s.Principal.ValidUntil, 10))
	case DirectiveDontSave:
	}
	return nil
}
