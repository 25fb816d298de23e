// Package gateway wires the request pipeline: session resolution, path
// translation, rate limiting, upstream execution, and response decoration.
// Every terminal response, success or error, leaves through the session's
// save directive.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/NotEnoughUpdates/ursa-minor/internal/auth"
	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
	"github.com/NotEnoughUpdates/ursa-minor/internal/hypixel"
	"github.com/NotEnoughUpdates/ursa-minor/internal/inventory"
	"github.com/NotEnoughUpdates/ursa-minor/internal/mojang"
	"github.com/NotEnoughUpdates/ursa-minor/internal/observability"
	"github.com/NotEnoughUpdates/ursa-minor/internal/ratelimit"
	"github.com/NotEnoughUpdates/ursa-minor/internal/rules"
)

var tracer = otel.Tracer("ursa.gateway")

// ProjectURL is where the root path redirects and what the version
// endpoint advertises.
const ProjectURL = "https://github.com/NotEnoughUpdates/ursa-minor/"

// Public mount points.
const (
	metaPrefix    = "/_meta/"
	hypixelPrefix = "/v1/hypixel/"
	neuPrefix     = "/v1/neu/"
)

const requestIDHeader = "X-Request-Id"

// RuntimeParams are the hot-reloadable gateway settings. The gateway reads
// them through an atomic pointer so a config reload never blocks requests.
type RuntimeParams struct {
	Anonymous bool
	Limit     ratelimit.Params
}

// ParamsFromConfig extracts the runtime params from a full config.
func ParamsFromConfig(cfg *config.Config) RuntimeParams {
	return RuntimeParams{
		Anonymous: cfg.Auth.Anonymous,
		Limit: ratelimit.Params{
			Window:    config.ParseDuration(cfg.RateLimit.Window, 5*time.Minute),
			Threshold: cfg.RateLimit.Threshold,
			Namespace: cfg.RateLimit.Namespace,
		},
	}
}

// Gateway is the public-facing HTTP handler.
type Gateway struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	sessions *auth.Manager
	table    *rules.Table
	limiter  *ratelimit.Limiter
	upstream *hypixel.Executor
	reports  *inventory.Store // nil when inventory reports are disabled
	version  string

	params atomic.Pointer[RuntimeParams]
}

// New assembles a gateway. reports may be nil to disable the inventory
// report endpoints.
func New(
	logger *slog.Logger,
	metrics *observability.Metrics,
	sessions *auth.Manager,
	table *rules.Table,
	limiter *ratelimit.Limiter,
	upstream *hypixel.Executor,
	reports *inventory.Store,
	version string,
	params RuntimeParams,
) *Gateway {
	g := &Gateway{
		logger:   logger.With("component", "gateway"),
		metrics:  metrics,
		sessions: sessions,
		table:    table,
		limiter:  limiter,
		upstream: upstream,
		reports:  reports,
		version:  version,
	}
	g.params.Store(&params)
	return g
}

// UpdateParams swaps the hot-reloadable settings.
func (g *Gateway) UpdateParams(p RuntimeParams) {
	g.params.Store(&p)
}

// Params returns the current runtime settings.
func (g *Gateway) Params() RuntimeParams {
	return *g.params.Load()
}

// errorBody is the JSON error response shape. ErrorID is set only on 500s,
// where the full detail stays in the server log.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ErrorID   string `json:"error_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response.
func writeJSONError(w http.ResponseWriter, code int, errType, message, errorID string) {
	body, _ := json.Marshal(errorBody{
		Error:     errType,
		Message:   message,
		ErrorID:   errorID,
		RequestID: w.Header().Get(requestIDHeader),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP routes the request. Only the root redirect and the version
// endpoint skip session resolution.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" || len(reqID) > 128 {
		reqID = uuid.NewString()
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		if rec := recover(); rec != nil {
			errorID := uuid.NewString()
			g.metrics.IncInternalErrors()
			g.logger.Error("panic serving request",
				"error_id", errorID, "panic", rec, "path", r.URL.Path)
			if !sw.written {
				writeJSONError(sw, http.StatusInternalServerError, "internal", "Internal Error", errorID)
			}
		}
		g.metrics.PromRequestDuration.
			WithLabelValues(strconv.Itoa(sw.code)).
			Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	path := r.URL.Path
	switch {
	case path == "/":
		sw.Header().Set("Location", ProjectURL)
		sw.WriteHeader(http.StatusFound)

	case path == metaPrefix+"version":
		sw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(sw, "ursa-minor "+g.version+" "+ProjectURL)

	case strings.HasPrefix(path, metaPrefix):
		g.withSession(sw, r, func(_ *http.Request, sess auth.Session) {
			g.handleMeta(sw, sess, strings.TrimPrefix(path, metaPrefix))
		})

	case strings.HasPrefix(path, neuPrefix):
		g.withSession(sw, r, func(r *http.Request, sess auth.Session) {
			g.handleInventory(sw, r, sess, strings.TrimPrefix(path, neuPrefix))
		})

	case strings.HasPrefix(path, hypixelPrefix):
		g.withSession(sw, r, func(r *http.Request, sess auth.Session) {
			g.handleHypixel(sw, r, sess, strings.TrimPrefix(path, hypixelPrefix))
		})

	default:
		writeJSONError(sw, http.StatusNotFound, "not_found", "Unknown request path "+path, "")
	}
}

// withSession resolves the session and either rejects the request or runs
// the handler with the resolved session. Rejections still pass through the
// save directive, which for a rejected session emits nothing. The auth
// span's context stays on the request so the Mojang call and the later
// rate-limit and upstream spans all land in one trace.
func (g *Gateway) withSession(w http.ResponseWriter, r *http.Request, handler func(*http.Request, auth.Session)) {
	ctx, span := tracer.Start(r.Context(), "ursa.auth")
	r = r.WithContext(ctx)
	sess := g.sessions.Resolve(r, g.params.Load().Anonymous)
	span.End()

	switch sess.State {
	case auth.StateFreshAuth:
		g.metrics.IncAuthFresh()
	case auth.StateReauthenticated:
		g.metrics.IncAuthReused()
	case auth.StateRejected:
		g.metrics.IncAuthDenied()
		// A refused identity is business as usual; anything else is the
		// session server failing.
		if sess.VerifyErr != nil && !errors.Is(sess.VerifyErr, mojang.ErrUnauthorized) {
			g.metrics.IncMojangErrors()
		}
		g.decorate(w, sess)
		errType := "unauthorized"
		if sess.Status == http.StatusBadRequest {
			errType = "bad_request"
		}
		writeJSONError(w, sess.Status, errType, sess.Reason, "")
		return
	}

	handler(r, sess)
}

// decorate applies the save directive to the response headers. Must run
// before the status line is written.
func (g *Gateway) decorate(w http.ResponseWriter, sess auth.Session) {
	if err := g.sessions.ApplySaveDirective(sess, w.Header()); err != nil {
		// Signing failures are logged but do not fail the response; the
		// caller simply retries the login next time.
		g.logger.Error("applying save directive", "error", err)
	}
}

// internalError logs full detail server-side and sends the caller a
// generic body with a correlation id.
func (g *Gateway) internalError(w http.ResponseWriter, sess auth.Session, err error, path string) {
	errorID := uuid.NewString()
	g.metrics.IncInternalErrors()
	g.logger.Error("internal error", "error_id", errorID, "error", err, "path", path)
	g.decorate(w, sess)
	writeJSONError(w, http.StatusInternalServerError, "internal", "Internal Error", errorID)
}

// handleHypixel is the core pipeline: translate, rate limit, execute,
// decorate.
func (g *Gateway) handleHypixel(w http.ResponseWriter, r *http.Request, sess auth.Session, rest string) {
	translation, err := g.table.Translate(rest)
	if err != nil {
		g.decorate(w, sess)
		var missing *rules.MissingArgumentError
		var extra *rules.SuperfluousArgumentError
		switch {
		case errors.As(err, &missing):
			writeJSONError(w, http.StatusBadRequest, "missing_argument", "Missing query argument "+missing.Name, "")
		case errors.As(err, &extra):
			writeJSONError(w, http.StatusBadRequest, "superfluous_argument", "Superfluous query argument "+strconv.Quote(extra.Value), "")
		default:
			writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
		}
		return
	}
	if translation == nil {
		g.decorate(w, sess)
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown request path "+r.URL.Path, "")
		return
	}

	g.metrics.IncRuleRequests(translation.Rule.PublicPath)

	params := g.params.Load()
	if !params.Anonymous {
		ctx, span := tracer.Start(r.Context(), "ursa.ratelimit")
		result, err := g.limiter.Admit(ctx,
			sess.Principal.ID.String(),
			translation.Rule.PublicPath,
			translation.DiagnosticsMember(),
			params.Limit,
		)
		span.End()
		if err != nil {
			g.metrics.IncRedisErrors()
			g.internalError(w, sess, err, r.URL.Path)
			return
		}
		if !result.Allowed {
			g.metrics.IncLimited()
			g.decorate(w, sess)
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", "")
			return
		}
		g.metrics.ObserveBucketUsed(result.Used)
	}
	g.metrics.IncAllowed()

	ctx, span := tracer.Start(r.Context(), "ursa.upstream")
	body, err := g.upstream.Fetch(ctx, translation.UpstreamURL)
	span.End()
	if err != nil {
		if errors.Is(err, hypixel.ErrUpstream) {
			g.metrics.IncUpstreamErrors()
			g.decorate(w, sess)
			writeJSONError(w, http.StatusBadGateway, "upstream_failed", "Failed to request hypixel upstream", "")
			return
		}
		g.internalError(w, sess, err, r.URL.Path)
		return
	}
	defer func() { _ = body.Close() }()

	g.decorate(w, sess)
	hypixel.CacheHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// handleMeta serves the authenticated debug endpoints.
func (g *Gateway) handleMeta(w http.ResponseWriter, sess auth.Session, rest string) {
	if rest != "principal" {
		g.decorate(w, sess)
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown meta request "+rest, "")
		return
	}

	body, err := json.Marshal(sess.Principal)
	if err != nil {
		g.internalError(w, sess, err, metaPrefix+rest)
		return
	}
	g.decorate(w, sess)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleInventory serves the crowd-sourced inventory report endpoints.
func (g *Gateway) handleInventory(w http.ResponseWriter, r *http.Request, sess auth.Session, rest string) {
	if g.reports == nil {
		g.decorate(w, sess)
		writeJSONError(w, http.StatusNotFound, "not_found", "Inventory reports are disabled", "")
		return
	}

	switch rest {
	case "reportinventory":
		var inv inventory.Inventory
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&inv); err != nil {
			g.decorate(w, sess)
			writeJSONError(w, http.StatusBadRequest, "bad_request", "Malformed inventory payload", "")
			return
		}
		if _, err := g.reports.Save(inv, sess.Principal.ID); err != nil {
			g.internalError(w, sess, err, r.URL.Path)
			return
		}
		g.metrics.IncReportsReceived()
		g.decorate(w, sess)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"message": "§aThank you for helping us help you help us all!"}`)

	case "requestinventories":
		list, err := g.reports.List()
		if err != nil {
			g.internalError(w, sess, err, r.URL.Path)
			return
		}
		body, err := json.Marshal(list)
		if err != nil {
			g.internalError(w, sess, err, r.URL.Path)
			return
		}
		g.decorate(w, sess)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)

	default:
		g.decorate(w, sess)
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown request path "+r.URL.Path, "")
	}
}
