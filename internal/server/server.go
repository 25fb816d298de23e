// Package server orchestrates ursa-minor's public gateway server and admin
// server. The gateway server carries mod traffic; the admin server exposes
// health checks, readiness probes, Prometheus metrics, and the rate-limit
// statistics endpoint.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/NotEnoughUpdates/ursa-minor/internal/auth"
	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
	"github.com/NotEnoughUpdates/ursa-minor/internal/gateway"
	"github.com/NotEnoughUpdates/ursa-minor/internal/hypixel"
	"github.com/NotEnoughUpdates/ursa-minor/internal/inventory"
	"github.com/NotEnoughUpdates/ursa-minor/internal/mojang"
	"github.com/NotEnoughUpdates/ursa-minor/internal/observability"
	"github.com/NotEnoughUpdates/ursa-minor/internal/ratelimit"
	iredis "github.com/NotEnoughUpdates/ursa-minor/internal/redis"
	"github.com/NotEnoughUpdates/ursa-minor/internal/rules"
	"github.com/NotEnoughUpdates/ursa-minor/internal/scanner"
	"github.com/NotEnoughUpdates/ursa-minor/internal/token"
)

// Server is the assembled ursa-minor process.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled
	adminServer     *http.Server
	gateway         *gateway.Gateway
	limiter         *ratelimit.Limiter
	scanner         *scanner.Scanner // nil when the scanner is disabled
	influx          *scanner.InfluxWriter
	store           iredis.Client
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload
}

// New assembles a server from config. The Redis connection is verified with
// an initial ping; a misconfigured store fails startup rather than the first
// request.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	store, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	health.SetRedisPinger(redisPinger{store})

	table, err := rules.Load(cfg.Rules)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load rule table: %w", err)
	}
	logger.Info("rule table loaded", "rules", table.Len())

	var reports *inventory.Store
	if cfg.Inventory.Enabled {
		reports = inventory.NewStore(cfg.Inventory.Dir, logger)
	}

	limiter := ratelimit.NewLimiter(store, logger)
	gw := gateway.New(
		logger,
		metrics,
		auth.NewManager(token.NewCodec(cfg.Auth.Secret.Value()), mojang.NewVerifier(cfg.Auth)),
		table,
		limiter,
		hypixel.NewExecutor(cfg.Hypixel, logger),
		reports,
		version,
		gateway.ParamsFromConfig(cfg),
	)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		gateway: gw,
		limiter: limiter,
		store:   store,
		health:  health,
		metrics: metrics,
	}

	if cfg.Scanner.Enabled {
		s.influx = scanner.NewInfluxWriter(cfg.Scanner.Influx)
		s.scanner = scanner.New(cfg.Scanner, s.influx, logger, metrics)
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, gw, logger)
	s.adminServer = s.buildAdminServer(reg)
	return s, nil
}

// redisPinger adapts the store client to the health checker's interface.
type redisPinger struct {
	c iredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB, same as the TCP server
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests are replayable
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func (s *Server) buildAdminServer(reg *prometheus.Registry) *http.Server {
	cfg := s.cfg
	adminReadTimeout := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", s.health.StartzHandler())
	adminMux.Handle("/healthz", s.health.HealthzHandler())
	adminMux.Handle("/readyz", s.health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	adminMux.HandleFunc("/stats", s.statsHandler)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// statsHandler renders the process counters plus the per-rule rate-limit
// diagnostics from the shared store.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ruleStats, err := s.limiter.Stats(ctx, s.gateway.Params().Limit.Namespace)
	if err != nil {
		s.logger.Error("stats collection failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"stats unavailable"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Counters observability.MetricsSnapshot `json:"counters"`
		Rules    []ratelimit.RuleStats         `json:"rules"`
	}{
		Counters: s.metrics.Snapshot(),
		Rules:    ruleStats,
	})
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the gateway and admin servers plus the auction scanner, and
// blocks until the context is canceled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	scanCtx, stopScanner := context.WithCancel(context.Background())
	defer stopScanner()
	if s.scanner != nil {
		go s.scanner.Run(scanCtx)
	}

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has bound, so readiness is
	// never reported before the server can accept connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("ursa-minor is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	stopScanner()
	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"anonymous", s.cfg.Auth.Anonymous,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so readiness can be signaled after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the rate-limit settings, anonymous mode, and TLS
// certificates without restarting. Fields that need a restart are logged
// and left untouched.
func (s *Server) Reload(newCfg *config.Config) error {
	if restart := newCfg.RequiresRestart(s.cfg); len(restart) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", restart)
	}

	s.gateway.UpdateParams(gateway.ParamsFromConfig(newCfg))
	s.logger.Info("runtime settings reloaded",
		"anonymous", newCfg.Auth.Anonymous,
		"window", newCfg.RateLimit.Window,
		"threshold", newCfg.RateLimit.Threshold)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.influx != nil {
		s.influx.Close()
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
