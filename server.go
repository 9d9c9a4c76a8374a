package tpcd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/catalog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/ha"
	"pkt.systems/tpcd/internal/httpapi"
	"pkt.systems/tpcd/internal/lsf"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/qrf"
	"pkt.systems/tpcd/internal/router"
	"pkt.systems/tpcd/internal/shard"
	"pkt.systems/tpcd/internal/storage"
	loggingbackend "pkt.systems/tpcd/internal/storage/logging"
	"pkt.systems/tpcd/internal/storage/retry"
	"pkt.systems/tpcd/internal/version"
)

// Server wires the coordinator log, catalog, router, failover lease and the
// optional local participant behind one HTTP listener.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	ownedBackend bool
	log          *coordlog.Log
	catalog      *catalog.Catalog
	router       *router.Router
	lease        *ha.Manager
	shard        *shard.Shard
	failpoints   *failpoint.Set
	qrf          *qrf.Controller
	lsf          *lsf.Observer
	httpSrv      *http.Server
	listener     net.Listener
	telemetry    *telemetry
	lastServeErr error

	shardCancel context.CancelFunc
	shardDone   chan struct{}

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Backend    storage.Backend
	Clock      clock.Clock
	Failpoints *failpoint.Set
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend. The server does not close it.
// Several servers sharing one backend form a failover group.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithFailpoints shares a failpoint set with the caller.
func WithFailpoints(set *failpoint.Set) Option {
	return func(o *options) {
		o.Failpoints = set
	}
}

// haEvents fans primary transitions out to the catalog and router.
type haEvents struct {
	catalog *catalog.Catalog
	router  *router.Router
	logger  pslog.Logger
}

func (e haEvents) BecamePrimary(term uint64) {
	e.logger.Info("server.primary.acquired", "term", term)
	e.catalog.BecamePrimary(term)
}

func (e haEvents) SteppedDown() {
	e.logger.Info("server.primary.lost")
	e.catalog.SteppedDown()
	e.router.Forget()
}

// NewServer constructs a tpcd node according to cfg.
// Example:
//
//	cfg := tpcd.Config{Store: "mem://", Listen: ":9340", ParticipantID: "shard-a"}
//	srv, err := tpcd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("node_id", cfg.NodeID)
	clk := clock.OrReal(o.Clock)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("sys", "server"),
		failpoints: o.Failpoints,
		readyCh:    make(chan struct{}),
	}
	if s.failpoints == nil {
		s.failpoints = failpoint.NewSet()
	}
	ok := false
	defer func() {
		if !ok {
			s.release(context.Background())
		}
	}()

	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableRuntimeMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.telemetry = tel

	backend := o.Backend
	if backend == nil {
		backend, err = OpenBackend(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		s.ownedBackend = true
	}
	storageLogger := logger.With("sys", "storage")
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage.backend")
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	s.backend = backend

	metrics := coordinator.NewMetrics(logger)
	remote := participant.NewHTTPClient(participant.HTTPConfig{
		Endpoints:  cfg.Participants,
		HTTPClient: participant.NewTransportClient(cfg.EnableH2C),
		Logger:     logger,
		Timeout:    cfg.RPCTimeout,
		BaseDelay:  cfg.RPCBaseDelay,
		MaxDelay:   cfg.RPCMaxDelay,
		Multiplier: cfg.RPCMultiplier,
		OnRetry:    metrics.RecordRPCRetry,
	})
	dir := participant.NewDirectory(remote)
	if cfg.ParticipantID != "" {
		s.shard = shard.New(shard.Config{
			ID:              cfg.ParticipantID,
			Logger:          logger,
			Clock:           clk,
			Lifetime:        cfg.TxnLifetime,
			PrepareLifetime: cfg.PrepareLifetime,
		})
		dir.AddLocal(cfg.ParticipantID, s.shard)
	}

	hcfg := httpapi.Config{
		Backend:           backend,
		Failpoints:        s.failpoints,
		DisableFailpoints: cfg.DisableFailpoints,
		NodeID:            cfg.NodeID,
		Version:           version.Current(),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Logger:            logger,
		Tracing:           tel != nil,
	}
	if s.shard != nil {
		hcfg.Shard = s.shard
	}
	if !cfg.DisableCoordinator {
		if err := s.buildCoordinator(cfg, clk, logger, dir, metrics); err != nil {
			return nil, err
		}
		hcfg.Router = s.router
		hcfg.Catalog = s.catalog
		hcfg.Log = s.log
		hcfg.Lease = s.lease
	}

	s.buildAdmission(cfg, logger)
	hcfg.Admission = s.lsf

	mux := http.NewServeMux()
	httpapi.New(hcfg).Register(mux)
	var handler http.Handler = mux
	if cfg.EnableH2C {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(serverErrorWriter{logger: logger.With("sys", "http")}, "", 0),
	}
	ok = true
	return s, nil
}

func (s *Server) buildCoordinator(cfg Config, clk clock.Clock, logger pslog.Logger, dir *participant.Directory, metrics *coordinator.Metrics) error {
	var err error
	s.log, err = coordlog.New(coordlog.Config{Backend: s.backend, Logger: logger, Clock: clk})
	if err != nil {
		return err
	}
	// The router is created after the catalog; finished outcomes reach it
	// through this indirection.
	var rt *router.Router
	s.catalog, err = catalog.New(catalog.Config{
		Log:            s.log,
		Client:         dir,
		Logger:         logger,
		Clock:          clk,
		Failpoints:     s.failpoints,
		Metrics:        metrics,
		PrepareTimeout: cfg.PrepareTimeout,
		WriteBaseDelay: cfg.StorageRetryBaseDelay,
		WriteMaxDelay:  cfg.StorageRetryMaxDelay,
		OnFinished: func(txn api.TxnID, out coordinator.Outcome) {
			if rt != nil {
				rt.Remember(txn, out)
			}
		},
	})
	if err != nil {
		return err
	}
	var lease *ha.Manager
	rt, err = router.New(router.Config{
		Catalog: s.catalog,
		Log:     s.log,
		Leader: func() (string, string) {
			if lease == nil {
				return "", ""
			}
			return lease.Leader()
		},
		Known:               dir.Known,
		Logger:              logger,
		Clock:               clk,
		RecentDecisionTTL:   cfg.RecentDecisionTTL,
		RecentDecisionLimit: cfg.RecentDecisionLimit,
	})
	if err != nil {
		return err
	}
	s.router = rt
	lease, err = ha.New(ha.Config{
		Backend:  s.backend,
		NodeID:   cfg.NodeID,
		Endpoint: cfg.AdvertiseEndpoint,
		TTL:      cfg.HALeaseTTL,
		Clock:    clk,
		Logger:   logger,
		Events:   haEvents{catalog: s.catalog, router: rt, logger: s.logger},
	})
	if err != nil {
		return err
	}
	s.lease = lease
	return nil
}

func (s *Server) buildAdmission(cfg Config, logger pslog.Logger) {
	s.qrf = qrf.NewController(qrf.Config{
		Enabled:                 cfg.QRFEnabled,
		CoordinateSoftLimit:     cfg.QRFCoordinateSoftLimit,
		CoordinateHardLimit:     cfg.QRFCoordinateHardLimit,
		StageSoftLimit:          cfg.QRFStageSoftLimit,
		StageHardLimit:          cfg.QRFStageHardLimit,
		MemorySoftLimitPercent:  cfg.QRFMemorySoftLimitPercent,
		MemoryHardLimitPercent:  cfg.QRFMemoryHardLimitPercent,
		MemorySoftLimitBytes:    cfg.QRFMemorySoftLimitBytes,
		MemoryHardLimitBytes:    cfg.QRFMemoryHardLimitBytes,
		CPUPercentSoftLimit:     cfg.QRFCPUSoftLimitPercent,
		CPUPercentHardLimit:     cfg.QRFCPUHardLimitPercent,
		LoadSoftLimitMultiplier: cfg.QRFLoadSoftLimitMultiplier,
		LoadHardLimitMultiplier: cfg.QRFLoadHardLimitMultiplier,
		RecoverySamples:         cfg.QRFRecoverySamples,
		SoftDelay:               cfg.QRFSoftDelay,
		EngagedDelay:            cfg.QRFEngagedDelay,
		RecoveryDelay:           cfg.QRFRecoveryDelay,
		MaxWait:                 cfg.QRFMaxWait,
		Logger:                  logger,
	})
	lcfg := lsf.Config{
		SampleInterval: cfg.LSFSampleInterval,
		LogInterval:    cfg.LSFLogInterval,
		Logger:         logger,
	}
	if s.catalog != nil {
		lcfg.ActiveCoordinators = s.catalog.Len
	}
	s.lsf = lsf.NewObserver(lcfg, s.qrf)
}

// Admission reports the current pacing posture.
func (s *Server) Admission() qrf.Status {
	return s.qrf.Status()
}

// Handler returns the HTTP handler so tpcd can be mounted in another mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens, joins the failover group and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.AdvertiseEndpoint == "" {
		s.cfg.AdvertiseEndpoint = "http://" + ln.Addr().String()
	}
	s.mu.Unlock()
	if s.shard != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.shardCancel = cancel
		s.shardDone = make(chan struct{})
		go func() {
			defer close(s.shardDone)
			s.shard.Run(ctx)
		}()
	}
	if s.lease != nil {
		s.lease.SetEndpoint(s.cfg.AdvertiseEndpoint)
		s.lease.Start()
	}
	s.lsf.Start()
	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"advertise", s.cfg.AdvertiseEndpoint,
		"participant", s.cfg.ParticipantID,
		"coordinator", !s.cfg.DisableCoordinator,
		"h2c", s.cfg.EnableH2C,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown releases the lease, stops coordinators, drains HTTP and closes the
// backend. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.lease != nil {
		s.lease.Stop(ctx)
	}
	if s.catalog != nil {
		s.catalog.Close()
	}
	s.lsf.Stop()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if s.shardCancel != nil {
		s.shardCancel()
		<-s.shardDone
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// release closes the owned backend and telemetry.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.backend != nil && s.ownedBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
		s.backend = nil
	}
	if s.telemetry != nil {
		tctx := ctx
		if tctx.Err() != nil {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(tctx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down within the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Primary reports whether this node currently holds the failover lease.
func (s *Server) Primary() bool {
	return s.lease != nil && s.lease.Active()
}

// Lease exposes the failover lease manager, nil on participant-only nodes.
func (s *Server) Lease() *ha.Manager { return s.lease }

// Catalog exposes the coordinator catalog, nil on participant-only nodes.
func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

// Shard exposes the local participant, nil when none is served.
func (s *Server) Shard() *shard.Shard { return s.shard }

// Failpoints exposes the failpoint set consulted by coordinators.
func (s *Server) Failpoints() *failpoint.Set { return s.failpoints }

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// serverErrorWriter routes net/http's internal error log through pslog.
type serverErrorWriter struct {
	logger pslog.Logger
}

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "detail", strings.TrimSpace(string(p)))
	return len(p), nil
}

// StartServer starts a tpcd server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := tpcd.StartServer(ctx, tpcd.Config{Listen: "127.0.0.1:0", ParticipantID: "a"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
