package tpcd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/router"
	"pkt.systems/tpcd/internal/storage"
)

// TestServer wraps a running tpcd Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config
	// Client routes coordinateCommit to this node only.
	Client *router.Client

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) > 0 {
			w.log(string(line))
		}
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			if msg := fmt.Sprint(r); strings.Contains(msg, "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Backend exposes the storage backend shared with the server, when injected.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// Failpoints exposes the failpoint set of the server.
func (ts *TestServer) Failpoints() *failpoint.Set {
	return ts.Server.Failpoints()
}

type testServerOptions struct {
	cfg        Config
	mutators   []func(*Config)
	backend    storage.Backend
	logger     pslog.Logger
	failpoints *failpoint.Set
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides a base Config. Missing fields are defaulted.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestBackend injects a pre-built backend, shared between servers if desired.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs to t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = NewTestingLogger(t, level)
	}
}

// WithTestFailpoints shares a failpoint set with the server.
func WithTestFailpoints(set *failpoint.Set) TestServerOption {
	return func(o *testServerOptions) {
		o.failpoints = set
	}
}

// NewTestServer starts a tpcd server on an ephemeral loopback port. The server
// stops when ctx ends or Stop is called.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.HALeaseTTL == 0 {
		cfg.HALeaseTTL = time.Second
	}
	if cfg.PrepareTimeout == 0 {
		cfg.PrepareTimeout = 2 * time.Second
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = time.Second
	}
	if cfg.RPCBaseDelay == 0 {
		cfg.RPCBaseDelay = 10 * time.Millisecond
	}
	if cfg.RPCMaxDelay == 0 {
		cfg.RPCMaxDelay = 100 * time.Millisecond
	}
	if cfg.StorageRetryBaseDelay == 0 {
		cfg.StorageRetryBaseDelay = 5 * time.Millisecond
	}
	if cfg.StorageRetryMaxDelay == 0 {
		cfg.StorageRetryMaxDelay = 50 * time.Millisecond
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	for _, fn := range o.mutators {
		fn(&cfg)
	}

	var serverOpts []Option
	if o.backend != nil {
		serverOpts = append(serverOpts, WithBackend(o.backend))
	}
	if o.logger != nil {
		serverOpts = append(serverOpts, WithLogger(o.logger))
	}
	if o.failpoints != nil {
		serverOpts = append(serverOpts, WithFailpoints(o.failpoints))
	}
	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server has no listener")
	}
	ts := &TestServer{
		Server:  srv,
		BaseURL: baseURL(addr),
		Config:  srv.cfg,
		stop:    stop,
		backend: o.backend,
	}
	ts.Client, err = router.NewClient(router.ClientConfig{
		Endpoints:      []string{ts.BaseURL},
		Logger:         o.logger,
		AttemptTimeout: 2 * time.Second,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       100 * time.Millisecond,
	})
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	// StartServer ties the server to its context; keep it alive until cleanup.
	ctx, cancel := context.WithCancel(context.Background())
	ts, err := NewTestServer(ctx, opts...)
	if err != nil {
		cancel()
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		defer cancel()
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func baseURL(addr net.Addr) string {
	return "http://" + addr.String()
}
