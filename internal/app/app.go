// Package app assembles the proxy: cache store, fetcher, worker engine,
// registration, HTTP server and the optional gRPC health endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"offline_cache_proxy/internal/breaker"
	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/cache/sqlitestore"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/control"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/health"
	"offline_cache_proxy/internal/lifecycle"
	"offline_cache_proxy/internal/limits"
	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/proxy"
	"offline_cache_proxy/internal/runtime"
	"offline_cache_proxy/internal/server"
	"offline_cache_proxy/internal/worker"
)

type Options struct {
	Metrics *obs.Metrics
	// Transport replaces the pooled upstream transport.
	Transport http.RoundTripper
}

type App struct {
	cfg          *config.Config
	metrics      *obs.Metrics
	store        cache.Store
	fetcher      *fetch.Fetcher
	engine       *worker.Engine
	registration *lifecycle.Registration
	handler      http.Handler
	inflight     *runtime.InflightTracker
	limits       limits.Limits
	shutdown     runtime.ShutdownConfig

	mu         sync.Mutex
	server     *server.Server
	health     *health.Server
	healthAddr string
}

// OpenStore opens the configured cache backend.
func OpenStore(cfg config.StoreConfig) (cache.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.StoreDriverMemory:
		return cache.NewMemoryStore(cfg.MaxObjectBytes), nil
	case config.StoreDriverSQLite:
		return sqlitestore.Open(cfg.Path, cfg.MaxObjectBytes)
	default:
		return nil, fmt.Errorf("store driver %q is not supported", cfg.Driver)
	}
}

func New(cfg *config.Config, options Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = obs.DefaultMetrics()
	}

	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return nil, err
	}
	shutdownConfig, err := runtime.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		return nil, err
	}
	fetchConfig, err := cfg.FetchConfig()
	if err != nil {
		return nil, err
	}
	fetchConfig.Transport = options.Transport
	fetchConfig.Breaker.OnStateChange = func(_ breaker.State, to breaker.State) {
		metrics.SetUpstreamBreaker(to.String())
	}
	fetcher, err := fetch.New(fetchConfig)
	if err != nil {
		return nil, err
	}
	workerConfig, err := cfg.WorkerConfig()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	engine, err := worker.NewEngine(workerConfig, store, fetcher, worker.Options{Metrics: metrics})
	if err != nil {
		closeStore(store)
		return nil, err
	}

	registration := lifecycle.NewRegistration(
		notify.NewCenter(cfg.Control.NotificationKeep, metrics),
		lifecycle.NewVersionInfo(metrics),
	)
	origin, err := cfg.OriginURL()
	if err != nil {
		closeStore(store)
		return nil, err
	}

	inflight := runtime.NewInflightTracker(metrics.SetInflight)
	controlHandler := control.NewHandler(control.HandlerConfig{
		Registration: registration,
		Store:        store,
		Auth:         control.NewAuthenticator(os.Getenv(cfg.Control.TokenEnv)),
		RateLimiter: control.NewRateLimiter(control.RateLimitConfig{
			RPS:   cfg.Control.RateLimitRPS,
			Burst: cfg.Control.RateLimitBurst,
		}),
		Metrics: metrics,
	})
	proxyHandler := &proxy.Handler{
		Origin:       origin,
		Registration: registration,
		Network:      fetcher,
		Limits:       limitConfig,
		Metrics:      metrics,
		Inflight:     inflight,
	}
	mux := http.NewServeMux()
	mux.Handle(control.PathPrefix, controlHandler)
	mux.Handle("/", proxyHandler)

	return &App{
		cfg:          cfg,
		metrics:      metrics,
		store:        store,
		fetcher:      fetcher,
		engine:       engine,
		registration: registration,
		handler:      mux,
		inflight:     inflight,
		limits:       limitConfig,
		shutdown:     shutdownConfig,
	}, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Registration() *lifecycle.Registration {
	return a.registration
}

func (a *App) Store() cache.Store {
	return a.store
}

func (a *App) Engine() *worker.Engine {
	return a.engine
}

func (a *App) Metrics() *obs.Metrics {
	return a.metrics
}

// Install registers the engine and blocks until it activates.
func (a *App) Install(ctx context.Context) (*lifecycle.Version, error) {
	return a.registration.Register(ctx, a.engine)
}

// Start installs the engine and begins serving. A failed install is logged
// and the proxy keeps serving uncontrolled traffic from the network.
func (a *App) Start(ctx context.Context) error {
	if version, err := a.Install(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Printf("worker install failed; serving from network: %v", err)
	} else {
		log.Printf("worker version %d active cache=%s", version.ID(), version.CacheName())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return errors.New("app already started")
	}

	stoppers := []server.Stopper{}
	if a.cfg.GRPCHealthAddr != "" {
		a.health = health.NewServer(a.registration)
		addr, err := a.health.Start(a.cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		a.healthAddr = addr
		stoppers = append(stoppers, server.StopFunc(a.health.Stop))

		probeConfig, err := a.cfg.ProbeConfig()
		if err != nil {
			_ = a.health.Stop(context.Background())
			return err
		}
		probeCtx, cancel := context.WithCancel(context.Background())
		go health.ProbeLoop(probeCtx, probeConfig, a.health.SetUpstreamHealthy)
		stoppers = append(stoppers, server.StopFunc(func(context.Context) error {
			cancel()
			return nil
		}))
	}

	srv, err := server.Start(a.handler, a.cfg.ListenAddr, server.Options{
		Limits:   a.limits,
		Shutdown: a.shutdown,
		Inflight: a.inflight,
		Stoppers: stoppers,
		Drainers: []server.Stopper{
			server.StopFunc(a.engine.WaitPopulations),
			server.StopFunc(func(context.Context) error { return closeStore(a.store) }),
		},
		CloseIdle: []func(){a.fetcher.CloseIdleConnections},
	})
	if err != nil {
		for _, stopper := range stoppers {
			_ = stopper.Stop(context.Background())
		}
		return err
	}
	a.server = srv
	log.Printf("proxy listening on %s origin=%s", srv.Addr, a.cfg.Origin)
	return nil
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.Addr
}

func (a *App) HealthAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthAddr
}

// Shutdown drains the server, then waits for pending cache writes before
// closing the store. Without a running server it only closes the store.
func (a *App) Shutdown() error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdown.GracefulTimeout)
		defer cancel()
		if err := a.engine.WaitPopulations(ctx); err != nil {
			log.Printf("pending cache writes abandoned: %v", err)
		}
		return closeStore(a.store)
	}
	return srv.Shutdown()
}

func closeStore(store cache.Store) error {
	closer, ok := store.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}
