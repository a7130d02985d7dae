// Package server runs the proxy listener and its staged shutdown.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"offline_cache_proxy/internal/limits"
	"offline_cache_proxy/internal/runtime"
)

type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

type Options struct {
	Limits   limits.Limits
	Shutdown runtime.ShutdownConfig
	Inflight *runtime.InflightTracker
	// Stoppers run first, before in-flight requests drain.
	Stoppers []Stopper
	// Drainers run after the HTTP server has stopped, for work requests left
	// behind such as detached cache writes.
	Drainers  []Stopper
	CloseIdle []func()
}

type Server struct {
	Addr string

	http    *http.Server
	ln      net.Listener
	options Options

	once sync.Once
	err  error
}

func Start(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if addr == "" {
		return nil, errors.New("listen address is required")
	}
	if options.Limits.MaxHeaderBytes == 0 {
		options.Limits = limits.Default()
	}
	options.Shutdown = options.Shutdown.WithDefaults()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		Addr: ln.Addr().String(),
		http: &http.Server{
			Handler:           handler,
			MaxHeaderBytes:    options.Limits.MaxHeaderBytes,
			ReadHeaderTimeout: options.Limits.ReadHeaderTimeout,
			ReadTimeout:       options.Limits.ReadTimeout,
			WriteTimeout:      options.Limits.WriteTimeout,
			IdleTimeout:       options.Limits.IdleTimeout,
		},
		ln:      ln,
		options: options,
	}
	go func() {
		if err := srv.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	}()
	return srv, nil
}

// Shutdown runs once; later calls return the first result.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.err = s.shutdown()
	})
	return s.err
}

// shutdown stops accepting connections, stops side servers, drains
// in-flight requests, then lets drainers finish detached work. Connections
// still open when the graceful timeout passes are cut.
func (s *Server) shutdown() error {
	cfg := s.options.Shutdown
	_ = s.ln.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	runPhase(stopCtx, "stop", s.options.Stoppers)
	cancel()

	if cfg.Drain > 0 {
		time.Sleep(cfg.Drain)
	}
	for _, closeIdle := range s.options.CloseIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := s.options.Inflight.Wait(ctx); err != nil {
		log.Printf("shutdown: in-flight requests still active: %v", err)
	}
	err := s.http.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	runPhase(ctx, "drain", s.options.Drainers)
	if ctx.Err() == nil {
		return err
	}

	if cfg.ForceClose > 0 {
		time.Sleep(cfg.ForceClose)
	}
	_ = s.http.Close()
	return errors.Join(err, ctx.Err())
}

func runPhase(ctx context.Context, phase string, steps []Stopper) {
	for _, step := range steps {
		if step == nil {
			continue
		}
		if err := step.Stop(ctx); err != nil {
			log.Printf("shutdown %s step failed: %v", phase, err)
		}
	}
}
