// Package server exposes the relay over TCP (hardware and apps) and HTTP
// (websocket apps and health).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/pinrelay/internal/relay"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Grace period for in-flight HTTP requests on shutdown.
	shutdownTimeout = 5 * time.Second
)

// Options configures the listeners.
type Options struct {
	HardwareAddr    string
	AppAddr         string
	HTTPAddr        string
	ReadTimeout     time.Duration // idle limit per connection
	SendBuffer      int           // outbound frames buffered per session
	AllowedOrigins  []string      // websocket origins; empty allows same host only
	JanitorInterval time.Duration // how often expired limiter state is pruned
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the listeners and the per-connection pumps.
type Server struct {
	log      zerolog.Logger
	opts     Options
	router   *relay.Router
	registry *relay.Registry
	db       Pinger
	http     *chi.Mux
	upgrader websocket.Upgrader

	// conns tracks connection goroutines, websocket ones included.
	conns sync.WaitGroup

	mu       sync.Mutex
	addrs    map[string]net.Addr
	ready    chan struct{}
	closed   bool
	sessions map[*relay.Session]struct{}
}

// New creates a server. Nothing listens until Run.
func New(log zerolog.Logger, opts Options, router *relay.Router, registry *relay.Registry, db Pinger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 1024
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	s := &Server{
		log:      log.With().Str("component", "server").Logger(),
		opts:     opts,
		router:   router,
		registry: registry,
		db:       db,
		addrs:    make(map[string]net.Addr),
		ready:    make(chan struct{}),
		sessions: make(map[*relay.Session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

// Run listens on all addresses and serves until ctx is cancelled. On return
// every session is closed and every connection goroutine has finished.
func (s *Server) Run(ctx context.Context) error {
	hwLn, err := net.Listen("tcp", s.opts.HardwareAddr)
	if err != nil {
		return fmt.Errorf("listen hardware: %w", err)
	}
	appLn, err := net.Listen("tcp", s.opts.AppAddr)
	if err != nil {
		_ = hwLn.Close()
		return fmt.Errorf("listen app: %w", err)
	}
	httpLn, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		_ = hwLn.Close()
		_ = appLn.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	s.mu.Lock()
	s.addrs["hardware"] = hwLn.Addr()
	s.addrs["app"] = appLn.Addr()
	s.addrs["http"] = httpLn.Addr()
	close(s.ready)
	s.mu.Unlock()

	httpSrv := &http.Server{
		Handler:           s.http,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.log.Info().
		Stringer("hardware", hwLn.Addr()).
		Stringer("app", appLn.Addr()).
		Stringer("http", httpLn.Addr()).
		Msg("relay listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, hwLn, relay.RoleHardware) })
	g.Go(func() error { return s.acceptLoop(gctx, appLn, relay.RoleApp) })
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.janitor(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = hwLn.Close()
		_ = appLn.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		s.registry.Shutdown()
		s.closeSessions()
		return nil
	})

	err = g.Wait()
	s.conns.Wait()
	s.log.Info().Msg("relay stopped")
	return err
}

// Addr returns the bound address of "hardware", "app" or "http", waiting
// for Run to listen. It returns nil if ctx ends first.
func (s *Server) Addr(ctx context.Context, name string) net.Addr {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

// Handler returns the HTTP handler (for testing).
func (s *Server) Handler() http.Handler {
	return s.http
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, role relay.Role) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn().Err(err).Stringer("role", role).Msg("accept failed, retrying")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept %s: %w", role, err)
		}
		sess := relay.NewSession(s.log, role, c.RemoteAddr().String(), s.opts.SendBuffer)
		if !s.track(sess) {
			_ = c.Close()
			return nil
		}
		go func() {
			defer s.untrack(sess)
			s.serveConn(ctx, c, sess)
		}()
	}
}

// track registers the goroutine serving sess unless the server is
// stopping. Sessions that never log in are not in the registry, so the
// server keeps its own set to close on shutdown.
func (s *Server) track(sess *relay.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.conns.Add(1)
	return true
}

func (s *Server) untrack(sess *relay.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.conns.Done()
}

// closeSessions refuses new connections and closes every live session.
func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closed = true
	open := make([]*relay.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close()
	}
	s.log.Info().Int("sessions", len(open)).Msg("sessions closed")
}

func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.router.PruneLimits()
			hw, apps := s.registry.Counts()
			s.log.Debug().Int("hardware", hw).Int("apps", apps).Msg("janitor pass")
		}
	}
}
