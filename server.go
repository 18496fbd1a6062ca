package milter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrServerClosed is returned by Serve after a graceful Shutdown or Close.
var ErrServerClosed = errors.New("milter: server closed")

// Server accepts Milter connections from an MTA and runs one Session per
// connection against the Hooks produced by an AppFactory.
type Server struct {
	factory AppFactory
	cfg     Config

	drainTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodyChunk overrides the default body-chunk/frame ceiling of
// DefaultMaxBodyChunk (65535) bytes.
func WithMaxBodyChunk(n uint32) Option {
	return func(s *Server) { s.cfg.MaxBodyChunk = n }
}

// WithCommandQueueSize overrides the default per-session command queue
// depth (8), the backpressure point at which the decode loop blocks on a
// slow application.
func WithCommandQueueSize(n int) Option {
	return func(s *Server) { s.cfg.CommandQueueSize = n }
}

// WithHookDeadline overrides the default 8-second per-hook-call deadline.
func WithHookDeadline(d time.Duration) Option {
	return func(s *Server) { s.cfg.HookDeadline = d }
}

// WithEndOfMessageDefault overrides the verdict written when an
// end-of-message hook times out, fails, or is absent. Defaults to TempFail.
func WithEndOfMessageDefault(r Response) Option {
	return func(s *Server) { s.cfg.EndOfMessageDefault = r }
}

// WithLogger sets the base *slog.Logger; each session logs with an
// additional "session" attribute. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.cfg.Logger = l }
}

// WithMetricsRegisterer enables Prometheus instrumentation against reg. By
// default no metrics are registered.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.cfg.Metrics = newMetrics(reg) }
}

// WithDrainTimeout bounds how long Shutdown waits for in-flight sessions to
// finish on their own before force-closing their connections. Defaults to
// 10 seconds.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.drainTimeout = d }
}

// NewServer builds a Server that hands each accepted connection a Hooks
// value produced by factory.
func NewServer(factory AppFactory, opts ...Option) *Server {
	s := &Server{
		factory:      factory,
		drainTimeout: 10 * time.Second,
		sessions:     make(map[*Session]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	return s
}

// ListenAndServe listens on addr (e.g. "127.0.0.1:8899" or a "unix:" path
// via a net.Listener of the caller's choosing, see Serve) and serves.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("milter: listen: %w", err)
	}
	return s.Serve(l)
}

// Serve accepts connections from l until Close or Shutdown is called, or
// Accept returns an error. It always closes l before returning.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer l.Close()

	s.cfg.Logger.Info("milter server listening", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("milter: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id := newSessionID()
	ctx, cancel := context.WithCancel(context.Background())
	hooks := s.factory(id)
	session := newSession(id, conn, hooks, s.cfg)

	s.mu.Lock()
	s.sessions[session] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
		cancel()
	}()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.sessionsStarted.Inc()
		s.cfg.Metrics.sessionsActive.Inc()
		defer s.cfg.Metrics.sessionsActive.Dec()
	}

	logger := s.cfg.Logger.With("session", id, "remote", conn.RemoteAddr().String())
	logger.Info("session started")

	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session ended", "error", err)
		return
	}
	logger.Info("session ended")
}

// Close closes the listener and every in-flight connection immediately,
// without waiting for sessions to finish on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	sessions := make([]context.CancelFunc, 0, len(s.sessions))
	for _, cancel := range s.sessions {
		sessions = append(sessions, cancel)
	}
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, cancel := range sessions {
		cancel()
	}
	return nil
}

// Shutdown stops accepting new connections and waits up to the server's
// drain timeout (or ctx's deadline, whichever comes first) for in-flight
// sessions to finish; stragglers are then force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, s.drainTimeout)
	defer cancelDrain()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-drainCtx.Done():
		s.cfg.Logger.Warn("drain timeout exceeded, force-closing remaining sessions")
		s.Close()
		<-done
		return drainCtx.Err()
	}
}

// Addr returns the server's bound address, or nil if Serve has not been
// called yet. Useful in tests that bind to ":0" and need the chosen port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
