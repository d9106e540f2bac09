// Package server implements the clinic session server: a TCP listener that
// serves newline-delimited JSON requests, one goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinic/server/internal/config"
)

// Options bound the server's resource use. Zero values disable a limit,
// except Addr which defaults to ":5050".
type Options struct {
	Addr            string
	MaxConnections  int
	MaxLineBytes    int
	MaxSignalBytes  int
	RequestTimeout  time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Addr:            cfg.Addr,
		MaxConnections:  cfg.MaxConnections,
		MaxLineBytes:    cfg.MaxLineBytes,
		MaxSignalBytes:  cfg.MaxSignalBytes,
		RequestTimeout:  cfg.RequestTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

type Server struct {
	opts       Options
	log        *zap.Logger
	dispatcher *Dispatcher
	registry   *Registry
	presence   Presence
	instance   string

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	cancelRun  context.CancelFunc
}

func New(opts Options, deps Dependencies, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = ":5050"
	}
	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}
	return &Server{
		opts:       opts,
		log:        log,
		dispatcher: NewDispatcher(deps, opts, log.Named("dispatch")),
		registry:   NewRegistry(),
		presence:   deps.Presence,
		instance:   instance,
	}
}

// Start binds the listener and begins accepting connections. Starting a
// running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if prev := s.cancelRun; prev != nil {
		// Sessions of a listener that died on an accept error still run
		// under the previous context.
		s.cancelRun = func() { prev(); cancel() }
	} else {
		s.cancelRun = cancel
	}
	s.listener = ln
	s.acceptDone = make(chan struct{})

	go s.acceptLoop(runCtx, ln, s.acceptDone)
	s.log.Info("session server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and then every live session. It is safe to call
// on a stopped server. A *CloseError reports sessions that outlived ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, done, cancel := s.listener, s.acceptDone, s.cancelRun
	s.listener, s.acceptDone, s.cancelRun = nil, nil, nil
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("close listener", zap.Error(err))
		}
		<-done
		s.log.Info("session server stopped accepting")
	}
	if cancel != nil {
		defer cancel()
	}
	return s.CloseAllSessions(ctx)
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Addr is the bound listener address, or nil when the server is stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) ListConnectedSessions() []SessionInfo {
	sessions := s.registry.Snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	return out
}

// CloseAllSessions force-closes every live session and waits for teardown.
// Without a deadline on ctx the configured shutdown timeout applies.
func (s *Server) CloseAllSessions(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && s.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
	}
	if err := s.registry.CloseAll(ctx); err != nil {
		s.log.Error("sessions did not close", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ownsListener(ln) {
				s.log.Error("accept failed, listener stopped", zap.Error(err))
				s.dropListener(ln)
			}
			return
		}

		if limit := s.opts.MaxConnections; limit > 0 && s.registry.Len() >= limit {
			s.log.Warn("connection limit reached, rejecting", zap.String("remote_addr", conn.RemoteAddr().String()), zap.Int("max_connections", limit))
			_ = conn.Close()
			continue
		}

		sess := newSession(ctx, s, conn)
		s.registry.Add(sess)
		go sess.Run()
	}
}

func (s *Server) ownsListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener == ln
}

// dropListener marks the server stopped after a fatal accept error. Live
// sessions keep running until Stop or CloseAllSessions.
func (s *Server) dropListener(ln net.Listener) {
	s.mu.Lock()
	if s.listener == ln {
		s.listener = nil
		s.acceptDone = nil
	}
	s.mu.Unlock()
	_ = ln.Close()
}

const presenceTimeout = 2 * time.Second

func (s *Server) trackPresence(sess *Session) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Track(ctx, sess.presenceEntry()); err != nil {
		sess.log.Warn("presence track", zap.Error(err))
	}
}

func (s *Server) identifyPresence(sess *Session, userID int64, role string) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Identify(ctx, sess.id, userID, role); err != nil {
		sess.log.Warn("presence identify", zap.Error(err))
	}
}

func (s *Server) untrackPresence(sess *Session) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Untrack(ctx, sess.id); err != nil {
		sess.log.Warn("presence untrack", zap.Error(err))
	}
}
