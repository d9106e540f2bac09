package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic/server/internal/presence"
)

// Session serves one client connection: it reads request lines, dispatches
// them in order and writes exactly one response per request.
type Session struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time

	server *Server
	ctx    context.Context
	log    *zap.Logger

	reader *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	closing  atomic.Bool
	stopped  atomic.Bool
	requests atomic.Int64
	userID   atomic.Int64

	teardownOnce sync.Once
	done         chan struct{}
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Requests    int64     `json:"requests"`
	UserID      int64     `json:"user_id,omitempty"`
}

func newSession(ctx context.Context, srv *Server, conn net.Conn) *Session {
	id := uuid.NewString()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:          id,
		conn:        conn,
		remoteAddr:  remote,
		connectedAt: time.Now().UTC(),
		server:      srv,
		ctx:         ctx,
		log:         srv.log.With(zap.String("session_id", id), zap.String("remote_addr", remote)),
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsStopped reports whether teardown has completed.
func (s *Session) IsStopped() bool { return s.stopped.Load() }

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.remoteAddr,
		ConnectedAt: s.connectedAt,
		Requests:    s.requests.Load(),
		UserID:      s.userID.Load(),
	}
}

// Run is the session loop. It returns after teardown, when the peer
// disconnects, sends STOP_CLIENT, or the session is force-closed.
func (s *Session) Run() {
	defer s.teardown()
	s.log.Info("session started")
	s.server.trackPresence(s)

	for {
		if idle := s.server.opts.IdleTimeout; idle > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				s.logReadError(err)
				return
			}
		}

		line, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			s.log.Warn("request line exceeds limit", zap.Int("max_line_bytes", s.server.opts.MaxLineBytes))
			if err := s.write(failure(TypeMalformed, "request too large")); err != nil {
				s.logWriteError(err)
				return
			}
			continue
		}
		if err != nil {
			s.logReadError(err)
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		req, err := DecodeRequest(line)
		if err != nil {
			s.log.Debug("malformed request", zap.Error(err))
			if err := s.write(failure(TypeMalformed, "malformed request")); err != nil {
				s.logWriteError(err)
				return
			}
			continue
		}
		if req.Type == TypeStopClient {
			s.log.Info("client requested stop")
			return
		}

		s.requests.Add(1)
		resp := s.server.dispatcher.Handle(s.ctx, Call{SessionID: s.id, Type: req.Type, Data: req.Data})
		if login, ok := resp.Payload.(loginPayload); ok {
			s.userID.Store(login.User.ID)
			s.server.identifyPresence(s, login.User.ID, login.Role.Name)
		}
		if err := s.write(resp); err != nil {
			s.logWriteError(err)
			return
		}
	}
}

// readLine returns the next newline-terminated line. A line longer than
// MaxLineBytes is consumed up to its terminator and reported as
// errLineTooLong so the stream stays aligned.
func (s *Session) readLine() ([]byte, error) {
	limit := s.server.opts.MaxLineBytes
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			if limit > 0 && len(buf)+len(chunk) > limit+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0 && !tooLong:
			return buf, nil
		default:
			return nil, err
		}
	}
}

// write sends one response line. It is safe for concurrent use and refuses
// to write once the session is closing.
func (s *Session) write(resp Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closing.Load() {
		return errSessionClosed
	}
	if wt := s.server.opts.WriteTimeout; wt > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(wt)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	line, err := resp.Encode()
	if err != nil {
		s.log.Error("encode response failed", zap.String("type", string(resp.Type)), zap.Error(err))
	}
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}
	return nil
}

// ForceShutdown closes the connection out from under the session loop. It
// does not wait for teardown; use Done for that. It never blocks on an
// in-flight write.
func (s *Session) ForceShutdown() {
	if s.closing.Swap(true) {
		return
	}
	s.log.Info("force closing session")
	if err := s.conn.Close(); err != nil && !isClosedErr(err) {
		s.log.Debug("close connection", zap.Error(err))
	}
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.closing.Store(true)
		s.server.registry.Remove(s)

		var errs []error
		s.writeMu.Lock()
		if err := s.writer.Flush(); err != nil && !isClosedErr(err) {
			errs = append(errs, fmt.Errorf("flush writer: %w", err))
		}
		s.writeMu.Unlock()

		if c, ok := s.conn.(interface{ CloseRead() error }); ok {
			if err := c.CloseRead(); err != nil && !isClosedErr(err) {
				errs = append(errs, fmt.Errorf("close read: %w", err))
			}
		}
		if c, ok := s.conn.(interface{ CloseWrite() error }); ok {
			if err := c.CloseWrite(); err != nil && !isClosedErr(err) {
				errs = append(errs, fmt.Errorf("close write: %w", err))
			}
		}
		if err := s.conn.Close(); err != nil && !isClosedErr(err) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		if err := errors.Join(errs...); err != nil {
			s.log.Debug("session teardown", zap.Error(err))
		}

		s.server.untrackPresence(s)
		s.stopped.Store(true)
		close(s.done)
		s.log.Info("session stopped", zap.Int64("requests", s.requests.Load()))
	})
}

func (s *Session) presenceEntry() presence.Entry {
	return presence.Entry{
		SessionID:   s.id,
		RemoteAddr:  s.remoteAddr,
		Instance:    s.server.instance,
		ConnectedAt: s.connectedAt,
	}
}

func (s *Session) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.log.Info("client disconnected")
	case s.closing.Load() || isClosedErr(err):
		s.log.Debug("connection closed")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Info("session idle timeout")
	default:
		s.log.Warn("read request", zap.Error(err))
	}
}

func (s *Session) logWriteError(err error) {
	if s.closing.Load() || errors.Is(err, errSessionClosed) || isClosedErr(err) {
		s.log.Debug("response dropped, session closing", zap.Error(err))
		return
	}
	s.log.Warn("write response", zap.Error(err))
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
