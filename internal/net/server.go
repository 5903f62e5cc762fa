package net

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/l1jgo/handoff/internal/net/packet"
	"go.uber.org/zap"
)

// Server accepts client connections and runs a Session for each.
type Server struct {
	listener net.Listener
	nextID   atomic.Uint64
	reg      *packet.Registry
	life     Lifecycle
	opts     Options
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[uint64]*Session
	wg       sync.WaitGroup

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewServer(reg *packet.Registry, life Lifecycle, opts Options, log *zap.Logger) *Server {
	return &Server{
		reg:      reg,
		life:     life,
		opts:     opts,
		log:      log,
		sessions: make(map[uint64]*Session),
		closeCh:  make(chan struct{}),
	}
}

// Listen binds the TCP listener.
func (s *Server) Listen(bindAddr string) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// AcceptLoop accepts TCP connections until Shutdown.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		go func() {
			fc, err := NewTCPConn(conn, s.opts.ReadTimeout, s.opts.WriteTimeout)
			if err != nil {
				s.log.Debug("handshake failed", zap.String("ip", conn.RemoteAddr().String()), zap.Error(err))
				conn.Close()
				return
			}
			s.Serve(fc)
		}()
	}
}

// Serve runs a session over an established connection. It returns nil,
// closing conn, once Shutdown has begun.
func (s *Server) Serve(conn FrameConn) *Session {
	// Registration and wg.Add happen under mu, which Shutdown also holds
	// while it closes closeCh, so Shutdown's Wait sees every session.
	s.mu.Lock()
	select {
	case <-s.closeCh:
		s.mu.Unlock()
		conn.Close()
		return nil
	default:
	}
	id := s.nextID.Add(1)
	sess := NewSession(conn, id, s.reg, s.life, s.opts, s.log)
	s.sessions[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		<-sess.Done()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	sess.Start()
	s.log.Info("client connected", zap.Uint64("session", id), zap.String("ip", sess.IP))
	return sess
}

// Count returns the number of live sessions.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Each calls fn for every live session. fn must not block.
func (s *Server) Each(fn func(*Session)) {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()
	for _, sess := range list {
		fn(sess)
	}
}

// Shutdown stops accepting, kicks every session and waits for their
// cleanup to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closeCh)
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
	})

	s.Each(func(sess *Session) {
		if !sess.Post(func(sess *Session) { sess.Kick(packet.DisconnectServerClosing) }) {
			sess.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Each(func(sess *Session) { sess.Close() })
		return ctx.Err()
	}
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
