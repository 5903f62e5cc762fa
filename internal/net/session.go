package net

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Lifecycle is notified when a session ends. Closed runs on the session's
// own goroutine after the connection is gone; last is the state the
// session was in when it ended.
type Lifecycle interface {
	Closed(s *Session, last session.State)
}

// Options size a session's queues and limits.
type Options struct {
	InQueueSize      int
	OutQueueSize     int
	InboxSize        int
	PacketsPerSecond int // 0 = unlimited
	MaxViolations    int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Session is one client connection. A single goroutine (run) owns all of
// its mutable state: it handles decoded packets and tasks posted by other
// goroutines, one at a time. Network I/O runs in two more goroutines that
// only move bytes.
type Session struct {
	id   uint64
	IP   string
	conn FrameConn

	machine *session.Machine
	reg     *packet.Registry
	life    Lifecycle

	inQueue  chan []byte
	outQueue chan []byte
	inbox    chan func(*Session)

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	closing   atomic.Bool
	done      chan struct{}

	limiter *rate.Limiter

	// Owned by the session goroutine.
	AccountID   int32
	CharacterID int32
	CharName    string
	MachineID   string
	MapID       int32
	Field       *field.Instance
	FieldKey    field.Handshake
	// Owned is set once a redeem made this process the account's owner.
	Owned bool
	// MigratedOut is set once a redirect was sent; state was flushed for the target.
	MigratedOut bool

	fieldTimer *time.Timer

	log *zap.Logger
}

func NewSession(conn FrameConn, id uint64, reg *packet.Registry, life Lifecycle, opts Options, log *zap.Logger) *Session {
	s := &Session{
		id:       id,
		IP:       conn.RemoteAddr(),
		conn:     conn,
		machine:  session.NewMachine(opts.MaxViolations),
		reg:      reg,
		life:     life,
		inQueue:  make(chan []byte, max(opts.InQueueSize, 1)),
		outQueue: make(chan []byte, max(opts.OutQueueSize, 1)),
		inbox:    make(chan func(*Session), max(opts.InboxSize, 16)),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
		MapID:    -1,
		log:      log.With(zap.Uint64("session", id)),
	}
	if opts.PacketsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.PacketsPerSecond), opts.PacketsPerSecond)
	}
	return s
}

// ID implements field.Member.
func (s *Session) ID() uint64 { return s.id }

func (s *Session) Log() *zap.Logger { return s.log }

func (s *Session) Charset() packet.Charset { return s.reg.Charset() }

func (s *Session) State() session.State { return s.machine.State() }

// Advance moves along a defined state transition.
func (s *Session) Advance(to session.State) error {
	from := s.machine.State()
	if err := s.machine.Advance(to); err != nil {
		return err
	}
	s.log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// RevertMigration returns a MigratingOut session to Active after its
// ticket request failed.
func (s *Session) RevertMigration() error {
	if err := s.machine.Revert(); err != nil {
		return err
	}
	s.log.Debug("state", zap.Stringer("from", session.MigratingOut), zap.Stringer("to", session.Active))
	return nil
}

// Start launches the reader, writer and session goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
	go s.run()
}

// Done is closed after the session goroutine has finished cleanup.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues a packet. A full queue means the client is not reading and
// the connection is dropped.
func (s *Session) Send(data []byte) {
	if s.closed.Load() || s.closing.Load() {
		return
	}
	select {
	case s.outQueue <- data:
	default:
		s.log.Warn("output queue full, dropping slow connection")
		s.Close()
	}
}

// SendAndClose queues a final packet and closes the connection once it
// has been written.
func (s *Session) SendAndClose(data []byte) {
	if s.closed.Load() || s.closing.Load() {
		return
	}
	s.Send(data)
	s.closing.Store(true)
	select {
	case s.outQueue <- nil:
	default:
		s.Close()
	}
}

// Kick tells the client why and closes the connection.
func (s *Session) Kick(reason byte) {
	w := packet.NewWriter(packet.S_OPCODE_DISCONNECT, s.Charset())
	w.WriteC(reason)
	s.SendAndClose(w.Bytes())
}

// Post queues fn to run on the session goroutine without blocking. It
// reports false if the session is gone or its inbox is full.
func (s *Session) Post(fn func(*Session)) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.closeCh:
		return false
	default:
		s.log.Warn("inbox full, task dropped")
		return false
	}
}

// Do queues fn, waiting for inbox space. It reports false if the session
// closed first.
func (s *Session) Do(fn func(*Session)) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.closeCh:
		return false
	}
}

// Deliver implements field.Member: a message from another member of the
// attached field, forwarded only while this session is still Active.
func (s *Session) Deliver(data []byte) bool {
	return s.Post(func(s *Session) {
		if s.State() == session.Active {
			s.Send(data)
		}
	})
}

// AfterFunc runs fn on the session goroutine after d, unless the session
// has closed by then.
func (s *Session) AfterFunc(d time.Duration, fn func(*Session)) *time.Timer {
	return time.AfterFunc(d, func() { s.Do(fn) })
}

// SetFieldTimer replaces the pending field-entry timer.
func (s *Session) SetFieldTimer(t *time.Timer) {
	s.StopFieldTimer()
	s.fieldTimer = t
}

func (s *Session) StopFieldTimer() {
	if s.fieldTimer != nil {
		s.fieldTimer.Stop()
		s.fieldTimer = nil
	}
}

// Close shuts down the connection. Safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) run() {
	defer s.finish()
	for {
		select {
		case data := <-s.inQueue:
			s.handlePacket(data)
		case fn := <-s.inbox:
			fn(s)
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) handlePacket(data []byte) {
	err := s.reg.Dispatch(s, s.State(), data)
	if err == nil {
		return
	}
	if errors.Is(err, packet.ErrShortPacket) {
		s.log.Warn("malformed packet, disconnecting", zap.Error(err))
		s.Kick(packet.DisconnectProtocol)
		return
	}
	if !errors.Is(err, packet.ErrStateNotAllowed) {
		s.log.Warn("packet handling failed", zap.Error(err))
		return
	}
	n, fatal := s.machine.Violation()
	s.log.Warn("packet dropped", zap.Error(err), zap.Int("violations", n))
	if fatal {
		s.log.Warn("too many protocol violations, disconnecting")
		s.Kick(packet.DisconnectProtocol)
	}
}

func (s *Session) finish() {
	s.Close()
	s.StopFieldTimer()
	last := s.machine.Terminate()
	if s.life != nil {
		s.life.Closed(s, last)
	}
	close(s.done)
}

// readLoop reads frames and hands them to the session goroutine.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		payload, err := s.conn.ReadFrame()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("packet rate exceeded, disconnecting")
			return
		}

		// Block until there is room: dropping a packet here would reorder
		// the client's view of the protocol.
		select {
		case s.inQueue <- payload:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop writes queued packets. A nil packet asks it to close the
// connection after everything before it has been written.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.outQueue:
			if data == nil {
				return
			}
			if len(data) > 0 {
				s.log.Debug("TX",
					zap.String("op", fmt.Sprintf("0x%02X(%d)", data[0], data[0])),
					zap.Int("len", len(data)),
				)
			}
			if err := s.conn.WriteFrame(data); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write error", zap.Error(err))
				}
				return
			}
		case <-s.closeCh:
			return
		}
	}
}
