package packet

import (
	"errors"
	"fmt"

	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// ErrStateNotAllowed is returned by Dispatch when the opcode is not
// accepted in the session's current state. The packet has been dropped.
var ErrStateNotAllowed = errors.New("opcode not allowed in state")

// HandlerFunc is the callback signature for packet handlers.
// The session pointer is passed as an opaque interface to avoid import cycles.
type HandlerFunc func(sess any, r *Reader)

type handlerEntry struct {
	fn            HandlerFunc
	allowedStates map[session.State]bool
}

// Registry maps opcodes to handlers with state-based access control.
type Registry struct {
	handlers map[byte]*handlerEntry
	charset  Charset
	log      *zap.Logger
}

func NewRegistry(cs Charset, log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[byte]*handlerEntry),
		charset:  cs,
		log:      log,
	}
}

func (reg *Registry) Charset() Charset { return reg.charset }

// Register maps an opcode to a handler, restricted to the given session states.
func (reg *Registry) Register(opcode byte, states []session.State, fn HandlerFunc) {
	allowed := make(map[session.State]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	reg.handlers[opcode] = &handlerEntry{
		fn:            fn,
		allowedStates: allowed,
	}
}

// Dispatch finds the handler for the opcode in data[0], validates the session
// state, and calls the handler. Unknown opcodes are ignored; a known opcode
// in the wrong state yields ErrStateNotAllowed.
func (reg *Registry) Dispatch(sess any, state session.State, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty packet")
	}
	opcode := data[0]
	reg.log.Debug("RX",
		zap.Uint8("opcode", opcode),
		zap.Int("size", len(data)),
		zap.Stringer("state", state),
	)

	entry, ok := reg.handlers[opcode]
	if !ok {
		reg.log.Debug("unknown opcode", zap.Uint8("opcode", opcode), zap.Stringer("state", state))
		return nil
	}

	if !entry.allowedStates[state] {
		return fmt.Errorf("%w: opcode %d in %s", ErrStateNotAllowed, opcode, state)
	}

	return reg.safeCall(entry.fn, sess, NewReader(data, reg.charset), opcode)
}

// safeCall executes a handler with panic recovery so a single bad packet
// cannot take down the session goroutine.
func (reg *Registry) safeCall(fn HandlerFunc, sess any, r *Reader, opcode byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("handler panic recovered",
				zap.Uint8("opcode", opcode),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for opcode %d: %v", opcode, rec)
		}
	}()
	fn(sess, r)
	if err := r.Err(); err != nil {
		return fmt.Errorf("opcode %d: %w", opcode, err)
	}
	return nil
}
